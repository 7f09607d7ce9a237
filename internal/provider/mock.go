package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// MockSender simulates the provider for local runs and seeding: roughly 90%
// of sends are accepted, the rest split between transient failures and
// permanent rejections.
type MockSender struct {
	seq atomic.Int64
}

func (m *MockSender) Send(_ context.Context, templateRef, address string, params map[string]string) (*SendResult, error) {
	_ = RenderTemplate(templateRef, params)
	r := rand.Float64()
	switch {
	case r < 0.9:
		id := m.seq.Add(1)
		return &SendResult{ProviderMessageID: fmt.Sprintf("mock-%s-%d", address, id)}, nil
	case r < 0.97:
		return nil, fmt.Errorf("mock transport unavailable")
	default:
		return nil, &RejectError{Reason: "invalid address", Permanent: true}
	}
}

// AllowAllRegistry treats every address as opted in.
type AllowAllRegistry struct{}

func (AllowAllRegistry) IsEligible(context.Context, string) (bool, error) { return true, nil }

// StaticRegistry answers from a fixed opt-out set.
type StaticRegistry struct {
	mu       sync.Mutex
	optedOut map[string]bool
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{optedOut: make(map[string]bool)}
}

func (s *StaticRegistry) OptOut(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optedOut[address] = true
}

func (s *StaticRegistry) IsEligible(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.optedOut[address], nil
}

var (
	_ Sender               = (*MockSender)(nil)
	_ SubscriptionRegistry = (*StaticRegistry)(nil)
	_ SubscriptionRegistry = AllowAllRegistry{}
)
