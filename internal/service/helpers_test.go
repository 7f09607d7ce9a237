package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/provider"
	"github.com/jakande/bulksend-backend/internal/repository/inmem"
	"github.com/jakande/bulksend-backend/internal/service"
)

// stubSender counts calls and delegates outcomes to fn; the default accepts
// everything with a unique provider message id.
type stubSender struct {
	mu    sync.Mutex
	calls int
	fn    func(address string, call int) (*provider.SendResult, error)
}

func (s *stubSender) Send(_ context.Context, _, address string, _ map[string]string) (*provider.SendResult, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(address, n)
	}
	return &provider.SendResult{ProviderMessageID: fmt.Sprintf("pm-%s-%d", address, n)}, nil
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store      *inmem.Store
	planner    *service.Planner
	lifecycle  *service.LifecycleService
	dispatcher *service.Dispatcher
	stats      *service.StatsService
	callbacks  *service.CallbackService
	sender     *stubSender
	registry   *provider.StaticRegistry
	clock      *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := inmem.NewStore()
	log := zerolog.Nop()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store.Now = clock.Now
	sender := &stubSender{}
	registry := provider.NewStaticRegistry()

	stats := service.NewStatsService(store.Recipients())
	planner := &service.Planner{
		Recipients: store.Recipients(),
		Batches:    store.Batches(),
		Log:        log,
	}
	lifecycle := &service.LifecycleService{
		Campaigns:  store.Campaigns(),
		Recipients: store.Recipients(),
		Planner:    planner,
		Stats:      stats,
		Now:        clock.Now,
		Log:        log,
	}
	dispatcher := &service.Dispatcher{
		Campaigns:     store.Campaigns(),
		Recipients:    store.Recipients(),
		Batches:       store.Batches(),
		Planner:       planner,
		Lifecycle:     lifecycle,
		Sender:        sender,
		Subscriptions: registry,
		Stats:         stats,
		Workers:       4,
		SendTimeout:   time.Second,
		LeaseDuration: 15 * time.Minute,
		RetryNextDay:  true,
		Now:           clock.Now,
		Log:           log,
	}
	callbacks := &service.CallbackService{
		Recipients: store.Recipients(),
		Stats:      stats,
		Log:        log,
	}

	return &testEnv{
		store:      store,
		planner:    planner,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		stats:      stats,
		callbacks:  callbacks,
		sender:     sender,
		registry:   registry,
		clock:      clock,
	}
}

// seedCampaign creates, fills, and optionally activates a campaign whose
// first dispatch day is startDay.
func (e *testEnv) seedCampaign(t *testing.T, n, dailyCap, maxRetries int, activate bool) (*model.Campaign, time.Time) {
	t.Helper()
	ctx := context.Background()

	campaign, err := e.lifecycle.Create(ctx, "test campaign", "Hi {name}!", dailyCap, maxRetries)
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	inputs := make([]service.RecipientInput, 0, n)
	for i := 0; i < n; i++ {
		inputs = append(inputs, service.RecipientInput{Address: addr(i)})
	}
	if n > 0 {
		if _, err := e.lifecycle.AddRecipients(ctx, campaign.ID, inputs); err != nil {
			t.Fatalf("add recipients: %v", err)
		}
	}

	startDay := model.DayOf(e.clock.Now())
	if activate {
		if _, err := e.lifecycle.Activate(ctx, campaign.ID, startDay); err != nil {
			t.Fatalf("activate campaign: %v", err)
		}
	}
	return campaign, startDay
}

func addr(i int) string {
	return fmt.Sprintf("+2547%08d", i)
}

func (e *testEnv) campaignStatus(t *testing.T, id int) model.CampaignStatus {
	t.Helper()
	c, err := e.store.Campaigns().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c.Status
}

func (e *testEnv) recipientByAddress(t *testing.T, campaignID int, address string) *model.Recipient {
	t.Helper()
	ctx := context.Background()
	// Walk ids in order; the in-memory store assigns them sequentially.
	for id := 1; ; id++ {
		rec, err := e.store.Recipients().GetByID(ctx, id)
		if err != nil {
			break
		}
		if rec.CampaignID == campaignID && rec.Address == address {
			return rec
		}
	}
	t.Fatalf("recipient %s not found in campaign %d", address, campaignID)
	return nil
}
