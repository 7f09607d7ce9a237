// Package provider defines the contracts of the external collaborators the
// delivery engine talks to: the message-send transport and the subscription
// registry. The engine never implements these itself.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendResult is the transport's acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string
}

// Sender is the outbound message transport. A nil error with a SendResult
// means accepted; a *RejectError means the provider refused the message; any
// other error (including a deadline) is transient and eligible for retry.
type Sender interface {
	Send(ctx context.Context, templateRef, address string, params map[string]string) (*SendResult, error)
}

// SubscriptionRegistry answers opt-in lookups. It is consulted once per
// recipient per dispatch attempt and never cached across days.
type SubscriptionRegistry interface {
	IsEligible(ctx context.Context, address string) (bool, error)
}

// RejectError is a provider-side refusal. Permanent rejections (invalid
// address, template refused) map straight to a terminal failure without
// consuming retries; others follow the transient retry path.
type RejectError struct {
	Reason    string
	Permanent bool
}

func (e *RejectError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("send rejected (%s): %s", kind, e.Reason)
}

// IsPermanentReject reports whether err is a rejection that must not be
// retried.
func IsPermanentReject(err error) bool {
	var r *RejectError
	return errors.As(err, &r) && r.Permanent
}
