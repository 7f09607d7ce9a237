package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/provider"
	"github.com/jakande/bulksend-backend/internal/service"
)

func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func TestCreateRejectsInvalidCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, cap := range []int{0, -5} {
		_, err := env.lifecycle.Create(ctx, "bad", "tpl", cap, 0)
		var invalid *appErrors.ErrInvalidCap
		if !asErr(err, &invalid) {
			t.Fatalf("cap %d: expected ErrInvalidCap, got %v", cap, err)
		}
	}
}

// Adding the same address twice yields exactly one recipient row.
func TestAddRecipientsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, _ := env.seedCampaign(t, 0, 10, 0, false)

	inputs := []service.RecipientInput{{Address: addr(0)}, {Address: addr(1)}}
	result, err := env.lifecycle.AddRecipients(ctx, campaign.ID, inputs)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if result.Added != 2 || result.Duplicates != 0 {
		t.Fatalf("first add: got %+v", result)
	}

	result, err = env.lifecycle.AddRecipients(ctx, campaign.ID, inputs)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if result.Added != 0 || result.Duplicates != 2 {
		t.Fatalf("re-add: got %+v", result)
	}

	total, err := env.store.Recipients().CountTotal(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 recipients, got %d", total)
	}

	c, err := env.store.Campaigns().GetByID(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.TotalRecipients != 2 {
		t.Fatalf("expected total_recipients=2, got %d", c.TotalRecipients)
	}
}

func TestAddRecipientsRejectedAfterActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, _ := env.seedCampaign(t, 2, 10, 0, true)

	_, err := env.lifecycle.AddRecipients(ctx, campaign.ID, []service.RecipientInput{{Address: addr(9)}})
	if !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestActivateEmptyCampaignStaysDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, _ := env.seedCampaign(t, 0, 10, 0, false)

	_, err := env.lifecycle.Activate(ctx, campaign.ID, model.Today())
	var empty *appErrors.ErrEmptyCampaign
	if !asErr(err, &empty) {
		t.Fatalf("expected ErrEmptyCampaign, got %v", err)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignDraft {
		t.Fatalf("expected campaign to stay draft, got %s", got)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, _ := env.seedCampaign(t, 2, 10, 0, true)

	// Resume is only valid from paused.
	if err := env.lifecycle.Resume(ctx, campaign.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition for resume on active, got %v", err)
	}

	if err := env.lifecycle.Pause(ctx, campaign.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignPaused {
		t.Fatalf("expected paused, got %s", got)
	}

	if err := env.lifecycle.Resume(ctx, campaign.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignActive {
		t.Fatalf("expected active, got %s", got)
	}

	if err := env.lifecycle.Cancel(ctx, campaign.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}

	// Cancelled is terminal.
	if err := env.lifecycle.Resume(ctx, campaign.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition out of cancelled, got %v", err)
	}
	if err := env.lifecycle.Cancel(ctx, campaign.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected cancel on cancelled to be rejected, got %v", err)
	}
}

// An operator can return a terminally failed recipient to pending; it is
// rescheduled on the next day with spare capacity and eventually sent.
func TestRetryFailedRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day1 := env.seedCampaign(t, 2, 1, 0, true)

	failing := addr(0)
	env.sender.fn = func(address string, call int) (*provider.SendResult, error) {
		if address == failing {
			return nil, fmt.Errorf("provider unavailable")
		}
		return &provider.SendResult{ProviderMessageID: fmt.Sprintf("pm-%s-%d", address, call)}, nil
	}

	if _, err := env.dispatcher.Run(ctx, campaign.ID, day1, "actor-a"); err != nil {
		t.Fatalf("day one run: %v", err)
	}
	failed := env.recipientByAddress(t, campaign.ID, failing)
	if failed.Status != model.RecipientFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}

	// Retrying a recipient that has not failed is rejected.
	other := env.recipientByAddress(t, campaign.ID, addr(1))
	if _, err := env.lifecycle.RetryRecipient(ctx, campaign.ID, other.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition for pending recipient, got %v", err)
	}

	env.sender.fn = nil
	retried, err := env.lifecycle.RetryRecipient(ctx, campaign.ID, failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != model.RecipientPending || retried.RetryCount != 0 {
		t.Fatalf("expected pending with fresh retry budget, got %s retry_count=%d", retried.Status, retried.RetryCount)
	}
	if retried.ScheduledDay == nil {
		t.Fatal("expected a scheduled day")
	}

	day := model.NextDay(day1)
	for i := 0; i < 3; i++ {
		if _, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-a"); err != nil {
			t.Fatalf("run %s: %v", model.DayKey(day), err)
		}
		day = model.NextDay(day)
	}

	stats, err := env.stats.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 0 {
		t.Fatalf("expected sent=2 failed=0, got %+v", stats)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestPauseFromPausedRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, _ := env.seedCampaign(t, 2, 10, 0, true)

	if err := env.lifecycle.Pause(ctx, campaign.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.lifecycle.Pause(ctx, campaign.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected double pause to be rejected, got %v", err)
	}
}
