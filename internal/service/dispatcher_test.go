package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/provider"
)

// Three recipients, cap 2, no retries: day one sends two, day two sends the
// third, and the campaign completes with sent=3 failed=0 pending=0.
func TestDispatchTwoDayScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day1 := env.seedCampaign(t, 3, 2, 0, true)

	report, err := env.dispatcher.Run(ctx, campaign.ID, day1, "actor-a")
	if err != nil {
		t.Fatalf("day one run: %v", err)
	}
	if report.Attempted != 2 || report.Sent != 2 {
		t.Fatalf("day one: expected attempted=2 sent=2, got %+v", report)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignActive {
		t.Fatalf("expected campaign active after day one, got %s", got)
	}

	day2 := model.NextDay(day1)
	report, err = env.dispatcher.Run(ctx, campaign.ID, day2, "actor-a")
	if err != nil {
		t.Fatalf("day two run: %v", err)
	}
	if report.Attempted != 1 || report.Sent != 1 {
		t.Fatalf("day two: expected attempted=1 sent=1, got %+v", report)
	}

	stats, err := env.stats.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sent != 3 || stats.Failed != 0 || stats.Pending != 0 {
		t.Fatalf("expected sent=3 failed=0 pending=0, got %+v", stats)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignCompleted {
		t.Fatalf("expected campaign completed, got %s", got)
	}
}

// A second run after the first completes performs zero additional sends.
func TestDispatchIdempotentRerun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 5, 10, 0, true)

	first, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-a")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Attempted != 5 {
		t.Fatalf("expected 5 attempted, got %+v", first)
	}

	second, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-b")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Attempted != 0 {
		t.Fatalf("expected attempted=0 on re-run, got %+v", second)
	}
	if env.sender.callCount() != 5 {
		t.Fatalf("expected 5 transport calls total, got %d", env.sender.callCount())
	}
}

// Two simultaneous runs for the same day: exactly one performs sends, the
// other observes AlreadyClaimed.
func TestDispatchConcurrentRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 20, 20, 0, true)

	// Slow the transport down and signal once the first actor is mid-run so
	// the second actor is guaranteed to overlap with a live claim.
	var once sync.Once
	started := make(chan struct{})
	env.sender.fn = func(address string, call int) (*provider.SendResult, error) {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return &provider.SendResult{ProviderMessageID: fmt.Sprintf("pm-%s-%d", address, call)}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.dispatcher.Run(ctx, campaign.ID, day, "actor-0")
	}()
	go func() {
		defer wg.Done()
		<-started
		_, errs[1] = env.dispatcher.Run(ctx, campaign.ID, day, "actor-1")
	}()
	wg.Wait()

	claimed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if appErrors.IsAlreadyClaimed(err) {
			claimed++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one AlreadyClaimed, got %d", claimed)
	}
	if env.sender.callCount() != 20 {
		t.Fatalf("expected 20 transport calls, got %d", env.sender.callCount())
	}
}

// A recipient who unsubscribed after planning ends skipped, never sent.
func TestDispatchUnsubscribedSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 3, 10, 0, true)

	env.registry.OptOut(addr(1))

	report, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 2 {
		t.Fatalf("expected skipped=1 sent=2, got %+v", report)
	}
	rec := env.recipientByAddress(t, campaign.ID, addr(1))
	if rec.Status != model.RecipientSkipped {
		t.Fatalf("expected skipped, got %s", rec.Status)
	}
	if env.sender.callCount() != 2 {
		t.Fatalf("transport called for an unsubscribed recipient")
	}
}

// A recipient that fails transport every attempt goes terminal after exactly
// max_retries+1 attempts.
func TestDispatchRetryBound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const maxRetries = 2
	campaign, day := env.seedCampaign(t, 1, 5, maxRetries, true)

	env.sender.fn = func(string, int) (*provider.SendResult, error) {
		return nil, fmt.Errorf("provider unavailable")
	}

	current := day
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		report, err := env.dispatcher.Run(ctx, campaign.ID, current, "actor-a")
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if report.Attempted != 1 {
			t.Fatalf("attempt %d: expected one attempt, got %+v", attempt, report)
		}
		if attempt <= maxRetries {
			if report.Deferred != 1 {
				t.Fatalf("attempt %d: expected deferral, got %+v", attempt, report)
			}
		} else if report.Failed != 1 {
			t.Fatalf("final attempt: expected failure, got %+v", report)
		}
		current = model.NextDay(current)
	}

	if env.sender.callCount() != maxRetries+1 {
		t.Fatalf("expected %d transport calls, got %d", maxRetries+1, env.sender.callCount())
	}
	rec := env.recipientByAddress(t, campaign.ID, addr(0))
	if rec.Status != model.RecipientFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.LastError == nil || *rec.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}

	// Nothing pending, so the campaign must have completed.
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

// A permanent rejection maps straight to failed without consuming retries.
func TestDispatchPermanentRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 1, 5, 3, true)

	env.sender.fn = func(string, int) (*provider.SendResult, error) {
		return nil, &provider.RejectError{Reason: "invalid address", Permanent: true}
	}

	report, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Deferred != 0 {
		t.Fatalf("expected immediate terminal failure, got %+v", report)
	}
	if env.sender.callCount() != 1 {
		t.Fatalf("expected a single transport call, got %d", env.sender.callCount())
	}
	rec := env.recipientByAddress(t, campaign.ID, addr(0))
	if rec.Status != model.RecipientFailed || rec.RetryCount != 0 {
		t.Fatalf("expected failed with retry_count=0, got %s retry_count=%d", rec.Status, rec.RetryCount)
	}
}

// Pausing takes effect at the next claim attempt: a paused campaign's batch
// is never claimed.
func TestDispatchPausedRefusesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 2, 5, 0, true)

	if err := env.lifecycle.Pause(ctx, campaign.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	report, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Attempted != 0 || env.sender.callCount() != 0 {
		t.Fatalf("paused campaign dispatched work: %+v", report)
	}

	b, err := env.store.Batches().Get(ctx, campaign.ID, day)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.ClaimStatus != model.BatchUnclaimed {
		t.Fatalf("expected batch left unclaimed, got %s", b.ClaimStatus)
	}

	// Resume and the same day dispatches normally.
	if err := env.lifecycle.Resume(ctx, campaign.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	report, err = env.dispatcher.Run(ctx, campaign.ID, day, "actor-a")
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if report.Sent != 2 {
		t.Fatalf("expected 2 sent after resume, got %+v", report)
	}
}

// An expired lease can be taken over by another actor; a live one cannot.
func TestDispatchLeaseTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 2, 5, 0, true)

	// Simulate a crashed actor holding the claim.
	_, err := env.store.Batches().Claim(ctx, campaign.ID, day, "crashed-actor",
		env.clock.Now().Add(15*time.Minute), env.clock.Now())
	if err != nil {
		t.Fatalf("manual claim: %v", err)
	}

	if _, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-b"); !appErrors.IsAlreadyClaimed(err) {
		t.Fatalf("expected AlreadyClaimed while lease is live, got %v", err)
	}

	env.clock.Advance(16 * time.Minute)

	report, err := env.dispatcher.Run(ctx, campaign.ID, day, "actor-b")
	if err != nil {
		t.Fatalf("takeover run: %v", err)
	}
	if report.Sent != 2 {
		t.Fatalf("expected takeover to send 2, got %+v", report)
	}
}

// A transient failure with retries left moves the recipient to the next day
// with spare capacity and grows that day's batch.
func TestDispatchDeferralSchedulesNextDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day1 := env.seedCampaign(t, 3, 2, 3, true)

	failing := addr(0)
	env.sender.fn = func(address string, call int) (*provider.SendResult, error) {
		if address == failing {
			return nil, fmt.Errorf("provider unavailable")
		}
		return &provider.SendResult{ProviderMessageID: fmt.Sprintf("pm-%s-%d", address, call)}, nil
	}

	report, err := env.dispatcher.Run(ctx, campaign.ID, day1, "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Deferred != 1 || report.Sent != 1 {
		t.Fatalf("expected deferred=1 sent=1, got %+v", report)
	}

	day2 := model.NextDay(day1)
	rec := env.recipientByAddress(t, campaign.ID, failing)
	if rec.ScheduledDay == nil || !rec.ScheduledDay.Equal(day2) {
		t.Fatalf("expected recipient rescheduled to %s, got %v", model.DayKey(day2), rec.ScheduledDay)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", rec.RetryCount)
	}

	// Day two already had one planned recipient; the deferral grew it to 2.
	b, err := env.store.Batches().Get(ctx, campaign.ID, day2)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Capacity != 2 {
		t.Fatalf("expected day-two capacity 2, got %d", b.Capacity)
	}

	// Day two drains both the planned and the deferred recipient.
	env.sender.fn = nil
	report, err = env.dispatcher.Run(ctx, campaign.ID, day2, "actor-a")
	if err != nil {
		t.Fatalf("day two run: %v", err)
	}
	if report.Sent != 2 {
		t.Fatalf("expected 2 sent on day two, got %+v", report)
	}
	if got := env.campaignStatus(t, campaign.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

// A transient failure whose retry-batch insert loses to a concurrent creator
// must still defer, never land in terminal failed with retries remaining.
func TestDispatchDeferralSurvivesBatchCreateRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day1 := env.seedCampaign(t, 1, 2, 2, true)

	env.planner.Batches = &racingBatchRepo{BatchRepositoryInterface: env.store.Batches()}
	env.sender.fn = func(string, int) (*provider.SendResult, error) {
		return nil, fmt.Errorf("provider unavailable")
	}

	report, err := env.dispatcher.Run(ctx, campaign.ID, day1, "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Deferred != 1 || report.Failed != 0 {
		t.Fatalf("expected deferred=1 failed=0, got %+v", report)
	}

	day2 := model.NextDay(day1)
	rec := env.recipientByAddress(t, campaign.ID, addr(0))
	if rec.Status != model.RecipientPending || rec.RetryCount != 1 {
		t.Fatalf("expected pending with retry_count=1, got %s retry_count=%d", rec.Status, rec.RetryCount)
	}
	if rec.ScheduledDay == nil || !rec.ScheduledDay.Equal(day2) {
		t.Fatalf("expected rescheduled to %s, got %v", model.DayKey(day2), rec.ScheduledDay)
	}
}

// Dispatching a day with no planned batch is a quiet no-op.
func TestDispatchDayWithoutBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, day := env.seedCampaign(t, 1, 5, 0, true)

	report, err := env.dispatcher.Run(ctx, campaign.ID, model.NextDay(day), "actor-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Attempted != 0 {
		t.Fatalf("expected no work, got %+v", report)
	}
}
