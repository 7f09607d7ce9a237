package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/metrics"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/provider"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// Report summarizes one dispatch run. Attempted counts recipients handed to
// the send pipeline; Deferred are transient failures pushed to a later day.
type Report struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Dispatcher claims a day's batch, re-validates eligibility per recipient,
// invokes the send transport, and records outcomes. Safe to invoke more than
// once for the same day: the batch claim/lease makes overlapping trigger
// invocations race for a single winner, and a completed batch re-run is a
// no-op.
type Dispatcher struct {
	Campaigns     repository.CampaignRepositoryInterface
	Recipients    repository.RecipientRepositoryInterface
	Batches       repository.BatchRepositoryInterface
	Planner       *Planner
	Lifecycle     *LifecycleService
	Sender        provider.Sender
	Subscriptions provider.SubscriptionRegistry
	Stats         *StatsService

	Workers       int
	Limiter       *rate.Limiter
	SendTimeout   time.Duration
	LeaseDuration time.Duration
	RetryNextDay  bool

	// Now is the clock source; nil means time.Now. Tests move it.
	Now func() time.Time

	Log zerolog.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run executes the daily dispatch for (campaignID, day) on behalf of
// actorToken. ErrAlreadyClaimed is an expected outcome when another actor
// holds the batch lease, not a failure.
func (d *Dispatcher) Run(ctx context.Context, campaignID int, day time.Time, actorToken string) (Report, error) {
	started := d.now()
	day = model.DayOf(day)
	log := d.Log.With().
		Int("campaign_id", campaignID).
		Str("day", model.DayKey(day)).
		Str("actor", actorToken).
		Logger()

	campaign, err := d.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	// Pause/cancel gates the claim, not an in-progress run.
	if campaign.Status != model.CampaignActive {
		log.Info().Str("status", campaign.Status.String()).Msg("dispatch refused, campaign not active")
		metrics.RecordDispatchRun("noop", time.Since(started).Seconds())
		return Report{}, nil
	}

	batch, err := d.Batches.Claim(ctx, campaignID, day, actorToken, d.now().Add(d.LeaseDuration), d.now())
	if err != nil {
		if appErrors.IsAlreadyClaimed(err) {
			metrics.ClaimConflictsTotal.Inc()
			metrics.RecordDispatchRun("already_claimed", time.Since(started).Seconds())
			log.Info().Msg("batch claimed by another actor")
			return Report{}, err
		}
		if appErrors.IsBatchNotFound(err) {
			log.Debug().Msg("no batch scheduled for day")
			metrics.RecordDispatchRun("noop", time.Since(started).Seconds())
			return Report{}, nil
		}
		return Report{}, err
	}
	if batch.ClaimStatus == model.BatchCompleted {
		log.Info().Msg("batch already completed, nothing to do")
		metrics.RecordDispatchRun("noop", time.Since(started).Seconds())
		return Report{}, nil
	}

	due, err := d.Recipients.ListDue(ctx, campaignID, day, batch.Capacity)
	if err != nil {
		return Report{}, err
	}

	report := d.processAll(ctx, campaign, day, due)

	// Completion must happen even after the lease expired so a second run
	// sees claimed+completed and exits as a no-op. A cancelled context is
	// the crash path: leave the batch claimed and let the lease expire.
	if ctx.Err() == nil {
		if report.Deferred > 0 && !d.RetryNextDay {
			// Same-day retry mode: hand the batch back so a later
			// trigger re-run of this day picks the deferred rows up.
			if err := d.Batches.Release(ctx, campaignID, day, actorToken); err != nil && !appErrors.IsConflict(err) {
				return report, err
			}
		} else {
			if err := d.Batches.Complete(ctx, campaignID, day, actorToken); err != nil && !appErrors.IsConflict(err) {
				return report, err
			}
		}
		if d.Stats != nil {
			d.Stats.Invalidate(campaignID)
		}
		if err := d.Lifecycle.TryComplete(ctx, campaignID); err != nil {
			return report, err
		}
	}

	metrics.RecordDispatchRun("completed", time.Since(started).Seconds())
	log.Info().
		Int("attempted", report.Attempted).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("deferred", report.Deferred).
		Msg("dispatch run finished")
	return report, nil
}

// processAll drains the due list through a bounded worker pool. Ordering
// across recipients is not guaranteed; each recipient's compare-and-swap is
// independent.
func (d *Dispatcher) processAll(ctx context.Context, campaign *model.Campaign, day time.Time, due []*model.Recipient) Report {
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	jobs := make(chan *model.Recipient)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				outcome := d.processOne(ctx, campaign, day, rec)
				mu.Lock()
				report.Attempted++
				switch outcome {
				case outcomeSent:
					report.Sent++
				case outcomeSkipped:
					report.Skipped++
				case outcomeFailed:
					report.Failed++
				case outcomeDeferred:
					report.Deferred++
				case outcomeConflict:
					// Lost the row to a concurrent actor; it is
					// accounted for elsewhere.
					report.Attempted--
				}
				mu.Unlock()
			}
		}()
	}

	for _, rec := range due {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return report
		case jobs <- rec:
		}
	}
	close(jobs)
	wg.Wait()
	return report
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDeferred
	outcomeConflict
)

func (d *Dispatcher) processOne(ctx context.Context, campaign *model.Campaign, day time.Time, rec *model.Recipient) sendOutcome {
	log := d.Log.With().
		Int("campaign_id", campaign.ID).
		Int("recipient_id", rec.ID).
		Logger()

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return outcomeConflict
		}
	}

	// Eligibility is re-checked at send time, never at plan time: an
	// unsubscribe after planning must win.
	eligible, err := d.Subscriptions.IsEligible(ctx, rec.Address)
	if err != nil {
		log.Warn().Err(err).Msg("subscription lookup failed, treating as transient")
		return d.handleTransient(ctx, campaign, day, rec, err.Error())
	}
	if !eligible {
		if err := d.Recipients.Transition(ctx, rec.ID, model.RecipientPending, model.RecipientSkipped, repository.TransitionFields{}); err != nil {
			metrics.SendsTotal.WithLabelValues("conflict").Inc()
			return outcomeConflict
		}
		metrics.SendsTotal.WithLabelValues("skipped").Inc()
		log.Info().Str("address", rec.Address).Msg("recipient no longer eligible, skipped")
		return outcomeSkipped
	}

	params := map[string]string{}
	if rec.Params != "" {
		if err := json.Unmarshal([]byte(rec.Params), &params); err != nil {
			log.Warn().Err(err).Msg("bad recipient params, sending without")
		}
	}

	sctx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	result, sendErr := d.Sender.Send(sctx, campaign.TemplateRef, rec.Address, params)
	cancel()

	if sendErr == nil {
		fields := repository.TransitionFields{ProviderMessageID: &result.ProviderMessageID}
		if err := d.Recipients.Transition(ctx, rec.ID, model.RecipientPending, model.RecipientQueued, fields); err != nil {
			// Accepted by the transport but the row moved under us;
			// the provider id is lost with the losing actor, the
			// winning transition owns the record.
			metrics.SendsTotal.WithLabelValues("conflict").Inc()
			return outcomeConflict
		}
		metrics.SendsTotal.WithLabelValues("accepted").Inc()
		return outcomeSent
	}

	if provider.IsPermanentReject(sendErr) {
		return d.failTerminal(ctx, rec, sendErr.Error(), log)
	}
	return d.handleTransient(ctx, campaign, day, rec, sendErr.Error())
}

// handleTransient increments the retry count and either defers the recipient
// to a later dispatch day or, once retries are exhausted, fails it terminally.
// A recipient gets exactly maxRetries+1 send attempts.
func (d *Dispatcher) handleTransient(ctx context.Context, campaign *model.Campaign, day time.Time, rec *model.Recipient, errMsg string) sendOutcome {
	log := d.Log.With().Int("campaign_id", campaign.ID).Int("recipient_id", rec.ID).Logger()
	retries := rec.RetryCount + 1

	if retries > campaign.MaxRetries {
		return d.failTerminal(ctx, rec, errMsg, log)
	}

	fields := repository.TransitionFields{
		RetryCount: &retries,
		LastError:  &errMsg,
	}
	if d.RetryNextDay {
		retryDay, err := d.Planner.EnsureRetryDay(ctx, campaign, model.NextDay(day))
		if err != nil {
			log.Error().Err(err).Msg("no retry day available, failing recipient")
			return d.failTerminal(ctx, rec, errMsg, log)
		}
		fields.ScheduledDay = &retryDay
	}
	if err := d.Recipients.Defer(ctx, rec.ID, fields); err != nil {
		metrics.SendsTotal.WithLabelValues("conflict").Inc()
		return outcomeConflict
	}
	metrics.SendsTotal.WithLabelValues("deferred").Inc()
	log.Info().Int("retry_count", retries).Str("error", errMsg).Msg("send failed, deferred for retry")
	return outcomeDeferred
}

func (d *Dispatcher) failTerminal(ctx context.Context, rec *model.Recipient, errMsg string, log zerolog.Logger) sendOutcome {
	fields := repository.TransitionFields{LastError: &errMsg}
	if err := d.Recipients.Transition(ctx, rec.ID, model.RecipientPending, model.RecipientFailed, fields); err != nil {
		metrics.SendsTotal.WithLabelValues("conflict").Inc()
		return outcomeConflict
	}
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	log.Warn().Str("error", errMsg).Msg("recipient failed terminally")
	return outcomeFailed
}
