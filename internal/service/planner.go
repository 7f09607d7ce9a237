package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// Planner partitions a campaign's pending recipients into ordered daily
// batches at activation time.
type Planner struct {
	Recipients repository.RecipientRepositoryInterface
	Batches    repository.BatchRepositoryInterface
	Log        zerolog.Logger
}

// retryScanDays bounds how far EnsureRetryDay walks forward looking for a day
// with spare capacity.
const retryScanDays = 366

// Plan assigns the i-th pending recipient (creation order, 0-indexed) to day
// startDay + i/dailyCap and creates one batch row per distinct day. It is
// deterministic and only runnable before activation; once batches exist a
// re-plan is rejected so in-flight work is never reshuffled.
func (p *Planner) Plan(ctx context.Context, campaign *model.Campaign, startDay time.Time) ([]*model.Batch, error) {
	if campaign.DailyCap <= 0 {
		return nil, appErrors.NewInvalidCap(campaign.DailyCap)
	}

	existing, err := p.Batches.CountForCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, appErrors.NewAlreadyPlanned(campaign.ID)
	}

	pending, err := p.Recipients.ListPending(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, appErrors.NewEmptyCampaign(campaign.ID)
	}

	start := model.DayOf(startDay)
	batches := []*model.Batch{}
	for offset := 0; offset*campaign.DailyCap < len(pending); offset++ {
		lo := offset * campaign.DailyCap
		hi := lo + campaign.DailyCap
		if hi > len(pending) {
			hi = len(pending)
		}
		day := start.AddDate(0, 0, offset)

		ids := make([]int, 0, hi-lo)
		for _, rec := range pending[lo:hi] {
			ids = append(ids, rec.ID)
		}
		if err := p.Recipients.AssignDay(ctx, ids, day); err != nil {
			return nil, err
		}

		batches = append(batches, &model.Batch{
			CampaignID: campaign.ID,
			Day:        day,
			Capacity:   hi - lo,
		})
	}

	if err := p.Batches.CreateMany(ctx, batches); err != nil {
		return nil, err
	}

	p.Log.Info().
		Int("campaign_id", campaign.ID).
		Int("recipients", len(pending)).
		Int("batches", len(batches)).
		Str("start_day", model.DayKey(start)).
		Msg("campaign planned")
	return batches, nil
}

// EnsureRetryDay finds the earliest day on or after `after` that can absorb
// one more recipient: an unclaimed batch below the daily cap, or a day with
// no batch yet. Used by the dispatcher's retry-deferral path, where several
// workers may race to create the same day; losing the insert re-reads the day
// instead of erroring so a transient failure never turns terminal here.
func (p *Planner) EnsureRetryDay(ctx context.Context, campaign *model.Campaign, after time.Time) (time.Time, error) {
	day := model.DayOf(after)
	for i := 0; i < retryScanDays; i++ {
		b, err := p.Batches.Get(ctx, campaign.ID, day)
		if err != nil {
			return time.Time{}, err
		}
		if b == nil {
			nb := &model.Batch{CampaignID: campaign.ID, Day: day, Capacity: 1}
			err := p.Batches.Create(ctx, nb)
			if err == nil {
				return day, nil
			}
			if appErrors.IsConflict(err) {
				// Another worker created this day first; rescan it.
				continue
			}
			return time.Time{}, err
		}
		if b.ClaimStatus == model.BatchUnclaimed {
			grown, err := p.Batches.IncrementCapacity(ctx, campaign.ID, day, campaign.DailyCap)
			if err != nil {
				return time.Time{}, err
			}
			if grown {
				return day, nil
			}
		}
		day = model.NextDay(day)
	}
	return time.Time{}, appErrors.NewBatchNotFound(campaign.ID, after)
}
