package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// DefaultMaxRetries applies when a campaign is created without an explicit
// retry budget.
const DefaultMaxRetries = 3

// RecipientInput is one audience entry for bulk ingestion.
type RecipientInput struct {
	Address string            `json:"address"`
	Params  map[string]string `json:"params,omitempty"`
}

// AddResult reports a bulk recipient ingestion.
type AddResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

// LifecycleService owns the campaign state machine and gates the planner and
// dispatcher behind it.
type LifecycleService struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Planner    *Planner
	Stats      *StatsService

	// Now is the clock source; nil means time.Now.
	Now func() time.Time

	Log zerolog.Logger
}

func (s *LifecycleService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create validates the throughput ceiling up front: a bad cap never reaches
// planning.
func (s *LifecycleService) Create(ctx context.Context, name, templateRef string, dailyCap, maxRetries int) (*model.Campaign, error) {
	if dailyCap <= 0 {
		return nil, appErrors.NewInvalidCap(dailyCap)
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	c := &model.Campaign{
		Name:        name,
		TemplateRef: templateRef,
		DailyCap:    dailyCap,
		MaxRetries:  maxRetries,
		Status:      model.CampaignDraft,
	}
	if err := s.Campaigns.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", c.ID).Str("name", name).Int("daily_cap", dailyCap).Msg("campaign created")
	return c, nil
}

// AddRecipients ingests audience entries while the campaign is still draft.
// Re-adding an existing address is a counted no-op, never an error.
func (s *LifecycleService) AddRecipients(ctx context.Context, campaignID int, inputs []RecipientInput) (*AddResult, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignDraft {
		return nil, appErrors.NewInvalidTransition("campaign", campaign.Status.String(), "add recipients")
	}

	result := &AddResult{}
	for _, in := range inputs {
		params := ""
		if len(in.Params) > 0 {
			raw, err := json.Marshal(in.Params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode recipient params: %w", err)
			}
			params = string(raw)
		}
		added, err := s.Recipients.Add(ctx, &model.Recipient{
			CampaignID: campaignID,
			Address:    in.Address,
			Params:     params,
			Status:     model.RecipientPending,
		})
		if err != nil {
			return nil, err
		}
		if added {
			result.Added++
		} else {
			result.Duplicates++
		}
	}

	total, err := s.Recipients.CountTotal(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.Campaigns.UpdateTotalRecipients(ctx, campaignID, total); err != nil {
		return nil, err
	}

	s.Log.Info().
		Int("campaign_id", campaignID).
		Int("added", result.Added).
		Int("duplicates", result.Duplicates).
		Msg("recipients ingested")
	return result, nil
}

// Activate plans the daily batches and moves draft -> active. Planning errors
// surface to the operator and leave the campaign in draft.
func (s *LifecycleService) Activate(ctx context.Context, campaignID int, startDay time.Time) (*model.Campaign, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignDraft {
		return nil, appErrors.NewInvalidTransition("campaign", campaign.Status.String(), "activate")
	}

	if _, err := s.Planner.Plan(ctx, campaign, startDay); err != nil {
		return nil, err
	}

	startedAt := s.now()
	if err := s.Campaigns.UpdateStatus(ctx, campaignID, model.CampaignDraft, model.CampaignActive, &startedAt, nil); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", campaignID).Str("start_day", model.DayKey(model.DayOf(startDay))).Msg("campaign activated")
	return s.Campaigns.GetByID(ctx, campaignID)
}

// Pause stops further batch claims; an in-progress run finishes naturally.
func (s *LifecycleService) Pause(ctx context.Context, campaignID int) error {
	return s.flip(ctx, campaignID, model.CampaignActive, model.CampaignPaused, "pause")
}

func (s *LifecycleService) Resume(ctx context.Context, campaignID int) error {
	return s.flip(ctx, campaignID, model.CampaignPaused, model.CampaignActive, "resume")
}

// Cancel is terminal. In-flight queued recipients finish their transport
// lifecycle; no further pending recipients are dispatched.
func (s *LifecycleService) Cancel(ctx context.Context, campaignID int) error {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case model.CampaignActive, model.CampaignPaused:
		if err := s.Campaigns.UpdateStatus(ctx, campaignID, campaign.Status, model.CampaignCancelled, nil, nil); err != nil {
			return err
		}
		s.Log.Info().Int("campaign_id", campaignID).Msg("campaign cancelled")
		return nil
	default:
		return appErrors.NewInvalidTransition("campaign", campaign.Status.String(), "cancel")
	}
}

// RetryRecipient is the one backward transition the registry allows: an
// operator returns a terminally failed recipient to pending with a fresh retry
// budget, scheduled on the next dispatch day with spare capacity.
func (s *LifecycleService) RetryRecipient(ctx context.Context, campaignID, recipientID int) (*model.Recipient, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignActive && campaign.Status != model.CampaignPaused {
		return nil, appErrors.NewInvalidTransition("campaign", campaign.Status.String(), "retry recipient")
	}
	rec, err := s.Recipients.GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if rec.CampaignID != campaignID {
		return nil, appErrors.NewRecipientNotFound(recipientID)
	}
	if rec.Status != model.RecipientFailed {
		return nil, appErrors.NewInvalidTransition("recipient", rec.Status.String(), "retry")
	}

	day, err := s.Planner.EnsureRetryDay(ctx, campaign, model.DayOf(s.now()))
	if err != nil {
		return nil, err
	}
	zero := 0
	fields := repository.TransitionFields{RetryCount: &zero, ScheduledDay: &day}
	if err := s.Recipients.Transition(ctx, recipientID, model.RecipientFailed, model.RecipientPending, fields); err != nil {
		return nil, err
	}
	if s.Stats != nil {
		s.Stats.Invalidate(campaignID)
	}
	s.Log.Info().
		Int("campaign_id", campaignID).
		Int("recipient_id", recipientID).
		Str("day", model.DayKey(day)).
		Msg("failed recipient returned to pending")
	return s.Recipients.GetByID(ctx, recipientID)
}

func (s *LifecycleService) flip(ctx context.Context, campaignID int, from, to model.CampaignStatus, op string) error {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != from {
		return appErrors.NewInvalidTransition("campaign", campaign.Status.String(), op)
	}
	if err := s.Campaigns.UpdateStatus(ctx, campaignID, from, to, nil, nil); err != nil {
		return err
	}
	s.Log.Info().Int("campaign_id", campaignID).Str("op", op).Msg("campaign status changed")
	return nil
}

// TryComplete moves active -> completed once no pending recipients remain.
// Called opportunistically after dispatch runs, never forced externally.
// Losing the status CAS to a concurrent pause/cancel is fine.
func (s *LifecycleService) TryComplete(ctx context.Context, campaignID int) error {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.CampaignActive {
		return nil
	}
	pending, err := s.Recipients.CountPending(ctx, campaignID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	completedAt := s.now()
	err = s.Campaigns.UpdateStatus(ctx, campaignID, model.CampaignActive, model.CampaignCompleted, nil, &completedAt)
	if err != nil {
		if appErrors.IsConflict(err) {
			return nil
		}
		return err
	}
	if s.Stats != nil {
		s.Stats.Invalidate(campaignID)
	}
	s.Log.Info().Int("campaign_id", campaignID).Msg("campaign completed")
	return nil
}
