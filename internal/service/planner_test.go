package service_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
	"github.com/jakande/bulksend-backend/internal/service"
)

func TestPlanExactlyDivisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 10000, 250, 0, false)

	batches, err := env.planner.Plan(ctx, campaign, startDay)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batches) != 40 {
		t.Fatalf("expected 40 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if b.Capacity != 250 {
			t.Fatalf("batch %d: expected capacity 250, got %d", i, b.Capacity)
		}
		want := startDay.AddDate(0, 0, i)
		if !b.Day.Equal(want) {
			t.Fatalf("batch %d: expected day %s, got %s", i, model.DayKey(want), model.DayKey(b.Day))
		}
	}
}

func TestPlanNonDivisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 10001, 250, 0, false)

	batches, err := env.planner.Plan(ctx, campaign, startDay)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batches) != 41 {
		t.Fatalf("expected 41 batches, got %d", len(batches))
	}
	if last := batches[40]; last.Capacity != 1 {
		t.Fatalf("expected final capacity 1, got %d", last.Capacity)
	}
}

// Planning assigns the i-th recipient (creation order) to day start + i/cap.
func TestPlanAssignsDaysInCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 5, 2, 0, false)

	if _, err := env.planner.Plan(ctx, campaign, startDay); err != nil {
		t.Fatalf("plan: %v", err)
	}

	wantDays := []int{0, 0, 1, 1, 2}
	for i, offset := range wantDays {
		rec := env.recipientByAddress(t, campaign.ID, addr(i))
		want := startDay.AddDate(0, 0, offset)
		if rec.ScheduledDay == nil || !rec.ScheduledDay.Equal(want) {
			t.Fatalf("recipient %d: expected day %s, got %v", i, model.DayKey(want), rec.ScheduledDay)
		}
	}
}

func TestPlanTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 4, 2, 0, false)

	if _, err := env.planner.Plan(ctx, campaign, startDay); err != nil {
		t.Fatalf("first plan: %v", err)
	}
	_, err := env.planner.Plan(ctx, campaign, startDay)
	var planned *appErrors.ErrAlreadyPlanned
	if !asErr(err, &planned) {
		t.Fatalf("expected ErrAlreadyPlanned, got %v", err)
	}
}

// racingBatchRepo makes the first Create lose to a rival insert of the same
// day, the way two dispatcher workers can race to create a retry batch.
type racingBatchRepo struct {
	repository.BatchRepositoryInterface
	raced bool
}

func (r *racingBatchRepo) Create(ctx context.Context, b *model.Batch) error {
	if !r.raced {
		r.raced = true
		rival := *b
		if err := r.BatchRepositoryInterface.Create(ctx, &rival); err != nil {
			return err
		}
		return appErrors.NewConflict("batch", b.CampaignID)
	}
	return r.BatchRepositoryInterface.Create(ctx, b)
}

// Losing the batch insert race must re-read the day and use the rival's
// batch, never surface an error that would fail the recipient terminally.
func TestEnsureRetryDaySurvivesCreateRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 2, 2, 1, true)

	planner := &service.Planner{
		Recipients: env.store.Recipients(),
		Batches:    &racingBatchRepo{BatchRepositoryInterface: env.store.Batches()},
		Log:        zerolog.Nop(),
	}

	day2 := model.NextDay(startDay)
	got, err := planner.EnsureRetryDay(ctx, campaign, day2)
	if err != nil {
		t.Fatalf("ensure retry day: %v", err)
	}
	if !got.Equal(day2) {
		t.Fatalf("expected %s, got %s", model.DayKey(day2), model.DayKey(got))
	}

	// The rival's batch absorbed the deferral: capacity grew from 1 to 2.
	b, err := env.store.Batches().Get(ctx, campaign.ID, day2)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b == nil || b.Capacity != 2 {
		t.Fatalf("expected rival batch grown to capacity 2, got %+v", b)
	}
}

func TestPlanEmptyCampaign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign, startDay := env.seedCampaign(t, 0, 2, 0, false)

	_, err := env.planner.Plan(ctx, campaign, startDay)
	var empty *appErrors.ErrEmptyCampaign
	if !asErr(err, &empty) {
		t.Fatalf("expected ErrEmptyCampaign, got %v", err)
	}
}
