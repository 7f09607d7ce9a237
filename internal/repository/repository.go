package repository

import (
	"context"
	"time"

	"github.com/jakande/bulksend-backend/internal/model"
)

// TransitionFields carries the optional column updates applied together with a
// recipient status transition. Nil fields are left untouched.
type TransitionFields struct {
	ProviderMessageID *string
	LastError         *string
	RetryCount        *int
	ScheduledDay      *time.Time
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	// UpdateStatus flips the campaign status only if the current status
	// matches from; otherwise it returns ErrConflict. startedAt/completedAt
	// are stamped when non-nil.
	UpdateStatus(ctx context.Context, id int, from, to model.CampaignStatus, startedAt, completedAt *time.Time) error
	UpdateTotalRecipients(ctx context.Context, id, total int) error
}

type RecipientRepositoryInterface interface {
	// Add inserts a recipient unless one already exists for the same
	// (campaign_id, address) pair. Returns false for a duplicate; a
	// duplicate is a no-op, never an error.
	Add(ctx context.Context, r *model.Recipient) (bool, error)
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Recipient, error)
	// ListPending returns all pending recipients in creation order.
	ListPending(ctx context.Context, campaignID int) ([]*model.Recipient, error)
	// ListDue returns pending recipients scheduled for day, in creation
	// order, bounded by limit.
	ListDue(ctx context.Context, campaignID int, day time.Time, limit int) ([]*model.Recipient, error)
	// Transition performs the compare-and-swap status change. RowsAffected
	// of zero means the expected status no longer holds and yields
	// ErrConflict.
	Transition(ctx context.Context, id int, from, to model.RecipientStatus, fields TransitionFields) error
	// Defer keeps a pending recipient pending while bumping its retry
	// bookkeeping, conditional on the row still being pending.
	Defer(ctx context.Context, id int, fields TransitionFields) error
	// AssignDay stamps scheduled_day on the given recipients.
	AssignDay(ctx context.Context, ids []int, day time.Time) error
	CountByStatus(ctx context.Context, campaignID int) (map[model.RecipientStatus]int, error)
	CountPending(ctx context.Context, campaignID int) (int, error)
	CountScheduled(ctx context.Context, campaignID int, day time.Time) (int, error)
	CountTotal(ctx context.Context, campaignID int) (int, error)
	// CountUpdatedOn buckets recipients by status among rows whose last
	// transition happened on the given day. Feeds the daily snapshot.
	CountUpdatedOn(ctx context.Context, campaignID int, day time.Time) (map[model.RecipientStatus]int, error)
}

type BatchRepositoryInterface interface {
	// Create inserts a batch row; a concurrent insert of the same
	// (campaign_id, day) yields ErrConflict for the loser.
	Create(ctx context.Context, b *model.Batch) error
	CreateMany(ctx context.Context, batches []*model.Batch) error
	Get(ctx context.Context, campaignID int, day time.Time) (*model.Batch, error)
	CountForCampaign(ctx context.Context, campaignID int) (int, error)
	// Claim swaps the batch to claimed for owner when it is unclaimed or its
	// previous lease expired before now. A live claim by another owner
	// yields ErrAlreadyClaimed; a missing batch yields ErrBatchNotFound. A
	// completed batch is returned as-is with no error so re-runs can no-op.
	Claim(ctx context.Context, campaignID int, day time.Time, owner string, expiry, now time.Time) (*model.Batch, error)
	// Complete marks the batch done regardless of lease expiry, conditional
	// on the caller still being the recorded owner.
	Complete(ctx context.Context, campaignID int, day time.Time, owner string) error
	// Release returns a claimed batch to unclaimed so the same day can be
	// re-run (same-day retry mode).
	Release(ctx context.Context, campaignID int, day time.Time, owner string) error
	// IncrementCapacity grows an unclaimed batch by one, bounded by limit.
	// Returns false when the batch is claimed, completed, or already full.
	IncrementCapacity(ctx context.Context, campaignID int, day time.Time, limit int) (bool, error)
}
