package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
)

type BatchRepository struct {
	DB *sqlx.DB
}

// Create inserts the batch row. Losing the unique (campaign_id, day) key to a
// concurrent insert yields ErrConflict so callers can re-read the day.
func (r *BatchRepository) Create(ctx context.Context, b *model.Batch) error {
	b.CreatedAt = time.Now()
	if b.ClaimStatus == "" {
		b.ClaimStatus = model.BatchUnclaimed
	}
	query := `
		INSERT INTO batches (campaign_id, day, capacity, claim_status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, day) DO NOTHING
		RETURNING id
	`
	err := r.DB.QueryRowContext(ctx, query,
		b.CampaignID, model.DayOf(b.Day), b.Capacity, b.ClaimStatus, b.CreatedAt,
	).Scan(&b.ID)
	if err == sql.ErrNoRows {
		return appErrors.NewConflict("batch", b.CampaignID)
	}
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// CreateMany inserts batch rows in chunks to stay under the Postgres
// parameter limit for large plans.
func (r *BatchRepository) CreateMany(ctx context.Context, batches []*model.Batch) error {
	const chunkSize = 1000
	for i := 0; i < len(batches); i += chunkSize {
		end := i + chunkSize
		if end > len(batches) {
			end = len(batches)
		}
		if err := r.insertChunk(ctx, batches[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *BatchRepository) insertChunk(ctx context.Context, batches []*model.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	now := time.Now()
	valuesClause := make([]string, len(batches))
	args := make([]interface{}, 0, len(batches)*5)
	for i, b := range batches {
		valuesClause[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			i*5+1, i*5+2, i*5+3, i*5+4, i*5+5)
		args = append(args, b.CampaignID, model.DayOf(b.Day), b.Capacity, model.BatchUnclaimed, now)
	}
	query := fmt.Sprintf(`
		INSERT INTO batches (campaign_id, day, capacity, claim_status, created_at)
		VALUES %s
	`, strings.Join(valuesClause, ", "))
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert batch chunk: %w", err)
	}
	return nil
}

func (r *BatchRepository) Get(ctx context.Context, campaignID int, day time.Time) (*model.Batch, error) {
	query := `
		SELECT id, campaign_id, day, capacity, claim_status, claim_owner, claim_expiry, created_at
		FROM batches WHERE campaign_id=$1 AND day=$2
	`
	var b model.Batch
	err := r.DB.GetContext(ctx, &b, query, campaignID, model.DayOf(day))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

func (r *BatchRepository) CountForCampaign(ctx context.Context, campaignID int) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM batches WHERE campaign_id=$1`
	if err := r.DB.GetContext(ctx, &n, query, campaignID); err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return n, nil
}

// Claim is the batch-level compare-and-swap: take the lease when the batch is
// unclaimed or the previous lease expired. Exactly one of two concurrent
// claimants can match the WHERE clause.
func (r *BatchRepository) Claim(ctx context.Context, campaignID int, day time.Time, owner string, expiry, now time.Time) (*model.Batch, error) {
	query := `
		UPDATE batches
		SET claim_status=$1, claim_owner=$2, claim_expiry=$3
		WHERE campaign_id=$4 AND day=$5
		  AND (claim_status=$6 OR (claim_status=$7 AND claim_expiry < $8))
	`
	result, err := r.DB.ExecContext(ctx, query,
		model.BatchClaimed, owner, expiry,
		campaignID, model.DayOf(day),
		model.BatchUnclaimed, model.BatchClaimed, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	b, err := r.Get(ctx, campaignID, day)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, appErrors.NewBatchNotFound(campaignID, day)
	}
	if rows == 0 {
		if b.ClaimStatus == model.BatchCompleted {
			return b, nil // re-run of a finished day, caller no-ops
		}
		return nil, appErrors.NewAlreadyClaimed(campaignID, day)
	}
	return b, nil
}

// Complete runs regardless of lease expiry so a slow run can still record its
// finish, but only for the recorded owner.
func (r *BatchRepository) Complete(ctx context.Context, campaignID int, day time.Time, owner string) error {
	query := `
		UPDATE batches SET claim_status=$1
		WHERE campaign_id=$2 AND day=$3 AND claim_status=$4 AND claim_owner=$5
	`
	result, err := r.DB.ExecContext(ctx, query,
		model.BatchCompleted, campaignID, model.DayOf(day), model.BatchClaimed, owner)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return appErrors.NewConflict("batch", campaignID)
	}
	return nil
}

func (r *BatchRepository) Release(ctx context.Context, campaignID int, day time.Time, owner string) error {
	query := `
		UPDATE batches SET claim_status=$1, claim_owner=NULL, claim_expiry=NULL
		WHERE campaign_id=$2 AND day=$3 AND claim_status=$4 AND claim_owner=$5
	`
	result, err := r.DB.ExecContext(ctx, query,
		model.BatchUnclaimed, campaignID, model.DayOf(day), model.BatchClaimed, owner)
	if err != nil {
		return fmt.Errorf("failed to release batch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return appErrors.NewConflict("batch", campaignID)
	}
	return nil
}

func (r *BatchRepository) IncrementCapacity(ctx context.Context, campaignID int, day time.Time, limit int) (bool, error) {
	query := `
		UPDATE batches SET capacity=capacity+1
		WHERE campaign_id=$1 AND day=$2 AND claim_status=$3 AND capacity < $4
	`
	result, err := r.DB.ExecContext(ctx, query, campaignID, model.DayOf(day), model.BatchUnclaimed, limit)
	if err != nil {
		return false, fmt.Errorf("failed to grow batch capacity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

var _ BatchRepositoryInterface = (*BatchRepository)(nil)
