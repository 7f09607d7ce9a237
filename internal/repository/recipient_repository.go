package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
)

type RecipientRepository struct {
	DB *sqlx.DB
}

// Add relies on the unique (campaign_id, address) key: a duplicate insert is
// swallowed by ON CONFLICT DO NOTHING so audience-selection queries can be
// re-run safely.
func (r *RecipientRepository) Add(ctx context.Context, rec *model.Recipient) (bool, error) {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.RecipientPending
	}
	query := `
		INSERT INTO recipients (campaign_id, address, params, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (campaign_id, address) DO NOTHING
		RETURNING id
	`
	err := r.DB.QueryRowContext(ctx, query,
		rec.CampaignID, rec.Address, rec.Params, rec.Status, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	if err == sql.ErrNoRows {
		return false, nil // duplicate, no-op
	}
	if err != nil {
		return false, fmt.Errorf("failed to add recipient: %w", err)
	}
	return true, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.DB.GetContext(ctx, &rec, recipientColumns+` WHERE id=$1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewRecipientNotFound(id)
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return &rec, nil
}

const recipientColumns = `
	SELECT id, campaign_id, address, params, status, scheduled_day,
	       provider_message_id, retry_count, last_error, created_at, updated_at
	FROM recipients`

func (r *RecipientRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.DB.GetContext(ctx, &rec, recipientColumns+` WHERE provider_message_id=$1`, providerMessageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find recipient by provider message id: %w", err)
	}
	return &rec, nil
}

func (r *RecipientRepository) ListPending(ctx context.Context, campaignID int) ([]*model.Recipient, error) {
	recs := []*model.Recipient{}
	query := recipientColumns + ` WHERE campaign_id=$1 AND status=$2 ORDER BY id ASC`
	if err := r.DB.SelectContext(ctx, &recs, query, campaignID, model.RecipientPending); err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	return recs, nil
}

func (r *RecipientRepository) ListDue(ctx context.Context, campaignID int, day time.Time, limit int) ([]*model.Recipient, error) {
	recs := []*model.Recipient{}
	query := recipientColumns + `
		WHERE campaign_id=$1 AND status=$2 AND scheduled_day=$3
		ORDER BY id ASC
		LIMIT $4`
	err := r.DB.SelectContext(ctx, &recs, query, campaignID, model.RecipientPending, model.DayOf(day), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due recipients: %w", err)
	}
	return recs, nil
}

// Transition is the single concurrency primitive of the registry: the UPDATE
// only matches while the row still holds the expected status, so exactly one
// of two concurrent transitions can win.
func (r *RecipientRepository) Transition(ctx context.Context, id int, from, to model.RecipientStatus, fields TransitionFields) error {
	query := `
		UPDATE recipients
		SET status=$1,
		    provider_message_id=COALESCE($2, provider_message_id),
		    last_error=COALESCE($3, last_error),
		    retry_count=COALESCE($4, retry_count),
		    scheduled_day=COALESCE($5, scheduled_day),
		    updated_at=NOW()
		WHERE id=$6 AND status=$7
	`
	result, err := r.DB.ExecContext(ctx, query,
		to, fields.ProviderMessageID, fields.LastError, fields.RetryCount, fields.ScheduledDay, id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to transition recipient: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return appErrors.NewConflict("recipient", id)
	}
	return nil
}

// Defer bumps retry bookkeeping without leaving pending, conditional on the
// row still being pending.
func (r *RecipientRepository) Defer(ctx context.Context, id int, fields TransitionFields) error {
	return r.Transition(ctx, id, model.RecipientPending, model.RecipientPending, fields)
}

func (r *RecipientRepository) AssignDay(ctx context.Context, ids []int, day time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE recipients SET scheduled_day=$1, updated_at=NOW() WHERE id = ANY($2)`
	if _, err := r.DB.ExecContext(ctx, query, model.DayOf(day), pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to assign scheduled day: %w", err)
	}
	return nil
}

func (r *RecipientRepository) CountByStatus(ctx context.Context, campaignID int) (map[model.RecipientStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY status`
	return r.countGrouped(ctx, query, campaignID)
}

func (r *RecipientRepository) CountUpdatedOn(ctx context.Context, campaignID int, day time.Time) (map[model.RecipientStatus]int, error) {
	query := `
		SELECT status, COUNT(*) FROM recipients
		WHERE campaign_id=$1 AND updated_at >= $2 AND updated_at < $3
		GROUP BY status`
	d := model.DayOf(day)
	rows, err := r.DB.QueryContext(ctx, query, campaignID, d, model.NextDay(d))
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients by day: %w", err)
	}
	return scanStatusCounts(rows)
}

func (r *RecipientRepository) countGrouped(ctx context.Context, query string, args ...interface{}) (map[model.RecipientStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	return scanStatusCounts(rows)
}

func scanStatusCounts(rows *sql.Rows) (map[model.RecipientStatus]int, error) {
	defer rows.Close()
	counts := map[model.RecipientStatus]int{}
	for rows.Next() {
		var status model.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *RecipientRepository) CountPending(ctx context.Context, campaignID int) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND status=$2`
	if err := r.DB.GetContext(ctx, &n, query, campaignID, model.RecipientPending); err != nil {
		return 0, fmt.Errorf("failed to count pending recipients: %w", err)
	}
	return n, nil
}

func (r *RecipientRepository) CountScheduled(ctx context.Context, campaignID int, day time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND scheduled_day=$2`
	if err := r.DB.GetContext(ctx, &n, query, campaignID, model.DayOf(day)); err != nil {
		return 0, fmt.Errorf("failed to count scheduled recipients: %w", err)
	}
	return n, nil
}

func (r *RecipientRepository) CountTotal(ctx context.Context, campaignID int) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM recipients WHERE campaign_id=$1`
	if err := r.DB.GetContext(ctx, &n, query, campaignID); err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return n, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
