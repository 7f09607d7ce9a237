package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
)

type CampaignRepository struct {
	DB *sqlx.DB
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
		INSERT INTO campaigns (name, template_ref, daily_cap, max_retries, status, total_recipients, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		c.Name, c.TemplateRef, c.DailyCap, c.MaxRetries, c.Status, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `
		SELECT id, name, template_ref, daily_cap, max_retries, status, total_recipients,
		       started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id=$1
	`
	var c model.Campaign
	if err := r.DB.GetContext(ctx, &c, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `
		SELECT id, name, template_ref, daily_cap, max_retries, status, total_recipients,
		       started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	if err := r.DB.SelectContext(ctx, &campaigns, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}
	var total int
	if err := r.DB.GetContext(ctx, &total, countQuery, argsCount...); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	return campaigns, total, nil
}

// UpdateStatus is the campaign-level compare-and-swap. The WHERE clause pins
// the expected prior status; zero rows affected means someone else moved the
// campaign first.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int, from, to model.CampaignStatus, startedAt, completedAt *time.Time) error {
	query := `
		UPDATE campaigns
		SET status=$1,
		    started_at=COALESCE($2, started_at),
		    completed_at=COALESCE($3, completed_at),
		    updated_at=NOW()
		WHERE id=$4 AND status=$5
	`
	result, err := r.DB.ExecContext(ctx, query, to, startedAt, completedAt, id, from)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return appErrors.NewConflict("campaign", id)
	}
	return nil
}

func (r *CampaignRepository) UpdateTotalRecipients(ctx context.Context, id, total int) error {
	query := `UPDATE campaigns SET total_recipients=$1, updated_at=NOW() WHERE id=$2`
	if _, err := r.DB.ExecContext(ctx, query, total, id); err != nil {
		return fmt.Errorf("failed to update total recipients: %w", err)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
