package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const campaignColumns = `id, tenant_id, name, status, max_channels, base_multiplier, max_multiplier,
	max_attempts, retry_delay_base_ms, caller_id, created_at, updated_at`

func (s *Store) CreateCampaign(ctx context.Context, c Campaign) error {
	if c.ID == "" || c.TenantID == "" {
		return errors.New("campaign id and tenant id are required")
	}
	if c.MaxChannels <= 0 {
		return fmt.Errorf("campaign %s: max_channels must be positive", c.ID)
	}
	if c.Status == "" {
		c.Status = CampaignStopped
	}
	if c.BaseMultiplier <= 0 {
		c.BaseMultiplier = 1
	}
	if c.MaxMultiplier < c.BaseMultiplier {
		c.MaxMultiplier = c.BaseMultiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = time.Minute
	}
	now := toMS(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, string(c.Status), c.MaxChannels, c.BaseMultiplier, c.MaxMultiplier,
		c.MaxAttempts, c.RetryDelayBase.Milliseconds(), c.CallerID, now, now)
	if err != nil {
		return fmt.Errorf("create campaign %s: %w", c.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var (
		c                    Campaign
		status               string
		retryMS              int64
		createdAt, updatedAt int64
	)
	err := r.Scan(&c.ID, &c.TenantID, &c.Name, &status, &c.MaxChannels, &c.BaseMultiplier, &c.MaxMultiplier,
		&c.MaxAttempts, &retryMS, &c.CallerID, &createdAt, &updatedAt)
	if err != nil {
		return Campaign{}, err
	}
	c.Status = CampaignStatus(status)
	c.RetryDelayBase = time.Duration(retryMS) * time.Millisecond
	c.CreatedAt = fromMS(createdAt)
	c.UpdatedAt = fromMS(updatedAt)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, nil
}

// ListCampaigns returns campaigns in any of statuses, or all when none given.
func (s *Store) ListCampaigns(ctx context.Context, statuses ...CampaignStatus) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCampaign moves a campaign to `to` only if its current status is
// one of from. It reports whether the transition happened.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from []CampaignStatus, to CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	args := []any{string(to), toMS(s.now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition campaign %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
