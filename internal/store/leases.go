package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const leaseColumns = `campaign_id, worker_id, lock_token, generation, heartbeat_at, acquired_at`

func scanLease(r rowScanner) (LeaseRecord, error) {
	var (
		l                     LeaseRecord
		heartbeat, acquiredAt int64
	)
	if err := r.Scan(&l.CampaignID, &l.WorkerID, &l.LockToken, &l.Generation, &heartbeat, &acquiredAt); err != nil {
		return LeaseRecord{}, err
	}
	l.HeartbeatAt = fromMS(heartbeat)
	l.AcquiredAt = fromMS(acquiredAt)
	return l, nil
}

// GetLease returns the lease row for a campaign. ok is false when the campaign
// was never leased.
func (s *Store) GetLease(ctx context.Context, campaignID string) (LeaseRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM campaign_leases WHERE campaign_id = ?`, campaignID)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseRecord{}, false, nil
	}
	if err != nil {
		return LeaseRecord{}, false, fmt.Errorf("get lease %s: %w", campaignID, err)
	}
	return l, true, nil
}

// ClaimLease upserts the lease row for workerID with the next generation. The
// claim only lands if the row is free, stale (heartbeat before staleBefore) or
// already ours; otherwise ok is false.
func (s *Store) ClaimLease(ctx context.Context, campaignID, workerID, lockToken string, now, staleBefore time.Time) (LeaseRecord, bool, error) {
	workerID = strings.TrimSpace(workerID)
	if campaignID == "" || workerID == "" {
		return LeaseRecord{}, false, errors.New("campaign id and worker id are required")
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO campaign_leases (`+leaseColumns+`)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (campaign_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			lock_token = excluded.lock_token,
			generation = campaign_leases.generation + 1,
			heartbeat_at = excluded.heartbeat_at,
			acquired_at = excluded.acquired_at
		WHERE campaign_leases.worker_id = '' OR campaign_leases.heartbeat_at < ? OR campaign_leases.worker_id = excluded.worker_id
		RETURNING `+leaseColumns,
		campaignID, workerID, lockToken, toMS(now), toMS(now), toMS(staleBefore))
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseRecord{}, false, nil
	}
	if err != nil {
		return LeaseRecord{}, false, fmt.Errorf("claim lease %s: %w", campaignID, err)
	}
	return l, true, nil
}

// TouchLease refreshes the heartbeat of the fenced lease. A non-empty
// lockToken replaces the recorded admission token.
func (s *Store) TouchLease(ctx context.Context, f Fence, lockToken string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_leases
		SET heartbeat_at = ?, lock_token = CASE WHEN ? = '' THEN lock_token ELSE ? END
		WHERE campaign_id = ? AND worker_id = ? AND generation = ?`,
		toMS(now), lockToken, lockToken, f.CampaignID, f.WorkerID, f.Generation)
	if err != nil {
		return false, fmt.Errorf("touch lease %s: %w", f.CampaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease clears the holder of the fenced lease. The row stays so the
// generation keeps increasing across holders.
func (s *Store) ReleaseLease(ctx context.Context, f Fence) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_leases
		SET worker_id = '', lock_token = '', heartbeat_at = 0
		WHERE campaign_id = ? AND worker_id = ? AND generation = ?`,
		f.CampaignID, f.WorkerID, f.Generation)
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", f.CampaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLeases returns every held lease row, stale or not.
func (s *Store) ListLeases(ctx context.Context) ([]LeaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+leaseColumns+` FROM campaign_leases WHERE worker_id != '' ORDER BY campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []LeaseRecord
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
