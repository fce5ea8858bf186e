package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const hopperColumns = `campaign_id, contact_id, phone, priority, status, attempts, next_attempt_at,
	last_dial_id, created_at, updated_at`

// AddContact loads a contact into a campaign's hopper as waiting.
func (s *Store) AddContact(ctx context.Context, e HopperEntry) error {
	if e.CampaignID == "" || e.ContactID == "" || e.Phone == "" {
		return errors.New("campaign id, contact id and phone are required")
	}
	now := s.now()
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO hopper (`+hopperColumns+`)
		VALUES (?, ?, ?, ?, 'waiting', 0, ?, '', ?, ?)`,
		e.CampaignID, e.ContactID, e.Phone, e.Priority, toMS(e.NextAttemptAt), toMS(now), toMS(now))
	if err != nil {
		return fmt.Errorf("add contact %s/%s: %w", e.CampaignID, e.ContactID, err)
	}
	return nil
}

func scanEntry(r rowScanner) (HopperEntry, error) {
	var (
		e                          HopperEntry
		status                     string
		next, createdAt, updatedAt int64
	)
	err := r.Scan(&e.CampaignID, &e.ContactID, &e.Phone, &e.Priority, &status, &e.Attempts, &next,
		&e.LastDialID, &createdAt, &updatedAt)
	if err != nil {
		return HopperEntry{}, err
	}
	e.Status = Status(status)
	e.NextAttemptAt = fromMS(next)
	e.CreatedAt = fromMS(createdAt)
	e.UpdatedAt = fromMS(updatedAt)
	return e, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]HopperEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HopperEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetEntry(ctx context.Context, campaignID, contactID string) (HopperEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hopperColumns+` FROM hopper WHERE campaign_id = ? AND contact_id = ?`,
		campaignID, contactID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HopperEntry{}, fmt.Errorf("hopper entry %s/%s: %w", campaignID, contactID, ErrNotFound)
	}
	if err != nil {
		return HopperEntry{}, fmt.Errorf("get hopper entry %s/%s: %w", campaignID, contactID, err)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, campaignID string) ([]HopperEntry, error) {
	out, err := s.queryEntries(ctx, `SELECT `+hopperColumns+` FROM hopper WHERE campaign_id = ?
		ORDER BY priority DESC, created_at, contact_id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list hopper %s: %w", campaignID, err)
	}
	return out, nil
}

// SelectDialable returns up to limit waiting entries that are due, highest
// priority first and oldest first within a priority.
func (s *Store) SelectDialable(ctx context.Context, campaignID string, now time.Time, limit int) ([]HopperEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := s.queryEntries(ctx, `SELECT `+hopperColumns+` FROM hopper
		WHERE campaign_id = ? AND status = 'waiting' AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at, contact_id
		LIMIT ?`, campaignID, toMS(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select dialable %s: %w", campaignID, err)
	}
	return out, nil
}

// MarkDialing moves a waiting entry to dialing under the lease fence and counts
// the attempt. It returns false when the entry was no longer waiting.
func (s *Store) MarkDialing(ctx context.Context, f Fence, contactID, dialID string) (bool, error) {
	args := []any{dialID, toMS(s.now()), f.CampaignID, contactID}
	res, err := s.db.ExecContext(ctx, `UPDATE hopper
		SET status = 'dialing', attempts = attempts + 1, last_dial_id = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status = 'waiting' AND `+fenceClause,
		append(args, fenceArgs(f)...)...)
	if err != nil {
		return false, fmt.Errorf("mark dialing %s/%s: %w", f.CampaignID, contactID, err)
	}
	return s.fencedResult(ctx, f, res)
}

// MarkOriginateFailed records a synchronous origination rejection.
func (s *Store) MarkOriginateFailed(ctx context.Context, f Fence, contactID string) (bool, error) {
	args := []any{toMS(s.now()), f.CampaignID, contactID}
	res, err := s.db.ExecContext(ctx, `UPDATE hopper SET status = 'failed', updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status = 'dialing' AND `+fenceClause,
		append(args, fenceArgs(f)...)...)
	if err != nil {
		return false, fmt.Errorf("mark failed %s/%s: %w", f.CampaignID, contactID, err)
	}
	return s.fencedResult(ctx, f, res)
}

// RearmRetryable puts retryable terminal entries with attempts < maxAttempts
// back to waiting, due at now + delay(attempts). Each row update is guarded by
// the status and attempts that were read, so a concurrent outcome write wins.
func (s *Store) RearmRetryable(ctx context.Context, f Fence, maxAttempts int, now time.Time, delay func(attempts int) time.Duration) (int, error) {
	type candidate struct {
		contactID string
		status    string
		attempts  int
	}
	rows, err := s.db.QueryContext(ctx, `SELECT contact_id, status, attempts FROM hopper
		WHERE campaign_id = ? AND status IN ('busy', 'no_answer', 'failed') AND attempts < ?`,
		f.CampaignID, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("scan retryable %s: %w", f.CampaignID, err)
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.contactID, &c.status, &c.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	rearmed := 0
	for _, c := range candidates {
		next := now.Add(delay(c.attempts))
		args := []any{toMS(next), toMS(s.now()), f.CampaignID, c.contactID, c.status, c.attempts}
		res, err := s.db.ExecContext(ctx, `UPDATE hopper SET status = 'waiting', next_attempt_at = ?, updated_at = ?
			WHERE campaign_id = ? AND contact_id = ? AND status = ? AND attempts = ? AND `+fenceClause,
			append(args, fenceArgs(f)...)...)
		if err != nil {
			return rearmed, fmt.Errorf("rearm %s/%s: %w", f.CampaignID, c.contactID, err)
		}
		ok, err := s.fencedResult(ctx, f, res)
		if err != nil {
			return rearmed, err
		}
		if ok {
			rearmed++
		}
	}
	return rearmed, nil
}

// Transition moves an entry to `to` only from one of `from`. Used by the
// event monitor, which writes observed facts and is not fenced.
func (s *Store) Transition(ctx context.Context, campaignID, contactID string, from []Status, to Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	args := []any{string(to), toMS(s.now()), campaignID, contactID}
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx, `UPDATE hopper SET status = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s/%s: %w", campaignID, contactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOutcome writes a switch-reported result onto an in-flight entry. An
// entry that already reached answered, or was re-armed, is left alone.
func (s *Store) SetOutcome(ctx context.Context, campaignID, contactID string, status Status) (bool, error) {
	return s.Transition(ctx, campaignID, contactID, []Status{StatusDialing, StatusRinging, StatusConnected}, status)
}

func (s *Store) HopperCounts(ctx context.Context, campaignID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM hopper WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("hopper counts %s: %w", campaignID, err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
