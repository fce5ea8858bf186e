package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const callColumns = `dial_id, switch_call_id, campaign_id, contact_id, worker_id, channel, status, cause, vars,
	started_at, answered_at, ended_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateDial records a pending origination before the switch is asked to
// place it, so the channel accounting sees it immediately.
func (s *Store) CreateDial(ctx context.Context, c Call) error {
	return s.insertCall(ctx, s.db, c)
}

func (s *Store) insertCall(ctx context.Context, db execer, c Call) error {
	if c.DialID == "" || c.CampaignID == "" || c.ContactID == "" {
		return errors.New("dial id, campaign id and contact id are required")
	}
	if c.Status == "" {
		c.Status = StatusDialing
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = s.now()
	}
	vars, err := encodeVars(c.Vars)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DialID, nullString(c.SwitchCallID), c.CampaignID, c.ContactID, c.WorkerID, c.Channel, string(c.Status),
		c.Cause, vars, toMS(c.StartedAt), nullMS(c.AnsweredAt), nullMS(c.EndedAt))
	if err != nil {
		return fmt.Errorf("create dial %s: %w", c.DialID, err)
	}
	return nil
}

// StartDial moves the contact to dialing under the fence and records the
// pending call in one transaction, so a crash never leaves a dialing entry
// without its call record. It returns false when the entry was no longer
// waiting.
func (s *Store) StartDial(ctx context.Context, f Fence, c Call) (bool, error) {
	if c.CampaignID != f.CampaignID {
		return false, fmt.Errorf("start dial %s: campaign %s is not fenced by %s", c.DialID, c.CampaignID, f.CampaignID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start dial %s: %w", c.DialID, err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{c.DialID, toMS(s.now()), f.CampaignID, c.ContactID}
	res, err := tx.ExecContext(ctx, `UPDATE hopper
		SET status = 'dialing', attempts = attempts + 1, last_dial_id = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status = 'waiting' AND `+fenceClause,
		append(args, fenceArgs(f)...)...)
	if err != nil {
		return false, fmt.Errorf("mark dialing %s/%s: %w", f.CampaignID, c.ContactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		_ = tx.Rollback()
		return s.fencedResult(ctx, f, res)
	}
	if err := s.insertCall(ctx, tx, c); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("start dial %s: %w", c.DialID, err)
	}
	return true, nil
}

// MirrorCall updates the live fields of an unended call record.
func (s *Store) MirrorCall(ctx context.Context, c Call) error {
	vars, err := encodeVars(c.Vars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE calls
		SET switch_call_id = COALESCE(?, switch_call_id), channel = ?, status = ?, vars = ?,
			answered_at = COALESCE(answered_at, ?)
		WHERE dial_id = ? AND ended_at IS NULL`,
		nullString(c.SwitchCallID), c.Channel, string(c.Status), vars, nullMS(c.AnsweredAt), c.DialID)
	if err != nil {
		return fmt.Errorf("mirror call %s: %w", c.DialID, err)
	}
	return nil
}

// EndCall closes a call record with its terminal status. Ending twice is a
// no-op and reports false.
func (s *Store) EndCall(ctx context.Context, dialID string, status Status, cause int, endedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET status = ?, cause = ?, ended_at = ?
		WHERE dial_id = ? AND ended_at IS NULL`, string(status), cause, toMS(endedAt), dialID)
	if err != nil {
		return false, fmt.Errorf("end call %s: %w", dialID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanCall(r rowScanner) (Call, error) {
	var (
		c          Call
		switchID   sql.NullString
		status     string
		vars       string
		startedAt  int64
		answeredAt sql.NullInt64
		endedAt    sql.NullInt64
	)
	err := r.Scan(&c.DialID, &switchID, &c.CampaignID, &c.ContactID, &c.WorkerID, &c.Channel, &status, &c.Cause, &vars,
		&startedAt, &answeredAt, &endedAt)
	if err != nil {
		return Call{}, err
	}
	c.SwitchCallID = switchID.String
	c.Status = Status(status)
	c.StartedAt = fromMS(startedAt)
	c.AnsweredAt = fromNullMS(answeredAt)
	c.EndedAt = fromNullMS(endedAt)
	if err := json.Unmarshal([]byte(vars), &c.Vars); err != nil {
		return Call{}, fmt.Errorf("call %s vars: %w", c.DialID, err)
	}
	return c, nil
}

func (s *Store) GetCall(ctx context.Context, dialID string) (Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE dial_id = ?`, dialID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, fmt.Errorf("call %s: %w", dialID, ErrNotFound)
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call %s: %w", dialID, err)
	}
	return c, nil
}

// OpenCalls returns the unended calls placed by workerID, oldest first. A
// restarted worker loads them so they still reach a terminal state.
func (s *Store) OpenCalls(ctx context.Context, workerID string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE worker_id = ? AND ended_at IS NULL ORDER BY started_at, dial_id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("open calls %s: %w", workerID, err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("open calls %s: %w", workerID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WindowStats counts the campaign's calls started at or after since: active
// (not ended), answered (ever answered) and failed (ended unanswered).
func (s *Store) WindowStats(ctx context.Context, campaignID string, since time.Time) (WindowStats, error) {
	var ws WindowStats
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN answered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ended_at IS NOT NULL AND answered_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM calls WHERE campaign_id = ? AND started_at >= ?`, campaignID, toMS(since)).
		Scan(&ws.Active, &ws.Answered, &ws.Failed)
	if err != nil {
		return WindowStats{}, fmt.Errorf("window stats %s: %w", campaignID, err)
	}
	return ws, nil
}

func encodeVars(vars map[string]string) (string, error) {
	if len(vars) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode call vars: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
