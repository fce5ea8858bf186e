package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable side of the dialer: campaigns, the hopper, the call
// mirror and campaign lease rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; statements never nest while rows are open.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetClock overrides the clock used for updated_at bookkeeping.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'stopped',
	max_channels        INTEGER NOT NULL,
	base_multiplier     REAL NOT NULL DEFAULT 1,
	max_multiplier      REAL NOT NULL DEFAULT 1,
	max_attempts        INTEGER NOT NULL DEFAULT 3,
	retry_delay_base_ms INTEGER NOT NULL DEFAULT 60000,
	caller_id           TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hopper (
	campaign_id     TEXT NOT NULL REFERENCES campaigns(id),
	contact_id      TEXT NOT NULL,
	phone           TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'waiting',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_dial_id    TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (campaign_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_hopper_dialable ON hopper (campaign_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS calls (
	dial_id        TEXT PRIMARY KEY,
	switch_call_id TEXT,
	campaign_id    TEXT NOT NULL,
	contact_id     TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	channel        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	cause          INTEGER NOT NULL DEFAULT 0,
	vars           TEXT NOT NULL DEFAULT '{}',
	started_at     INTEGER NOT NULL,
	answered_at    INTEGER,
	ended_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_calls_window ON calls (campaign_id, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_switch ON calls (switch_call_id) WHERE switch_call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_calls_open ON calls (worker_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS campaign_leases (
	campaign_id  TEXT PRIMARY KEY,
	worker_id    TEXT NOT NULL,
	lock_token   TEXT NOT NULL,
	generation   INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL,
	acquired_at  INTEGER NOT NULL
);
`

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMS(n.Int64)
	return &t
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

const fenceClause = `EXISTS (SELECT 1 FROM campaign_leases l WHERE l.campaign_id = ? AND l.worker_id = ? AND l.generation = ?)`

func fenceArgs(f Fence) []any {
	return []any{f.CampaignID, f.WorkerID, f.Generation}
}

// fenceHolds reports whether f is still the current lease generation.
func (s *Store) fenceHolds(ctx context.Context, f Fence) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_leases l WHERE l.campaign_id = ? AND l.worker_id = ? AND l.generation = ?`,
		fenceArgs(f)...).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// fencedResult turns a zero-row fenced update into ErrFenced when the fence no
// longer holds, or into a plain "nothing to do" otherwise.
func (s *Store) fencedResult(ctx context.Context, f Fence, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := s.fenceHolds(ctx, f)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrFenced
	}
	return false, nil
}
