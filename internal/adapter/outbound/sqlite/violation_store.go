// Package sqlite provides the SQLite-backed violation store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
)

const schema = `
CREATE TABLE IF NOT EXISTS violations (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	recipient_id       TEXT NOT NULL,
	layer              TEXT NOT NULL,
	reason             TEXT NOT NULL,
	occurred_at        INTEGER NOT NULL,
	scheduled_retry_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_violations_user ON violations (user_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_violations_occurred ON violations (occurred_at DESC);
`

// Config holds settings for the SQLite violation store.
type Config struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns limits open connections. Default 10.
	MaxOpenConns int

	// BusyTimeout is how long to wait on a locked database. Default 5s.
	BusyTimeout time.Duration
}

// ViolationStore implements violation.Store on SQLite with WAL mode.
// Appends are plain inserts; records are never updated.
type ViolationStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewViolationStore opens (or creates) the database and initializes the
// schema.
func NewViolationStore(cfg Config, logger *slog.Logger) (*ViolationStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite violation store: path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite violation store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite violation store: init schema: %w", err)
	}

	logger.Info("violation store initialized", "path", cfg.Path)
	return &ViolationStore{db: db, logger: logger.With("component", "violation.sqlite")}, nil
}

// Append implements violation.Store. Batches insert inside one transaction.
func (s *ViolationStore) Append(ctx context.Context, records ...violation.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("violation append: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO violations (id, user_id, recipient_id, layer, reason, occurred_at, scheduled_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("violation append: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var retryAt any
		if r.ScheduledRetryAt != nil {
			retryAt = r.ScheduledRetryAt.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UserID, r.RecipientID, string(r.Layer), string(r.Reason),
			r.OccurredAt.UnixMilli(), retryAt); err != nil {
			return fmt.Errorf("violation append: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Recent implements violation.Store, newest first.
func (s *ViolationStore) Recent(ctx context.Context, limit int) ([]violation.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, recipient_id, layer, reason, occurred_at, scheduled_retry_at
		 FROM violations ORDER BY occurred_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("violation recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountForUser implements violation.Store.
func (s *ViolationStore) CountForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("violation count: %w", err)
	}
	return n, nil
}

// LastForUser implements violation.Store.
func (s *ViolationStore) LastForUser(ctx context.Context, userID string) (*violation.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, recipient_id, layer, reason, occurred_at, scheduled_retry_at
		 FROM violations WHERE user_id = ? ORDER BY occurred_at DESC, id LIMIT 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("violation last: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// TopViolators returns the users with the most records, descending,
// capped to limit. Supports audit tooling; live dashboards use the
// counter-store-backed statistics instead.
func (s *ViolationStore) TopViolators(ctx context.Context, limit int) (map[string]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COUNT(*) AS n FROM violations
		 GROUP BY user_id ORDER BY n DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("violation top: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, limit)
	for rows.Next() {
		var user string
		var n int64
		if err := rows.Scan(&user, &n); err != nil {
			return nil, fmt.Errorf("violation top: scan: %w", err)
		}
		out[user] = n
	}
	return out, rows.Err()
}

// Close implements violation.Store.
func (s *ViolationStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]violation.Record, error) {
	var records []violation.Record
	for rows.Next() {
		var (
			r          violation.Record
			layer      string
			reason     string
			occurredAt int64
			retryAt    sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.RecipientID, &layer, &reason, &occurredAt, &retryAt); err != nil {
			return nil, fmt.Errorf("violation scan: %w", err)
		}
		r.Layer = throttle.Layer(layer)
		r.Reason = throttle.Reason(reason)
		r.OccurredAt = time.UnixMilli(occurredAt).UTC()
		if retryAt.Valid {
			t := time.UnixMilli(retryAt.Int64).UTC()
			r.ScheduledRetryAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Compile-time interface verification.
var _ violation.Store = (*ViolationStore)(nil)
