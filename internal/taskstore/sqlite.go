package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dinccey/distributed-batch-stt/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	path         TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	lease_expiry INTEGER NOT NULL DEFAULT 0,
	assignee     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLite is the preferred Store backend: a single-process embedded
// relational store opened in write-ahead-logging mode, as spec.md §4.1
// calls for. SQLite's writer serialization gives ClaimOne the required
// atomicity without any additional in-process lock.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if necessary) the SQLite-backed Store at
// path, enabling WAL mode and running the schema migration.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid pool contention on busy errors
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskstore: migrate schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ClaimOne(ctx context.Context, assignee string, now time.Time, leaseDuration time.Duration) (Claim, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Claim{}, fmt.Errorf("taskstore: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var path string
	err = tx.GetContext(ctx, &path, `SELECT path FROM tasks WHERE status = ? ORDER BY rowid LIMIT 1`, core.StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, ErrNoPending
	}
	if err != nil {
		return Claim{}, fmt.Errorf("taskstore: select pending: %w", err)
	}

	id := core.NewTaskID(path)
	leaseExpiry := now.Add(leaseDuration).Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, task_id = ?, lease_expiry = ?, assignee = ? WHERE path = ? AND status = ?`,
		core.StatusInProgress, string(id), leaseExpiry, assignee, path, core.StatusPending)
	if err != nil {
		return Claim{}, fmt.Errorf("taskstore: claim update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Claim{}, fmt.Errorf("taskstore: claim rows affected: %w", err)
	}
	if n == 0 {
		// Lost a race with another claimant between the SELECT and UPDATE.
		return Claim{}, ErrNoPending
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, fmt.Errorf("taskstore: commit claim: %w", err)
	}
	return Claim{Path: path, TaskID: id}, nil
}

func (s *SQLite) Complete(ctx context.Context, id core.TaskID) error {
	return s.terminal(ctx, id, core.StatusCompleted)
}

func (s *SQLite) Fail(ctx context.Context, id core.TaskID) error {
	return s.terminal(ctx, id, core.StatusFailed)
}

func (s *SQLite) terminal(ctx context.Context, id core.TaskID, status core.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, lease_expiry = 0, assignee = '' WHERE task_id = ? AND status = ?`,
		status, string(id), core.StatusInProgress)
	if err != nil {
		return fmt.Errorf("taskstore: terminal update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("taskstore: terminal rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, lease_expiry = 0, assignee = '' WHERE status = ? AND lease_expiry < ?`,
		core.StatusFailed, core.StatusInProgress, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("taskstore: expire leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskstore: expire leases rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) Upsert(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(path, status) VALUES (?, ?) ON CONFLICT(path) DO NOTHING`,
		path, core.StatusPending)
	if err != nil {
		return fmt.Errorf("taskstore: upsert: %w", err)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(path, status) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET status = excluded.status, task_id = '', lease_expiry = 0, assignee = ''`,
		path, core.StatusPending)
	if err != nil {
		return fmt.Errorf("taskstore: reset: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, path string) (core.Task, bool, error) {
	var row struct {
		Path        string `db:"path"`
		TaskID      string `db:"task_id"`
		Status      string `db:"status"`
		LeaseExpiry int64  `db:"lease_expiry"`
		Assignee    string `db:"assignee"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT path, task_id, status, lease_expiry, assignee FROM tasks WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("taskstore: get: %w", err)
	}
	return core.Task{
		Path:        row.Path,
		TaskID:      core.TaskID(row.TaskID),
		Status:      core.Status(row.Status),
		LeaseExpiry: row.LeaseExpiry,
		Assignee:    row.Assignee,
	}, true, nil
}

func (s *SQLite) GetByTaskID(ctx context.Context, id core.TaskID) (core.Task, bool, error) {
	var row struct {
		Path        string `db:"path"`
		TaskID      string `db:"task_id"`
		Status      string `db:"status"`
		LeaseExpiry int64  `db:"lease_expiry"`
		Assignee    string `db:"assignee"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT path, task_id, status, lease_expiry, assignee FROM tasks WHERE task_id = ? AND status = ?`,
		string(id), core.StatusInProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("taskstore: get by task id: %w", err)
	}
	return core.Task{
		Path:        row.Path,
		TaskID:      core.TaskID(row.TaskID),
		Status:      core.Status(row.Status),
		LeaseExpiry: row.LeaseExpiry,
		Assignee:    row.Assignee,
	}, true, nil
}

var _ Store = (*SQLite)(nil)
