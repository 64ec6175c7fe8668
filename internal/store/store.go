// Package store is the durable state layer: transactional access to the
// executions table, the inference_queue table, and the node_events log, plus
// the single-statement atomic lease primitive that hands a job to exactly one
// worker under concurrent contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dispatchd-v1-two-queue-engine"
)

// Status is the lifecycle state shared by executions and inference tasks.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
)

// Store wraps the sqlite3 connection pool used by every other component.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default database location under the user's home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd", "dispatchd.db")
}

// Open creates (or reuses) the sqlite database at path, applies pragmas, and
// runs schema migration. A single connection is kept open: SQLite's writer
// lock means a larger pool buys nothing but confusing "database is locked"
// noise.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool for callers that need it (tests, backups).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// configurePragmas applies the write-ahead-logging discipline: WAL on, a
// busy-wait long enough for contended writers to retry, and relaxed fsync
// strictness since startup recovery repairs in-flight state anyway.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA wal_autocheckpoint=1000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE executions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','CANCEL_REQUESTED','COMPLETED','FAILED','CANCELED')),
			parent_execution_id TEXT,
			payload TEXT NOT NULL,
			final_result TEXT,
			base_priority INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			enqueue_ts INTEGER NOT NULL,
			lease_id TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			error_log TEXT
		);`,
		`CREATE INDEX idx_executions_dispatch ON executions(status, priority DESC, enqueue_ts ASC);`,
		`CREATE INDEX idx_executions_lease_expiry ON executions(lease_expires_at);`,
		`CREATE TABLE inference_queue (
			id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','CANCEL_REQUESTED','COMPLETED','FAILED','CANCELED')),
			prompt TEXT NOT NULL,
			parameters TEXT NOT NULL,
			result TEXT,
			base_priority INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			enqueue_ts INTEGER NOT NULL,
			lease_id TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			tokens_per_second REAL,
			error_log TEXT
		);`,
		`CREATE INDEX idx_inference_dispatch ON inference_queue(status, priority DESC, enqueue_ts ASC);`,
		`CREATE INDEX idx_inference_lease_expiry ON inference_queue(lease_expires_at);`,
		`CREATE TABLE node_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			intermediate_output TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			error_log TEXT
		);`,
		`CREATE INDEX idx_node_events_execution ON node_events(execution_id, event_id);`,
		`CREATE TABLE schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			queue TEXT NOT NULL CHECK(queue IN ('execution','inference')),
			agent_id TEXT,
			model_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			parameters TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter.
// With a single open connection contention shows up as callers queued on the
// pool rather than SQLITE_BUSY, but concurrent external processes sharing the
// same file still hit it, so the retry stays in place.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
