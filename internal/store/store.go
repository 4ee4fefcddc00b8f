// Package store implements TaskHub's embedded relational Store: the sole
// source of truth for run/event/artifact/worker/cron state.
// Every operation is a single transaction; concurrent callers are
// serialized by SQLite's writer lock.
package store

import (
	"database/sql"
	"fmt"
	"regexp"

	"taskhub/pkg/logging"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB opened against the embedded SQLite database file.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open creates (if needed) and opens the TaskHub database at dsn, applying
// the pragmas a single-writer, crash-safe embedded store needs, then runs
// the schema migration.
func Open(dsn string, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite only supports one writer at a time; since all Store mutations
	// must serialize through it anyway, this simply makes the behavior the
	// schema already implies explicit to the connection pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// placeholderRe rewrites $N-style placeholders (the authoring convention
// used throughout this package, matching the postgres-first style the
// corpus's multi-dialect stores write queries in) to SQLite's "?".
var placeholderRe = regexp.MustCompile(`\$\d+`)

func rebind(query string) string {
	return placeholderRe.ReplaceAllString(query, "?")
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id            TEXT PRIMARY KEY,
    task_id           TEXT NOT NULL,
    params            TEXT NOT NULL DEFAULT '{}',
    status            TEXT NOT NULL DEFAULT 'QUEUED',
    created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
    started_at        DATETIME,
    finished_at       DATETIME,
    exit_code         INTEGER,
    error             TEXT,
    lease_owner       TEXT,
    lease_expires_at  DATETIME,
    pgid              INTEGER,
    cancel_requested  INTEGER NOT NULL DEFAULT 0,
    cron_id           TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status_task ON runs(status, task_id);
CREATE INDEX IF NOT EXISTS idx_runs_lease_expiry ON runs(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at, run_id);

CREATE TABLE IF NOT EXISTS events (
    run_id     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    ts         DATETIME NOT NULL DEFAULT (datetime('now')),
    data       TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id  TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    file_id      TEXT NOT NULL,
    title        TEXT,
    kind         TEXT,
    mime         TEXT,
    path         TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS workers (
    worker_id       TEXT PRIMARY KEY,
    hostname        TEXT,
    pid             INTEGER,
    status          TEXT NOT NULL DEFAULT 'IDLE',
    run_id          TEXT,
    last_heartbeat  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cron_entries (
    cron_id          TEXT PRIMARY KEY,
    task_id          TEXT NOT NULL,
    cron_expression  TEXT NOT NULL,
    params           TEXT NOT NULL DEFAULT '{}',
    name             TEXT,
    is_enabled       INTEGER NOT NULL DEFAULT 1,
    next_run_at      DATETIME NOT NULL,
    last_run_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_cron_due ON cron_entries(is_enabled, next_run_at);
`
