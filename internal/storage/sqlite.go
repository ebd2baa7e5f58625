package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  payload       JSON,
  status        TEXT NOT NULL,
  progress      INTEGER NOT NULL DEFAULT 0,
  priority      INTEGER NOT NULL DEFAULT 5,
  owner         TEXT NOT NULL,
  scheduled_at  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  result        JSON,
  error_message TEXT
);`,
		`CREATE TABLE IF NOT EXISTS function_call_log (
  id             TEXT PRIMARY KEY,
  function_name  TEXT NOT NULL,
  arguments      JSON,
  execution_mode TEXT NOT NULL,
  owner          TEXT NOT NULL,
  status         TEXT NOT NULL,
  result         JSON,
  error_message  TEXT,
  job_id         TEXT,
  created_at     TEXT NOT NULL,
  completed_at   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS api_keys (
  id                    TEXT PRIMARY KEY,
  key_hash              TEXT NOT NULL UNIQUE,
  entity                TEXT NOT NULL,
  allowed_operations    TEXT NOT NULL,
  rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
  rate_limit_per_day    INTEGER NOT NULL DEFAULT 10000,
  expires_at            TEXT,
  is_active             INTEGER NOT NULL DEFAULT 1,
  created_at            TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
  key_id       TEXT NOT NULL,
  window_kind  TEXT NOT NULL,
  window_start TEXT NOT NULL,
  count        INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (key_id, window_kind, window_start)
);`,
		`CREATE TABLE IF NOT EXISTS api_key_usage (
  id          TEXT PRIMARY KEY,
  key_id      TEXT NOT NULL,
  entity      TEXT NOT NULL,
  operation   TEXT NOT NULL,
  status_code INTEGER NOT NULL,
  requested_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS jobs_status_priority_idx ON jobs(status, priority DESC, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs(owner);`,
		`CREATE INDEX IF NOT EXISTS function_call_log_name_idx ON function_call_log(function_name, created_at);`,
		`CREATE INDEX IF NOT EXISTS api_key_usage_key_idx ON api_key_usage(key_id, requested_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
