// Package store persists tasks, audit entries, and templates in a single
// embedded SQLite file. WAL mode with one writer connection gives the
// transactional guarantees the state machine and queue depend on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"openskelo/internal/logging"
)

// Store wraps the SQLite handle. All mutations go through its typed API;
// no caller issues raw SQL.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema. The connection pool is pinned to a single connection so that
// transactions serialize naturally under WAL.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logging.OrNop(logger)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	status              TEXT NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 0,
	manual_rank         REAL,
	summary             TEXT NOT NULL,
	prompt              TEXT NOT NULL,
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	definition_of_done  TEXT NOT NULL DEFAULT '[]',
	backend             TEXT NOT NULL,
	backend_config      TEXT,
	result              TEXT NOT NULL DEFAULT '',
	lease_owner         TEXT,
	lease_expires_at    TEXT,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	bounce_count        INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL,
	max_bounces         INTEGER NOT NULL,
	last_error          TEXT NOT NULL DEFAULT '',
	feedback_history    TEXT NOT NULL DEFAULT '[]',
	depends_on          TEXT NOT NULL DEFAULT '[]',
	pipeline_id         TEXT,
	pipeline_step       INTEGER NOT NULL DEFAULT 0,
	gates               TEXT NOT NULL DEFAULT '[]',
	metadata            TEXT NOT NULL DEFAULT '{}',
	auto_review         TEXT,
	parent_task_id      TEXT,
	loop_iteration      INTEGER NOT NULL DEFAULT 0,
	held_by             TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_pending
	ON tasks (status, priority ASC, manual_rank ASC, created_at ASC, id ASC)
	WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_tasks_lease
	ON tasks (lease_expires_at)
	WHERE lease_owner IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_pipeline
	ON tasks (pipeline_id, pipeline_step)
	WHERE pipeline_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_parent
	ON tasks (parent_task_id)
	WHERE parent_task_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS audit_log (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor        TEXT,
	before_state TEXT,
	after_state  TEXT,
	metadata     TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_task
	ON audit_log (task_id, created_at);

CREATE TABLE IF NOT EXISTS templates (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	description   TEXT NOT NULL DEFAULT '',
	template_type TEXT NOT NULL,
	definition    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so row helpers work inside and
// outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	out := string(raw)
	if out == "null" {
		return empty, nil
	}
	return out, nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
