package storage

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

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id          TEXT PRIMARY KEY,
			flow_id     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'NEW',
			archived    INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			archived_at TEXT,
			closed_at   TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS threads_flow_idx ON threads(flow_id, started_at);`,
		// At most one active thread per flow.
		`CREATE UNIQUE INDEX IF NOT EXISTS threads_active_flow_idx ON threads(flow_id)
			WHERE archived = 0 AND status IN ('NEW', 'IN_PROGRESS');`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			thread_id  TEXT NOT NULL REFERENCES threads(id),
			role       TEXT NOT NULL,
			format     TEXT NOT NULL,
			content    JSON NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, seq);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL REFERENCES threads(id),
			message_id   TEXT NOT NULL UNIQUE REFERENCES messages(id),
			status       TEXT NOT NULL DEFAULT 'queued',
			reply_id     TEXT,
			error        TEXT,
			started_at   TEXT,
			completed_at TEXT,
			updated_at   TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
