package ingestd

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	hostname TEXT,
	display_name TEXT,
	agent_version TEXT,
	last_seen_at TEXT NOT NULL,
	last_reviewed_at TEXT
);

CREATE TABLE IF NOT EXISTS app_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	device_id TEXT NOT NULL,
	process_name TEXT NOT NULL,
	window_title TEXT,
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE TABLE IF NOT EXISTS idle_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	device_id TEXT NOT NULL,
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE TABLE IF NOT EXISTS web_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	device_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT,
	url TEXT,
	browser TEXT,
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE TABLE IF NOT EXISTS web_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	device_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT,
	url TEXT,
	timestamp TEXT NOT NULL,
	browser TEXT,
	received_at TEXT NOT NULL,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE TABLE IF NOT EXISTS ingest_cursors (
	device_id TEXT NOT NULL,
	stream TEXT NOT NULL,
	last_sequence INTEGER NOT NULL,
	last_batch_id TEXT NOT NULL,
	last_sent_at TEXT NOT NULL,
	PRIMARY KEY(device_id, stream),
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE INDEX IF NOT EXISTS app_sessions_device ON app_sessions(device_id, start_at);
CREATE INDEX IF NOT EXISTS idle_sessions_device ON idle_sessions(device_id, start_at);
CREATE INDEX IF NOT EXISTS web_sessions_device ON web_sessions(device_id, start_at);
CREATE INDEX IF NOT EXISTS web_events_device ON web_events(device_id, timestamp);
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
