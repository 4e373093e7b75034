// Package store is the relational mirror backing session metadata, cron
// jobs/runs, channel accounts, OTP challenges, env variables, and vault
// metadata. It uses modernc.org/sqlite (pure Go, no cgo) so the gateway
// binary stays a single static executable. Grounded on the
// prepare-statements-at-construction pattern in this codebase's
// CockroachDB session store, adapted from Postgres `$N` placeholders and
// a managed server to SQLite's `?` placeholders and a single embedded
// file, and narrowed from one monolithic store to several small
// per-concern stores sharing one *sql.DB.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle and owns schema migration.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Conn exposes the underlying *sql.DB for stores in this package.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	sandbox_enabled INTEGER NOT NULL DEFAULT 0,
	worktree_branch TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule_json TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	session_target TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	delete_after_run INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_run_at INTEGER,
	next_fire_at INTEGER
);

CREATE TABLE IF NOT EXISTS cron_runs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	outcome TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job_id ON cron_runs(job_id, started_at DESC);

CREATE TABLE IF NOT EXISTS env_variables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL,
	encrypted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS channel_accounts (
	channel_type TEXT NOT NULL,
	account_id TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 1,
	dm_policy TEXT NOT NULL DEFAULT 'allowlist',
	group_policy TEXT NOT NULL DEFAULT 'disabled',
	mention_mode TEXT NOT NULL DEFAULT 'mention',
	user_allowlist_json TEXT NOT NULL DEFAULT '[]',
	group_allowlist_json TEXT NOT NULL DEFAULT '[]',
	channel_allowlist_json TEXT NOT NULL DEFAULT '[]',
	otp_cooldown_secs INTEGER NOT NULL DEFAULT 60,
	PRIMARY KEY (channel_type, account_id)
);

CREATE TABLE IF NOT EXISTS otp_challenges (
	channel_type TEXT NOT NULL,
	account_id TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	code TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_type, account_id, peer_id)
);

CREATE TABLE IF NOT EXISTS vault_metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	kdf_salt BLOB NOT NULL,
	kdf_time_cost INTEGER NOT NULL,
	kdf_memory_kib INTEGER NOT NULL,
	kdf_threads INTEGER NOT NULL,
	wrapped_dek BLOB NOT NULL,
	recovery_wrapped_dek BLOB,
	recovery_key_hash BLOB
);
`

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}
