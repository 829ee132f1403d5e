package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCgo is the mattn/go-sqlite3 driver.
	DriverCgo = "sqlite3"
	// DriverPure is the modernc.org/sqlite driver.
	DriverPure = "sqlite"
)

var (
	// ErrStoreUnavailable wraps failures to open or read the local store.
	ErrStoreUnavailable = errors.New("local store unavailable")
	ErrNotFound         = errors.New("not found")
)

// DB represents the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(driver, dbPath string) (*DB, error) {
	if driver == "" {
		driver = DriverCgo
	}
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to apply %s: %v", ErrStoreUnavailable, pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnavailable, err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return db.addColumn(ctx, "pull_requests", "details_stale", "BOOLEAN NOT NULL DEFAULT 0")
}

// addColumn upgrades a table created before column existed.
func (db *DB) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing only if fn succeeds.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE,
	api_path TEXT NOT NULL,
	web_path TEXT NOT NULL DEFAULT '',
	user_id INTEGER NOT NULL DEFAULT 0,
	user_login TEXT NOT NULL DEFAULT '',
	rate_limit INTEGER NOT NULL DEFAULT 0,
	rate_remaining INTEGER NOT NULL DEFAULT 0,
	rate_reset_at INTEGER NOT NULL DEFAULT 0,
	last_event_at INTEGER NOT NULL DEFAULT 0,
	last_sync_at INTEGER NOT NULL DEFAULT 0,
	last_sync_succeeded BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS feed_cursors (
	server_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	etag TEXT NOT NULL,
	PRIMARY KEY (server_id, path)
);

CREATE TABLE IF NOT EXISTS organizations (
	server_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	login TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (server_id, id)
);

CREATE TABLE IF NOT EXISTS repositories (
	server_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	full_name TEXT NOT NULL,
	owner TEXT NOT NULL,
	private BOOLEAN NOT NULL DEFAULT 0,
	fork BOOLEAN NOT NULL DEFAULT 0,
	archived BOOLEAN NOT NULL DEFAULT 0,
	web_url TEXT NOT NULL DEFAULT '',
	pushed_at INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT 1,
	hidden BOOLEAN NOT NULL DEFAULT 0,
	dirty BOOLEAN NOT NULL DEFAULT 0,
	inaccessible BOOLEAN NOT NULL DEFAULT 0,
	manually_added BOOLEAN NOT NULL DEFAULT 0,
	last_dirtied INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, id)
);

CREATE TABLE IF NOT EXISTS pull_requests (
	server_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	repository_id INTEGER NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	state INTEGER NOT NULL,
	mergeable INTEGER NOT NULL DEFAULT 0,
	user_id INTEGER NOT NULL DEFAULT 0,
	user_login TEXT NOT NULL DEFAULT '',
	user_avatar_url TEXT NOT NULL DEFAULT '',
	assignees TEXT NOT NULL DEFAULT '',
	merged_by_id INTEGER NOT NULL DEFAULT 0,
	merged_by_login TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	web_url TEXT NOT NULL DEFAULT '',
	closed_at INTEGER NOT NULL DEFAULT 0,
	merged_at INTEGER NOT NULL DEFAULT 0,
	assigned_to_me BOOLEAN NOT NULL DEFAULT 0,
	section INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL DEFAULT 0,
	total_comments INTEGER NOT NULL DEFAULT 0,
	unread_comments INTEGER NOT NULL DEFAULT 0,
	latest_read_comment_at INTEGER NOT NULL DEFAULT 0,
	details_stale BOOLEAN NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, id)
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_section ON pull_requests(section, sort_index);

CREATE TABLE IF NOT EXISTS comments (
	server_id INTEGER NOT NULL,
	pull_request_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	user_id INTEGER NOT NULL DEFAULT 0,
	user_login TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	web_url TEXT NOT NULL DEFAULT '',
	review BOOLEAN NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, pull_request_id, id)
);

CREATE TABLE IF NOT EXISTS statuses (
	server_id INTEGER NOT NULL,
	pull_request_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	state TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	creator_id INTEGER NOT NULL DEFAULT 0,
	creator_login TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, pull_request_id, id)
);

CREATE TABLE IF NOT EXISTS labels (
	server_id INTEGER NOT NULL,
	pull_request_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (server_id, pull_request_id, id)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id TEXT PRIMARY KEY,
	trigger TEXT NOT NULL,
	outcome TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	created INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	purged INTEGER NOT NULL DEFAULT 0,
	failures TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_lock (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Times are stored as unix nanoseconds with 0 meaning unset so that both
// drivers round-trip them identically.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
