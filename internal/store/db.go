// Package store is the daemon's persistent session store: a SQLite
// database (pure-Go driver, no cgo) holding repositories, sessions,
// messages, session runtime state, session secrets, outbound sync
// cursors, and user settings. Every successful repository, session,
// message, or runtime-state write synchronously emits exactly one
// types.SideEffect through the configured Sink before returning to the
// caller; repository-settings, secret, sync-cursor, and user-settings
// writes emit none.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema is the baseline set of tables. New columns/tables after the
// first release belong in migrations.go instead of here.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id                TEXT PRIMARY KEY,
	path              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	is_git_repository INTEGER NOT NULL DEFAULT 0,
	sessions_path     TEXT,
	default_branch    TEXT,
	default_remote    TEXT,
	added_at          TEXT NOT NULL,
	last_accessed_at  TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                        TEXT PRIMARY KEY,
	repository_id             TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	title                     TEXT NOT NULL DEFAULT '',
	external_agent_session_id TEXT,
	status                    TEXT NOT NULL DEFAULT 'active',
	is_worktree               INTEGER NOT NULL DEFAULT 0,
	worktree_path             TEXT,
	created_at                TEXT NOT NULL,
	last_accessed_at          TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_repository_id ON sessions(repository_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	content         TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	is_streaming    INTEGER NOT NULL DEFAULT 0,
	timestamp       TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE(session_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence_number);

CREATE TABLE IF NOT EXISTS session_state (
	session_id     TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	agent_status   TEXT NOT NULL,
	updated_at_ms  INTEGER NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS session_secrets (
	session_id       TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	encrypted_secret BLOB NOT NULL,
	nonce            BLOB NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_sync_state (
	session_id                   TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	last_synced_sequence_number INTEGER NOT NULL DEFAULT 0,
	retry_count                  INTEGER NOT NULL DEFAULT 0,
	last_attempt_at              TEXT,
	last_error                   TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	value_type TEXT NOT NULL DEFAULT 'string',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// Open opens (creating if needed) the SQLite database at dbPath in WAL
// mode with a 5s busy timeout and foreign keys enforced, bootstraps the
// baseline schema, and applies any pending numbered migrations.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	// WAL journaling, foreign keys enforced, synchronous NORMAL (safe
	// under WAL), a 64MB page cache, a 256MB mmap window, and a 5s
	// busy timeout.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-64000)&_pragma=mmap_size(268435456)",
		dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY contention; SQLite
	// serializes writes anyway so there is no concurrency to gain here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	return db, nil
}

func initSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return tx.Commit()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
