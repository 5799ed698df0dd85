package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one additive, idempotent schema change applied after
// the baseline schema. Each checks for its own precondition rather
// than relying on the version counter alone, so a half-recorded run
// is safe to repeat.
type migration struct {
	version int
	name    string
	apply   func(*sql.DB) error
}

var migrationList = []migration{
	{1, "message_retries_column", migrateMessageRetriesColumn},
	{2, "realtime_sync_cursor_column", migrateRealtimeSyncCursorColumn},
}

func applyMigrations(db *sql.DB) error {
	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrationList {
		if applied[m.version] {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("migration %d (%s): record: %w", m.version, m.name, err)
		}
	}
	return nil
}

func tableHasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateMessageRetriesColumn adds no column: it checks via a pragma
// that the baseline schema already carries
// outbound_sync_state.retry_count and fails if it does not, so
// re-running it is safe.
func migrateMessageRetriesColumn(db *sql.DB) error {
	has, err := tableHasColumn(db, "outbound_sync_state", "retry_count")
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("outbound_sync_state.retry_count missing from baseline schema")
	}
	return nil
}

// migrateRealtimeSyncCursorColumn adds the hot-path cursor. The
// realtime syncer keeps its own high-water mark, independent of the
// cold-path cursor, so a daemon restart never re-publishes messages
// the bridge already delivered.
func migrateRealtimeSyncCursorColumn(db *sql.DB) error {
	has, err := tableHasColumn(db, "outbound_sync_state", "last_realtime_synced_sequence_number")
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = db.Exec(`ALTER TABLE outbound_sync_state ADD COLUMN last_realtime_synced_sequence_number INTEGER NOT NULL DEFAULT 0`)
	return err
}
