package fallback

// migrations contains the embedded store's schema migrations, applied in
// order on every startup (idempotent via IF NOT EXISTS — SQLite has no
// ADD COLUMN IF NOT EXISTS, so column additions go through
// addColumnIfMissing instead of living in this list).
var migrations = []string{
	// Migration 1: change log (C3). Every fallback-side write made while
	// the primary is unreachable lives here until the sync manager has
	// replayed it into the primary and marked it synced.
	`CREATE TABLE IF NOT EXISTS _changelog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		old_snapshot TEXT,
		new_snapshot TEXT,
		timestamp_ms INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_changelog_unsynced ON _changelog(synced, timestamp_ms, id)`,
	`CREATE INDEX IF NOT EXISTS idx_changelog_table ON _changelog(table_name, row_id)`,

	// Migration 2: pending writes (C8). Writes accepted in NORMAL mode
	// whose async mirror to the fallback has not yet been confirmed.
	`CREATE TABLE IF NOT EXISTS _pending_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		table_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at_ms INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pending_writes_created ON _pending_writes(created_at_ms)`,

	// Migration 3: sync conflict records (C4/C9). One row per detected
	// conflict, whether auto-resolved by a strategy or left open for the
	// admin CLI's `conflicts list/resolve` under the manual strategy.
	// resolved_at_ms stays NULL until the conflict is closed out.
	`CREATE TABLE IF NOT EXISTS _sync_conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		local_snapshot TEXT,
		remote_snapshot TEXT,
		strategy TEXT NOT NULL,
		resolution TEXT,
		detected_at_ms INTEGER NOT NULL,
		resolved_at_ms INTEGER,
		changelog_entry_id INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_unresolved ON _sync_conflicts(resolved_at_ms, detected_at_ms)`,

	// Migration 4: key/value metadata table. It is created here; no code
	// in this tree reads or writes it.
	`CREATE TABLE IF NOT EXISTS _db_metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
}

// columnMigrations adds columns to tables that may already exist from an
// earlier version, guarded by addColumnIfMissing since SQLite has no
// ADD COLUMN IF NOT EXISTS.
type columnMigration struct {
	table, column, ddl string
}

var columnMigrations = []columnMigration{
	{"_changelog", "tx_id", "ALTER TABLE _changelog ADD COLUMN tx_id TEXT"},
	{"_changelog", "tx_seq", "ALTER TABLE _changelog ADD COLUMN tx_seq INTEGER NOT NULL DEFAULT 0"},
	{"_changelog", "tx_committed", "ALTER TABLE _changelog ADD COLUMN tx_committed INTEGER NOT NULL DEFAULT 0"},
}
