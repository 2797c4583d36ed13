package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/axonops/dualdb/internal/config"
)

// Record is one persisted conflict: the local (change-log) and remote
// (primary) snapshots that disagreed, the strategy that was applied, and
// the outcome. ResolvedAtMS is nil until the conflict is closed out,
// either automatically (every strategy but "manual") or by an operator
// call to Store.Resolve.
type Record struct {
	ID               int64
	Table            string
	RowID            string
	LocalSnapshot    json.RawMessage
	RemoteSnapshot   json.RawMessage
	Strategy         config.ConflictStrategy
	Resolution       Winner
	DetectedAtMS     int64
	ResolvedAtMS     *int64
	ChangelogEntryID int64
}

// Store wraps the fallback database's _sync_conflicts table.
type Store struct {
	db *sql.DB
}

// NewStore binds a conflict Store to the fallback database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts a conflict record. When rec.ResolvedAtMS is nil the row
// is left open (resolved_at_ms NULL) — the "manual" strategy's
// unresolved case. Returns the new record's id.
func (s *Store) Record(ctx context.Context, rec Record) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO _sync_conflicts
			(table_name, row_id, local_snapshot, remote_snapshot, strategy, resolution, detected_at_ms, resolved_at_ms, changelog_entry_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.RowID, nullableJSON(rec.LocalSnapshot), nullableJSON(rec.RemoteSnapshot),
		string(rec.Strategy), string(rec.Resolution), rec.DetectedAtMS, rec.ResolvedAtMS, rec.ChangelogEntryID)
	if err != nil {
		return 0, fmt.Errorf("conflict: record: %w", err)
	}
	return res.LastInsertId()
}

// ListUnresolved returns up to limit conflicts with resolved_at_ms still
// NULL, oldest first — exactly the records a "manual"-strategy operator
// needs to act on.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, row_id, local_snapshot, remote_snapshot, strategy, resolution, detected_at_ms, resolved_at_ms, changelog_entry_id
		 FROM _sync_conflicts WHERE resolved_at_ms IS NULL ORDER BY detected_at_ms ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("conflict: list unresolved: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get fetches one conflict record by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, table_name, row_id, local_snapshot, remote_snapshot, strategy, resolution, detected_at_ms, resolved_at_ms, changelog_entry_id
		 FROM _sync_conflicts WHERE id = ?`, id)

	var r Record
	var local, remote sql.NullString
	var strategy, resolution string
	var resolvedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.Table, &r.RowID, &local, &remote, &strategy, &resolution, &r.DetectedAtMS, &resolvedAt, &r.ChangelogEntryID); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, fmt.Errorf("conflict: no conflict with id %d", id)
		}
		return Record{}, fmt.Errorf("conflict: get %d: %w", id, err)
	}
	r.Strategy = config.ConflictStrategy(strategy)
	r.Resolution = Winner(resolution)
	if local.Valid {
		r.LocalSnapshot = json.RawMessage(local.String)
	}
	if remote.Valid {
		r.RemoteSnapshot = json.RawMessage(remote.String)
	}
	if resolvedAt.Valid {
		v := resolvedAt.Int64
		r.ResolvedAtMS = &v
	}
	return r, nil
}

// ListByRow returns every conflict record (resolved or not) for one
// table/row pair, most recent first — the audit trail for a single row.
func (s *Store) ListByRow(ctx context.Context, table, rowID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, row_id, local_snapshot, remote_snapshot, strategy, resolution, detected_at_ms, resolved_at_ms, changelog_entry_id
		 FROM _sync_conflicts WHERE table_name = ? AND row_id = ? ORDER BY detected_at_ms DESC, id DESC`, table, rowID)
	if err != nil {
		return nil, fmt.Errorf("conflict: list by row: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var local, remote sql.NullString
		var strategy, resolution string
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Table, &r.RowID, &local, &remote, &strategy, &resolution, &r.DetectedAtMS, &resolvedAt, &r.ChangelogEntryID); err != nil {
			return nil, fmt.Errorf("conflict: scan: %w", err)
		}
		r.Strategy = config.ConflictStrategy(strategy)
		r.Resolution = Winner(resolution)
		if local.Valid {
			r.LocalSnapshot = json.RawMessage(local.String)
		}
		if remote.Valid {
			r.RemoteSnapshot = json.RawMessage(remote.String)
		}
		if resolvedAt.Valid {
			v := resolvedAt.Int64
			r.ResolvedAtMS = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Resolve closes out one conflict record with the operator's chosen
// winner and the current time. Returns the linked change-log entry id so
// the caller can also mark that entry synced.
func (s *Store) Resolve(ctx context.Context, id int64, winner Winner, nowMS int64) (int64, error) {
	var changelogEntryID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT changelog_entry_id FROM _sync_conflicts WHERE id = ? AND resolved_at_ms IS NULL`, id,
	).Scan(&changelogEntryID); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("conflict: no unresolved conflict with id %d", id)
		}
		return 0, fmt.Errorf("conflict: resolve %d: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE _sync_conflicts SET resolution = ?, resolved_at_ms = ? WHERE id = ?`,
		string(winner), nowMS, id); err != nil {
		return 0, fmt.Errorf("conflict: resolve %d: %w", id, err)
	}
	return changelogEntryID, nil
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
