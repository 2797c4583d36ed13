// Package changelog implements the append-only mutation log kept in the
// fallback store while the primary is unreachable (C3). The Sync Manager
// later replays it into the primary in global (timestamp, id) order.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/axonops/dualdb/internal/schema"
)

// Operation enumerates the kinds of mutation a change-log entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Entry is one change-log row.
type Entry struct {
	ID             int64
	Operation      Operation
	Table          string
	RowID          string
	OldSnapshot    json.RawMessage
	NewSnapshot    json.RawMessage
	TimestampMS    int64
	Synced         bool
	IdempotencyKey string
	TxID           string
	TxSeq          int
	TxCommitted    bool
}

// NewIdempotencyKey derives a deterministic idempotency key from the
// operation, table, row identity, and timestamp, so a retried append of
// the same logical mutation collides rather than duplicating.
func NewIdempotencyKey(op Operation, table, rowID string, timestampMS int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", op, table, rowID, timestampMS)
}

// NewTxID returns a fresh correlation id for a captured transaction
// replay batch.
func NewTxID() string {
	return uuid.New().String()
}

// Store wraps the fallback database's _changelog table.
type Store struct {
	db *sql.DB
}

// NewStore binds a changelog Store to the fallback database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// rawExecer is the minimal surface an adapter.Adapter (or a transaction
// scoped to one) exposes for raw statement execution. Declared locally
// so this package does not need to import adapter.
type rawExecer interface {
	RawExec(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// AppendTx inserts one entry through exec instead of the store's own
// *sql.DB, so the caller can fold the changelog append into the same
// fallback transaction as the data mutation it describes (DEGRADED-mode
// atomicity: one fallback-committed row version and one change-log
// entry, or neither).
func AppendTx(ctx context.Context, exec rawExecer, e Entry) error {
	_, err := exec.RawExec(ctx, insertSQL,
		string(e.Operation), e.Table, e.RowID, nullableJSON(e.OldSnapshot), nullableJSON(e.NewSnapshot),
		e.TimestampMS, e.IdempotencyKey, nullableString(e.TxID), e.TxSeq, e.TxCommitted)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("changelog: append tx: %w", err)
	}
	return nil
}

// Append inserts a single entry, silently ignoring a duplicate
// idempotency key.
func (s *Store) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, insertSQL,
		string(e.Operation), e.Table, e.RowID, nullableJSON(e.OldSnapshot), nullableJSON(e.NewSnapshot),
		e.TimestampMS, e.IdempotencyKey, nullableString(e.TxID), e.TxSeq, e.TxCommitted)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("changelog: append: %w", err)
	}
	return nil
}

// AppendBatch inserts every entry inside one fallback transaction,
// tolerating duplicate idempotency keys within and across calls.
func (s *Store) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changelog: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, insertSQL,
			string(e.Operation), e.Table, e.RowID, nullableJSON(e.OldSnapshot), nullableJSON(e.NewSnapshot),
			e.TimestampMS, e.IdempotencyKey, nullableString(e.TxID), e.TxSeq, e.TxCommitted)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("changelog: append batch: %w", err)
		}
	}
	return tx.Commit()
}

const insertSQL = `INSERT INTO _changelog
	(operation, table_name, row_id, old_snapshot, new_snapshot, timestamp_ms, idempotency_key, tx_id, tx_seq, tx_committed, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

// ListUnsynced returns up to limit entries with synced=false, ordered
// (timestamp asc, id asc) — the global cross-table replay order the
// Sync Manager relies on.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, table_name, row_id, old_snapshot, new_snapshot, timestamp_ms, synced, idempotency_key
		 FROM _changelog WHERE synced = 0 ORDER BY timestamp_ms ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("changelog: list unsynced: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		var old, newSnap sql.NullString
		var synced bool
		if err := rows.Scan(&e.ID, &op, &e.Table, &e.RowID, &old, &newSnap, &e.TimestampMS, &synced, &e.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("changelog: scan: %w", err)
		}
		e.Operation = Operation(op)
		e.Synced = synced
		if old.Valid {
			e.OldSnapshot = json.RawMessage(old.String)
		}
		if newSnap.Valid {
			e.NewSnapshot = json.RawMessage(newSnap.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSynced flags the given entries as synced. Idempotent: ids already
// synced are left unchanged.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changelog: begin mark synced: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE _changelog SET synced = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("changelog: mark synced %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Cleanup deletes synced entries older than the cutoff and returns the
// number removed.
func (s *Store) Cleanup(ctx context.Context, olderThanMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM _changelog WHERE synced = 1 AND timestamp_ms < ?`, olderThanMS)
	if err != nil {
		return 0, fmt.Errorf("changelog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// UnsyncedCount reports the number of entries with synced=false.
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _changelog WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("changelog: unsynced count: %w", err)
	}
	return n, nil
}

// RowID computes the idempotency subkey for a row using the schema
// registry's row-identity rule.
func RowID(t *schema.Table, row schema.Row) (string, error) {
	return schema.RowID(t, row)
}

func nullableJSON(v json.RawMessage) interface{} {
	if v == nil {
		return nil
	}
	return string(v)
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// isUniqueViolation matches the modernc.org/sqlite driver's error text for
// a UNIQUE constraint failure on idempotency_key.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "unique")
}
