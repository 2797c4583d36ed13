package changelog

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE _changelog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		old_snapshot TEXT,
		new_snapshot TEXT,
		timestamp_ms INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		tx_id TEXT,
		tx_seq INTEGER NOT NULL DEFAULT 0,
		tx_committed INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	return db
}

func TestAppend_DuplicateIdempotencyKeyIsSilentlyIgnored(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	e := Entry{Operation: OpInsert, Table: "users", RowID: `"u1"`, TimestampMS: 1000, IdempotencyKey: "k1"}
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.Append(ctx, e)) // duplicate, must not error

	n, err := s.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAppendBatch_ToleratesDuplicatesWithinAndAcrossCalls(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	entries := []Entry{
		{Operation: OpInsert, Table: "users", RowID: `"u1"`, TimestampMS: 1, IdempotencyKey: "a"},
		{Operation: OpInsert, Table: "users", RowID: `"u1"`, TimestampMS: 1, IdempotencyKey: "a"},
		{Operation: OpInsert, Table: "users", RowID: `"u2"`, TimestampMS: 2, IdempotencyKey: "b"},
	}
	require.NoError(t, s.AppendBatch(ctx, entries))
	require.NoError(t, s.AppendBatch(ctx, entries))

	n, err := s.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestListUnsynced_OrdersByTimestampThenID(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, s.AppendBatch(ctx, []Entry{
		{Operation: OpInsert, Table: "t", RowID: "3", TimestampMS: 300, IdempotencyKey: "k3"},
		{Operation: OpInsert, Table: "t", RowID: "1", TimestampMS: 100, IdempotencyKey: "k1"},
		{Operation: OpInsert, Table: "t", RowID: "2", TimestampMS: 200, IdempotencyKey: "k2"},
	}))

	got, err := s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "1", got[0].RowID)
	require.Equal(t, "2", got[1].RowID)
	require.Equal(t, "3", got[2].RowID)
}

func TestMarkSynced_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{Operation: OpInsert, Table: "t", RowID: "1", TimestampMS: 1, IdempotencyKey: "k1"}))
	unsynced, err := s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	require.NoError(t, s.MarkSynced(ctx, []int64{unsynced[0].ID}))
	require.NoError(t, s.MarkSynced(ctx, []int64{unsynced[0].ID})) // idempotent re-apply

	n, err := s.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestCleanup_OnlyDeletesSyncedEntriesOlderThanCutoff(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{Operation: OpInsert, Table: "t", RowID: "1", TimestampMS: 100, IdempotencyKey: "k1"}))
	require.NoError(t, s.Append(ctx, Entry{Operation: OpInsert, Table: "t", RowID: "2", TimestampMS: 900, IdempotencyKey: "k2"}))

	unsynced, err := s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, []int64{unsynced[0].ID, unsynced[1].ID}))

	n, err := s.Cleanup(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, int64(1), n) // only the timestamp_ms=100 row qualifies
}
