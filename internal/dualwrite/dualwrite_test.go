package dualwrite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/fallback"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/state"
)

func usersTable() *schema.Table {
	return &schema.Table{
		Name:       "users",
		PrimaryKey: []string{"id"},
		Columns: []schema.Column{
			{Name: "id", Kind: schema.KindString},
			{Name: "name", Kind: schema.KindString},
		},
	}
}

func newTestFallback(t *testing.T) (*fallback.Store, *schema.Registry) {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Put(usersTable())

	cfg := config.FallbackConfig{
		Path:           ":memory:",
		JournalMode:    "MEMORY",
		Synchronous:    "FULL",
		BusyTimeoutMS:  5000,
		CacheSizePages: -2000,
		ForeignKeys:    true,
	}
	store, err := fallback.NewStore(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	_, err = store.DB().Exec(`CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	return store, reg
}

func TestDispatch_Unavailable_RejectsEveryWrite(t *testing.T) {
	fb, reg := newTestFallback(t)
	sm := state.New()
	require.NoError(t, sm.Transition(state.Degraded, "test"))
	require.NoError(t, sm.Transition(state.Unavailable, "test"))
	m := New(nil, fb, reg, sm, nil, changelog.NewStore(fb.DB()), config.DualWriteConfig{}, nil)

	_, err := m.Dispatch(context.Background(), WriteRequest{
		Table: "users", Action: ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	assert.ErrorIs(t, err, proxyerr.ErrUnavailable)
}

func TestDispatch_Degraded_WritesDataAndChangelogAtomically(t *testing.T) {
	fb, reg := newTestFallback(t)
	sm := state.New()
	require.NoError(t, sm.Transition(state.Degraded, "failure-threshold"))

	cl := changelog.NewStore(fb.DB())
	m := New(nil, fb, reg, sm, nil, cl, config.DualWriteConfig{}, nil)

	res, err := m.Dispatch(context.Background(), WriteRequest{
		Table: "users", Action: ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", res.Row["name"])

	n, err := cl.UnsyncedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	model, err := fb.Model("users")
	require.NoError(t, err)
	row, err := model.FindUnique(context.Background(), adapter.FindArgs{Where: adapter.Where{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "Alice", row["name"])
}

func TestDispatch_Degraded_DeleteManyExpandsIntoOneEntryPerRow(t *testing.T) {
	fb, reg := newTestFallback(t)
	sm := state.New()
	require.NoError(t, sm.Transition(state.Degraded, "test"))
	cl := changelog.NewStore(fb.DB())
	m := New(nil, fb, reg, sm, nil, cl, config.DualWriteConfig{}, nil)
	ctx := context.Background()

	_, err := m.Dispatch(ctx, WriteRequest{
		Table: "users", Action: ActionCreateMany,
		CreateMany: adapter.CreateManyArgs{Data: []adapter.Row{
			{"id": "u1", "name": "Alice"},
			{"id": "u2", "name": "Bob"},
		}},
	})
	require.NoError(t, err)

	entries, err := cl.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	res, err := m.Dispatch(ctx, WriteRequest{
		Table: "users", Action: ActionDeleteMany,
		DeleteMany: adapter.DeleteManyArgs{Where: adapter.Where{}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)

	entries, err = cl.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 4) // 2 inserts + 2 deletes
}

// TestDispatch_Degraded_UnknownTableReturnsError covers the case where
// the fallback store's own registry knows a table (so model lookup
// succeeds) but the Manager's registry does not — e.g. a table dropped
// from the dispatcher's schema after the embedded store was opened.
func TestDispatch_Degraded_UnknownTableReturnsError(t *testing.T) {
	fb, _ := newTestFallback(t)
	emptyReg := schema.NewRegistry()
	sm := state.New()
	require.NoError(t, sm.Transition(state.Degraded, "test"))
	cl := changelog.NewStore(fb.DB())
	m := New(nil, fb, emptyReg, sm, nil, cl, config.DualWriteConfig{}, nil)
	ctx := context.Background()

	_, err := m.Dispatch(ctx, WriteRequest{
		Table: "users", Action: ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	require.Error(t, err)

	entries, err := cl.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected write must not leave a change-log entry behind")
}

func TestDispatch_Syncing_QueuesAndDrainsOnTransitionToNormal(t *testing.T) {
	fb, reg := newTestFallback(t)
	sm := state.New()
	require.NoError(t, sm.Transition(state.Degraded, "test"))
	require.NoError(t, sm.Transition(state.Syncing, "test"))

	cl := changelog.NewStore(fb.DB())
	m := New(fb, fb, reg, sm, nil, cl, config.DualWriteConfig{}, nil)

	events := sm.Subscribe()
	ctx := context.Background()
	m.OnStateChange(ctx, events)

	done := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := m.Dispatch(ctx, WriteRequest{
			Table: "users", Action: ActionCreate,
			Create: adapter.CreateArgs{Data: adapter.Row{"id": "x", "name": "Deferred"}},
		})
		done <- res
		errCh <- err
	}()

	// Give the dispatcher time to enqueue before transitioning.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sm.Transition(state.Normal, "sync completed"))

	select {
	case res := <-done:
		require.NoError(t, <-errCh)
		assert.Equal(t, "Deferred", res.Row["name"])
	case <-time.After(time.Second):
		t.Fatal("queued write was never drained")
	}
}
