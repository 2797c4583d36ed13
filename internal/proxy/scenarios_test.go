package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/fallback"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/conflict"
	"github.com/axonops/dualdb/internal/dualwrite"
	"github.com/axonops/dualdb/internal/fencing"
	"github.com/axonops/dualdb/internal/health"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/state"
	dbsync "github.com/axonops/dualdb/internal/sync"
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

func postsTable() *schema.Table {
	return &schema.Table{
		Name:       "posts",
		PrimaryKey: []string{"id"},
		Columns: []schema.Column{
			{Name: "id", Kind: schema.KindString},
			{Name: "title", Kind: schema.KindString},
			{Name: "updatedAt", Kind: schema.KindString},
		},
	}
}

func newScenarioStore(t *testing.T) (*fallback.Store, *schema.Registry) {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Put(usersTable())
	reg.Put(postsTable())
	cfg := config.FallbackConfig{
		Path: ":memory:", JournalMode: "MEMORY", Synchronous: "FULL",
		BusyTimeoutMS: 5000, CacheSizePages: -2000, ForeignKeys: true,
	}
	store, err := fallback.NewStore(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	_, err = store.DB().Exec(`CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = store.DB().Exec(`CREATE TABLE posts (id TEXT PRIMARY KEY, title TEXT, "updatedAt" TEXT)`)
	require.NoError(t, err)
	return store, reg
}

// harness wires every component the same way Proxy.Initialize does, but
// against two in-process stand-in stores (no real Postgres available in
// this environment) so the routing and replication logic can be driven
// deterministically from probe/transition calls instead of real network
// failures.
type harness struct {
	primary, fallback *fallback.Store
	reg               *schema.Registry
	machine           *state.Machine
	healthMon         *health.Monitor
	fallbackHealthMon *health.Monitor
	cl                *changelog.Store
	cs                *conflict.Store
	dual              *dualwrite.Manager
	sm                *dbsync.Manager
	proxy             *Proxy
}

func newHarness(t *testing.T, fence *fencing.Manager) *harness {
	t.Helper()
	primary, _ := newScenarioStore(t)
	fb, reg := newScenarioStore(t)
	machine := state.New()
	cl := changelog.NewStore(fb.DB())
	cs := conflict.NewStore(fb.DB())

	healthCfg := config.HealthConfig{
		ProbeIntervalMS: 50, ProbeTimeoutMS: 50,
		FailureThreshold: 3, RecoveryThreshold: 5, MinRecoveryMS: 0, WindowSize: 20,
	}
	healthMon := health.New(healthCfg, func(ctx context.Context, timeout time.Duration) bool { return true }, nil)
	fallbackHealthMon := health.New(healthCfg, func(ctx context.Context, timeout time.Duration) bool { return true }, nil)

	dual := dualwrite.New(primary, fb, reg, machine, fence, cl, config.DualWriteConfig{}, nil)
	syncCfg := config.SyncConfig{BatchSize: 50, RetryCount: 2, ConflictStrategy: config.StrategyLocalWins}
	sm := dbsync.New(primary, fb, reg, machine, fence, cl, cs, syncCfg, nil)

	p := New(primary, fb, reg, machine, healthMon, fallbackHealthMon, fence, dual, sm, cl, cs, nil)
	p.initialized = true

	ctx := context.Background()
	dual.OnStateChange(ctx, machine.Subscribe())
	sm.OnStateChange(ctx, machine.Subscribe())
	go p.watchHealth(ctx, healthMon.Subscribe())
	go p.watchFallbackHealth(ctx, fallbackHealthMon.Subscribe())

	return &harness{primary: primary, fallback: fb, reg: reg, machine: machine, healthMon: healthMon, fallbackHealthMon: fallbackHealthMon, cl: cl, cs: cs, dual: dual, sm: sm, proxy: p}
}

// S1. Simple failover: 3 consecutive failed probes degrade the proxy;
// the next write lands in the fallback with one unsynced change-log
// entry.
func TestScenario_S1_SimpleFailover(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.healthMon.Record(false)
	h.healthMon.Record(false)
	h.healthMon.Record(false)

	require.Eventually(t, func() bool { return h.machine.Current() == state.Degraded }, time.Second, 5*time.Millisecond)

	res, err := h.proxy.Write(ctx, dualwrite.WriteRequest{
		Table: "users", Action: dualwrite.ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", res.Row["name"])

	row, err := h.fallback.Model("users")
	require.NoError(t, err)
	found, err := row.FindUnique(ctx, adapter.FindArgs{Where: adapter.Where{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "Alice", found["name"])

	entries, err := h.cl.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, changelog.OpInsert, entries[0].Operation)
}

// S2. Sync after recovery: once the primary is healthy again for 5
// consecutive probes, the proxy syncs the DEGRADED-era write back into
// the primary and returns to NORMAL.
func TestScenario_S2_SyncAfterRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.machine.Transition(state.Degraded, "test setup"))
	_, err := h.proxy.Write(ctx, dualwrite.WriteRequest{
		Table: "users", Action: dualwrite.ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.healthMon.Record(true)
	}

	require.Eventually(t, func() bool { return h.machine.Current() == state.Normal }, time.Second, 5*time.Millisecond)

	model, err := h.primary.Model("users")
	require.NoError(t, err)
	row, err := model.FindUnique(ctx, adapter.FindArgs{Where: adapter.Where{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "Alice", row["name"])

	n, err := h.cl.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// S3. Conflict, local-wins: a fallback-side update and a primary-side
// update to the same row disagree; local-wins keeps the fallback's
// value.
func TestScenario_S3_ConflictLocalWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	primaryModel, err := h.primary.Model("posts")
	require.NoError(t, err)
	_, err = primaryModel.Create(ctx, adapter.CreateArgs{Data: adapter.Row{
		"id": "42", "title": "C", "updatedAt": "2024-01-02T00:00:00Z",
	}})
	require.NoError(t, err)

	newRow, err := json.Marshal(adapter.Row{"id": "42", "title": "B", "updatedAt": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.NoError(t, h.cl.Append(ctx, changelog.Entry{
		Operation: changelog.OpUpdate, Table: "posts", RowID: "42",
		NewSnapshot: newRow, TimestampMS: 1, IdempotencyKey: "post42-v1",
	}))

	res, err := h.sm.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ConflictCount)

	row, err := primaryModel.FindUnique(ctx, adapter.FindArgs{Where: adapter.Where{"id": "42"}})
	require.NoError(t, err)
	assert.Equal(t, "B", row["title"])

	n, err := h.cl.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	history, err := h.cs.ListByRow(ctx, "posts", "42")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, conflict.WinnerLocal, history[0].Resolution)
	require.NotNil(t, history[0].ResolvedAtMS)

	unresolved, err := h.cs.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved, "strategy auto-resolved the conflict, so it should not remain open")
}

// S4. Conflict, manual: the same disagreement under the manual strategy
// leaves the primary untouched and the change-log entry unsynced.
func TestScenario_S4_ConflictManual(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	primaryModel, err := h.primary.Model("posts")
	require.NoError(t, err)
	_, err = primaryModel.Create(ctx, adapter.CreateArgs{Data: adapter.Row{
		"id": "42", "title": "C", "updatedAt": "2024-01-02T00:00:00Z",
	}})
	require.NoError(t, err)

	newRow, err := json.Marshal(adapter.Row{"id": "42", "title": "B", "updatedAt": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.NoError(t, h.cl.Append(ctx, changelog.Entry{
		Operation: changelog.OpUpdate, Table: "posts", RowID: "42",
		NewSnapshot: newRow, TimestampMS: 1, IdempotencyKey: "post42-v2",
	}))

	manualSM := dbsync.New(h.primary, h.fallback, h.reg, h.machine, nil, h.cl, h.cs,
		config.SyncConfig{BatchSize: 50, RetryCount: 2, ConflictStrategy: config.StrategyManual}, nil)

	res, err := manualSM.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ConflictCount)

	row, err := primaryModel.FindUnique(ctx, adapter.FindArgs{Where: adapter.Where{"id": "42"}})
	require.NoError(t, err)
	assert.Equal(t, "C", row["title"])

	n, err := h.cl.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unresolved, err := h.cs.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "posts", unresolved[0].Table)
	assert.Equal(t, "42", unresolved[0].RowID)
	assert.Nil(t, unresolved[0].ResolvedAtMS)

	// An operator resolving in favor of the fallback's row must see that
	// row actually land on the primary, not just the bookkeeping cleared.
	p := New(h.primary, h.fallback, h.reg, h.machine, h.healthMon, nil, nil, h.dual, manualSM, h.cl, h.cs, nil)
	require.NoError(t, p.ResolveConflict(ctx, unresolved[0].ID, conflict.WinnerLocal))

	row, err = primaryModel.FindUnique(ctx, adapter.FindArgs{Where: adapter.Where{"id": "42"}})
	require.NoError(t, err)
	assert.Equal(t, "B", row["title"])

	n, err = h.cl.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	unresolved, err = h.cs.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

// S5. Fencing split-brain prevention: instance A's renewal fails after
// instance B takes the lock; A's writes must be rejected with
// ErrFencingLost while B's succeed.
func TestScenario_S5_FencingSplitBrain(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfgA := config.FencingConfig{Enabled: true, RedisAddr: mr.Addr(), LockKey: "dualdb:lock", LockTTLMS: 1000, InstanceID: "a", DialTimeout: time.Second}
	fenceA := fencing.New(cfgA, nil)
	defer fenceA.Close()
	require.NoError(t, fenceA.AcquireLock(ctx))

	hA := newHarness(t, fenceA)
	require.NoError(t, hA.machine.Transition(state.Degraded, "test"))

	// Simulate A's TTL lapsing during the partition: the key expires,
	// so A's next renewal finds nothing to extend.
	mr.Del("dualdb:lock")
	assert.Error(t, fenceA.RenewLock(ctx))
	assert.False(t, fenceA.HasValidLock())

	_, err := hA.proxy.Write(ctx, dualwrite.WriteRequest{
		Table: "users", Action: dualwrite.ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	assert.Error(t, err)

	cfgB := config.FencingConfig{Enabled: true, RedisAddr: mr.Addr(), LockKey: "dualdb:lock", LockTTLMS: 1000, InstanceID: "b", DialTimeout: time.Second}
	fenceB := fencing.New(cfgB, nil)
	defer fenceB.Close()
	require.NoError(t, fenceB.AcquireLock(ctx))

	hB := newHarness(t, fenceB)
	require.NoError(t, hB.machine.Transition(state.Degraded, "test"))
	res, err := hB.proxy.Write(ctx, dualwrite.WriteRequest{
		Table: "users", Action: dualwrite.ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u1", "name": "Alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", res.Row["name"])
}

// S6. SYNCING queue: a write issued while SYNCING blocks until the state
// reaches NORMAL, then lands on both stores with no change-log entry.
func TestScenario_S6_SyncingQueue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.machine.Transition(state.Degraded, "test"))
	require.NoError(t, h.machine.Transition(state.Syncing, "test"))

	done := make(chan dualwrite.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := h.proxy.Write(ctx, dualwrite.WriteRequest{
			Table: "users", Action: dualwrite.ActionCreate,
			Create: adapter.CreateArgs{Data: adapter.Row{"id": "x", "name": "Queued"}},
		})
		done <- res
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.machine.Transition(state.Normal, "sync completed"))

	select {
	case res := <-done:
		require.NoError(t, <-errCh)
		assert.Equal(t, "Queued", res.Row["name"])
	case <-time.After(time.Second):
		t.Fatal("queued write was never drained")
	}

	n, err := h.cl.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// S7. Fallback also fails while DEGRADED: losing the fallback too drives
// the proxy to UNAVAILABLE, and it drops back to DEGRADED (not NORMAL)
// once the fallback recovers, since the primary's own health is tracked
// independently.
func TestScenario_S7_FallbackFailureWhileDegraded(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Transition(state.Degraded, "test"))

	h.fallbackHealthMon.Record(false)
	h.fallbackHealthMon.Record(false)
	h.fallbackHealthMon.Record(false)

	require.Eventually(t, func() bool { return h.machine.Current() == state.Unavailable }, time.Second, 5*time.Millisecond)

	_, err := h.proxy.Write(context.Background(), dualwrite.WriteRequest{
		Table: "users", Action: dualwrite.ActionCreate,
		Create: adapter.CreateArgs{Data: adapter.Row{"id": "u2", "name": "Blocked"}},
	})
	assert.ErrorIs(t, err, proxyerr.ErrUnavailable)

	h.fallbackHealthMon.Record(true)
	h.fallbackHealthMon.Record(true)
	h.fallbackHealthMon.Record(true)
	h.fallbackHealthMon.Record(true)
	h.fallbackHealthMon.Record(true)

	require.Eventually(t, func() bool { return h.machine.Current() == state.Degraded }, time.Second, 5*time.Millisecond)
}
