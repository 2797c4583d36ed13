// Package proxy assembles every component into the public surface
// callers actually use (C10): read/write/transaction routing by current
// state, plus the operator-facing recovery and inspection operations.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/conflict"
	"github.com/axonops/dualdb/internal/dualwrite"
	"github.com/axonops/dualdb/internal/fencing"
	"github.com/axonops/dualdb/internal/health"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/state"
	dbsync "github.com/axonops/dualdb/internal/sync"
)

// Proxy is the facade every caller-facing handler talks to.
type Proxy struct {
	primary        adapter.Adapter
	fallback       adapter.Adapter
	registry       *schema.Registry
	machine        *state.Machine
	health         *health.Monitor
	fallbackHealth *health.Monitor  // nil when fallback health monitoring is disabled
	fence          *fencing.Manager // nil when fencing is disabled
	dual           *dualwrite.Manager
	sync           *dbsync.Manager
	changelog      *changelog.Store
	conflicts      *conflict.Store
	logger         *slog.Logger

	initialized bool
}

// New wires the facade around its already-constructed components. fence
// may be nil if fencing is disabled in configuration; fbhm may be nil if
// fallback health monitoring is disabled (DEGRADED/UNAVAILABLE transitions
// then rely solely on the primary monitor).
func New(primary, fallback adapter.Adapter, reg *schema.Registry, machine *state.Machine, hm *health.Monitor, fbhm *health.Monitor, fence *fencing.Manager, dual *dualwrite.Manager, sm *dbsync.Manager, cl *changelog.Store, cs *conflict.Store, logger *slog.Logger) *Proxy {
	return &Proxy{
		primary: primary, fallback: fallback, registry: reg, machine: machine,
		health: hm, fallbackHealth: fbhm, fence: fence, dual: dual, sync: sm, changelog: cl, conflicts: cs, logger: logger,
	}
}

// Initialize connects both stores, introspects the primary schema,
// acquires the fencing lock if enabled, and starts the background
// workers (health probe loop, fencing renewal loop, SYNCING drain,
// sync-on-SYNCING trigger).
func (p *Proxy) Initialize(ctx context.Context) error {
	if err := p.fallback.Connect(ctx); err != nil {
		return fmt.Errorf("proxy: connect fallback: %w", err)
	}

	primaryErr := p.primary.Connect(ctx)
	if p.fence != nil {
		if err := p.fence.AcquireLock(ctx); err != nil && p.logger != nil {
			p.logger.Warn("proxy: initial fencing lock acquisition failed", "error", err)
		}
		p.fence.StartRenewalLoop(ctx)
		fenceEvents := p.fence.Subscribe()
		go p.watchFencing(ctx, fenceEvents)
	}

	events := p.machine.Subscribe()
	p.dual.OnStateChange(ctx, events)

	syncEvents := p.machine.Subscribe()
	p.sync.OnStateChange(ctx, syncEvents)

	p.health.Start(ctx)
	healthEvents := p.health.Subscribe()
	go p.watchHealth(ctx, healthEvents)

	if p.fallbackHealth != nil {
		p.fallbackHealth.Start(ctx)
		fallbackHealthEvents := p.fallbackHealth.Subscribe()
		go p.watchFallbackHealth(ctx, fallbackHealthEvents)
	}

	p.initialized = true

	if primaryErr != nil {
		if p.logger != nil {
			p.logger.Warn("proxy: primary unreachable at startup, starting degraded", "error", primaryErr)
		}
		return p.machine.Transition(state.Degraded, "primary unreachable at startup")
	}
	return nil
}

// watchHealth drives the state machine off the health monitor's
// threshold events: a failure crossing degrades the proxy, a recovery
// crossing attempts a resync.
func (p *Proxy) watchHealth(ctx context.Context, events <-chan health.Event) {
	for ev := range events {
		switch ev {
		case health.EventFailureThreshold:
			_ = p.machine.Transition(state.Degraded, "health monitor: failure threshold reached")
		case health.EventRecoveryThreshold:
			if p.machine.Current() == state.Degraded {
				_ = p.machine.Transition(state.Syncing, "health monitor: recovery threshold reached")
			}
		}
	}
}

// watchFallbackHealth drives the DEGRADED<->UNAVAILABLE edge off the
// fallback store's own health monitor: while already DEGRADED (writes
// routed to the fallback), losing the fallback too means neither store
// can serve the request, so the proxy must go UNAVAILABLE; recovering
// drops back to DEGRADED rather than NORMAL, since the primary's own
// health is unrelated and still needs its own recovery path.
func (p *Proxy) watchFallbackHealth(ctx context.Context, events <-chan health.Event) {
	for ev := range events {
		switch ev {
		case health.EventFailureThreshold:
			if p.machine.Current() == state.Degraded {
				_ = p.machine.Transition(state.Unavailable, "fallback health monitor: failure threshold reached")
			}
		case health.EventRecoveryThreshold:
			if p.machine.Current() == state.Unavailable {
				_ = p.machine.Transition(state.Degraded, "fallback health monitor: recovery threshold reached")
			}
		}
	}
}

// watchFencing drives the state machine off the fencing manager's lock
// events: losing the lock means another instance may now hold it, so
// this instance can no longer trust itself to be the sole writer and
// must degrade until it reacquires.
func (p *Proxy) watchFencing(ctx context.Context, events <-chan fencing.Event) {
	for ev := range events {
		switch ev {
		case fencing.EventLockLost:
			_ = p.machine.Transition(state.Degraded, "fencing: lock lost")
		}
	}
}

// Close stops the background workers and releases the fencing lock.
func (p *Proxy) Close(ctx context.Context) error {
	p.health.Stop()
	if p.fallbackHealth != nil {
		p.fallbackHealth.Stop()
	}
	if p.fence != nil {
		p.fence.Stop()
		_ = p.fence.ReleaseLock(ctx)
		_ = p.fence.Close()
	}
	_ = p.fallback.Disconnect(ctx)
	return p.primary.Disconnect(ctx)
}

// readAdapter picks which store reads are routed to for the current
// state. SYNCING deliberately reads the fallback: the primary may still
// be missing recently-appended changes mid-replay, so reading from the
// fallback preserves monotonic read-your-writes.
func (p *Proxy) readAdapter() (adapter.Adapter, error) {
	switch {
	case !p.initialized:
		return p.fallback, nil
	case p.machine.Current() == state.Unavailable:
		return nil, proxyerr.ErrUnavailable
	case p.machine.Current() == state.Normal:
		return p.primary, nil
	default:
		return p.fallback, nil
	}
}

// FindUnique, FindFirst, FindMany, Count, Aggregate, and GroupBy all
// route identically: resolve the read-side adapter, resolve its model,
// delegate.
func (p *Proxy) model(table string) (adapter.ModelHandle, error) {
	a, err := p.readAdapter()
	if err != nil {
		return nil, err
	}
	return a.Model(table)
}

func (p *Proxy) FindUnique(ctx context.Context, table string, args adapter.FindArgs) (adapter.Row, error) {
	m, err := p.model(table)
	if err != nil {
		return nil, err
	}
	return m.FindUnique(ctx, args)
}

func (p *Proxy) FindFirst(ctx context.Context, table string, args adapter.FindArgs) (adapter.Row, error) {
	m, err := p.model(table)
	if err != nil {
		return nil, err
	}
	return m.FindFirst(ctx, args)
}

func (p *Proxy) FindMany(ctx context.Context, table string, args adapter.FindArgs) ([]adapter.Row, error) {
	m, err := p.model(table)
	if err != nil {
		return nil, err
	}
	return m.FindMany(ctx, args)
}

func (p *Proxy) Count(ctx context.Context, table string, args adapter.CountArgs) (int64, error) {
	m, err := p.model(table)
	if err != nil {
		return 0, err
	}
	return m.Count(ctx, args)
}

func (p *Proxy) Aggregate(ctx context.Context, table string, args adapter.AggregateArgs) (adapter.Row, error) {
	m, err := p.model(table)
	if err != nil {
		return nil, err
	}
	return m.Aggregate(ctx, args)
}

func (p *Proxy) GroupBy(ctx context.Context, table string, args adapter.GroupByArgs) ([]adapter.Row, error) {
	m, err := p.model(table)
	if err != nil {
		return nil, err
	}
	return m.GroupBy(ctx, args)
}

// RawQuery routes by state, quoting placeholders in whichever store's
// flavor the query will actually run against.
func (p *Proxy) RawQuery(ctx context.Context, query string, args ...interface{}) ([]adapter.Row, error) {
	a, err := p.readAdapter()
	if err != nil {
		return nil, err
	}
	return a.RawQuery(ctx, query, args...)
}

// Write dispatches any mutation through the dual-write manager,
// regardless of state — NORMAL/DEGRADED/SYNCING/UNAVAILABLE routing
// lives entirely inside dualwrite.Manager.Dispatch.
func (p *Proxy) Write(ctx context.Context, req dualwrite.WriteRequest) (dualwrite.Result, error) {
	return p.dual.Dispatch(ctx, req)
}

// CapturedWrite is one mutation captured by a NORMAL-mode transaction's
// write-capture middleware, replayed to the fallback after the primary
// transaction commits.
type CapturedWrite struct {
	Req dualwrite.WriteRequest
}

// TxFunc is the caller's transactional unit of work, given a handle
// whose writes are captured for fallback replication.
type TxFunc func(ctx context.Context, tx *Tx) error

// Tx is the transaction-scoped facade handed to a TxFunc. Outside NORMAL
// state there is no primary transaction to scope reads/writes to, so Tx
// routes each call straight through the Proxy's normal (state-aware)
// read path and the dual-write manager's own per-call atomicity unit.
type Tx struct {
	proxy    *Proxy
	adapter  adapter.Adapter // set only in NORMAL: the primary's transaction-scoped handle
	captured *[]CapturedWrite
}

func (t *Tx) FindUnique(ctx context.Context, table string, args adapter.FindArgs) (adapter.Row, error) {
	if t.adapter == nil {
		return t.proxy.FindUnique(ctx, table, args)
	}
	m, err := t.adapter.Model(table)
	if err != nil {
		return nil, err
	}
	return m.FindUnique(ctx, args)
}

// Write performs one mutation. In NORMAL state it runs directly against
// the primary's transaction-scoped adapter and is captured for
// post-commit fallback replication. In any other state there is no
// primary transaction to join, so it is handed straight to the
// dual-write manager, which gives it its own atomic changelog-paired
// fallback transaction.
func (t *Tx) Write(ctx context.Context, req dualwrite.WriteRequest) (dualwrite.Result, error) {
	if t.adapter == nil {
		return t.proxy.dual.Dispatch(ctx, req)
	}
	if err := t.proxy.dual.FillDefaults(&req); err != nil {
		return dualwrite.Result{}, err
	}
	res, err := dualwriteExecOn(ctx, t.adapter, req)
	if err != nil {
		return dualwrite.Result{}, err
	}
	if t.captured != nil {
		*t.captured = append(*t.captured, CapturedWrite{Req: req})
	}
	return res, nil
}

// Transaction runs fn transactionally. In NORMAL state it runs against
// the primary with write-capture middleware, then replays the captured
// writes to the fallback via the dual-write manager once the primary
// transaction commits. In every other state each Tx.Write call is
// dispatched individually through the dual-write manager, which already
// pairs the fallback mutation with its change-log entry atomically;
// there is no outer transaction spanning multiple calls in that case.
func (p *Proxy) Transaction(ctx context.Context, fn TxFunc) error {
	if p.machine.Current() != state.Normal {
		return fn(ctx, &Tx{proxy: p})
	}

	var captured []CapturedWrite
	err := p.primary.Transaction(ctx, nil, func(ctx context.Context, tx adapter.Adapter) error {
		return fn(ctx, &Tx{proxy: p, adapter: tx, captured: &captured})
	})
	if err != nil {
		return err
	}

	for _, cw := range captured {
		if _, mErr := p.dual.MirrorToFallback(ctx, cw.Req); mErr != nil && p.logger != nil {
			p.logger.Warn("proxy: post-commit fallback replication failed", "table", cw.Req.Table, "error", mErr)
		}
	}
	return nil
}

// dualwriteExecOn runs req directly against a (possibly transaction-
// scoped) adapter, bypassing state routing — used inside an
// already-open transaction where the state decision was made by the
// caller (Transaction above).
func dualwriteExecOn(ctx context.Context, a adapter.Adapter, req dualwrite.WriteRequest) (dualwrite.Result, error) {
	model, err := a.Model(req.Table)
	if err != nil {
		return dualwrite.Result{}, err
	}
	switch req.Action {
	case dualwrite.ActionCreate:
		row, err := model.Create(ctx, req.Create)
		return dualwrite.Result{Row: row}, err
	case dualwrite.ActionCreateMany:
		n, err := model.CreateMany(ctx, req.CreateMany)
		return dualwrite.Result{Affected: n}, err
	case dualwrite.ActionUpdate:
		row, err := model.Update(ctx, req.Update)
		return dualwrite.Result{Row: row}, err
	case dualwrite.ActionUpdateMany:
		n, err := model.UpdateMany(ctx, req.UpdateMany)
		return dualwrite.Result{Affected: n}, err
	case dualwrite.ActionUpsert:
		row, err := model.Upsert(ctx, req.Upsert)
		return dualwrite.Result{Row: row}, err
	case dualwrite.ActionDelete:
		row, err := model.Delete(ctx, req.Delete)
		return dualwrite.Result{Row: row}, err
	case dualwrite.ActionDeleteMany:
		n, err := model.DeleteMany(ctx, req.DeleteMany)
		return dualwrite.Result{Affected: n}, err
	default:
		return dualwrite.Result{}, fmt.Errorf("proxy: unknown action %q", req.Action)
	}
}

// GetState reports the current proxy state.
func (p *Proxy) GetState() state.State {
	return p.machine.Current()
}

// HealthStatus is the point-in-time health/fencing/sync picture exposed
// to operators and dashboards.
type HealthStatus struct {
	State           state.State
	Health          health.Snapshot
	FallbackHealth  *health.Snapshot
	FencingHeld     bool
	FencingToken    int64
	UnsyncedEntries int64
}

func (p *Proxy) GetHealthStatus(ctx context.Context) (HealthStatus, error) {
	n, err := p.changelog.UnsyncedCount(ctx)
	if err != nil {
		return HealthStatus{}, err
	}
	hs := HealthStatus{
		State:           p.machine.Current(),
		Health:          p.health.Status(),
		UnsyncedEntries: n,
	}
	if p.fallbackHealth != nil {
		snap := p.fallbackHealth.Status()
		hs.FallbackHealth = &snap
	}
	if p.fence != nil {
		hs.FencingHeld = p.fence.HasValidLock()
		hs.FencingToken = p.fence.CurrentToken()
	}
	return hs, nil
}

// TryReconnectPrimary probes the primary directly, without waiting for
// the next scheduled health-monitor tick.
func (p *Proxy) TryReconnectPrimary(ctx context.Context) error {
	if err := p.primary.Connect(ctx); err != nil {
		p.health.Record(false)
		return fmt.Errorf("proxy: reconnect primary: %w", err)
	}
	result := p.primary.HealthProbe(ctx, 5*time.Second)
	p.health.Record(result.Healthy)
	if !result.Healthy {
		return fmt.Errorf("proxy: primary probe failed: %w", result.Err)
	}
	return nil
}

// ForceRecoveryCheck is the operator-initiated recovery attempt:
// reconnect to the primary, then drive the state machine into SYNCING
// so a sync pass starts.
func (p *Proxy) ForceRecoveryCheck(ctx context.Context) error {
	if err := p.TryReconnectPrimary(ctx); err != nil {
		return err
	}
	return p.machine.Transition(state.Syncing, "operator-initiated recovery check")
}

// TriggerSync starts a sync pass manually; valid only from DEGRADED.
func (p *Proxy) TriggerSync(ctx context.Context) error {
	if p.machine.Current() != state.Degraded {
		return proxyerr.ErrSyncNotApplicable
	}
	return p.machine.Transition(state.Syncing, "operator-initiated sync")
}

// ListUnresolvedConflicts returns up to limit open conflict records
// (resolved_at still null). Under the "manual" conflict strategy these
// are exactly the conflicts awaiting operator resolution.
func (p *Proxy) ListUnresolvedConflicts(ctx context.Context, limit int) ([]conflict.Record, error) {
	return p.conflicts.ListUnresolved(ctx, limit)
}

// ResolveConflict applies the operator's chosen winner to the primary,
// records the decision on the conflict record, and marks the
// originating change-log entry synced so the next sync pass no longer
// treats it as pending. Under the "manual" strategy conflict.Resolve
// always returns Resolved: false, so it is this call, not the sync
// pass, that closes the conflict out.
func (p *Proxy) ResolveConflict(ctx context.Context, conflictID int64, winner conflict.Winner) error {
	if winner != conflict.WinnerLocal && winner != conflict.WinnerRemote {
		return fmt.Errorf("resolve conflict: winner must be %q or %q", conflict.WinnerLocal, conflict.WinnerRemote)
	}

	rec, err := p.conflicts.Get(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if err := p.sync.ApplyResolution(ctx, rec, winner); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}

	entryID, err := p.conflicts.Resolve(ctx, conflictID, winner, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return p.changelog.MarkSynced(ctx, []int64{entryID})
}
