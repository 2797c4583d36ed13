// Package dualwrite implements the central write dispatcher (C8): it
// reads the current proxy state, fences out stale writers, and routes
// every mutation to the primary, the fallback, or both, according to
// the state the proxy is in when the write arrives.
package dualwrite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/fencing"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/state"
)

// Action names one ModelHandle operation a WriteRequest carries out.
type Action string

const (
	ActionCreate     Action = "create"
	ActionCreateMany Action = "createMany"
	ActionUpdate     Action = "update"
	ActionUpdateMany Action = "updateMany"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionDeleteMany Action = "deleteMany"
)

// WriteRequest is one caller-originated mutation, as captured by the
// Proxy Facade.
type WriteRequest struct {
	Table       string
	Action      Action
	OperationID string
	Critical    bool

	Create     adapter.CreateArgs
	CreateMany adapter.CreateManyArgs
	Update     adapter.UpdateArgs
	UpdateMany adapter.UpdateManyArgs
	Upsert     adapter.UpsertArgs
	Delete     adapter.DeleteArgs
	DeleteMany adapter.DeleteManyArgs
}

// Result is the outcome of a dispatched write.
type Result struct {
	Row      adapter.Row
	Affected int64
}

// Manager is the write dispatcher. One Manager is shared by every
// caller-facing request handler.
type Manager struct {
	primary   adapter.Adapter
	fallback  adapter.Adapter
	registry  *schema.Registry
	machine   *state.Machine
	fence     *fencing.Manager // nil when fencing is disabled
	changelog *changelog.Store
	cfg       config.DualWriteConfig
	logger    *slog.Logger

	queueMu  sync.Mutex
	queue    []queuedWrite
	draining bool
}

type queuedWrite struct {
	req  WriteRequest
	done chan queuedResult
}

type queuedResult struct {
	res Result
	err error
}

// New builds a Manager. fence may be nil if fencing is disabled in
// configuration.
func New(primary, fallback adapter.Adapter, reg *schema.Registry, machine *state.Machine, fence *fencing.Manager, cl *changelog.Store, cfg config.DualWriteConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		primary: primary, fallback: fallback, registry: reg, machine: machine,
		fence: fence, changelog: cl, cfg: cfg, logger: logger,
	}
	return m
}

// OnStateChange should be wired to machine.Subscribe(); it drains the
// SYNCING queue once the state reaches NORMAL.
func (m *Manager) OnStateChange(ctx context.Context, events <-chan state.Transition) {
	go func() {
		for t := range events {
			if t.To == state.Normal {
				m.drainQueue(ctx)
			}
		}
	}()
}

// Dispatch routes req according to the current state and returns once
// the write (or its deferred completion, in SYNCING) has resolved.
func (m *Manager) Dispatch(ctx context.Context, req WriteRequest) (Result, error) {
	switch m.machine.Current() {
	case state.Unavailable:
		return Result{}, proxyerr.ErrUnavailable
	case state.Normal:
		return m.dispatchNormal(ctx, req)
	case state.Syncing:
		return m.dispatchSyncing(ctx, req)
	case state.Degraded:
		return m.dispatchDegraded(ctx, req)
	default:
		return Result{}, fmt.Errorf("dualwrite: unknown state %q", m.machine.Current())
	}
}

func (m *Manager) checkFencing() error {
	if m.fence == nil {
		return nil
	}
	if !m.fence.HasValidLock() {
		return proxyerr.ErrFencingLost
	}
	return nil
}

func (m *Manager) dispatchNormal(ctx context.Context, req WriteRequest) (Result, error) {
	if err := m.checkFencing(); err != nil {
		return Result{}, err
	}

	if err := m.FillDefaults(&req); err != nil {
		return Result{}, fmt.Errorf("dualwrite: %w", err)
	}

	res, err := execOn(ctx, m.primary, req)
	if err != nil {
		return Result{}, fmt.Errorf("dualwrite: %w: %v", proxyerr.ErrPrimaryTransient, err)
	}

	if req.Critical || m.cfg.SyncMirrorAlways {
		if _, mErr := execOn(ctx, m.fallback, req); mErr != nil {
			m.persistPending(ctx, req, mErr)
		}
	} else {
		go m.asyncMirror(req)
	}
	return res, nil
}

// FillDefaults materializes uuid/now column defaults into req's payload
// once, before routing to either store, so the primary write and the
// fallback mirror receive identical generated values instead of each
// store minting its own (a server-side gen_random_uuid() on the primary
// diverging from the fallback engine's uuid.New(), or two different
// NORMAL-mode wall-clock reads for an updatedAt column). The primary
// adapter runs with FillDefaults off precisely so it relies on this
// pre-filled payload rather than Postgres column defaults. Exported so
// the Proxy Facade's transaction write-capture path (which also runs
// the same req against the primary before later mirroring it to the
// fallback) can apply the identical normalization.
func (m *Manager) FillDefaults(req *WriteRequest) error {
	t, ok := m.registry.Table(req.Table)
	if !ok {
		return fmt.Errorf("unknown table %q", req.Table)
	}
	switch req.Action {
	case ActionCreate:
		fillRowDefaults(t, req.Create.Data, true)
	case ActionCreateMany:
		for i := range req.CreateMany.Data {
			fillRowDefaults(t, req.CreateMany.Data[i], true)
		}
	case ActionUpdate:
		fillRowDefaults(t, req.Update.Data, false)
	case ActionUpdateMany:
		fillRowDefaults(t, req.UpdateMany.Data, false)
	case ActionUpsert:
		fillRowDefaults(t, req.Upsert.Create, true)
		fillRowDefaults(t, req.Upsert.Update, false)
	}
	return nil
}

// fillRowDefaults fills every HasDefault column missing from row with its
// materialized default when isCreate, and refreshes every IsUpdatedAt
// column unconditionally — mirroring sqlgen.Engine's own FillDefaults
// pass, but run once at the dispatcher instead of independently by each
// store's engine.
func fillRowDefaults(t *schema.Table, row adapter.Row, isCreate bool) {
	if row == nil {
		return
	}
	for _, col := range t.Columns {
		if _, present := row[col.Name]; present {
			continue
		}
		if isCreate && col.HasDefault {
			if v, ok := schema.MaterializeDefault(col); ok {
				row[col.Name] = v
			}
		}
		if col.IsUpdatedAt {
			if v, ok := schema.MaterializeDefault(schema.Column{DefaultSource: schema.DefaultNow}); ok {
				row[col.Name] = v
			}
		}
	}
}

func (m *Manager) asyncMirror(req WriteRequest) {
	ctx := context.Background()
	attempt := 0
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.AsyncRetryCount))
	err := backoff.Retry(func() error {
		attempt++
		_, err := execOn(ctx, m.fallback, req)
		return err
	}, bo)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("dualwrite: async mirror failed, persisting to pending writes", "table", req.Table, "attempts", attempt, "error", err)
		}
		m.persistPending(ctx, req, err)
	}
}

func (m *Manager) persistPending(ctx context.Context, req WriteRequest, cause error) {
	payload, err := json.Marshal(req)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("dualwrite: cannot serialize pending write", "error", err)
		}
		return
	}
	_, err = m.fallback.RawExec(ctx,
		`INSERT INTO _pending_writes (operation, table_name, payload, attempts, last_error, created_at_ms) VALUES (?, ?, ?, 1, ?, ?)`,
		string(req.Action), req.Table, string(payload), cause.Error(), time.Now().UnixMilli())
	if err != nil && m.logger != nil {
		m.logger.Error("dualwrite: failed to persist pending write", "error", err)
	}
}

func (m *Manager) dispatchSyncing(ctx context.Context, req WriteRequest) (Result, error) {
	if err := m.checkFencing(); err != nil {
		return Result{}, err
	}

	qw := queuedWrite{req: req, done: make(chan queuedResult, 1)}
	m.queueMu.Lock()
	m.queue = append(m.queue, qw)
	m.queueMu.Unlock()

	select {
	case r := <-qw.done:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// drainQueue runs every queued SYNCING-mode write against the primary in
// FIFO order, now that the state has reached NORMAL. At most one drain
// runs at a time; a failure resolves that item without blocking the rest
// of the queue.
func (m *Manager) drainQueue(ctx context.Context) {
	m.queueMu.Lock()
	if m.draining {
		m.queueMu.Unlock()
		return
	}
	m.draining = true
	m.queueMu.Unlock()

	defer func() {
		m.queueMu.Lock()
		m.draining = false
		m.queueMu.Unlock()
	}()

	for {
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.queueMu.Unlock()
			return
		}
		qw := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		res, err := m.dispatchNormal(ctx, qw.req)
		qw.done <- queuedResult{res: res, err: err}
	}
}

func (m *Manager) dispatchDegraded(ctx context.Context, req WriteRequest) (Result, error) {
	if err := m.checkFencing(); err != nil {
		return Result{}, err
	}

	var result Result
	err := m.fallback.Transaction(ctx, nil, func(ctx context.Context, tx adapter.Adapter) error {
		r, entries, err := execDegraded(ctx, tx, m.registry, req)
		if err != nil {
			return err
		}
		result = r
		for _, e := range entries {
			if err := changelog.AppendTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("dualwrite: degraded write: %w", err)
	}
	return result, nil
}

// MirrorToFallback replays req directly against the fallback, bypassing
// state routing. Used by the Proxy Facade to replicate writes captured
// during a NORMAL-mode primary transaction once that transaction commits.
func (m *Manager) MirrorToFallback(ctx context.Context, req WriteRequest) (Result, error) {
	return execOn(ctx, m.fallback, req)
}

// execOn runs req's action against one adapter without any change-log
// bookkeeping — used for the primary write and the fallback mirror in
// NORMAL mode.
func execOn(ctx context.Context, a adapter.Adapter, req WriteRequest) (Result, error) {
	model, err := a.Model(req.Table)
	if err != nil {
		return Result{}, err
	}
	switch req.Action {
	case ActionCreate:
		row, err := model.Create(ctx, req.Create)
		return Result{Row: row}, err
	case ActionCreateMany:
		n, err := model.CreateMany(ctx, req.CreateMany)
		return Result{Affected: n}, err
	case ActionUpdate:
		row, err := model.Update(ctx, req.Update)
		return Result{Row: row}, err
	case ActionUpdateMany:
		n, err := model.UpdateMany(ctx, req.UpdateMany)
		return Result{Affected: n}, err
	case ActionUpsert:
		row, err := model.Upsert(ctx, req.Upsert)
		return Result{Row: row}, err
	case ActionDelete:
		row, err := model.Delete(ctx, req.Delete)
		return Result{Row: row}, err
	case ActionDeleteMany:
		n, err := model.DeleteMany(ctx, req.DeleteMany)
		return Result{Affected: n}, err
	default:
		return Result{}, fmt.Errorf("dualwrite: unknown action %q", req.Action)
	}
}
