// Package sync implements the replay manager (C9): once the state
// machine enters SYNCING it drains the fallback's change log into the
// primary, in global (timestamp, id) order, resolving any conflicts with
// rows the primary gained while the fallback was authoritative.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/conflict"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/fencing"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
	"github.com/axonops/dualdb/internal/state"
)

// Result is the outcome of one sync pass.
type Result struct {
	Success       bool
	SyncedCount   int
	ConflictCount int
	Errors        []error
	Duration      time.Duration
}

// Manager drives the replay of unsynced change-log entries into the
// primary whenever the proxy enters SYNCING.
type Manager struct {
	primary   adapter.Adapter
	fallback  adapter.Adapter
	registry  *schema.Registry
	machine   *state.Machine
	fence     *fencing.Manager // nil when fencing is disabled
	changelog *changelog.Store
	conflicts *conflict.Store
	cfg       config.SyncConfig
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// New builds a Manager. fence may be nil if fencing is disabled.
func New(primary, fallback adapter.Adapter, reg *schema.Registry, machine *state.Machine, fence *fencing.Manager, cl *changelog.Store, cs *conflict.Store, cfg config.SyncConfig, logger *slog.Logger) *Manager {
	return &Manager{
		primary: primary, fallback: fallback, registry: reg, machine: machine,
		fence: fence, changelog: cl, conflicts: cs, cfg: cfg, logger: logger,
	}
}

// OnStateChange should be wired to machine.Subscribe(); it starts a sync
// pass in the background every time the state reaches SYNCING.
func (m *Manager) OnStateChange(ctx context.Context, events <-chan state.Transition) {
	go func() {
		for t := range events {
			if t.To == state.Syncing {
				go m.runTriggered(ctx)
			}
		}
	}()
}

func (m *Manager) runTriggered(ctx context.Context) {
	res, err := m.Run(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("sync: pass aborted", "error", err)
		}
		_ = m.machine.Transition(state.Degraded, fmt.Sprintf("sync aborted: %v", err))
		return
	}
	if res.Success {
		_ = m.machine.Transition(state.Normal, "sync completed")
	} else {
		_ = m.machine.Transition(state.Degraded, fmt.Sprintf("sync incomplete: %d conflicts unresolved", res.ConflictCount))
	}
}

// Run executes one full sync pass: reconnect, re-fence, and replay every
// unsynced change-log entry in batches until the log is drained or an
// entry's retry budget is exhausted. At most one pass runs at a time; a
// concurrent call returns an error immediately.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("sync: pass already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	start := time.Now()
	res := Result{Success: true}

	if err := m.primary.Connect(ctx); err != nil {
		return Result{}, fmt.Errorf("sync: reconnect primary: %w", err)
	}
	if m.fence != nil {
		if err := m.fence.AcquireLock(ctx); err != nil {
			return Result{}, fmt.Errorf("sync: reacquire fencing lock: %w", err)
		}
	}

	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for {
		entries, err := m.changelog.ListUnsynced(ctx, batchSize)
		if err != nil {
			return Result{}, fmt.Errorf("sync: list unsynced: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		var synced []int64
		for _, e := range entries {
			outcome, err := m.replayWithRetry(ctx, e)
			switch {
			case err != nil:
				res.Success = false
				res.Errors = append(res.Errors, fmt.Errorf("entry %d (%s %s): %w", e.ID, e.Operation, e.Table, err))
			case outcome == outcomeConflictUnresolved:
				res.Success = false
				res.ConflictCount++
			default:
				if outcome == outcomeConflictResolved {
					res.ConflictCount++
				}
				synced = append(synced, e.ID)
			}
		}
		if len(synced) > 0 {
			if err := m.changelog.MarkSynced(ctx, synced); err != nil {
				return Result{}, fmt.Errorf("sync: mark synced: %w", err)
			}
			res.SyncedCount += len(synced)
		}

		// An unsynced entry that failed or could not be resolved stays
		// unsynced; a fixed-size batch that makes no progress would loop
		// forever, so stop once nothing in this batch got marked synced.
		if len(synced) == 0 {
			break
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

type replayOutcome int

const (
	outcomeApplied replayOutcome = iota
	outcomeConflictResolved
	outcomeConflictUnresolved
)

// replayWithRetry retries a single entry's replay up to the configured
// retry count, advancing (recording the final error) once exhausted.
func (m *Manager) replayWithRetry(ctx context.Context, e changelog.Entry) (replayOutcome, error) {
	retries := m.cfg.RetryCount
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		outcome, err := m.replay(ctx, e)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func (m *Manager) replay(ctx context.Context, e changelog.Entry) (replayOutcome, error) {
	if e.RowID == "*" {
		return m.replaySummary(ctx, e)
	}

	table, ok := m.registry.Table(e.Table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", e.Table)
	}
	model, err := m.primary.Model(e.Table)
	if err != nil {
		return 0, err
	}

	switch e.Operation {
	case changelog.OpDelete:
		oldRow, err := decodeRow(e.OldSnapshot)
		if err != nil {
			return 0, err
		}
		where, err := primaryKeyWhere(table, oldRow)
		if err != nil {
			return 0, err
		}
		if _, err := model.Delete(ctx, adapter.DeleteArgs{Where: where}); err != nil {
			if errors.Is(err, proxyerr.ErrNotFound) {
				return outcomeApplied, nil
			}
			return 0, err
		}
		return outcomeApplied, nil

	case changelog.OpInsert, changelog.OpUpdate:
		newRow, err := decodeRow(e.NewSnapshot)
		if err != nil {
			return 0, err
		}
		where, err := primaryKeyWhere(table, newRow)
		if err != nil {
			return 0, err
		}
		existing, err := model.FindFirst(ctx, adapter.FindArgs{Where: where})
		if err != nil {
			if !errors.Is(err, proxyerr.ErrNotFound) {
				return 0, err
			}
			if _, err := model.Create(ctx, adapter.CreateArgs{Data: newRow}); err != nil {
				return 0, err
			}
			return outcomeApplied, nil
		}

		if !conflict.HasConflict(newRow, existing) {
			if _, err := model.Update(ctx, adapter.UpdateArgs{Where: where, Data: newRow}); err != nil {
				return 0, err
			}
			return outcomeApplied, nil
		}

		if m.logger != nil {
			m.logger.Info("sync: conflict-detected", "event", "conflict-detected", "table", e.Table, "row_id", e.RowID, "strategy", m.cfg.ConflictStrategy)
		}

		resolution, err := conflict.Resolve(newRow, existing, m.cfg.ConflictStrategy)
		if err != nil {
			return 0, err
		}

		if err := m.recordConflict(ctx, e, newRow, existing, resolution); err != nil && m.logger != nil {
			m.logger.Error("sync: failed to persist conflict record", "table", e.Table, "row_id", e.RowID, "error", err)
		}

		if !resolution.Resolved {
			if m.logger != nil {
				m.logger.Warn("sync: conflict-pending", "event", "conflict-pending", "table", e.Table, "row_id", e.RowID, "strategy", m.cfg.ConflictStrategy)
			}
			return outcomeConflictUnresolved, nil
		}
		if _, err := model.Update(ctx, adapter.UpdateArgs{Where: where, Data: resolution.FinalRow}); err != nil {
			return 0, err
		}
		return outcomeConflictResolved, nil

	default:
		return 0, fmt.Errorf("unknown operation %q", e.Operation)
	}
}

// ApplyResolution writes an operator's manual winner choice for rec to
// the primary. Called by the Proxy Facade's ResolveConflict before the
// conflict record itself is marked resolved; rec's local snapshot
// is the fallback's row at detection time, remote is the primary's.
func (m *Manager) ApplyResolution(ctx context.Context, rec conflict.Record, winner conflict.Winner) error {
	var snapshot []byte
	switch winner {
	case conflict.WinnerLocal:
		snapshot = rec.LocalSnapshot
	case conflict.WinnerRemote:
		snapshot = rec.RemoteSnapshot
	default:
		return fmt.Errorf("sync: apply resolution: winner must be %q or %q, got %q", conflict.WinnerLocal, conflict.WinnerRemote, winner)
	}

	row, err := decodeRow(snapshot)
	if err != nil {
		return fmt.Errorf("sync: apply resolution: %w", err)
	}

	table, ok := m.registry.Table(rec.Table)
	if !ok {
		return fmt.Errorf("sync: apply resolution: unknown table %q", rec.Table)
	}
	where, err := primaryKeyWhere(table, row)
	if err != nil {
		return fmt.Errorf("sync: apply resolution: %w", err)
	}

	model, err := m.primary.Model(rec.Table)
	if err != nil {
		return fmt.Errorf("sync: apply resolution: %w", err)
	}
	if _, err := model.Update(ctx, adapter.UpdateArgs{Where: where, Data: row}); err != nil {
		return fmt.Errorf("sync: apply resolution: %w", err)
	}
	return nil
}

// recordConflict persists a conflict.Record for one detected (local,
// remote) disagreement, regardless of whether the strategy resolved it
// automatically. A nil conflicts store (not wired) is a no-op rather
// than an error, so tests that build a bare Manager still work.
func (m *Manager) recordConflict(ctx context.Context, e changelog.Entry, local, remote adapter.Row, resolution conflict.Resolution) error {
	if m.conflicts == nil {
		return nil
	}

	localJSON, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}

	rec := conflict.Record{
		Table:            e.Table,
		RowID:            e.RowID,
		LocalSnapshot:    localJSON,
		RemoteSnapshot:   remoteJSON,
		Strategy:         m.cfg.ConflictStrategy,
		Resolution:       resolution.Winner,
		DetectedAtMS:     time.Now().UnixMilli(),
		ChangelogEntryID: e.ID,
	}
	if resolution.Resolved {
		resolvedAt := time.Now().UnixMilli()
		rec.ResolvedAtMS = &resolvedAt
	}

	_, err = m.conflicts.Record(ctx, rec)
	return err
}

// replaySummary replays a batch-summary entry (no per-row snapshots were
// recorded): it asks the fallback for the rows still matching the
// recorded where clause, upserts whichever are still present into the
// primary, and deletes whichever the where clause now matches nothing
// for (the fallback-side rows were removed by the originating delete).
func (m *Manager) replaySummary(ctx context.Context, e changelog.Entry) (replayOutcome, error) {
	var where adapter.Where
	if err := json.Unmarshal(e.NewSnapshot, &where); err != nil {
		return 0, fmt.Errorf("decode summary where: %w", err)
	}

	fbModel, err := m.fallback.Model(e.Table)
	if err != nil {
		return 0, err
	}
	rows, err := fbModel.FindMany(ctx, adapter.FindArgs{Where: where})
	if err != nil {
		return 0, err
	}

	table, ok := m.registry.Table(e.Table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", e.Table)
	}
	primaryModel, err := m.primary.Model(e.Table)
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		if _, err := primaryModel.DeleteMany(ctx, adapter.DeleteManyArgs{Where: where}); err != nil {
			return 0, err
		}
		return outcomeApplied, nil
	}

	for _, row := range rows {
		pk, err := primaryKeyWhere(table, row)
		if err != nil {
			return 0, err
		}
		if _, err := primaryModel.Upsert(ctx, adapter.UpsertArgs{Where: pk, Create: row, Update: row}); err != nil {
			return 0, err
		}
	}
	return outcomeApplied, nil
}

func decodeRow(raw []byte) (adapter.Row, error) {
	if len(raw) == 0 {
		return adapter.Row{}, nil
	}
	var row adapter.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row snapshot: %w", err)
	}
	return row, nil
}

func primaryKeyWhere(t *schema.Table, row adapter.Row) (adapter.Where, error) {
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", t.Name)
	}
	w := make(adapter.Where, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		w[k] = row[k]
	}
	return w, nil
}
