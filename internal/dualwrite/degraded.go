package dualwrite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/changelog"
	"github.com/axonops/dualdb/internal/schema"
)

// execDegraded performs req's data mutation against tx (a fallback
// transaction) and builds the change-log entries it must produce
// atomically alongside it. Batch operations expand into one entry per
// affected row when the affected rows can be determined up front;
// otherwise a single summary entry bounded by the request's where
// clause is recorded instead.
func execDegraded(ctx context.Context, tx adapter.Adapter, reg *schema.Registry, req WriteRequest) (Result, []changelog.Entry, error) {
	model, err := tx.Model(req.Table)
	if err != nil {
		return Result{}, nil, err
	}
	table, ok := reg.Table(req.Table)
	if !ok {
		return Result{}, nil, fmt.Errorf("dualwrite: unknown table %q", req.Table)
	}
	now := time.Now().UnixMilli()

	switch req.Action {
	case ActionCreate:
		row, err := model.Create(ctx, req.Create)
		if err != nil {
			return Result{}, nil, err
		}
		e, err := newEntry(table, changelog.OpInsert, nil, row, now)
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Row: row}, []changelog.Entry{e}, nil

	case ActionCreateMany:
		n, err := model.CreateMany(ctx, req.CreateMany)
		if err != nil {
			return Result{}, nil, err
		}
		entries := make([]changelog.Entry, 0, len(req.CreateMany.Data))
		for _, row := range req.CreateMany.Data {
			e, err := newEntry(table, changelog.OpInsert, nil, row, now)
			if err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return Result{Affected: n}, entries, nil

	case ActionUpdate:
		old, _ := model.FindFirst(ctx, adapter.FindArgs{Where: req.Update.Where})
		row, err := model.Update(ctx, req.Update)
		if err != nil {
			return Result{}, nil, err
		}
		e, err := newEntry(table, changelog.OpUpdate, old, row, now)
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Row: row}, []changelog.Entry{e}, nil

	case ActionUpdateMany:
		olds, _ := model.FindMany(ctx, adapter.FindArgs{Where: req.UpdateMany.Where})
		n, err := model.UpdateMany(ctx, req.UpdateMany)
		if err != nil {
			return Result{}, nil, err
		}
		if len(olds) == 0 {
			e, err := summaryEntry(changelog.OpUpdate, req.Table, req.UpdateMany.Where, now)
			if err != nil {
				return Result{}, nil, err
			}
			return Result{Affected: n}, []changelog.Entry{e}, nil
		}
		entries := make([]changelog.Entry, 0, len(olds))
		for _, old := range olds {
			merged := mergeRow(old, req.UpdateMany.Data)
			e, err := newEntry(table, changelog.OpUpdate, old, merged, now)
			if err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return Result{Affected: n}, entries, nil

	case ActionUpsert:
		old, _ := model.FindFirst(ctx, adapter.FindArgs{Where: req.Upsert.Where})
		row, err := model.Upsert(ctx, req.Upsert)
		if err != nil {
			return Result{}, nil, err
		}
		op := changelog.OpInsert
		if old != nil {
			op = changelog.OpUpdate
		}
		e, err := newEntry(table, op, old, row, now)
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Row: row}, []changelog.Entry{e}, nil

	case ActionDelete:
		old, _ := model.FindFirst(ctx, adapter.FindArgs{Where: req.Delete.Where})
		row, err := model.Delete(ctx, req.Delete)
		if err != nil {
			return Result{}, nil, err
		}
		e, err := newEntry(table, changelog.OpDelete, old, nil, now)
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Row: row}, []changelog.Entry{e}, nil

	case ActionDeleteMany:
		olds, _ := model.FindMany(ctx, adapter.FindArgs{Where: req.DeleteMany.Where})
		n, err := model.DeleteMany(ctx, req.DeleteMany)
		if err != nil {
			return Result{}, nil, err
		}
		if len(olds) == 0 {
			e, err := summaryEntry(changelog.OpDelete, req.Table, req.DeleteMany.Where, now)
			if err != nil {
				return Result{}, nil, err
			}
			return Result{Affected: n}, []changelog.Entry{e}, nil
		}
		entries := make([]changelog.Entry, 0, len(olds))
		for _, old := range olds {
			e, err := newEntry(table, changelog.OpDelete, old, nil, now)
			if err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return Result{Affected: n}, entries, nil

	default:
		return Result{}, nil, fmt.Errorf("dualwrite: unknown action %q", req.Action)
	}
}

func newEntry(table *schema.Table, op changelog.Operation, old, newRow adapter.Row, nowMS int64) (changelog.Entry, error) {
	var rowID string
	var err error
	switch {
	case newRow != nil:
		rowID, err = schema.RowID(table, newRow)
	case old != nil:
		rowID, err = schema.RowID(table, old)
	}
	if err != nil {
		return changelog.Entry{}, err
	}

	oldJSON, err := marshalRow(old)
	if err != nil {
		return changelog.Entry{}, err
	}
	newJSON, err := marshalRow(newRow)
	if err != nil {
		return changelog.Entry{}, err
	}

	key := changelog.NewIdempotencyKey(op, table.Name, rowID, nowMS)
	return changelog.Entry{
		Operation: op, Table: table.Name, RowID: rowID,
		OldSnapshot: oldJSON, NewSnapshot: newJSON,
		TimestampMS: nowMS, IdempotencyKey: key,
	}, nil
}

// summaryEntry records a batch mutation whose affected rows could not
// be determined up front; the where clause stands in for the affected
// set so the Sync Manager can at least audit the shape of the change.
func summaryEntry(op changelog.Operation, table string, where adapter.Where, nowMS int64) (changelog.Entry, error) {
	whereJSON, err := json.Marshal(where)
	if err != nil {
		return changelog.Entry{}, err
	}
	key := changelog.NewIdempotencyKey(op, table, "*", nowMS)
	return changelog.Entry{
		Operation: op, Table: table, RowID: "*",
		NewSnapshot: whereJSON, TimestampMS: nowMS, IdempotencyKey: key,
	}, nil
}

func marshalRow(row adapter.Row) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}

func mergeRow(old, patch adapter.Row) adapter.Row {
	out := make(adapter.Row, len(old)+len(patch))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
