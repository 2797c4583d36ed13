// Package sqlgen implements the shared SQL-generation engine used by
// both the primary and fallback adapters: given a table schema and a
// placeholder style, it compiles the adapter's typed Args into
// parametric SQL. The primary adapter uses it in pass-through mode
// (no value coercion); the fallback adapter supplies coercion hooks so it
// can emulate the primary's semantics on top of SQLite.
package sqlgen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/where"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
)

// Executor is satisfied by both *sql.DB and *sql.Tx, letting the engine
// run identically inside or outside a transaction.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CoerceFunc converts one column value in the given direction. A nil
// CoerceFunc means "pass through unchanged" (the primary adapter's mode).
type CoerceFunc func(col schema.Column, v interface{}, toStore bool) (interface{}, error)

// Engine is the shared query-building/execution core for one backing
// store.
type Engine struct {
	Exec              Executor
	Registry          *schema.Registry
	Placeholder       where.Placeholder
	Coerce            CoerceFunc
	SkipUnknownWrites bool // fallback: tolerate schema drift on write
	KeepUnknownReads  bool // fallback: return unknown columns unchanged
	QuoteIdent        func(string) string
	FillDefaults      bool // fallback: materialize uuid/now defaults locally
}

// WithExecutor returns a copy of the engine bound to a different
// executor (used to build a transaction-scoped engine).
func (e *Engine) WithExecutor(ex Executor) *Engine {
	cp := *e
	cp.Exec = ex
	return &cp
}

func (e *Engine) quote(ident string) string {
	if e.QuoteIdent != nil {
		return e.QuoteIdent(ident)
	}
	return ident
}

func (e *Engine) table(name string) (*schema.Table, error) {
	t, ok := e.Registry.Table(name)
	if !ok {
		return nil, fmt.Errorf("sqlgen: unknown table %q", name)
	}
	return t, nil
}

// applyCoerce runs the coercion hook (if any) on a column value.
func (e *Engine) applyCoerce(col schema.Column, v interface{}, toStore bool) (interface{}, error) {
	if e.Coerce == nil {
		return v, nil
	}
	return e.Coerce(col, v, toStore)
}

// PrepareRow exposes prepareWriteRow for callers outside this package
// that bypass ModelHandle (the primary/fallback adapters' bulk-insert
// helpers).
func (e *Engine) PrepareRow(t *schema.Table, data adapter.Row, isCreate bool) (adapter.Row, error) {
	return e.prepareWriteRow(t, data, isCreate)
}

// prepareWriteRow normalizes relation shorthand, fills materialized
// defaults and updatedAt columns, coerces values for the store, and
// drops unknown columns when SkipUnknownWrites is set (schema drift
// tolerance).
func (e *Engine) prepareWriteRow(t *schema.Table, data adapter.Row, isCreate bool) (adapter.Row, error) {
	flat := adapter.NormalizeRelations(data)
	out := make(adapter.Row, len(flat))

	for k, v := range flat {
		col, known := t.ColumnByName(k)
		if !known {
			if e.SkipUnknownWrites {
				continue
			}
			return nil, fmt.Errorf("sqlgen: %w: column %q not in table %q", proxyerr.ErrSchemaDrift, k, t.Name)
		}
		cv, err := e.applyCoerce(col, v, true)
		if err != nil {
			return nil, fmt.Errorf("sqlgen: coerce column %q: %w", k, err)
		}
		out[k] = cv
	}

	if e.FillDefaults {
		for _, col := range t.Columns {
			if _, present := out[col.Name]; present {
				continue
			}
			if isCreate && col.HasDefault {
				if v, ok := schema.MaterializeDefault(col); ok {
					cv, err := e.applyCoerce(col, v, true)
					if err != nil {
						return nil, err
					}
					out[col.Name] = cv
				}
			}
			if col.IsUpdatedAt {
				v, _ := schema.MaterializeDefault(schema.Column{DefaultSource: schema.DefaultNow})
				cv, err := e.applyCoerce(col, v, true)
				if err != nil {
					return nil, err
				}
				out[col.Name] = cv
			}
		}
	}

	return out, nil
}

// rowsToResult scans *sql.Rows into []adapter.Row, applying read-side
// coercion and keeping unknown columns unchanged when KeepUnknownReads is
// set.
func (e *Engine) rowsToResult(rows *sql.Rows, t *schema.Table) ([]adapter.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlgen: columns: %w", err)
	}

	var out []adapter.Row
	for rows.Next() {
		ptrs := make([]interface{}, len(cols))
		vals := make([]interface{}, len(cols))
		for i := range ptrs {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlgen: scan: %w", err)
		}
		row := make(adapter.Row, len(cols))
		for i, name := range cols {
			v := vals[i]
			col, known := t.ColumnByName(name)
			if !known {
				row[name] = v // unknown columns returned unchanged
				continue
			}
			cv, err := e.applyCoerce(col, v, false)
			if err != nil {
				return nil, fmt.Errorf("sqlgen: coerce column %q: %w", name, err)
			}
			row[name] = cv
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlgen: iterate rows: %w", err)
	}
	return out, nil
}

func columnList(t *schema.Table) []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (e *Engine) selectColumns(t *schema.Table, sel []string) string {
	names := sel
	if len(names) == 0 {
		names = columnList(t)
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = e.quote(n)
	}
	return strings.Join(quoted, ", ")
}
