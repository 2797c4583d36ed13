package sqlgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/where"
	"github.com/axonops/dualdb/internal/proxyerr"
	"github.com/axonops/dualdb/internal/schema"
)

// Model is a ModelHandle bound to one table via a shared Engine.
type Model struct {
	engine *Engine
	table  *schema.Table
}

var _ adapter.ModelHandle = (*Model)(nil)

// NewModel builds a ModelHandle for the given table using engine e.
func NewModel(e *Engine, t *schema.Table) *Model {
	return &Model{engine: e, table: t}
}

func (m *Model) FindUnique(ctx context.Context, args adapter.FindArgs) (adapter.Row, error) {
	return m.findOne(ctx, args)
}

func (m *Model) FindFirst(ctx context.Context, args adapter.FindArgs) (adapter.Row, error) {
	return m.findOne(ctx, args)
}

func (m *Model) findOne(ctx context.Context, args adapter.FindArgs) (adapter.Row, error) {
	one := 1
	args.Take = &one
	rows, err := m.FindMany(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, proxyerr.ErrNotFound
	}
	return rows[0], nil
}

func (m *Model) FindMany(ctx context.Context, args adapter.FindArgs) ([]adapter.Row, error) {
	cond, params, err := where.Build(args.Where, m.engine.Placeholder, m.table, m.engine.quote)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: build where: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", m.engine.selectColumns(m.table, args.Select), m.engine.quote(m.table.Name), cond)

	if len(args.OrderBy) > 0 {
		terms := make([]string, len(args.OrderBy))
		for i, t := range args.OrderBy {
			dir := "ASC"
			if t.Desc {
				dir = "DESC"
			}
			terms[i] = fmt.Sprintf("%s %s", m.engine.quote(t.Column), dir)
		}
		q += " ORDER BY " + strings.Join(terms, ", ")
	}
	if args.Take != nil {
		q += fmt.Sprintf(" LIMIT %d", *args.Take)
	}
	if args.Skip != nil {
		q += fmt.Sprintf(" OFFSET %d", *args.Skip)
	}

	rows, err := m.engine.Exec.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: findMany %s: %w", m.table.Name, err)
	}
	defer rows.Close()
	return m.engine.rowsToResult(rows, m.table)
}

func (m *Model) Create(ctx context.Context, args adapter.CreateArgs) (adapter.Row, error) {
	row, err := m.engine.prepareWriteRow(m.table, args.Data, true)
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(row))
	vals := make([]interface{}, 0, len(row))
	for k, v := range row {
		cols = append(cols, k)
		vals = append(vals, v)
	}

	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = m.engine.quote(c)
		ph[i] = m.engine.Placeholder(i + 1)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.engine.quote(m.table.Name), strings.Join(quoted, ", "), strings.Join(ph, ", "))
	if _, err := m.engine.Exec.ExecContext(ctx, q, vals...); err != nil {
		return nil, fmt.Errorf("sqlgen: create %s: %w", m.table.Name, err)
	}
	return row, nil
}

func (m *Model) CreateMany(ctx context.Context, args adapter.CreateManyArgs) (int64, error) {
	var n int64
	for _, data := range args.Data {
		if _, err := m.Create(ctx, adapter.CreateArgs{Data: data}); err != nil {
			if args.SkipDuplicates && isUniqueViolation(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Model) Update(ctx context.Context, args adapter.UpdateArgs) (adapter.Row, error) {
	if _, err := m.UpdateMany(ctx, adapter.UpdateManyArgs(args)); err != nil {
		return nil, err
	}
	return m.findOne(ctx, adapter.FindArgs{Where: args.Where})
}

func (m *Model) UpdateMany(ctx context.Context, args adapter.UpdateManyArgs) (int64, error) {
	row, err := m.engine.prepareWriteRow(m.table, args.Data, false)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, nil
	}

	cols := make([]string, 0, len(row))
	vals := make([]interface{}, 0, len(row))
	for k, v := range row {
		cols = append(cols, k)
		vals = append(vals, v)
	}

	sets := make([]string, len(cols))
	n := 0
	for i, c := range cols {
		n++
		sets[i] = fmt.Sprintf("%s = %s", m.engine.quote(c), m.engine.Placeholder(n))
	}

	cond, params, err := where.Build(args.Where, func(i int) string { return m.engine.Placeholder(n + i) }, m.table, m.engine.quote)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: build where: %w", err)
	}
	vals = append(vals, params...)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", m.engine.quote(m.table.Name), strings.Join(sets, ", "), cond)
	res, err := m.engine.Exec.ExecContext(ctx, q, vals...)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: updateMany %s: %w", m.table.Name, err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (m *Model) Upsert(ctx context.Context, args adapter.UpsertArgs) (adapter.Row, error) {
	existing, err := m.findOne(ctx, adapter.FindArgs{Where: args.Where})
	if err == nil {
		return m.Update(ctx, adapter.UpdateArgs{Where: args.Where, Data: args.Update})
	}
	if err != proxyerr.ErrNotFound {
		return nil, err
	}
	_ = existing
	return m.Create(ctx, adapter.CreateArgs{Data: args.Create})
}

func (m *Model) Delete(ctx context.Context, args adapter.DeleteArgs) (adapter.Row, error) {
	row, err := m.findOne(ctx, adapter.FindArgs{Where: args.Where})
	if err != nil {
		return nil, err
	}
	if _, err := m.DeleteMany(ctx, adapter.DeleteManyArgs(args)); err != nil {
		return nil, err
	}
	return row, nil
}

func (m *Model) DeleteMany(ctx context.Context, args adapter.DeleteManyArgs) (int64, error) {
	cond, params, err := where.Build(args.Where, m.engine.Placeholder, m.table, m.engine.quote)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: build where: %w", err)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", m.engine.quote(m.table.Name), cond)
	res, err := m.engine.Exec.ExecContext(ctx, q, params...)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: deleteMany %s: %w", m.table.Name, err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (m *Model) Count(ctx context.Context, args adapter.CountArgs) (int64, error) {
	cond, params, err := where.Build(args.Where, m.engine.Placeholder, m.table, m.engine.quote)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: build where: %w", err)
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", m.engine.quote(m.table.Name), cond)
	var n int64
	rows, err := m.engine.Exec.QueryContext(ctx, q, params...)
	if err != nil {
		return 0, fmt.Errorf("sqlgen: count %s: %w", m.table.Name, err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("sqlgen: scan count: %w", err)
		}
	}
	return n, rows.Err()
}

func (m *Model) Aggregate(ctx context.Context, args adapter.AggregateArgs) (adapter.Row, error) {
	cond, params, err := where.Build(args.Where, m.engine.Placeholder, m.table, m.engine.quote)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: build where: %w", err)
	}

	keys := make([]string, 0, len(args.Aggregates))
	exprs := make([]string, 0, len(args.Aggregates))
	for k, expr := range args.Aggregates {
		keys = append(keys, k)
		exprs = append(exprs, expr+" AS "+m.engine.quote(k))
	}

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(exprs, ", "), m.engine.quote(m.table.Name), cond)
	rows, err := m.engine.Exec.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: aggregate %s: %w", m.table.Name, err)
	}
	defer rows.Close()

	out := make(adapter.Row, len(keys))
	if rows.Next() {
		vals := make([]interface{}, len(keys))
		ptrs := make([]interface{}, len(keys))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlgen: scan aggregate: %w", err)
		}
		for i, k := range keys {
			out[k] = vals[i]
		}
	}
	return out, rows.Err()
}

func (m *Model) GroupBy(ctx context.Context, args adapter.GroupByArgs) ([]adapter.Row, error) {
	cond, params, err := where.Build(args.Where, m.engine.Placeholder, m.table, m.engine.quote)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: build where: %w", err)
	}

	byQuoted := make([]string, len(args.By))
	for i, c := range args.By {
		byQuoted[i] = m.engine.quote(c)
	}

	aggKeys := make([]string, 0, len(args.Aggregates))
	exprs := make([]string, 0, len(args.Aggregates))
	for k, expr := range args.Aggregates {
		aggKeys = append(aggKeys, k)
		exprs = append(exprs, expr+" AS "+m.engine.quote(k))
	}

	selectList := strings.Join(byQuoted, ", ")
	if len(exprs) > 0 {
		selectList += ", " + strings.Join(exprs, ", ")
	}

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s GROUP BY %s", selectList, m.engine.quote(m.table.Name), cond, strings.Join(byQuoted, ", "))

	rows, err := m.engine.Exec.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlgen: groupBy %s: %w", m.table.Name, err)
	}
	defer rows.Close()

	cols := append(append([]string{}, args.By...), aggKeys...)
	var out []adapter.Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlgen: scan groupBy: %w", err)
		}
		row := make(adapter.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// isUniqueViolation makes a best-effort check across drivers; both
// lib/pq and modernc.org/sqlite surface the SQLSTATE/message in the error
// text, so a substring check keeps this driver-agnostic without an
// import cycle onto either driver package.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unique") || strings.Contains(s, "UNIQUE") || strings.Contains(s, "duplicate key")
}
