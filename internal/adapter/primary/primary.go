// Package primary implements the Adapter interface over the
// PostgreSQL-backed primary store, generally as a thin pass-through to
// the driver (no value coercion, no schema-drift tolerance).
package primary

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/sqlgen"
	"github.com/axonops/dualdb/internal/adapter/where"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/schema"
)

// Store is the primary (PostgreSQL) backing store.
type Store struct {
	db       *sql.DB
	cfg      config.PrimaryConfig
	registry *schema.Registry
	engine   *sqlgen.Engine
}

// NewStore opens the connection pool and binds the shared SQL-generation
// engine in pass-through mode. The caller must invoke Connect before use.
func NewStore(cfg config.PrimaryConfig, reg *schema.Registry) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("primary: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{db: db, cfg: cfg, registry: reg}
	s.engine = &sqlgen.Engine{
		Exec:        db,
		Registry:    reg,
		Placeholder: where.Numbered,
		QuoteIdent:  quoteIdent,
	}
	return s, nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Connect verifies the connection and introspects the live schema.
func (s *Store) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("primary: ping: %w", err)
	}
	if err := schema.Introspect(ctx, s.db, s.registry); err != nil {
		return fmt.Errorf("primary: introspect: %w", err)
	}
	return nil
}

// Disconnect closes the connection pool.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Close()
}

// Model returns a ModelHandle bound to the shared engine.
func (s *Store) Model(table string) (adapter.ModelHandle, error) {
	t, ok := s.registry.Table(table)
	if !ok {
		return nil, fmt.Errorf("primary: unknown table %q", table)
	}
	return sqlgen.NewModel(s.engine, t), nil
}

// RawQuery executes a read-only query with $1-style placeholders.
func (s *Store) RawQuery(ctx context.Context, query string, args ...interface{}) ([]adapter.Row, error) {
	rows, err := s.engine.Exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("primary: raw query: %w", err)
	}
	defer rows.Close()
	return scanRaw(rows)
}

// RawExec executes a mutating statement and returns affected rows.
func (s *Store) RawExec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.engine.Exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("primary: raw exec: %w", err)
	}
	return res.RowsAffected()
}

// Transaction runs fn with a transaction-scoped Adapter view.
func (s *Store) Transaction(ctx context.Context, opts *adapter.TxOptions, fn func(ctx context.Context, tx adapter.Adapter) error) error {
	txOpts := &sql.TxOptions{}
	if opts != nil {
		txOpts.Isolation = opts.Isolation
	}
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("primary: begin tx: %w", err)
	}

	txStore := &Store{
		db:       s.db,
		cfg:      s.cfg,
		registry: s.registry,
		engine:   s.engine.WithExecutor(tx),
	}

	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("primary: commit: %w", err)
	}
	return nil
}

// BulkInsertIgnore inserts rows, skipping uniqueness-constraint conflicts
// via ON CONFLICT DO NOTHING.
func (s *Store) BulkInsertIgnore(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	return s.bulkInsert(ctx, table, rows, "DO NOTHING", nil)
}

// BulkUpsert inserts rows, updating on conflictCols via ON CONFLICT DO
// UPDATE.
func (s *Store) BulkUpsert(ctx context.Context, table string, rows []adapter.Row, conflictCols []string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	updateSets := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		isConflict := false
		for _, cc := range conflictCols {
			if cc == c.Name {
				isConflict = true
				break
			}
		}
		if !isConflict {
			updateSets = append(updateSets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
	}
	conflictQuoted := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		conflictQuoted[i] = quoteIdent(c)
	}
	action := fmt.Sprintf("(%s) DO UPDATE SET %s", strings.Join(conflictQuoted, ", "), strings.Join(updateSets, ", "))
	return s.bulkInsert(ctx, table, rows, action, conflictCols)
}

func (s *Store) bulkInsert(ctx context.Context, table string, rows []adapter.Row, conflictAction string, conflictCols []string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		vals := make([]interface{}, 0, len(row))
		for _, c := range t.Columns {
			v, ok := row[c.Name]
			if !ok {
				continue
			}
			cols = append(cols, c.Name)
			vals = append(vals, v)
		}
		quoted := make([]string, len(cols))
		ph := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			ph[i] = where.Numbered(i + 1)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT %s",
			quoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(ph, ", "), conflictAction)
		res, err := s.db.ExecContext(ctx, q, vals...)
		if err != nil {
			return total, fmt.Errorf("primary: bulk insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// TableScan returns a page of raw rows in primary-key order.
func (s *Store) TableScan(ctx context.Context, table string, offset, limit int) ([]adapter.Row, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return nil, err
	}
	order := strings.Join(t.PrimaryKey, ", ")
	if order == "" {
		order = "1"
	}
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2", quoteIdent(t.Name), order)
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("primary: table scan %s: %w", table, err)
	}
	defer rows.Close()
	return scanRaw(rows)
}

// RowCount returns the total row count for a table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(t.Name))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("primary: row count %s: %w", table, err)
	}
	return n, nil
}

// Tables enumerates every table name known to the registry.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return s.registry.TableNames(), nil
}

// HealthProbe executes a trivial query with the given timeout.
func (s *Store) HealthProbe(ctx context.Context, timeout time.Duration) adapter.HealthResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.db.PingContext(probeCtx)
	latency := time.Since(start)
	return adapter.HealthResult{Healthy: err == nil, Latency: latency, Err: err}
}

func (s *Store) tableOrErr(table string) (*schema.Table, error) {
	t, ok := s.registry.Table(table)
	if !ok {
		return nil, fmt.Errorf("primary: unknown table %q", table)
	}
	return t, nil
}

func scanRaw(rows *sql.Rows) ([]adapter.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("primary: columns: %w", err)
	}
	var out []adapter.Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("primary: scan: %w", err)
		}
		row := make(adapter.Row, len(cols))
		for i, name := range cols {
			row[name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var _ adapter.Adapter = (*Store)(nil)
