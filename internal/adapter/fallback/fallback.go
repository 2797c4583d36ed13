// Package fallback implements the Adapter interface over the embedded
// SQLite-backed fallback store. Unlike the primary adapter it must
// emulate the primary's query semantics (coercion, schema-drift
// tolerance, local default materialization) on top of a weaker type
// system.
package fallback

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/adapter/sqlgen"
	"github.com/axonops/dualdb/internal/adapter/where"
	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/schema"
)

// Store is the fallback (embedded SQLite) backing store.
type Store struct {
	db       *sql.DB
	cfg      config.FallbackConfig
	registry *schema.Registry
	engine   *sqlgen.Engine
}

// NewStore opens the SQLite handle and binds the shared SQL-generation
// engine in coercing/schema-tolerant mode. The configured PRAGMAs and
// the migrations are applied by Connect.
func NewStore(cfg config.FallbackConfig, reg *schema.Registry) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("fallback: open: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under the journal
	// modes this store uses.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, registry: reg}
	s.engine = &sqlgen.Engine{
		Exec:              db,
		Registry:          reg,
		Placeholder:       where.Positional,
		Coerce:            coerceAdapter,
		SkipUnknownWrites: true,
		KeepUnknownReads:  true,
		FillDefaults:      true,
		QuoteIdent:        quoteIdent,
	}
	return s, nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func coerceAdapter(col schema.Column, v interface{}, toStore bool) (interface{}, error) {
	dir := schema.ToFallback
	if !toStore {
		dir = schema.FromFallback
	}
	return schema.Coerce(v, col.Kind, dir)
}

// Connect applies PRAGMAs and runs migrations. The fallback store never
// introspects — its schema is what these migrations and the
// model-registration layer define.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.applyPragmas(ctx); err != nil {
		return fmt.Errorf("fallback: pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("fallback: migrate: %w", err)
	}
	return nil
}

func (s *Store) applyPragmas(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", string(s.cfg.JournalMode)),
		fmt.Sprintf("PRAGMA synchronous = %s", string(s.cfg.Synchronous)),
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeoutMS),
		fmt.Sprintf("PRAGMA cache_size = %d", s.cfg.CacheSizePages),
	}
	if s.cfg.ForeignKeys {
		stmts = append(stmts, "PRAGMA foreign_keys = ON")
	} else {
		stmts = append(stmts, "PRAGMA foreign_keys = OFF")
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfMissing(ctx, cm); err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfMissing works around SQLite lacking
// ADD COLUMN IF NOT EXISTS: it inspects PRAGMA table_info before
// issuing the ALTER.
func (s *Store) addColumnIfMissing(ctx context.Context, cm columnMigration) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", cm.table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", cm.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table_info %s: %w", cm.table, err)
		}
		if name == cm.column {
			return nil // already present
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, cm.ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
	}
	return nil
}

// Disconnect closes the database handle.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Close()
}

// Model returns a ModelHandle bound to the shared engine.
func (s *Store) Model(table string) (adapter.ModelHandle, error) {
	t, ok := s.registry.Table(table)
	if !ok {
		return nil, fmt.Errorf("fallback: unknown table %q", table)
	}
	return sqlgen.NewModel(s.engine, t), nil
}

// RawQuery executes a read-only query using ?-style placeholders.
func (s *Store) RawQuery(ctx context.Context, query string, args ...interface{}) ([]adapter.Row, error) {
	rows, err := s.engine.Exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fallback: raw query: %w", err)
	}
	defer rows.Close()
	return scanRaw(rows)
}

// RawExec executes a mutating statement and returns affected rows.
func (s *Store) RawExec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.engine.Exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("fallback: raw exec: %w", err)
	}
	return res.RowsAffected()
}

// Transaction runs fn with a transaction-scoped Adapter view. SQLite
// only supports SERIALIZABLE; the requested isolation level is ignored
// beyond that guarantee.
func (s *Store) Transaction(ctx context.Context, opts *adapter.TxOptions, fn func(ctx context.Context, tx adapter.Adapter) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fallback: begin tx: %w", err)
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
		return fmt.Errorf("fallback: commit: %w", err)
	}
	return nil
}

// BulkInsertIgnore inserts rows, skipping uniqueness-constraint
// conflicts via INSERT OR IGNORE.
func (s *Store) BulkInsertIgnore(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	return s.bulkInsert(ctx, table, rows, "OR IGNORE", nil)
}

// BulkUpsert inserts rows, updating on conflictCols via ON CONFLICT DO
// UPDATE (SQLite's upsert syntax mirrors Postgres's).
func (s *Store) BulkUpsert(ctx context.Context, table string, rows []adapter.Row, conflictCols []string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
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
			updateSets = append(updateSets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
	}
	conflictQuoted := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		conflictQuoted[i] = quoteIdent(c)
	}
	action := fmt.Sprintf("(%s) DO UPDATE SET %s", strings.Join(conflictQuoted, ", "), strings.Join(updateSets, ", "))
	return s.bulkInsertUpsert(ctx, table, rows, action)
}

func (s *Store) bulkInsert(ctx context.Context, table string, rows []adapter.Row, insertModifier string, _ []string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, row := range rows {
		prepared, err := s.engine.PrepareRow(t, row, true)
		if err != nil {
			return total, err
		}
		cols, vals := flatten(prepared)
		quoted := make([]string, len(cols))
		ph := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			ph[i] = "?"
		}
		q := fmt.Sprintf("INSERT %s INTO %s (%s) VALUES (%s)",
			insertModifier, quoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(ph, ", "))
		res, err := s.db.ExecContext(ctx, q, vals...)
		if err != nil {
			return total, fmt.Errorf("fallback: bulk insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *Store) bulkInsertUpsert(ctx context.Context, table string, rows []adapter.Row, conflictAction string) (int64, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, row := range rows {
		prepared, err := s.engine.PrepareRow(t, row, true)
		if err != nil {
			return total, err
		}
		cols, vals := flatten(prepared)
		quoted := make([]string, len(cols))
		ph := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			ph[i] = "?"
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT %s",
			quoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(ph, ", "), conflictAction)
		res, err := s.db.ExecContext(ctx, q, vals...)
		if err != nil {
			return total, fmt.Errorf("fallback: bulk upsert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func flatten(row adapter.Row) ([]string, []interface{}) {
	cols := make([]string, 0, len(row))
	vals := make([]interface{}, 0, len(row))
	for k, v := range row {
		cols = append(cols, k)
		vals = append(vals, v)
	}
	return cols, vals
}

// TableScan returns a page of raw rows in primary-key order.
func (s *Store) TableScan(ctx context.Context, table string, offset, limit int) ([]adapter.Row, error) {
	t, err := s.tableOrErr(table)
	if err != nil {
		return nil, err
	}
	order := strings.Join(t.PrimaryKey, ", ")
	if order == "" {
		order = "rowid"
	}
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?", quoteIdent(t.Name), order)
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fallback: table scan %s: %w", table, err)
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
		return 0, fmt.Errorf("fallback: row count %s: %w", table, err)
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
		return nil, fmt.Errorf("fallback: unknown table %q", table)
	}
	return t, nil
}

// UnsyncedCount reports how many changelog rows have not yet been
// replicated, used by the health/metrics surface (C3/C9 integration
// point).
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _changelog WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("fallback: unsynced count: %w", err)
	}
	return n, nil
}

// DB exposes the underlying handle for the changelog, dual-write, and
// sync packages, which operate on the fallback's private tables
// directly rather than through the ModelHandle surface.
func (s *Store) DB() *sql.DB { return s.db }

func scanRaw(rows *sql.Rows) ([]adapter.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("fallback: columns: %w", err)
	}
	var out []adapter.Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("fallback: scan: %w", err)
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
