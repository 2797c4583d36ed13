package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fallbackModelMap is the hard-coded table-name map used for boot-time
// resolution when introspection is unavailable, seeded from a
// declarative schema description shipped with the binary. Deployments
// extend it via Registry.RegisterModelName.
var fallbackModelMap = map[string]string{
	"user":          "users",
	"session":       "sessions",
	"vocabularyset": "vocabulary_sets",
	"vocabularyitem": "vocabulary_items",
	"progress":      "progress",
}

// Registry holds the introspected table schemas for every table the proxy
// mirrors, plus the model-name -> table-name resolution map.
type Registry struct {
	mu         sync.RWMutex
	tables     map[string]*Table
	modelNames map[string]string
	initedAt   time.Time
}

// NewRegistry creates an empty registry seeded with the built-in
// model-name fallback map.
func NewRegistry() *Registry {
	modelNames := make(map[string]string, len(fallbackModelMap))
	for k, v := range fallbackModelMap {
		modelNames[k] = v
	}
	return &Registry{
		tables:     make(map[string]*Table),
		modelNames: modelNames,
	}
}

// RegisterModelName adds or overrides a model-name -> table-name mapping.
func (r *Registry) RegisterModelName(model, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelNames[model] = table
}

// TableNameForModel resolves a model name to its fallback-side canonical
// table name.
func (r *Registry) TableNameForModel(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelNames[model]
	return name, ok
}

// Put registers (or replaces) a table schema.
func (r *Registry) Put(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.Name] = t
}

// Table returns the schema for a table name, or false if unknown.
func (r *Registry) Table(name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	return t, ok
}

// TableNames returns every registered table name, used by the Sync
// Manager's identifier allowlist.
func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	return names
}

// IsKnownIdentifier reports whether table or table.column is a
// registered identifier. Used to validate every dynamically-built SQL
// identifier before interpolation.
func (r *Registry) IsKnownIdentifier(table, column string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[table]
	if !ok {
		return false
	}
	if column == "" {
		return true
	}
	_, ok = t.ColumnByName(column)
	return ok
}

// InitializedAt returns the time the registry was last (re)initialized
// from the primary, the zero value if never initialized.
func (r *Registry) InitializedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initedAt
}

// Introspect populates the registry from the primary engine's
// information_schema. It is called once at proxy start and again on
// recovery.
func Introspect(ctx context.Context, db *sql.DB, reg *Registry) error {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_name = c.table_name AND t.table_schema = c.table_schema
		WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return fmt.Errorf("schema: introspect columns: %w", err)
	}
	defer rows.Close()

	type rawCol struct {
		table, name, dataType, nullable string
		def                             sql.NullString
	}
	var raws []rawCol
	for rows.Next() {
		var rc rawCol
		if err := rows.Scan(&rc.table, &rc.name, &rc.dataType, &rc.nullable, &rc.def); err != nil {
			return fmt.Errorf("schema: scan column: %w", err)
		}
		raws = append(raws, rc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema: iterate columns: %w", err)
	}

	byTable := make(map[string][]Column)
	order := make([]string, 0)
	for _, rc := range raws {
		if _, seen := byTable[rc.table]; !seen {
			order = append(order, rc.table)
		}
		col := Column{
			Name:     rc.name,
			Kind:     kindFromPGType(rc.dataType),
			Nullable: rc.nullable == "YES",
		}
		if rc.def.Valid {
			col.HasDefault = true
			col.DefaultSource = classifyDefault(rc.def.String)
			if col.DefaultSource == DefaultConstant {
				col.DefaultValue = rc.def.String
			}
		}
		if col.Name == "updated_at" || col.Name == "updatedAt" {
			col.IsUpdatedAt = true
		}
		byTable[rc.table] = append(byTable[rc.table], col)
	}

	pkRows, err := db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'
		ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return fmt.Errorf("schema: introspect primary keys: %w", err)
	}
	defer pkRows.Close()

	pks := make(map[string][]string)
	for pkRows.Next() {
		var table, col string
		if err := pkRows.Scan(&table, &col); err != nil {
			return fmt.Errorf("schema: scan primary key: %w", err)
		}
		pks[table] = append(pks[table], col)
	}
	if err := pkRows.Err(); err != nil {
		return fmt.Errorf("schema: iterate primary keys: %w", err)
	}

	for _, table := range order {
		reg.Put(&Table{
			Name:       table,
			Columns:    byTable[table],
			PrimaryKey: pks[table],
		})
	}

	reg.mu.Lock()
	reg.initedAt = time.Now()
	reg.mu.Unlock()
	return nil
}

func kindFromPGType(dataType string) Kind {
	switch dataType {
	case "boolean":
		return KindBool
	case "integer", "bigint", "smallint", "numeric":
		return KindInt
	case "double precision", "real":
		return KindReal
	case "timestamp without time zone", "timestamp with time zone", "date":
		return KindTimestamp
	case "bytea":
		return KindBlob
	case "jsonb", "json":
		return KindJSON
	default:
		return KindString
	}
}

func classifyDefault(def string) DefaultSource {
	switch def {
	case "now()", "CURRENT_TIMESTAMP", "now():::TIMESTAMP":
		return DefaultNow
	case "gen_random_uuid()", "uuid_generate_v4()":
		return DefaultUUID
	default:
		return DefaultConstant
	}
}

// Direction selects which way a coercion runs.
type Direction int

const (
	ToFallback Direction = iota
	FromFallback
)

// Coerce converts value between the primary and fallback representations
// for a column of the given kind. Coercion is total: an unknown kind
// passes the value through unchanged, and a
// whole-value kind mismatch (e.g. a composite value destined for a string
// column) is coerced via JSON encoding rather than rejected.
func Coerce(value interface{}, kind Kind, dir Direction) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch kind {
	case KindBool:
		return coerceBool(value, dir)
	case KindTimestamp:
		return coerceTimestamp(value, dir)
	case KindJSON:
		return coerceJSON(value, dir)
	case KindInt:
		return coerceInt(value)
	case KindString:
		if dir == ToFallback {
			switch value.(type) {
			case map[string]interface{}, []interface{}, Row:
				b, err := json.Marshal(value)
				if err != nil {
					return nil, fmt.Errorf("schema: marshal composite for string column: %w", err)
				}
				return string(b), nil
			}
		}
		return value, nil
	case KindBlob:
		return value, nil
	default:
		return value, nil
	}
}

func coerceBool(value interface{}, dir Direction) (interface{}, error) {
	switch dir {
	case ToFallback:
		switch v := value.(type) {
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return value, nil
		}
	default: // FromFallback
		switch v := value.(type) {
		case int64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case float64:
			return v != 0, nil
		default:
			return value, nil
		}
	}
}

func coerceTimestamp(value interface{}, dir Direction) (interface{}, error) {
	switch dir {
	case ToFallback:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		default:
			return value, nil
		}
	default: // FromFallback
		switch v := value.(type) {
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				if t2, err2 := time.Parse(time.RFC3339, v); err2 == nil {
					return t2, nil
				}
				return nil, fmt.Errorf("schema: parse timestamp %q: %w", v, err)
			}
			return t, nil
		default:
			return value, nil
		}
	}
}

func coerceJSON(value interface{}, dir Direction) (interface{}, error) {
	switch dir {
	case ToFallback:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("schema: marshal json composite: %w", err)
			}
			return string(b), nil
		}
	default: // FromFallback
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("schema: unmarshal json composite: %w", err)
		}
		return out, nil
	}
}

// coerceInt handles BigInt <-> integer overflow checking.
func coerceInt(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return nil, fmt.Errorf("schema: coerce %q to integer: %w", v, err)
			}
			if f > math.MaxInt64 || f < math.MinInt64 {
				return nil, fmt.Errorf("schema: integer overflow coercing %q", v)
			}
			return int64(f), nil
		}
		return n, nil
	default:
		return value, nil
	}
}

// MaterializeDefault computes the proxy-side value for a uuid- or
// now-sourced default so that the primary and fallback writes agree on
// generated values. Constant defaults and columns without a recognized
// source are left for the underlying store to fill in.
func MaterializeDefault(col Column) (interface{}, bool) {
	switch col.DefaultSource {
	case DefaultUUID:
		return uuid.New().String(), true
	case DefaultNow:
		return time.Now().UTC(), true
	case DefaultConstant:
		return col.DefaultValue, true
	default:
		return nil, false
	}
}
