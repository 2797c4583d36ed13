// Package where translates the adapter's structured Where expressions
// into parametric SQL, shared by the primary and fallback adapters so
// both translate identical filter semantics. The primary
// adapter is normally a thin pass-through to its native driver, but the
// fallback adapter must emulate the primary's query semantics exactly —
// this package is where that emulation lives.
package where

import (
	"fmt"
	"strings"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/schema"
)

// Placeholder returns the SQL placeholder text for the nth (1-based)
// bound parameter. Postgres uses "$1, $2, ..."; SQLite uses "?" for all
// positions.
type Placeholder func(n int) string

// Numbered is the primary engine's placeholder style ($1, $2, ...).
func Numbered(n int) string { return fmt.Sprintf("$%d", n) }

// Positional is the fallback engine's placeholder style (?).
func Positional(int) string { return "?" }

// Build compiles a Where expression into a SQL boolean fragment plus its
// bound parameter list. An empty/nil Where compiles to "TRUE" (matches
// everything, the primary's semantics for an absent where clause). Every
// field name is validated against t's columns and passed through quote
// before being spliced into the generated SQL, the same identifier-safety
// rule prepareWriteRow and selectColumns already enforce on the write and
// select-list paths.
func Build(w adapter.Where, ph Placeholder, t *schema.Table, quote func(string) string) (string, []interface{}, error) {
	b := &builder{ph: ph, table: t, quote: quote}
	frag, err := b.clause(w)
	if err != nil {
		return "", nil, err
	}
	if frag == "" {
		frag = "TRUE"
	}
	return frag, b.args, nil
}

type builder struct {
	ph    Placeholder
	table *schema.Table
	quote func(string) string
	args  []interface{}
}

// col validates name against the bound table's columns and returns its
// quoted form. Rejecting unknown columns here closes off SQL injection
// through an attacker-controlled filter key, since the raw key would
// otherwise be spliced into the query unescaped.
func (b *builder) col(name string) (string, error) {
	if b.table != nil {
		if _, ok := b.table.ColumnByName(name); !ok {
			return "", fmt.Errorf("where: unknown column %q on table %q", name, b.table.Name)
		}
	}
	if b.quote != nil {
		return b.quote(name), nil
	}
	return name, nil
}

func (b *builder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.ph(len(b.args))
}

func (b *builder) clause(w adapter.Where) (string, error) {
	if len(w) == 0 {
		return "", nil
	}

	var parts []string
	for key, val := range w {
		switch key {
		case "AND":
			frag, err := b.combine(val, " AND ")
			if err != nil {
				return "", err
			}
			if frag != "" {
				parts = append(parts, frag)
			}
		case "OR":
			frag, err := b.combine(val, " OR ")
			if err != nil {
				return "", err
			}
			if frag != "" {
				parts = append(parts, "("+frag+")")
			}
		case "NOT":
			nested, ok := asWhere(val)
			if !ok {
				return "", fmt.Errorf("where: NOT requires a nested condition")
			}
			frag, err := b.clause(nested)
			if err != nil {
				return "", err
			}
			if frag != "" {
				parts = append(parts, "NOT ("+frag+")")
			}
		default:
			frag, err := b.field(key, val)
			if err != nil {
				return "", err
			}
			if frag != "" {
				parts = append(parts, frag)
			}
		}
	}

	return strings.Join(parts, " AND "), nil
}

// combine handles the []Where value of an AND/OR key.
func (b *builder) combine(val interface{}, sep string) (string, error) {
	list, ok := asWhereList(val)
	if !ok {
		return "", fmt.Errorf("where: AND/OR requires a list of conditions")
	}
	var parts []string
	for _, w := range list {
		frag, err := b.clause(w)
		if err != nil {
			return "", err
		}
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	return strings.Join(parts, sep), nil
}

// field compiles one field's condition. The value is either a scalar
// (implicit equals), an adapter.Op, or a map[string]interface{} using
// the supported comparison operator keys.
func (b *builder) field(rawColumn string, val interface{}) (string, error) {
	column, err := b.col(rawColumn)
	if err != nil {
		return "", err
	}

	op, err := toOp(val)
	if err != nil {
		return "", err
	}

	var parts []string

	if op.HasIn {
		if len(op.In) == 0 {
			// "in: []" must yield an empty result set.
			return "FALSE", nil
		}
		ph := make([]string, len(op.In))
		for i, v := range op.In {
			ph[i] = b.bind(v)
		}
		parts = append(parts, fmt.Sprintf("%s IN (%s)", column, strings.Join(ph, ", ")))
	}
	if op.HasNotIn {
		if len(op.NotIn) == 0 {
			return "", nil // notIn: [] excludes nothing, i.e. no condition
		}
		ph := make([]string, len(op.NotIn))
		for i, v := range op.NotIn {
			ph[i] = b.bind(v)
		}
		parts = append(parts, fmt.Sprintf("%s NOT IN (%s)", column, strings.Join(ph, ", ")))
	}
	if op.Equals != nil {
		parts = append(parts, fmt.Sprintf("%s = %s", column, b.bind(op.Equals)))
	}
	if op.Not != nil {
		parts = append(parts, fmt.Sprintf("%s != %s", column, b.bind(op.Not)))
	}
	if op.LT != nil {
		parts = append(parts, fmt.Sprintf("%s < %s", column, b.bind(op.LT)))
	}
	if op.LTE != nil {
		parts = append(parts, fmt.Sprintf("%s <= %s", column, b.bind(op.LTE)))
	}
	if op.GT != nil {
		parts = append(parts, fmt.Sprintf("%s > %s", column, b.bind(op.GT)))
	}
	if op.GTE != nil {
		parts = append(parts, fmt.Sprintf("%s >= %s", column, b.bind(op.GTE)))
	}
	if op.Contains != nil {
		parts = append(parts, b.likeClause(column, "%"+*op.Contains+"%", op.Mode))
	}
	if op.StartsWith != nil {
		parts = append(parts, b.likeClause(column, *op.StartsWith+"%", op.Mode))
	}
	if op.EndsWith != nil {
		parts = append(parts, b.likeClause(column, "%"+*op.EndsWith, op.Mode))
	}

	return strings.Join(parts, " AND "), nil
}

// likeClause takes column already quoted/validated by field via b.col.
func (b *builder) likeClause(column, pattern, mode string) string {
	op := "LIKE"
	target := column
	if mode == "insensitive" {
		op = "LIKE"
		target = "LOWER(" + column + ")"
		pattern = strings.ToLower(pattern)
	}
	return fmt.Sprintf("%s %s %s", target, op, b.bind(pattern))
}

var recognizedOpKeys = map[string]bool{
	"equals": true, "not": true, "in": true, "notIn": true,
	"lt": true, "lte": true, "gt": true, "gte": true,
	"contains": true, "startsWith": true, "endsWith": true, "mode": true,
}

// toOp normalizes a field's raw where-value into an Op.
func toOp(val interface{}) (adapter.Op, error) {
	switch v := val.(type) {
	case adapter.Op:
		return v, nil
	case map[string]interface{}:
		if len(v) == 0 {
			return adapter.Op{}, fmt.Errorf("where: empty operator map matches every row")
		}
		var op adapter.Op
		if eq, ok := v["equals"]; ok {
			op.Equals = eq
		}
		if not, ok := v["not"]; ok {
			op.Not = not
		}
		if in, ok := v["in"]; ok {
			list, err := toSlice(in)
			if err != nil {
				return op, err
			}
			op.In, op.HasIn = list, true
		}
		if notIn, ok := v["notIn"]; ok {
			list, err := toSlice(notIn)
			if err != nil {
				return op, err
			}
			op.NotIn, op.HasNotIn = list, true
		}
		op.LT = v["lt"]
		op.LTE = v["lte"]
		op.GT = v["gt"]
		op.GTE = v["gte"]
		if c, ok := v["contains"].(string); ok {
			op.Contains = &c
		}
		if s, ok := v["startsWith"].(string); ok {
			op.StartsWith = &s
		}
		if e, ok := v["endsWith"].(string); ok {
			op.EndsWith = &e
		}
		if m, ok := v["mode"].(string); ok {
			op.Mode = m
		}
		// Any key not among the recognized operators is a malformed
		// filter (e.g. a typo'd "eq" instead of "equals"); reject it
		// rather than silently compiling to an always-true condition.
		for key := range v {
			if !recognizedOpKeys[key] {
				return adapter.Op{}, fmt.Errorf("where: unrecognized operator %q", key)
			}
		}
		return op, nil
	default:
		return adapter.Op{Equals: v}, nil
	}
}

func toSlice(v interface{}) ([]interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return s, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("where: expected a list, got %T", v)
	}
}

func asWhere(v interface{}) (adapter.Where, bool) {
	w, ok := v.(adapter.Where)
	if ok {
		return w, true
	}
	m, ok := v.(map[string]interface{})
	if ok {
		return adapter.Where(m), true
	}
	return nil, false
}

func asWhereList(v interface{}) ([]adapter.Where, bool) {
	switch list := v.(type) {
	case []adapter.Where:
		return list, true
	case []interface{}:
		out := make([]adapter.Where, 0, len(list))
		for _, item := range list {
			w, ok := asWhere(item)
			if !ok {
				return nil, false
			}
			out = append(out, w)
		}
		return out, true
	default:
		return nil, false
	}
}
