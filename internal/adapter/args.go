// Package adapter defines the uniform CRUD/raw/transaction surface (C1)
// implemented by the primary and fallback backing stores, and the typed
// args shapes callers build queries with.
package adapter

import (
	"github.com/axonops/dualdb/internal/schema"
)

// Row is a mapping from column name to value.
type Row = schema.Row

// Where is a structured filter expression. Plain entries are an implicit
// "equals" (or an operator map); "AND"/"OR"/"NOT" keys combine nested
// Where values. A field whose value is the Go zero value `nil` interface
// (i.e. the key was never set by the caller) must be treated as absent —
// translators skip it rather than emitting `IS NULL`, so that undefined
// values in a where clause are ignored rather than matched literally.
type Where map[string]interface{}

// Op is an operator-form filter value, e.g. Where{"age": Op{GTE: 18}}.
type Op struct {
	Equals      interface{}
	Not         interface{}
	In          []interface{}
	HasIn       bool
	NotIn       []interface{}
	HasNotIn    bool
	LT, LTE     interface{}
	GT, GTE     interface{}
	Contains    *string
	StartsWith  *string
	EndsWith    *string
	Mode        string // "default" or "insensitive"
}

// OrderTerm is one ORDER BY clause term.
type OrderTerm struct {
	Column string
	Desc   bool
}

// FindArgs is shared by findUnique/findFirst/findMany.
type FindArgs struct {
	Where    Where
	Select   []string
	OrderBy  []OrderTerm
	Take     *int
	Skip     *int
	Distinct []string
}

// CreateArgs is the payload for create.
type CreateArgs struct {
	Data Row
}

// CreateManyArgs is the payload for createMany.
type CreateManyArgs struct {
	Data           []Row
	SkipDuplicates bool
}

// UpdateArgs is the payload for update (singular; must match exactly one
// row via Where, typically a primary key).
type UpdateArgs struct {
	Where Where
	Data  Row
}

// UpdateManyArgs is the payload for updateMany.
type UpdateManyArgs struct {
	Where Where
	Data  Row
}

// UpsertArgs is the payload for upsert.
type UpsertArgs struct {
	Where  Where
	Create Row
	Update Row
}

// DeleteArgs is the payload for delete.
type DeleteArgs struct {
	Where Where
}

// DeleteManyArgs is the payload for deleteMany.
type DeleteManyArgs struct {
	Where Where
}

// CountArgs is the payload for count.
type CountArgs struct {
	Where Where
}

// AggregateArgs is the payload for aggregate. Aggregates maps an output
// key to a "func(column)" expression, e.g. {"sum_amount": "SUM(amount)"}.
type AggregateArgs struct {
	Where      Where
	Aggregates map[string]string
}

// GroupByArgs is the payload for groupBy.
type GroupByArgs struct {
	By         []string
	Where      Where
	Having     Where
	Aggregates map[string]string
}
