// Package schema implements the Schema Registry (C2): introspected
// table/column/primary-key metadata, and value coercion between the
// primary and fallback representations.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the value kinds the registry understands.
type Kind string

const (
	KindString    Kind = "string"
	KindInt       Kind = "integer"
	KindReal      Kind = "real"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
	KindBlob      Kind = "blob"
	KindJSON      Kind = "json"
)

// DefaultSource enumerates where a column's default value comes from.
type DefaultSource string

const (
	DefaultNone     DefaultSource = ""
	DefaultConstant DefaultSource = "constant"
	DefaultNow      DefaultSource = "now"
	DefaultUUID     DefaultSource = "uuid"
)

// Column describes one table column.
type Column struct {
	Name          string
	Kind          Kind
	Nullable      bool
	HasDefault    bool
	DefaultSource DefaultSource
	DefaultValue  interface{} // used only when DefaultSource == DefaultConstant
	IsUpdatedAt   bool
}

// Table describes one table's shape: ordered columns, primary key, and
// unique key groups.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	UniqueKeys [][]string
}

// ColumnByName returns the named column, or false if it is not part of
// this table.
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row is a mapping from column name to value.
type Row map[string]interface{}

// RowID computes the row identity: the JSON-serialized projection of the
// primary-key columns, with composite keys supported. Keys are sorted so
// the same logical id always serializes identically regardless of map
// iteration order.
func RowID(t *Table, row Row) (string, error) {
	if len(t.PrimaryKey) == 0 {
		return "", fmt.Errorf("schema: table %s has no primary key", t.Name)
	}
	proj := make(map[string]interface{}, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		proj[k] = row[k]
	}
	keys := append([]string(nil), t.PrimaryKey...)
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, proj[k])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("schema: marshal row id: %w", err)
	}
	return string(b), nil
}
