package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowID_CompositeKeySortsDeterministically(t *testing.T) {
	table := &Table{Name: "progress", PrimaryKey: []string{"userId", "itemId"}}
	row := Row{"itemId": "i1", "userId": "u1", "score": 5}

	id1, err := RowID(table, row)
	require.NoError(t, err)

	row2 := Row{"userId": "u1", "itemId": "i1", "score": 99}
	id2, err := RowID(table, row2)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "row identity must ignore non-key fields and map order")
}

func TestRowID_NoPrimaryKeyErrors(t *testing.T) {
	table := &Table{Name: "nopk"}
	_, err := RowID(table, Row{})
	assert.Error(t, err)
}

func TestCoerce_BoolRoundTrip(t *testing.T) {
	toFallback, err := Coerce(true, KindBool, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, int64(1), toFallback)

	fromFallback, err := Coerce(int64(0), KindBool, FromFallback)
	require.NoError(t, err)
	assert.Equal(t, false, fromFallback)
}

func TestCoerce_TimestampRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Coerce(now, KindTimestamp, ToFallback)
	require.NoError(t, err)
	assert.IsType(t, "", s)

	back, err := Coerce(s, KindTimestamp, FromFallback)
	require.NoError(t, err)
	assert.True(t, now.Equal(back.(time.Time)))
}

func TestCoerce_JSONCompositeIntoStringColumn(t *testing.T) {
	// A JSON composite is stored in the fallback as a JSON-encoded string
	// and parsed back into the composite on read, never rejected.
	composite := map[string]interface{}{"a": 1, "b": []int{1, 2}}
	s, err := Coerce(composite, KindJSON, ToFallback)
	require.NoError(t, err)
	assert.Contains(t, s.(string), `"a":1`)

	back, err := Coerce(s, KindJSON, FromFallback)
	require.NoError(t, err)
	m := back.(map[string]interface{})
	assert.Equal(t, float64(1), m["a"])
}

func TestCoerce_UnknownKindPassesThrough(t *testing.T) {
	v, err := Coerce("unchanged", Kind("mystery"), ToFallback)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", v)
}

func TestMaterializeDefault_UUIDAndNow(t *testing.T) {
	uuidCol := Column{DefaultSource: DefaultUUID}
	v, ok := MaterializeDefault(uuidCol)
	require.True(t, ok)
	assert.NotEmpty(t, v)

	nowCol := Column{DefaultSource: DefaultNow}
	v2, ok := MaterializeDefault(nowCol)
	require.True(t, ok)
	assert.IsType(t, time.Time{}, v2)
}

func TestTableNameForModel_FallbackMap(t *testing.T) {
	reg := NewRegistry()
	name, ok := reg.TableNameForModel("user")
	require.True(t, ok)
	assert.Equal(t, "users", name)

	reg.RegisterModelName("widget", "widgets")
	name, ok = reg.TableNameForModel("widget")
	require.True(t, ok)
	assert.Equal(t, "widgets", name)
}

func TestIsKnownIdentifier(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&Table{Name: "users", Columns: []Column{{Name: "id"}, {Name: "name"}}})

	assert.True(t, reg.IsKnownIdentifier("users", ""))
	assert.True(t, reg.IsKnownIdentifier("users", "name"))
	assert.False(t, reg.IsKnownIdentifier("users", "dropped_column"))
	assert.False(t, reg.IsKnownIdentifier("ghost_table", ""))
}
