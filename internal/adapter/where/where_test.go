package where

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/adapter"
	"github.com/axonops/dualdb/internal/schema"
)

func postsTable() *schema.Table {
	return &schema.Table{
		Name: "posts",
		Columns: []schema.Column{
			{Name: "id", Kind: schema.KindString},
			{Name: "title", Kind: schema.KindString},
		},
	}
}

func TestBuild_EmptyWhereMatchesEverything(t *testing.T) {
	frag, args, err := Build(nil, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", frag)
	assert.Empty(t, args)
}

func TestBuild_ImplicitEquals(t *testing.T) {
	frag, args, err := Build(adapter.Where{"id": "u1"}, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "id = ?", frag)
	assert.Equal(t, []interface{}{"u1"}, args)
}

func TestBuild_InEmptyListYieldsEmptyResultSet(t *testing.T) {
	frag, args, err := Build(adapter.Where{"id": map[string]interface{}{"in": []interface{}{}}}, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "FALSE", frag)
	assert.Empty(t, args)
}

func TestBuild_AndOr(t *testing.T) {
	w := adapter.Where{
		"OR": []interface{}{
			adapter.Where{"status": "active"},
			adapter.Where{"status": "pending"},
		},
	}
	frag, args, err := Build(w, Numbered, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "(status = $1 OR status = $2)", frag)
	assert.Equal(t, []interface{}{"active", "pending"}, args)
}

func TestBuild_Not(t *testing.T) {
	w := adapter.Where{"NOT": adapter.Where{"status": "deleted"}}
	frag, _, err := Build(w, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "NOT (status = ?)", frag)
}

func TestBuild_OperatorForms(t *testing.T) {
	w := adapter.Where{"age": map[string]interface{}{"gte": 18, "lt": 65}}
	frag, args, err := Build(w, Positional, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, frag, "age >= ?")
	assert.Contains(t, frag, "age < ?")
	assert.ElementsMatch(t, []interface{}{18, 65}, args)
}

func TestBuild_StartsWithInsensitive(t *testing.T) {
	w := adapter.Where{"name": map[string]interface{}{"startsWith": "Al", "mode": "insensitive"}}
	frag, args, err := Build(w, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "LOWER(name) LIKE ?", frag)
	assert.Equal(t, []interface{}{"al%"}, args)
}

func TestBuild_UnknownColumnIsRejected(t *testing.T) {
	// A filter key naming a column the table doesn't have is rejected
	// outright rather than spliced into the query unescaped.
	w := adapter.Where{"id; DROP TABLE posts;--": "x"}
	_, _, err := Build(w, Positional, postsTable(), nil)
	require.Error(t, err)
}

func TestBuild_QuotesKnownColumns(t *testing.T) {
	quote := func(ident string) string { return `"` + ident + `"` }
	frag, _, err := Build(adapter.Where{"title": "hi"}, Positional, postsTable(), quote)
	require.NoError(t, err)
	assert.Equal(t, `"title" = ?`, frag)
}

func TestBuild_UndefinedKeyIsIgnored(t *testing.T) {
	// A key simply absent from the map (the "undefined" case) must not
	// appear in the compiled fragment at all.
	w := adapter.Where{}
	frag, args, err := Build(w, Positional, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", frag)
	assert.Empty(t, args)
}
