package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

func compile(t *testing.T, text string, params value.Object) (string, []any) {
	t.Helper()
	sql, args, err := NewSQLCompiler(params).Compile(query.MustParse(text))
	require.NoError(t, err)
	return sql, args
}

func TestCompile_SelectAll(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM tasks", nil)

	assert.Equal(t,
		"SELECT id, body, version, deleted FROM documents WHERE collection = ? AND deleted = 0 ORDER BY id COLLATE BINARY ASC",
		sql)
	assert.Equal(t, []any{"tasks"}, args)
}

func TestCompile_ParameterizedFilter(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM tasks WHERE status = :status", value.Object{"status": value.String("active")})

	assert.Contains(t, sql, "AND (json_extract(body, '$.status') = ?)")
	assert.NotContains(t, sql, "active", "values must never be interpolated")
	assert.Equal(t, []any{"tasks", "active"}, args)
}

func TestCompile_NotEqualMatchesMissing(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM tasks WHERE status != 'done'", nil)

	assert.Contains(t, sql, "json_extract(body, '$.status') IS NOT ?")
	assert.Equal(t, []any{"tasks", "done"}, args)
}

func TestCompile_IDField(t *testing.T) {
	sql, _ := compile(t, "SELECT * FROM tasks WHERE _id = 'A' ORDER BY _id DESC", nil)

	assert.Contains(t, sql, "(id = ?)")
	assert.Contains(t, sql, "ORDER BY id COLLATE BINARY DESC")
	assert.NotContains(t, sql, "id COLLATE BINARY ASC")
}

func TestCompile_NestedPathAndOrder(t *testing.T) {
	sql, _ := compile(t, "SELECT * FROM tasks WHERE owner.name = 'Bob' ORDER BY due DESC, title", nil)

	assert.Contains(t, sql, "json_extract(body, '$.owner.name') = ?")
	assert.Contains(t, sql,
		"ORDER BY json_extract(body, '$.due') DESC, json_extract(body, '$.title') ASC, id COLLATE BINARY ASC")
}

func TestCompile_Booleans(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM tasks WHERE done = true AND archived != false", nil)

	assert.Contains(t, sql, "json_type(body, '$.done') = ?")
	assert.Contains(t, sql, "json_type(body, '$.archived') IS NOT ?")
	assert.Equal(t, []any{"tasks", "true", "false"}, args)
}

func TestCompile_NullComparisons(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM t WHERE a = null OR b != :n OR c IS NULL", value.Object{"n": value.Null{}})

	assert.Contains(t, sql, "json_extract(body, '$.a') IS NULL")
	assert.Contains(t, sql, "json_extract(body, '$.b') IS NOT NULL")
	assert.Contains(t, sql, "json_extract(body, '$.c') IS NULL")
	assert.Equal(t, []any{"t"}, args)
}

func TestCompile_In(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM t WHERE status IN :s", value.Object{
		"s": value.Array{value.String("a"), value.Int(2)},
	})

	assert.Contains(t, sql, "json_extract(body, '$.status') IN (SELECT value FROM json_each(?))")
	assert.Equal(t, []any{"t", `["a",2]`}, args)
}

func TestCompile_Not(t *testing.T) {
	sql, _ := compile(t, "SELECT * FROM t WHERE NOT a = 1", nil)
	assert.Contains(t, sql, "NOT COALESCE((json_extract(body, '$.a') = ?), 0)")
}

func TestCompile_LimitOffset(t *testing.T) {
	sql, args := compile(t, "SELECT * FROM t LIMIT 10 OFFSET 20", nil)
	assert.Contains(t, sql, " LIMIT ? OFFSET ?")
	assert.Equal(t, []any{"t", int64(10), int64(20)}, args)

	sql, args = compile(t, "SELECT * FROM t OFFSET 5", nil)
	assert.Contains(t, sql, " LIMIT -1 OFFSET ?")
	assert.Equal(t, []any{"t", int64(5)}, args)
}

func TestCompile_SyncOptions(t *testing.T) {
	c := NewSQLCompiler(nil)
	c.IncludeDeleted = true
	c.SinceVersion = 7

	sql, args, err := c.Compile(query.MustParse("SELECT * FROM t WHERE a = 1"))
	require.NoError(t, err)
	assert.NotContains(t, sql, "deleted = 0")
	assert.Contains(t, sql, "AND version > ?")
	assert.Equal(t, []any{"t", int64(7), int64(1)}, args)
}

func TestCompile_Evict(t *testing.T) {
	sql, args := compile(t, "EVICT FROM tasks WHERE status = 'done'", nil)

	assert.Equal(t,
		"SELECT id FROM documents WHERE collection = ? AND (json_extract(body, '$.status') = ?) ORDER BY id COLLATE BINARY ASC",
		sql)
	assert.Equal(t, []any{"tasks", "done"}, args)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stmt   query.Statement
		params value.Object
		want   string
	}{
		{"nil", nil, nil, "nil statement"},
		{"missing param", query.MustParse("SELECT * FROM t WHERE a = :x"), nil, "missing query parameter :x"},
		{"object compare", query.MustParse("SELECT * FROM t WHERE a = :x"), value.Object{"x": value.Object{}}, "use IN"},
		{"ordered null", query.MustParse("SELECT * FROM t WHERE a < null"), nil, "cannot compare with null"},
		{"ordered bool", query.MustParse("SELECT * FROM t WHERE a > true"), nil, "not defined for booleans"},
		{"nested IN item", query.MustParse("SELECT * FROM t WHERE a IN :x"), value.Object{"x": value.Array{value.Array{}}}, "want scalar"},
		{"bad path", &query.Select{Collection: "t", Filter: query.IsNull{Field: query.Path{"a'b"}}}, nil, "invalid field name"},
		{"evict without filter", &query.Evict{Collection: "t"}, nil, "requires a filter"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NewSQLCompiler(tc.params).Compile(tc.stmt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
