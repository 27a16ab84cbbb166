package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_BoundedQuery(t *testing.T) {
	result := Validate(MustParse("SELECT * FROM tasks WHERE status = :s ORDER BY due LIMIT 20 OFFSET 40"))

	assert.True(t, result.Bounded)
	assert.Empty(t, result.Warnings)
}

func TestValidate_NoWhereNoLimit(t *testing.T) {
	result := Validate(MustParse("SELECT * FROM tasks"))

	assert.False(t, result.Bounded)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "no WHERE clause")
	assert.Contains(t, result.Warnings[1], "no LIMIT")
}

func TestValidate_OffsetWithoutOrder(t *testing.T) {
	result := Validate(MustParse("SELECT * FROM tasks WHERE a = 1 LIMIT 10 OFFSET 5"))

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "OFFSET 5 without ORDER BY")
}

func TestValidate_Negation(t *testing.T) {
	result := Validate(MustParse("SELECT * FROM tasks WHERE a != 1 AND NOT b = 2 LIMIT 1"))

	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "field a compared with !=")
	assert.Contains(t, result.Warnings[1], "NOT scans")
}

func TestValidate_Evict(t *testing.T) {
	assert.True(t, Validate(MustParse("EVICT FROM tasks WHERE done = true")).Bounded)
	assert.False(t, Validate(MustParse("EVICT FROM tasks WHERE done != true")).Bounded)
}

func TestValidate_Nil(t *testing.T) {
	result := Validate(nil)
	assert.False(t, result.Bounded)
	require.Len(t, result.Warnings, 1)
}
