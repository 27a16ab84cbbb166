package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_KeyOrder(t *testing.T) {
	obj := Object{"b": Int(1), "a": Int(2), "_id": String("x")}
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"x","a":2,"b":1}`, string(data))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FFFD
	// in UTF-16 but after it in UTF-8.
	obj := Object{"\uFFFD": Int(1), "\U0001F600": Int(2)}
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFFFD\":1}", string(data))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	data, err := MarshalCanonical(String("<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(data))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	data, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(data))
}

func TestMarshalCanonical_ControlEscapes(t *testing.T) {
	data, err := MarshalCanonical(String("q\"b\\n\n\x01"))
	require.NoError(t, err)
	assert.Equal(t, `"q\"b\\n\n\u0001"`, string(data))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Int(-42), "-42"},
		{Float(0), "0"},
		{Float(1.5), "1.5"},
		{Float(100), "100"},
		{Float(1e21), "1e+21"},
		{Float(1e-7), "1e-07"},
	}
	for _, tc := range tests {
		data, err := MarshalCanonical(tc.v)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(data))
	}
}

func TestMarshalCanonical_NullAllowed(t *testing.T) {
	data, err := MarshalCanonical(Object{"x": Null{}, "y": Array{Null{}}})
	require.NoError(t, err)
	assert.Equal(t, `{"x":null,"y":[null]}`, string(data))
}

func TestDigest_StableAcrossKeyOrder(t *testing.T) {
	a := Object{"name": String("Bob"), "age": Int(30)}
	b := Object{"age": Int(30), "name": String("Bob")}

	da, err := DocumentDigest(a)
	require.NoError(t, err)
	db, err := DocumentDigest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)
}

func TestDigest_DomainSeparation(t *testing.T) {
	v := Array{}
	assert.NotEqual(t, MustDigest(DomainResult, v), MustDigest(DomainDocument, v))
}

func TestResultDigest_OrderSensitive(t *testing.T) {
	a := Object{"_id": String("A")}
	b := Object{"_id": String("B")}

	d1, err := ResultDigest([]Object{a, b})
	require.NoError(t, err)
	d2, err := ResultDigest([]Object{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestQueryDigest_NilParams(t *testing.T) {
	d1, err := QueryDigest("SELECT * FROM tasks", nil)
	require.NoError(t, err)
	d2, err := QueryDigest("SELECT * FROM tasks", Object{})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
