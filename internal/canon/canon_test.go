package canon

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"nil", nil, "null"},
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"int64", int64(-100), "-100"},
		{"uint", uint(7), "7"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array", []any{int64(1), "two", true}, `[1,"two",true]`},
		{"simple object", map[string]any{"a": int64(1)}, `{"a":1}`},
		{"float fraction", 2.5, "2.5"},
		{"integral float", 2.0, "2"},
		{"negative float", -0.25, "-0.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshal_SortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": int64(1),
		"alpha": int64(2),
		"beta":  int64(3),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshal_UTF16KeyOrdering(t *testing.T) {
	// U+E000 sorts after U+10000 in UTF-16 (surrogate pair starts at 0xD800)
	// even though UTF-8 byte order says the opposite.
	obj := map[string]any{
		"": int64(1),
		"𐀀":      int64(2),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	expected := `{"𐀀":2,"` + "" + `":1}`
	assert.Equal(t, expected, string(result))
}

func TestMarshal_NFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to the composed form.
	decomposed := "héllo"
	composed := "héllo"

	r1, err := Marshal(decomposed)
	require.NoError(t, err)
	r2, err := Marshal(composed)
	require.NoError(t, err)

	assert.Equal(t, string(r2), string(r1), "NFC must collapse decomposed and composed forms")
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	result, err := Marshal("<a>&</a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a>&</a>"`, string(result))
}

func TestMarshal_LineSeparatorsStayLiteral(t *testing.T) {
	result, err := Marshal("a b c")
	require.NoError(t, err)
	assert.Equal(t, "\"a b c\"", string(result))
}

func TestMarshal_ControlCharacters(t *testing.T) {
	result, err := Marshal("a\x01b\nc\"d\\e")
	require.NoError(t, err)
	assert.Equal(t, `"ab\nc\"d\\e"`, string(result))
}

func TestMarshal_StructFallback(t *testing.T) {
	type point struct {
		Y int `json:"y"`
		X int `json:"x"`
	}

	result, err := Marshal(point{Y: 2, X: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1,"y":2}`, string(result), "struct fields must canonicalize with sorted keys")
}

func TestMarshal_NonFiniteRejected(t *testing.T) {
	_, err := Marshal(map[string]any{"bad": func() {}})
	assert.Error(t, err, "functions are not encodable")
}

func TestMarshal_Composite_Golden(t *testing.T) {
	value := map[string]any{
		"zebra":  int64(1),
		"alpha":  "héllo",
		"flags":  []any{true, false, nil},
		"nested": map[string]any{"b": int64(2), "a": []any{"x", int64(-3)}},
		"count":  int64(42),
		"ratio":  2.5,
	}

	result, err := Marshal(value)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "composite_value", result)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(
		map[string]any{"a": int64(1), "b": int64(2)},
		map[string]any{"b": int64(2), "a": int64(1)},
	), "key order must not matter")

	assert.True(t, Equal("héllo", "héllo"), "unicode forms must compare equal")
	assert.True(t, Equal(int64(2), 2.0), "integral float equals int")
	assert.False(t, Equal(int64(1), int64(2)))
	assert.False(t, Equal(func() {}, func() {}), "unencodable values are never equal")
}

func TestHash_Deterministic(t *testing.T) {
	h1 := Hash(DomainSnapshot, []byte("payload"))
	h2 := Hash(DomainSnapshot, []byte("payload"))

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestHash_DomainSeparation(t *testing.T) {
	h1 := Hash(DomainSnapshot, []byte("payload"))
	h2 := Hash(DomainTrace, []byte("payload"))

	assert.NotEqual(t, h1, h2, "same payload under different domains must differ")
}

func TestHashValue(t *testing.T) {
	h1, err := HashValue(DomainSnapshot, map[string]any{"a": int64(1)})
	require.NoError(t, err)
	h2, err := HashValue(DomainSnapshot, map[string]any{"a": int64(1)})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	_, err = HashValue(DomainSnapshot, func() {})
	assert.Error(t, err)
}
