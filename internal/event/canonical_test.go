package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Scalars(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array", Array{Int(1), String("a")}, `[1,"a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonical_SortsNestedKeys(t *testing.T) {
	obj := Object{
		"z": Object{"b": Int(1), "a": Int(2)},
		"a": Int(3),
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(got))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before
	// U+E000 in UTF-16 even though its UTF-8 bytes sort after.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(String(decomposed))
	require.NoError(t, err)
	b, err := MarshalCanonical(String(composed))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(got))
}

func TestMarshalCanonical_EscapedBackslashBeforeSeparatorText(t *testing.T) {
	// A literal backslash followed by the text u2028 must stay escaped.
	got, err := MarshalCanonical(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshalCanonical_RejectsNull(t *testing.T) {
	_, err := MarshalCanonical(Object{"x": Null{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null")
}
