package wire

import (
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/clienterr"
)

func TestEncodeBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", Null{}, "null"},
		{"go nil", nil, "null"},
		{"true", Bool(true), "true"},
		{"false", false, "false"},
		{"string", String("hello"), `"hello"`},
		{"empty string", "", `""`},
		{"integer float", Float64(5), "5"},
		{"fraction", 0.1, "0.1"},
		{"negative", -2.5, "-2.5"},
		{"zero", 0.0, "0"},
		{"int64", Int64(1), `{"$integer":"AQAAAAAAAAA="}`},
		{"go int", 42, `{"$integer":"KgAAAAAAAAA="}`},
		{"minus one", int64(-1), `{"$integer":"//////////8="}`},
		{"min int64", Int64(math.MinInt64), `{"$integer":"AAAAAAAAAIA="}`},
		{"max int64", Int64(math.MaxInt64), `{"$integer":"/////////38="}`},
		{"bytes", Bytes{0, 1, 2, 255}, `{"$bytes":"AAEC/w=="}`},
		{"go bytes", []byte("hello"), `{"$bytes":"aGVsbG8="}`},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array", []any{1.0, "a", true, nil}, `[1,"a",true,null]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeSpecialFloats(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected string
	}{
		{"NaN", math.NaN(), `{"$float":"AAAAAAAA+H8="}`},
		{"+Inf", math.Inf(1), `{"$float":"AAAAAAAA8H8="}`},
		{"-Inf", math.Inf(-1), `{"$float":"AAAAAAAA8P8="}`},
		{"-0", math.Copysign(0, -1), `{"$float":"AAAAAAAAAIA="}`},
		{"+0", 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(Float64(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeNaNIsCanonicalized(t *testing.T) {
	// Negative NaN with a payload must still encode as the positive quiet NaN.
	odd := math.Float64frombits(0xFFF8000000000001)
	require.True(t, math.IsNaN(odd))

	got, err := Encode(odd)
	require.NoError(t, err)
	assert.Equal(t, `{"$float":"AAAAAAAA+H8="}`, got)
}

func TestEncodeSortedKeys(t *testing.T) {
	a, err := Encode(Object{"b": Float64(1), "a": Float64(2)})
	require.NoError(t, err)
	b, err := Encode(map[string]any{"a": 2.0, "b": 1.0})
	require.NoError(t, err)

	assert.Equal(t, `{"a":2,"b":1}`, a)
	assert.Equal(t, a, b, "insertion order must not matter")
}

func TestEncodeNestedSortedKeys(t *testing.T) {
	got, err := Encode(Object{
		"z": Object{"b": Float64(1), "a": Float64(2)},
		"a": Float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, got)
}

func TestEncodeUTF16KeyOrdering(t *testing.T) {
	// U+10000 is a surrogate pair (0xD800 0xDC00) and sorts before U+E000 in
	// UTF-16, although its UTF-8 encoding sorts after.
	got, err := Encode(Object{
		"\uE000": Float64(1),
		"\U00010000": Float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", got)
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	got, err := Encode(Object{"text": String("a"), "done": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"text":"a"}`, got)

	got, err = Encode(map[string]any{"text": "a", "done": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"text":"a"}`, got)
}

func TestEncodeExplicitNull(t *testing.T) {
	got, err := Encode(Object{"text": String("a"), "done": Null{}})
	require.NoError(t, err)
	assert.Equal(t, `{"done":null,"text":"a"}`, got)
}

func TestEncodeStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"carriage return", "a\rb", `"a\rb"`},
		{"backspace", "a\bb", `"a\bb"`},
		{"form feed", "a\fb", `"a\fb"`},
		{"nul", "a\x00b", `"a\u0000b"`},
		{"unit separator", "\x1f", `"\u001f"`},
		{"del passes", "\x7f", "\"\x7f\""},
		{"html passes", "<a>&</a>", `"<a>&</a>"`},
		{"line separator passes", "\u2028\u2029", "\"\u2028\u2029\""},
		{"emoji passes", "😀", `"😀"`},
		{"accents pass", "héllo", `"héllo"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeNoNormalization(t *testing.T) {
	// "e" + combining acute must stay decomposed.
	decomposed := "e\u0301"
	got, err := Encode(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"e\u0301\"", got)
}

func TestEncodeCycleGuard(t *testing.T) {
	t.Run("self-referencing map", func(t *testing.T) {
		m := map[string]any{"name": "root"}
		m["self"] = m

		got, err := Encode(m)
		require.NoError(t, err)
		assert.Equal(t, `{"name":"root","self":null}`, got)
	})

	t.Run("self-referencing object", func(t *testing.T) {
		o := Object{"id": String("x")}
		o["child"] = Object{"parent": o}

		got, err := Encode(o)
		require.NoError(t, err)
		assert.Equal(t, `{"child":{"parent":null},"id":"x"}`, got)
	})

	t.Run("self-referencing slice", func(t *testing.T) {
		s := make([]any, 2)
		s[0] = "a"
		s[1] = s

		got, err := Encode(s)
		require.NoError(t, err)
		assert.Equal(t, `["a",null]`, got)
	})

	t.Run("shared reference is not a cycle", func(t *testing.T) {
		shared := map[string]any{"v": 1.0}
		got, err := Encode([]any{shared, shared})
		require.NoError(t, err)
		assert.Equal(t, `[{"v":1},{"v":1}]`, got)
	})

	t.Run("pointer cycle through marshaler", func(t *testing.T) {
		n := &node{Name: "a"}
		n.Next = n

		got, err := Encode(n)
		require.NoError(t, err)
		assert.Equal(t, `{"name":"a","next":null}`, got)
	})
}

func TestEncodeCycleDecodesAsNull(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	text, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(text)
	require.NoError(t, err)
	assert.True(t, Equal(Object{"self": Null{}}, decoded))
}

func TestEncodeMarshaler(t *testing.T) {
	done := true
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"optional absent", todo{Text: "a"}, `{"text":"a"}`},
		{"optional present", todo{Text: "a", Done: &done}, `{"done":true,"text":"a"}`},
		{"pointer", &todo{Text: "b"}, `{"text":"b"}`},
		{"inside map", map[string]any{"todo": todo{Text: "c"}}, `{"todo":{"text":"c"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"channel", make(chan int)},
		{"func", func() {}},
		{"plain struct", struct{ A int }{A: 1}},
		{"nested", map[string]any{"ok": 1.0, "bad": complex(1, 2)}},
		{"uint64 overflow", uint64(math.MaxUint64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.input)
			require.Error(t, err)
			assert.Equal(t, clienterr.KindUnsupportedValueType, clienterr.KindOf(err))
		})
	}
}

func TestEncodeGolden(t *testing.T) {
	fixture := Object{
		"text":    String("h\u00e9llo \"w\"\n\U0001F600"),
		"count":   Int64(42),
		"ratio":   Float64(0.5),
		"big":     Float64(1e21),
		"tiny":    Float64(1e-7),
		"nan":     Float64(math.NaN()),
		"negZero": Float64(math.Copysign(0, -1)),
		"blob":    Bytes("hello"),
		"tags":    Array{String("a"), Null{}, Bool(true)},
		"missing": nil,
	}

	got, err := EncodeBytes(fixture)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_fixture", got)
}

// todo is a record with an optional field.
type todo struct {
	Text string
	Done *bool
}

func (t todo) CanonicalValue() (any, error) {
	obj := Object{"text": String(t.Text)}
	if t.Done != nil {
		obj["done"] = Bool(*t.Done)
	}
	return obj, nil
}

// node is a linked structure that can point to itself.
type node struct {
	Name string
	Next *node
}

func (n *node) CanonicalValue() (any, error) {
	fields := map[string]any{"name": n.Name}
	if n.Next != nil {
		fields["next"] = n.Next
	}
	return fields, nil
}
