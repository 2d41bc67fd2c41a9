package wire

import (
	"bytes"
	"math"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the values the wire format can carry.
// Only Null, Bool, Float64, Int64, Bytes, String, Array and Object implement it.
type Value interface {
	wireValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) wireValue() {}

// Bool is a boolean.
type Bool bool

func (Bool) wireValue() {}

// Float64 is an IEEE-754 double. NaN, ±Infinity and -0 are distinct values.
type Float64 float64

func (Float64) wireValue() {}

// Int64 is a 64-bit signed integer.
type Int64 int64

func (Int64) wireValue() {}

// Bytes is an arbitrary byte sequence.
type Bytes []byte

func (Bytes) wireValue() {}

// String is a Unicode string.
type String string

func (String) wireValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) wireValue() {}

// Object maps string keys to values. A nil entry means the field is absent
// and is never encoded. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) wireValue() {}

// Marshaler is implemented by types that know their canonical value.
// It replaces reflection-based field enumeration: a type lists its own
// fields and leaves optional ones out when they are absent.
//
// CanonicalValue may return a Value or any Go value ToValue accepts,
// including other Marshalers. Nested references are walked with the same
// cycle guard as the caller, so a type may return pointers to itself.
type Marshaler interface {
	CanonicalValue() (any, error)
}

// Get returns the value stored under key and whether the field is present.
// A nil entry counts as absent.
func (o Object) Get(key string) (Value, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// SortedKeys returns the keys of present fields in UTF-16 code unit order.
// Go's string ordering compares UTF-8 bytes, which differs from JavaScript
// for characters above U+FFFF.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k, v := range o {
		if v != nil {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// compareUTF16 compares strings by UTF-16 code units.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// Equal reports whether a and b are the same canonical value.
// Floats compare by bit pattern, so -0 differs from +0. Every NaN equals
// every other NaN because encoding canonicalizes the payload.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Float64:
		bv, ok := b.(Float64)
		if !ok {
			return false
		}
		if math.IsNaN(float64(av)) {
			return math.IsNaN(float64(bv))
		}
		return math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case Int64:
		bv, ok := b.(Int64)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok {
			return false
		}
		ak, bk := av.SortedKeys(), bv.SortedKeys()
		if !slices.Equal(ak, bk) {
			return false
		}
		for _, k := range ak {
			if !Equal(av[k], bv[k]) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy of v. Cycles are broken the same way Encode
// breaks them.
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	out, err := ToValue(v)
	if err != nil {
		// Value trees contain only encodable variants.
		panic(err)
	}
	return out
}
