package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"
	"reflect"
	"strconv"

	"github.com/roach88/tether/internal/clienterr"
)

// canonicalNaN is the quiet-NaN bit pattern the reference client emits.
const canonicalNaN uint64 = 0x7FF8000000000000

// Encode converts v to canonical JSON text.
func Encode(v any) (string, error) {
	b, err := EncodeBytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeBytes is Encode returning the raw UTF-8 bytes.
func EncodeBytes(v any) ([]byte, error) {
	val, err := ToValue(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeValue(&buf, val)
	return buf.Bytes(), nil
}

// MustEncode is Encode for values known to be encodable (tests, constants).
func MustEncode(v any) string {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

// ToValue converts a Go value into a fresh, acyclic Value tree.
//
// Accepted inputs: nil (Null), Value variants, bool, signed and unsigned
// integers (Int64), float32/float64, string, []byte, []any, []Value,
// map[string]any, map[string]Value, Marshaler, and pointers to any of these.
// A nil entry in a map means the field is absent.
func ToValue(v any) (Value, error) {
	c := converter{open: make(map[identity]struct{})}
	return c.convert(v)
}

// identity is the reference identity of a map, slice or pointer.
type identity struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

type converter struct {
	open map[identity]struct{}
}

// enter marks v's reference as open. It returns false if the reference is
// already on the stack, meaning v is a cycle back-edge.
func (c *converter) enter(v any) (identity, bool) {
	rv := reflect.ValueOf(v)
	id := identity{kind: rv.Kind()}
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		if rv.IsNil() {
			return id, true
		}
		id.ptr = rv.Pointer()
	case reflect.Slice:
		if rv.Len() == 0 {
			return id, true
		}
		id.ptr = rv.Pointer()
		id.n = rv.Len()
	default:
		return id, true
	}
	if _, ok := c.open[id]; ok {
		return id, false
	}
	c.open[id] = struct{}{}
	return id, true
}

func (c *converter) leave(id identity) {
	if id.ptr != 0 {
		delete(c.open, id)
	}
}

func (c *converter) convert(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Null:
		return val, nil
	case Bool:
		return val, nil
	case Float64:
		return val, nil
	case Int64:
		return val, nil
	case String:
		return val, nil
	case Bytes:
		return Bytes(bytes.Clone(val)), nil
	case Array:
		return c.convertSlice(val, len(val), func(i int) any { return val[i] })
	case Object:
		return c.convertObject(val, func(yield func(string, any)) {
			for k, e := range val {
				if e != nil {
					yield(k, e)
				}
			}
		})
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case float64:
		return Float64(val), nil
	case float32:
		return Float64(float64(val)), nil
	case int:
		return Int64(val), nil
	case int8:
		return Int64(val), nil
	case int16:
		return Int64(val), nil
	case int32:
		return Int64(val), nil
	case int64:
		return Int64(val), nil
	case uint:
		return fromUint(uint64(val))
	case uint8:
		return Int64(val), nil
	case uint16:
		return Int64(val), nil
	case uint32:
		return Int64(val), nil
	case uint64:
		return fromUint(val)
	case []byte:
		return Bytes(bytes.Clone(val)), nil
	case []any:
		return c.convertSlice(val, len(val), func(i int) any { return val[i] })
	case []Value:
		return c.convertSlice(val, len(val), func(i int) any { return val[i] })
	case map[string]any:
		return c.convertObject(val, func(yield func(string, any)) {
			for k, e := range val {
				if e != nil {
					yield(k, e)
				}
			}
		})
	case map[string]Value:
		return c.convertObject(val, func(yield func(string, any)) {
			for k, e := range val {
				if e != nil {
					yield(k, e)
				}
			}
		})
	case Marshaler:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null{}, nil
		}
		id, ok := c.enter(val)
		if !ok {
			return Null{}, nil
		}
		defer c.leave(id)
		inner, err := val.CanonicalValue()
		if err != nil {
			return nil, err
		}
		return c.convert(inner)
	}

	// Pointers to supported values.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Null{}, nil
		}
		id, ok := c.enter(v)
		if !ok {
			return Null{}, nil
		}
		defer c.leave(id)
		return c.convert(rv.Elem().Interface())
	}

	return nil, clienterr.New(clienterr.KindUnsupportedValueType, "cannot encode value of type %T", v)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, clienterr.New(clienterr.KindUnsupportedValueType, "unsigned integer %d overflows int64", u)
	}
	return Int64(int64(u)), nil
}

func (c *converter) convertSlice(ref any, n int, at func(int) any) (Value, error) {
	id, ok := c.enter(ref)
	if !ok {
		return Null{}, nil
	}
	defer c.leave(id)

	out := make(Array, n)
	for i := 0; i < n; i++ {
		elem, err := c.convert(at(i))
		if err != nil {
			return nil, wrapPath(err, "["+strconv.Itoa(i)+"]")
		}
		out[i] = elem
	}
	return out, nil
}

func (c *converter) convertObject(ref any, each func(yield func(string, any))) (Value, error) {
	id, ok := c.enter(ref)
	if !ok {
		return Null{}, nil
	}
	defer c.leave(id)

	out := make(Object)
	var firstErr error
	each(func(k string, e any) {
		if firstErr != nil {
			return
		}
		val, err := c.convert(e)
		if err != nil {
			firstErr = wrapPath(err, "."+k)
			return
		}
		out[k] = val
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// wrapPath prefixes the failing location onto a codec error message.
func wrapPath(err error, path string) error {
	if ce, ok := err.(*clienterr.Error); ok {
		cp := *ce
		cp.Message = path + ": " + ce.Message
		return &cp
	}
	return err
}

// writeValue writes an acyclic Value tree produced by ToValue.
func writeValue(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Float64:
		writeFloat(buf, float64(val))
	case Int64:
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], uint64(val))
		writeWrapper(buf, "$integer", raw[:])
	case Bytes:
		writeWrapper(buf, "$bytes", val)
	case String:
		writeString(buf, string(val))
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, elem)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, val[k])
		}
		buf.WriteByte('}')
	}
}

// writeFloat writes ordinary doubles as JavaScript numbers and the special
// values as $float wrappers.
func writeFloat(buf *bytes.Buffer, f float64) {
	if isSpecialFloat(f) {
		bits := math.Float64bits(f)
		if math.IsNaN(f) {
			bits = canonicalNaN
		}
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], bits)
		writeWrapper(buf, "$float", raw[:])
		return
	}
	buf.WriteString(FormatNumber(f))
}

func isSpecialFloat(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0) || (f == 0 && math.Signbit(f))
}

func writeWrapper(buf *bytes.Buffer, tag string, raw []byte) {
	buf.WriteString(`{"`)
	buf.WriteString(tag)
	buf.WriteString(`":"`)
	buf.WriteString(base64.StdEncoding.EncodeToString(raw))
	buf.WriteString(`"}`)
}

const hexDigits = "0123456789abcdef"

// writeString writes s as a JSON string the way JSON.stringify does for
// well-formed strings. Invalid UTF-8 bytes become U+FFFD.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
