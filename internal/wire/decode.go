package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/tether/internal/clienterr"
)

// Decode parses canonical JSON text into a Value.
func Decode(text string) (Value, error) {
	return DecodeBytes([]byte(text))
}

// DecodeBytes parses canonical JSON bytes into a Value.
//
// JSON numbers decode to Float64. Single-key objects whose key is $float,
// $integer or $bytes decode to Float64, Int64 and Bytes respectively.
func DecodeBytes(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, clienterr.Wrap(clienterr.KindMalformedValue, err, "invalid JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, clienterr.New(clienterr.KindMalformedValue, "trailing data after JSON value")
	}
	return fromJSON(raw)
}

// MustDecode is Decode for literals known to be valid (tests, constants).
func MustDecode(text string) Value {
	v, err := Decode(text)
	if err != nil {
		panic(err)
	}
	return v
}

func fromJSON(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return parseNumber(string(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := fromJSON(elem)
			if err != nil {
				return nil, wrapPath(err, "["+strconv.Itoa(i)+"]")
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		if len(val) == 1 {
			for k, payload := range val {
				if strings.HasPrefix(k, "$") {
					if w, ok, err := decodeWrapper(k, payload); ok || err != nil {
						return w, err
					}
				}
			}
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := fromJSON(elem)
			if err != nil {
				return nil, wrapPath(err, "."+k)
			}
			obj[k] = e
		}
		return obj, nil
	}
	return nil, clienterr.New(clienterr.KindMalformedValue, "unexpected JSON token %T", v)
}

// parseNumber parses a JSON number as a double. Magnitudes beyond the double
// range become ±Infinity, as in JavaScript.
func parseNumber(s string) (Value, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var ne *strconv.NumError
		if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
			return Float64(f), nil
		}
		return nil, clienterr.Wrap(clienterr.KindMalformedValue, err, "invalid number %q", s)
	}
	return Float64(f), nil
}

// decodeWrapper decodes a $-tagged object. ok is false for unknown tags,
// which are then treated as ordinary object keys.
func decodeWrapper(tag string, payload any) (Value, bool, error) {
	switch tag {
	case "$float", "$integer", "$bytes":
	default:
		return nil, false, nil
	}

	text, isString := payload.(string)
	if !isString {
		return nil, true, clienterr.New(clienterr.KindMalformedValue, "%s payload must be a base64 string, got %T", tag, payload)
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, true, clienterr.Wrap(clienterr.KindMalformedValue, err, "%s payload is not valid base64", tag)
	}

	switch tag {
	case "$bytes":
		return Bytes(raw), true, nil
	case "$float":
		if len(raw) != 8 {
			return nil, true, clienterr.New(clienterr.KindMalformedValue, "$float payload must be 8 bytes, got %d", len(raw))
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(raw))), true, nil
	default:
		if len(raw) != 8 {
			return nil, true, clienterr.New(clienterr.KindMalformedValue, "$integer payload must be 8 bytes, got %d", len(raw))
		}
		return Int64(int64(binary.LittleEndian.Uint64(raw))), true, nil
	}
}

// AsFloat64 reads a number where one is expected. It accepts Float64, Int64,
// and, as a lenient fallback, a String that parses as a number.
func AsFloat64(v Value) (float64, error) {
	switch val := v.(type) {
	case Float64:
		return float64(val), nil
	case Int64:
		return float64(val), nil
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
		if err != nil {
			return 0, clienterr.Wrap(clienterr.KindMalformedValue, err, "string %q is not a number", string(val))
		}
		return f, nil
	}
	return 0, clienterr.New(clienterr.KindMalformedValue, "expected number, got %T", v)
}

// AsInt64 reads an integer. Float64 values are accepted when integral.
func AsInt64(v Value) (int64, error) {
	switch val := v.(type) {
	case Int64:
		return int64(val), nil
	case Float64:
		f := float64(val)
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, clienterr.New(clienterr.KindMalformedValue, "number %v is not an int64", f)
		}
		return int64(f), nil
	}
	return 0, clienterr.New(clienterr.KindMalformedValue, "expected integer, got %T", v)
}

// AsString reads a string.
func AsString(v Value) (string, error) {
	if s, ok := v.(String); ok {
		return string(s), nil
	}
	return "", clienterr.New(clienterr.KindMalformedValue, "expected string, got %T", v)
}
