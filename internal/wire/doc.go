// Package wire implements the platform's canonical JSON dialect.
//
// Values cached or applied optimistically on the client must be
// indistinguishable from values that made a round trip through the server,
// so the encoder reproduces the reference JavaScript client byte for byte:
//
//   - Object keys sorted by UTF-16 code units (JavaScript's default sort)
//   - Strings escape only U+0000-U+001F, quote and backslash; no HTML
//     escaping, no U+2028/U+2029 escaping, no normalization
//   - Finite numbers use ECMAScript Number::toString formatting
//   - NaN, ±Infinity and -0 travel as {"$float": base64(8 LE bytes)}, with
//     NaN canonicalized to 0x7FF8000000000000
//   - 64-bit integers travel as {"$integer": base64(8 LE bytes)}
//   - Byte strings travel as {"$bytes": base64}
//   - Absent object fields are omitted; an explicit Null is emitted as null
//
// Encoding walks Go values (Value variants, primitives, slices, maps and
// Marshaler implementations) with a cycle guard: a map, slice or pointer that
// is already open on the encoding stack is encoded as null.
//
// This package imports only clienterr.
package wire
