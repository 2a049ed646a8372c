// Package value defines the tagged values stored in and read back from the
// store: null, integer, real, text and blob.
//
// A [Value] is what a row column holds after a query and what arguments are
// converted to before binding. [From] is the single conversion table from Go
// values; [Converter] goes the other way for callers that decode rows into
// typed records.
package value

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Kind is the storage class of a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

// String returns the SQL name of the storage class.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInteger:
		return "INTEGER"
	case KindReal:
		return "REAL"
	case KindText:
		return "TEXT"
	case KindBlob:
		return "BLOB"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable tagged value. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Null returns the NULL value.
func Null() Value { return Value{} }

// Integer returns an INTEGER value.
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }

// Real returns a REAL value.
func Real(v float64) Value { return Value{kind: KindReal, f: v} }

// Text returns a TEXT value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Blob returns a BLOB value holding a copy of v.
//
// A nil slice yields a zero-length blob, not NULL; use [Null] for NULL.
func Blob(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)

	return Value{kind: KindBlob, b: cp}
}

// Kind returns the storage class.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns the integer held by v. ok is false unless v is INTEGER.
func (v Value) Int64() (n int64, ok bool) {
	return v.i, v.kind == KindInteger
}

// Float64 returns the real held by v. INTEGER values convert; ok is false for
// every other kind.
func (v Value) Float64() (f float64, ok bool) {
	switch v.kind {
	case KindReal:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Text returns the string held by v. ok is false unless v is TEXT.
func (v Value) Text() (s string, ok bool) {
	return v.s, v.kind == KindText
}

// Bytes returns a copy of the blob held by v. ok is false unless v is BLOB.
// A zero-length blob returns a non-nil empty slice.
func (v Value) Bytes() (b []byte, ok bool) {
	if v.kind != KindBlob {
		return nil, false
	}

	cp := make([]byte, len(v.b))
	copy(cp, v.b)

	return cp, true
}

// Driver returns v in the representation database/sql drivers accept:
// nil, int64, float64, string or a non-nil []byte.
func (v Value) Driver() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return v.s
	case KindBlob:
		if v.b == nil {
			return []byte{}
		}

		return v.b
	default:
		return nil
	}
}

// Equal reports whether v and other hold the same kind and content.
// REAL values compare by bit pattern so NaN equals NaN.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindInteger:
		return v.i == other.i
	case KindReal:
		return math.Float64bits(v.f) == math.Float64bits(other.f)
	case KindText:
		return v.s == other.s
	case KindBlob:
		return bytes.Equal(v.b, other.b)
	default:
		return false
	}
}

// String formats v for logs and the shell.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.s)
	case KindBlob:
		return fmt.Sprintf("X'%X'", v.b)
	default:
		return v.kind.String()
	}
}

// Key is a comparable projection of a [Value], usable as a map key.
//
// Values of different kinds never produce equal keys, so the text "1" and
// the integer 1 are distinct.
type Key struct {
	kind Kind
	i    int64
	f    uint64
	s    string
}

// Key returns the comparable projection of v.
func (v Value) Key() Key {
	switch v.kind {
	case KindInteger:
		return Key{kind: KindInteger, i: v.i}
	case KindReal:
		return Key{kind: KindReal, f: math.Float64bits(v.f)}
	case KindText:
		return Key{kind: KindText, s: v.s}
	case KindBlob:
		return Key{kind: KindBlob, s: string(v.b)}
	default:
		return Key{}
	}
}

// Value converts the key back into the value it was projected from.
func (k Key) Value() Value {
	switch k.kind {
	case KindInteger:
		return Integer(k.i)
	case KindReal:
		return Real(math.Float64frombits(k.f))
	case KindText:
		return Text(k.s)
	case KindBlob:
		return Blob([]byte(k.s))
	default:
		return Null()
	}
}

// String formats the key like the value it came from.
func (k Key) String() string { return k.Value().String() }
