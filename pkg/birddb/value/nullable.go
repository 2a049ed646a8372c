package value

import (
	"errors"
	"fmt"
	"math"
)

// ErrMismatch is returned by a [Converter] when a value's kind cannot be
// decoded into the requested Go type.
var ErrMismatch = errors.New("value kind mismatch")

// Nullable wraps a storable Go value that may be absent. An invalid Nullable
// stores as NULL and NULL decodes to an invalid Nullable.
type Nullable[T any] struct {
	V     T
	Valid bool
}

// Some returns a valid Nullable holding v.
func Some[T any](v T) Nullable[T] { return Nullable[T]{V: v, Valid: true} }

// None returns an invalid Nullable.
func None[T any]() Nullable[T] { return Nullable[T]{} }

type nullable interface {
	storable() (Value, error)
}

func (n Nullable[T]) storable() (Value, error) {
	if !n.Valid {
		return Null(), nil
	}

	return From(n.V)
}

// Converter decodes and encodes one Go type against the tagged value
// representation.
type Converter[T any] struct {
	// Kind is the storage class values of T are written as.
	Kind Kind

	// Encode converts a Go value for storage.
	Encode func(T) Value

	// Decode converts a stored value back. It returns an error wrapping
	// [ErrMismatch] when the stored kind cannot represent T.
	Decode func(Value) (T, error)
}

// Conversion table, one entry per storable kind.
var (
	IntegerConverter = Converter[int64]{
		Kind:   KindInteger,
		Encode: Integer,
		Decode: func(v Value) (int64, error) {
			switch v.kind {
			case KindInteger:
				return v.i, nil
			case KindReal:
				if v.f != math.Trunc(v.f) || v.f < math.MinInt64 || v.f > math.MaxInt64 {
					return 0, mismatch(v, KindInteger)
				}

				return int64(v.f), nil
			default:
				return 0, mismatch(v, KindInteger)
			}
		},
	}

	RealConverter = Converter[float64]{
		Kind:   KindReal,
		Encode: Real,
		Decode: func(v Value) (float64, error) {
			f, ok := v.Float64()
			if !ok {
				return 0, mismatch(v, KindReal)
			}

			return f, nil
		},
	}

	TextConverter = Converter[string]{
		Kind:   KindText,
		Encode: Text,
		Decode: func(v Value) (string, error) {
			switch v.kind {
			case KindText:
				return v.s, nil
			case KindBlob:
				return string(v.b), nil
			default:
				return "", mismatch(v, KindText)
			}
		},
	}

	BlobConverter = Converter[[]byte]{
		Kind:   KindBlob,
		Encode: Blob,
		Decode: func(v Value) ([]byte, error) {
			switch v.kind {
			case KindBlob:
				b, _ := v.Bytes()

				return b, nil
			case KindText:
				return []byte(v.s), nil
			default:
				return nil, mismatch(v, KindBlob)
			}
		},
	}

	BoolConverter = Converter[bool]{
		Kind:   KindInteger,
		Encode: boolValue,
		Decode: func(v Value) (bool, error) {
			n, err := IntegerConverter.Decode(v)
			if err != nil {
				return false, err
			}

			return n != 0, nil
		},
	}
)

// NullableConverter lifts c so that NULL round-trips as an invalid Nullable.
func NullableConverter[T any](c Converter[T]) Converter[Nullable[T]] {
	return Converter[Nullable[T]]{
		Kind: c.Kind,
		Encode: func(n Nullable[T]) Value {
			if !n.Valid {
				return Null()
			}

			return c.Encode(n.V)
		},
		Decode: func(v Value) (Nullable[T], error) {
			if v.IsNull() {
				return Nullable[T]{}, nil
			}

			decoded, err := c.Decode(v)
			if err != nil {
				return Nullable[T]{}, err
			}

			return Some(decoded), nil
		},
	}
}

// EnumConverter stores a named integer type through the integer converter.
func EnumConverter[E ~int | ~int8 | ~int16 | ~int32 | ~int64]() Converter[E] {
	return Converter[E]{
		Kind:   KindInteger,
		Encode: func(e E) Value { return Integer(int64(e)) },
		Decode: func(v Value) (E, error) {
			n, err := IntegerConverter.Decode(v)
			if err != nil {
				return 0, err
			}

			return E(n), nil
		},
	}
}

// StringEnumConverter stores a named string type through the text converter.
func StringEnumConverter[E ~string]() Converter[E] {
	return Converter[E]{
		Kind:   KindText,
		Encode: func(e E) Value { return Text(string(e)) },
		Decode: func(v Value) (E, error) {
			s, err := TextConverter.Decode(v)
			if err != nil {
				return "", err
			}

			return E(s), nil
		},
	}
}

func mismatch(v Value, want Kind) error {
	return fmt.Errorf("%w: cannot decode %s as %s", ErrMismatch, v.kind, want)
}
