package value

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// ErrUnsupported is returned when a Go value has no storable representation.
var ErrUnsupported = errors.New("value cannot be stored")

// timeFormat is the text layout used for [time.Time] arguments. It matches
// the first layout the sqlite3 driver parses back for DATETIME columns.
const timeFormat = "2006-01-02 15:04:05.999999999-07:00"

// From converts a Go value into a [Value].
//
// Conversion table:
//
//	nil, nil pointer, invalid Nullable      -> NULL
//	Value                                    -> itself
//	signed and unsigned integers, bool       -> INTEGER (uint64 above MaxInt64 fails)
//	float32, float64                         -> REAL
//	string                                   -> TEXT
//	[]byte                                   -> BLOB (nil []byte is a zero-length blob)
//	time.Time                                -> TEXT in timeFormat
//	driver.Valuer                            -> converted result of Value()
//	pointers                                 -> converted pointee
//
// Named types whose underlying kind is one of the above (string or integer
// enums, for example) convert like their underlying kind. Anything else
// returns an error wrapping [ErrUnsupported].
func From(arg any) (Value, error) {
	switch v := arg.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case Key:
		return v.Value(), nil
	case int64:
		return Integer(v), nil
	case int:
		return Integer(int64(v)), nil
	case int32:
		return Integer(int64(v)), nil
	case float64:
		return Real(v), nil
	case string:
		return Text(v), nil
	case []byte:
		return Blob(v), nil
	case bool:
		return boolValue(v), nil
	case time.Time:
		return Text(v.Format(timeFormat)), nil
	case nullable:
		return v.storable()
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %T: %w", ErrUnsupported, arg, err)
		}

		if _, isValuer := dv.(driver.Valuer); isValuer {
			return Value{}, fmt.Errorf("%w: %T returns another driver.Valuer", ErrUnsupported, arg)
		}

		return From(dv)
	}

	return fromReflect(reflect.ValueOf(arg))
}

// MustFrom is like [From] but panics on unsupported values. For literals in
// tests and examples.
func MustFrom(arg any) Value {
	v, err := From(arg)
	if err != nil {
		panic(err)
	}

	return v
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}

		return From(rv.Elem().Interface())
	case reflect.Bool:
		return boolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Integer(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: unsigned integer %d overflows int64", ErrUnsupported, u)
		}

		return Integer(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Real(rv.Float()), nil
	case reflect.String:
		return Text(rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Blob(rv.Bytes()), nil
		}
	case reflect.Invalid:
		return Null(), nil
	}

	return Value{}, fmt.Errorf("%w: %s", ErrUnsupported, rv.Type())
}

func boolValue(b bool) Value {
	if b {
		return Integer(1)
	}

	return Integer(0)
}

// FromDriver converts a value produced by the sqlite3 driver into a [Value].
//
// The driver yields int64, float64, string (TEXT), []byte (BLOB, non-nil even
// when empty), time.Time (TEXT in DATETIME-declared columns) or nil.
func FromDriver(src any) (Value, error) {
	switch v := src.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(v), nil
	case float64:
		return Real(v), nil
	case string:
		return Text(v), nil
	case []byte:
		return Blob(v), nil
	case bool:
		return boolValue(v), nil
	case time.Time:
		return Text(v.Format(timeFormat)), nil
	default:
		return Value{}, fmt.Errorf("unexpected driver value of type %T", src)
	}
}
