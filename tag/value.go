package tag

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

// Value is a typed tag value. The Type field selects which data field
// is meaningful. Replaces the untyped byte stuffing of raw register
// payloads with an explicit tagged union.
type Value struct {
	Type  Type
	Bol   bool
	I64   int64
	U64   uint64
	F64   float64
	Str   string
	Bytes []byte
}

// BoolValue returns a BOOL value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, Bol: b} }

// IntValue returns a signed integer value of the given width type.
func IntValue(t Type, v int64) Value { return Value{Type: t, I64: v} }

// UintValue returns an unsigned integer value of the given width type.
func UintValue(t Type, v uint64) Value { return Value{Type: t, U64: v} }

// FloatValue returns a FLOAT or DOUBLE value.
func FloatValue(t Type, v float64) Value { return Value{Type: t, F64: v} }

// StringValue returns a STRING value.
func StringValue(s string) Value { return Value{Type: TypeString, Str: s} }

// BytesValue returns a BYTES value.
func BytesValue(b []byte) Value {
	d := make([]byte, len(b))
	copy(d, b)
	return Value{Type: TypeBytes, Bytes: d}
}

// Interface returns the natural Go representation, the form used in
// JSON payloads on the northbound side.
func (v Value) Interface() interface{} {
	switch v.Type {
	case TypeBool:
		return v.Bol
	case TypeBit, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.I64
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeWord, TypeDword, TypeLword:
		return v.U64
	case TypeFloat, TypeDouble:
		return v.F64
	case TypeString:
		return v.Str
	case TypeBytes:
		return v.Bytes
	default:
		return nil
	}
}

// MarshalJSON renders the value as its natural JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Equal compares two values of the same type.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeBool:
		return v.Bol == o.Bol
	case TypeBit, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.I64 == o.I64
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeWord, TypeDword, TypeLword:
		return v.U64 == o.U64
	case TypeFloat, TypeDouble:
		return v.F64 == o.F64
	case TypeString:
		return v.Str == o.Str
	case TypeBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	}
	return false
}

// intRange returns the inclusive range for signed integer types.
func intRange(t Type) (int64, int64, bool) {
	switch t {
	case TypeInt8:
		return math.MinInt8, math.MaxInt8, true
	case TypeInt16:
		return math.MinInt16, math.MaxInt16, true
	case TypeInt32:
		return math.MinInt32, math.MaxInt32, true
	case TypeInt64:
		return math.MinInt64, math.MaxInt64, true
	case TypeBit:
		return 0, 1, true
	}
	return 0, 0, false
}

func uintMax(t Type) (uint64, bool) {
	switch t {
	case TypeUint8:
		return math.MaxUint8, true
	case TypeUint16, TypeWord:
		return math.MaxUint16, true
	case TypeUint32, TypeDword:
		return math.MaxUint32, true
	case TypeUint64, TypeLword:
		return math.MaxUint64, true
	}
	return 0, false
}

// ValueFromJSON converts a decoded JSON value (as produced by
// encoding/json into interface{}) to a Value of the declared type.
// This is the write-path conversion: northbound clients send loosely
// typed JSON, drivers need the native type.
func ValueFromJSON(t Type, raw interface{}) (Value, error) {
	switch t {
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect bool, got %T", t, raw)
		}
		return BoolValue(b), nil

	case TypeBit, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect number, got %T", t, raw)
		}
		n := int64(f)
		if float64(n) != f {
			return Value{}, fmt.Errorf("type %s: %v is not an integer", t, f)
		}
		lo, hi, _ := intRange(t)
		if n < lo || n > hi {
			return Value{}, fmt.Errorf("type %s: %d out of range [%d, %d]", t, n, lo, hi)
		}
		return IntValue(t, n), nil

	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeWord, TypeDword, TypeLword:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect number, got %T", t, raw)
		}
		if f < 0 {
			return Value{}, fmt.Errorf("type %s: %v is negative", t, f)
		}
		n := uint64(f)
		if float64(n) != f {
			return Value{}, fmt.Errorf("type %s: %v is not an integer", t, f)
		}
		max, _ := uintMax(t)
		if n > max {
			return Value{}, fmt.Errorf("type %s: %d exceeds %d", t, n, max)
		}
		return UintValue(t, n), nil

	case TypeFloat, TypeDouble:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect number, got %T", t, raw)
		}
		return FloatValue(t, f), nil

	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect string, got %T", t, raw)
		}
		if !utf8.ValidString(s) {
			return Value{}, fmt.Errorf("type %s: invalid utf-8", t)
		}
		return StringValue(s), nil

	case TypeBytes:
		// JSON arrays of numbers decode as []interface{}.
		arr, ok := raw.([]interface{})
		if !ok {
			return Value{}, fmt.Errorf("type %s: expect byte array, got %T", t, raw)
		}
		b := make([]byte, len(arr))
		for i, e := range arr {
			f, ok := e.(float64)
			if !ok || f < 0 || f > 255 || float64(byte(f)) != f {
				return Value{}, fmt.Errorf("type %s: element %d is not a byte", t, i)
			}
			b[i] = byte(f)
		}
		return Value{Type: TypeBytes, Bytes: b}, nil
	}
	return Value{}, fmt.Errorf("unsupported type %s", t)
}

// UnmarshalValueJSON decodes raw JSON text into a Value of the
// declared type.
func UnmarshalValueJSON(t Type, data []byte) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	return ValueFromJSON(t, raw)
}
