package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the payload value types.
// Only Null, String, Int, Bool, Array and Object implement it.
type Value interface {
	value()
}

// Null is an explicit JSON null. It decodes from the wire but is rejected by
// canonical encoding, so a payload containing it cannot be hashed.
type Null struct{}

// String is a string payload value.
type String string

// Int is an integer payload value. Always int64.
type Int int64

// Bool is a boolean payload value.
type Bool bool

// Array is an ordered list of values.
type Array []Value

// Object maps string keys to values. Use SortedKeys for deterministic
// iteration.
type Object map[string]Value

func (Null) value()   {}
func (String) value() {}
func (Int) value()    {}
func (Bool) value()   {}
func (Array) value()  {}
func (Object) value() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Strs builds an Array of String values.
func Strs(ss ...string) Array {
	arr := make(Array, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return arr
}

// Str returns the string stored under key.
func (o Object) Str(key string) (string, bool) {
	v, ok := o[key].(String)
	return string(v), ok
}

// Int returns the integer stored under key.
func (o Object) Int(key string) (int64, bool) {
	v, ok := o[key].(Int)
	return int64(v), ok
}

// Bool returns the boolean stored under key.
func (o Object) Bool(key string) (bool, bool) {
	v, ok := o[key].(Bool)
	return bool(v), ok
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string order compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
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
	default:
		return a == b
	}
}

// ToAny converts a value into plain Go types (map[string]any, []any,
// string, int64, bool, nil). Used to hand payloads to encoders that do not
// know the sealed types.
func ToAny(v Value) any {
	switch val := v.(type) {
	case Object:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = ToAny(e)
		}
		return m
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	default:
		return nil
	}
}

// FromAny converts plain Go values into a Value. Floats are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in payloads: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not allowed in payloads: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, e := range val {
			ev, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, e := range val {
			ev, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", v)
	}
}

// ObjectFromMap is FromAny for the common top-level case.
func ObjectFromMap(m map[string]any) (Object, error) {
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

// MarshalJSON writes keys in canonical order. This is the wire encoding, not
// the digest encoding: use MarshalCanonical for hashing.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalValue(o[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (a Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := marshalValue(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		return val.MarshalJSON()
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type %T", v)
	}
}

// UnmarshalJSON decodes an object, rejecting floats.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case Object:
		*o = val
	case Null:
		*o = nil
	default:
		return fmt.Errorf("payload must be a JSON object, got %T", v)
	}
	return nil
}

// UnmarshalJSON decodes an array, rejecting floats.
func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	arr, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*a = arr
	return nil
}

// DecodeValue parses JSON into a Value. Numbers must be integers.
func DecodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}
