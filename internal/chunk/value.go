package chunk

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindStringList:
		return "string_list"
	default:
		return "invalid"
	}
}

// Value is a metadata value: a string, a number, a bool or a list of strings.
// The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// StringList returns a string list Value. The slice is copied.
func StringList(items ...string) Value {
	list := make([]string, len(items))
	copy(list, items)
	return Value{kind: KindStringList, list: list}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the bool and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// List returns a copy of the list and whether v is a string list.
func (v Value) List() ([]string, bool) {
	if v.kind != KindStringList {
		return nil, false
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out, true
}

// IsIntegral reports whether v is a number without a fractional part that
// fits in an int64.
func (v Value) IsIntegral() bool {
	if v.kind != KindNumber {
		return false
	}
	return IsIntegral(v.num)
}

// IsIntegral reports whether f has no fractional part and fits in an int64.
func IsIntegral(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

// Interface returns the plain Go value: string, float64, bool or []string.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindStringList:
		out, _ := v.List()
		return out
	default:
		return nil
	}
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindStringList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return nil, fmt.Errorf("chunk: cannot marshal invalid value")
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFromAny converts a decoded JSON or backend value into a Value.
// Lists must contain only strings. nil and nested objects are rejected.
func ValueFromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("chunk: invalid number %q: %w", x, err)
		}
		return Number(f), nil
	case []string:
		return StringList(x...), nil
	case []any:
		items := make([]string, 0, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("chunk: list element %d is %T, want string", i, item)
			}
			items = append(items, s)
		}
		return StringList(items...), nil
	default:
		return Value{}, fmt.Errorf("chunk: unsupported metadata value type %T", raw)
	}
}

// Metadata is a string-keyed map of closed metadata values.
type Metadata map[string]Value

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap converts the metadata to plain Go values.
func (m Metadata) ToMap() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

// MetadataFromMap converts plain values into Metadata. Entries with nil
// values are skipped; any other unsupported value is an error naming the key.
func MetadataFromMap(raw map[string]any) (Metadata, error) {
	md := make(Metadata, len(raw))
	for k, rv := range raw {
		if rv == nil {
			continue
		}
		v, err := ValueFromAny(rv)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}
