// Package signal models the non-span observations produced by analyzers.
//
// Signals form a nested map addressed by dot-path (for example
// "security.prompt_injection"). Values are a closed sum type rather than
// bare interface{} so that rule evaluation never reflects over arbitrary
// shapes at scan time.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind enumerates the value shapes a signal can take.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindStr
	KindList
	KindMap
)

// Value is an immutable signal value.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null is the value of any missing signal path.
func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value    { return Value{kind: KindBool, b: b} }
func Num(n float64) Value  { return Value{kind: KindNum, n: n} }
func Str(s string) Value   { return Value{kind: KindStr, s: s} }
func List(vs ...Value) Value {
	return Value{kind: KindList, list: vs}
}

// Strings builds a list value from plain strings.
func Strings(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = Str(s)
	}
	return List(vs...)
}

// Map builds a map value. The input map is not copied; callers must not
// mutate it afterwards.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the shape of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null signal.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsNum() (float64, bool)   { return v.n, v.kind == KindNum }
func (v Value) AsStr() (string, bool)    { return v.s, v.kind == KindStr }
func (v Value) AsList() ([]Value, bool)  { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Get resolves a dot-path against a map value. Any miss along the path
// yields Null, never an error.
func (v Value) Get(path string) Value {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.AsMap()
		if !ok {
			return Null()
		}
		next, ok := m[part]
		if !ok {
			return Null()
		}
		cur = next
	}
	return cur
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNum:
		return v.n == o.n
	case KindStr:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, val := range v.m {
			ov, ok := o.m[k]
			if !ok || !val.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Contains implements the DSL "contains" operator: membership for lists,
// substring for strings, false for everything else.
func (v Value) Contains(needle Value) bool {
	switch v.kind {
	case KindList:
		for _, el := range v.list {
			if el.Equal(needle) {
				return true
			}
		}
		return false
	case KindStr:
		ns, ok := needle.AsStr()
		return ok && strings.Contains(v.s, ns)
	default:
		return false
	}
}

// FromAny converts a JSON-decoded value into a Value. Unsupported shapes
// (e.g. channels, funcs) are rejected.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Num(t), nil
	case int:
		return Num(float64(t)), nil
	case int64:
		return Num(float64(t)), nil
	case string:
		return Str(t), nil
	case []any:
		vs := make([]Value, len(t))
		for i, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Null(), err
			}
			vs[i] = v
		}
		return List(vs...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Map(m), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Num(f), nil
	default:
		return Null(), fmt.Errorf("unsupported signal value of type %T", x)
	}
}

// ToAny converts a Value back into plain JSON-compatible data, used when
// signals are persisted or handed to the CEL evaluator.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNum:
		return v.n
	case KindStr:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, el := range v.list {
			out[i] = el.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, el := range v.m {
			out[k] = el.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON renders the value as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}
