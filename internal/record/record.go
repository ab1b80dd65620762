// Package record models decoded semi-structured documents (typically JSON objects)
// as ordered, tagged values.
//
// A Record keeps its keys in insertion order. Key order is observable downstream:
// it decides the column order of every table produced from the record, so the
// decoder in this package preserves document order instead of going through
// map[string]any.
//
// A Value is exactly one of:
//   - Scalar: nil, bool, string, json.Number or a Go numeric type
//   - List:   an ordered slice of Values
//   - Record: a nested *Record
//
// Callers dispatch with a switch on Kind() rather than type assertions.
package record

import (
	"fmt"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindScalar Kind = iota
	KindList
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged variant. The zero Value is a null scalar.
type Value struct {
	kind   Kind
	scalar any
	list   []Value
	rec    *Record
}

// Scalar wraps a leaf value. Passing a Value, *Record or slice is a programming
// error; use Of for arbitrary Go values.
func Scalar(v any) Value { return Value{kind: KindScalar, scalar: v} }

// List wraps items as a list value.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Nested wraps r as a record value. A nil r becomes an empty record.
func Nested(r *Record) Value {
	if r == nil {
		r = New()
	}
	return Value{kind: KindRecord, rec: r}
}

func (v Value) Kind() Kind { return v.kind }

// Scalar returns the leaf value, or nil for lists and records.
func (v Value) Scalar() any {
	if v.kind != KindScalar {
		return nil
	}
	return v.scalar
}

// List returns the list items, or nil for scalars and records.
// The returned slice is shared with v.
func (v Value) List() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Record returns the nested record, or nil for scalars and lists.
func (v Value) Record() *Record {
	if v.kind != KindRecord {
		return nil
	}
	return v.rec
}

// IsNull reports whether v is a null scalar.
func (v Value) IsNull() bool { return v.kind == KindScalar && v.scalar == nil }

// Of converts a Go value into a Value.
//
// Conversion rules:
//   - Value and *Record are wrapped as-is.
//   - []any, []Value, []string, []map[string]any become lists.
//   - map[string]any becomes a record with keys sorted, since Go maps carry no order.
//   - everything else is a scalar.
func Of(v any) Value {
	switch t := v.(type) {
	case Value:
		return t
	case *Record:
		return Nested(t)
	case []Value:
		return List(t...)
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = Of(it)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = Scalar(it)
		}
		return List(items...)
	case []map[string]any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = Nested(FromMap(it))
		}
		return List(items...)
	case map[string]any:
		return Nested(FromMap(t))
	default:
		return Scalar(v)
	}
}

// Interface converts v back into plain Go values: scalars as-is, lists as []any,
// records as map[string]any. Key order is lost; use it for comparisons only.
func (v Value) Interface() any {
	switch v.kind {
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Interface()
		}
		return out
	case KindRecord:
		return v.rec.Map()
	default:
		return v.scalar
	}
}

// Field is one key/value pair of a Record.
type Field struct {
	Key   string
	Value Value
}

// F builds a Field, converting v with Of.
func F(key string, v any) Field { return Field{Key: key, Value: Of(v)} }

// Record is an ordered string-keyed mapping. The zero value is not usable; call New.
//
// Record is not safe for concurrent mutation.
type Record struct {
	keys []string
	vals map[string]Value
}

// New builds a record from fields in order. A repeated key keeps its first
// position and takes the last value.
func New(fields ...Field) *Record {
	r := &Record{
		keys: make([]string, 0, len(fields)),
		vals: make(map[string]Value, len(fields)),
	}
	for _, f := range fields {
		r.Set(f.Key, f.Value)
	}
	return r
}

// FromMap builds a record from m with keys in sorted order.
func FromMap(m map[string]any) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := &Record{keys: keys, vals: make(map[string]Value, len(m))}
	for _, k := range keys {
		r.vals[k] = Of(m[k])
	}
	return r
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Keys returns a copy of the keys in order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Set stores v under key. An existing key keeps its position; a new key is
// appended.
func (r *Record) Set(key string, v Value) {
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = v
}

// Delete removes key and reports whether it was present.
func (r *Record) Delete(key string) bool {
	if _, ok := r.vals[key]; !ok {
		return false
	}
	delete(r.vals, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns a shallow copy: nested records and list backing arrays are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return New()
	}
	out := &Record{
		keys: append(make([]string, 0, len(r.keys)), r.keys...),
		vals: make(map[string]Value, len(r.vals)),
	}
	for k, v := range r.vals {
		out.vals[k] = v
	}
	return out
}

// Fields returns the key/value pairs in order.
func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	out := make([]Field, len(r.keys))
	for i, k := range r.keys {
		out[i] = Field{Key: k, Value: r.vals[k]}
	}
	return out
}

// Map converts the record into plain Go values (see Value.Interface).
func (r *Record) Map() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.vals[k].Interface()
	}
	return out
}
