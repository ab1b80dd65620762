package unnest

import (
	"fmt"

	"unnest/internal/record"
)

// InlineRecord flattens rec into a single level. Each key is prefixed with
// "<prefix>_" and nested records are expanded recursively, so
// {"a": {"b": {"c": 1}}} inlined under "x" yields x_a_b_c=1.
//
// Scalars and lists are returned untouched in depth-first key order. An empty
// prefix leaves top-level keys unprefixed.
func InlineRecord(prefix string, rec *record.Record) []record.Field {
	out, _ := inline(prefix, rec, -1)
	return out
}

// inline is InlineRecord with a depth budget; a negative budget is unlimited.
func inline(prefix string, rec *record.Record, budget int) ([]record.Field, error) {
	if budget == 0 {
		return nil, fmt.Errorf("%w: inlining %q", ErrMaxDepth, prefix)
	}
	var out []record.Field
	for _, f := range rec.Fields() {
		key := joinKey(prefix, f.Key)
		if f.Value.Kind() != record.KindRecord {
			out = append(out, record.Field{Key: key, Value: f.Value})
			continue
		}
		nested, err := inline(key, f.Value.Record(), budget-1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}
