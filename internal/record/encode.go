package record

import (
	stdjson "encoding/json"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// MarshalJSON renders the record as a JSON object with keys in record order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	if err := writeRecord(&b, r); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// MarshalJSON renders v as JSON; nested records keep their key order.
func (v Value) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	if err := writeValue(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// String returns the canonical text form of the record: compact JSON in key order.
// Two records with the same keys, order and values always produce the same string.
func (r *Record) String() string {
	var b strings.Builder
	if err := writeRecord(&b, r); err != nil {
		return "!" + err.Error()
	}
	return b.String()
}

// String returns the canonical JSON form of v.
func (v Value) String() string {
	var b strings.Builder
	if err := writeValue(&b, v); err != nil {
		return "!" + err.Error()
	}
	return b.String()
}

// Text renders v as a single table cell: strings unquoted, null as "",
// numbers and booleans in their JSON spelling, lists and records as JSON.
func (v Value) Text() string {
	if v.kind != KindScalar {
		return v.String()
	}
	switch t := v.scalar.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		var b strings.Builder
		if err := writeScalar(&b, t); err != nil {
			return ""
		}
		return b.String()
	}
}

func writeRecord(b *strings.Builder, r *Record) error {
	b.WriteByte('{')
	if r != nil {
		for i, k := range r.keys {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeScalar(b, k); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := writeValue(b, r.vals[k]); err != nil {
				return err
			}
		}
	}
	b.WriteByte('}')
	return nil
}

func writeValue(b *strings.Builder, v Value) error {
	switch v.kind {
	case KindRecord:
		return writeRecord(b, v.rec)
	case KindList:
		b.WriteByte('[')
		for i, it := range v.list {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, it); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		return writeScalar(b, v.scalar)
	}
}

// writeScalar formats numbers and booleans directly. Strings, including
// every record key, and any other type are escaped by go-json.
func writeScalar(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case stdjson.Number:
		b.WriteString(t.String())
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(raw)
	}
	return nil
}
