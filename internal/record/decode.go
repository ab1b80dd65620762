package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeValue reads the next JSON value from dec, preserving object key order.
// dec should have UseNumber enabled so numbers arrive as json.Number.
func DecodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return DecodeFromToken(dec, tok)
}

// DecodeFromToken builds a Value for the current JSON value when its first
// token has already been consumed.
func DecodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return Scalar(tok), nil
	}

	switch d {
	case '{':
		r := New()
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return Value{}, fmt.Errorf("record: read object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return Value{}, fmt.Errorf("record: object key not string (got %T)", kt)
			}
			v, err := DecodeValue(dec)
			if err != nil {
				return Value{}, fmt.Errorf("record: read value of %q: %w", k, err)
			}
			r.Set(k, v)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return Value{}, err
		}
		return Nested(r), nil

	case '[':
		items := []Value{}
		for dec.More() {
			v, err := DecodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		if err := expectDelim(dec, ']'); err != nil {
			return Value{}, err
		}
		return List(items...), nil

	default:
		return Value{}, fmt.Errorf("record: unexpected delimiter %q", d)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("record: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("record: expected %q, got %v", want, end)
	}
	return nil
}

// Parse decodes a single JSON object into a Record.
func Parse(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := DecodeValue(dec)
	if err != nil {
		return nil, err
	}
	if v.Kind() != KindRecord {
		return nil, fmt.Errorf("record: want JSON object, got %s", v.Kind())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("record: trailing data after object")
	}
	return v.Record(), nil
}

// MustParse is Parse for tests and fixtures; it panics on error.
func MustParse(s string) *Record {
	r, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return r
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}
