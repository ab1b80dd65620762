package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Options is a free-form option bag attached to parsers and exporters.
// Values arrive from JSON, so numbers are float64 and nested objects are
// map[string]any. The helpers coerce loosely and fall back to def.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns key as a string. Numbers and bools are formatted.
func (o Options) String(key, def string) string {
	switch v := o.Any(key).(type) {
	case nil:
		return def
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns key as a bool. Strings like "true", "1" and "yes" are accepted.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			return true
		case "false", "0", "no", "n", "off":
			return false
		}
	case float64:
		return v != 0
	}
	return def
}

// Int returns key as an int. Fractions are truncated.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string option such as a CSV delimiter.
// The escapes "\t" and "tab" mean a tab character.
func (o Options) Rune(key string, def rune) rune {
	s := o.String(key, "")
	switch s {
	case "":
		return def
	case `\t`, "tab":
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// StringMap returns key as a map of strings; non-string values are skipped.
func (o Options) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch m := o.Any(key).(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// Strings returns key as a list of strings. A single string becomes a one
// element list.
func (o Options) Strings(key string) []string {
	switch v := o.Any(key).(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
