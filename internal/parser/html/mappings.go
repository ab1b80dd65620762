package html

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"unnest/internal/config"
)

// Mapping is one extraction rule.
type Mapping struct {
	// Selector is evaluated relative to the document, or to each record
	// container when a record selector is set.
	Selector string `json:"selector"`

	// Extract is "text" (default), "attr" or "html".
	Extract string `json:"extract,omitempty"`
	Attr    string `json:"attr,omitempty"`

	// JSONPath is the output key. Dots build nested records, so "addr.city"
	// yields {"addr": {"city": ...}}.
	JSONPath string `json:"json_path"`

	// Match optionally filters the extracted value with a regex. Group 1 is
	// used when the pattern has a capturing group.
	Match string `json:"match,omitempty"`

	// All collects every match into a list instead of taking the first.
	All bool `json:"all,omitempty"`
}

// MappingSet is the full parser configuration.
type MappingSet struct {
	// RecordSelector switches to record mode: one record per matched element.
	RecordSelector string    `json:"record_selector,omitempty"`
	Mappings       []Mapping `json:"mappings"`

	// SourceField, when set, receives the name of the input each record came from.
	SourceField string `json:"source_field,omitempty"`
}

// LoadMappingSet reads a mapping set from parser options. Mappings come
// inline under "mappings" or from the JSON file named by "mappings_file";
// inline "record_selector" and "source_field" override the file.
func LoadMappingSet(opts config.Options) (MappingSet, error) {
	var ms MappingSet

	if path := strings.TrimSpace(opts.String("mappings_file", "")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return MappingSet{}, fmt.Errorf("html: read mappings file: %w", err)
		}
		if err := json.Unmarshal(b, &ms); err != nil {
			return MappingSet{}, fmt.Errorf("html: parse mappings file: %w", err)
		}
	}

	if raw := opts.Any("mappings"); raw != nil {
		// Round-trip through JSON so inline mappings share the file's schema.
		b, err := json.Marshal(raw)
		if err != nil {
			return MappingSet{}, fmt.Errorf("html: encode inline mappings: %w", err)
		}
		if err := json.Unmarshal(b, &ms.Mappings); err != nil {
			return MappingSet{}, fmt.Errorf("html: parse inline mappings: %w", err)
		}
	}
	if s := opts.String("record_selector", ""); s != "" {
		ms.RecordSelector = s
	}
	if s := opts.String("source_field", ""); s != "" {
		ms.SourceField = s
	}

	return ms, ms.validate()
}

func (ms MappingSet) validate() error {
	if len(ms.Mappings) == 0 {
		return fmt.Errorf("html: no mappings")
	}
	for i, m := range ms.Mappings {
		if strings.TrimSpace(m.Selector) == "" {
			return fmt.Errorf("html: mappings[%d]: selector is required", i)
		}
		if strings.Trim(m.JSONPath, ". ") == "" {
			return fmt.Errorf("html: mappings[%d]: json_path is required", i)
		}
		switch m.Extract {
		case "", "text", "html":
		case "attr":
			if m.Attr == "" {
				return fmt.Errorf("html: mappings[%d]: attr extraction needs attr", i)
			}
		default:
			return fmt.Errorf("html: mappings[%d]: unknown extract %q (want text|attr|html)", i, m.Extract)
		}
	}
	return nil
}
