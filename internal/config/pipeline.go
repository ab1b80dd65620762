// Package config holds the JSON pipeline configuration for an unnest job and
// its validation rules.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Pipeline is the top-level job description.
type Pipeline struct {
	Job     string  `json:"job"`
	Source  Source  `json:"source"`
	Parser  Parser  `json:"parser"`
	Unnest  Unnest  `json:"unnest"`
	Export  Export  `json:"export"`
	Storage Storage `json:"storage"`
	Runtime Runtime `json:"runtime"`
}

// Source says where input bytes come from.
type Source struct {
	// Kind is "file", "dir" or "http".
	Kind string      `json:"kind"`
	File *FileSource `json:"file,omitempty"`
	Dir  *DirSource  `json:"dir,omitempty"`
	HTTP *HTTPSource `json:"http,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

// DirSource reads every regular file in Path, in name order. Glob, when set,
// filters file names (filepath.Match syntax).
type DirSource struct {
	Path string `json:"path"`
	Glob string `json:"glob,omitempty"`
}

type HTTPSource struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Parser selects how input bytes become records.
type Parser struct {
	// Kind is "json" or "html".
	Kind    string  `json:"kind"`
	Options Options `json:"options"`
}

// Unnest configures the flattening engine.
type Unnest struct {
	PrimaryKey        string `json:"primary_key"`
	PrimaryTable      string `json:"primary_table"`
	SubKeyLabel       string `json:"sub_key_label,omitempty"`
	UnnestDicts       bool   `json:"unnest_dicts"`
	UnnestSimpleLists *bool  `json:"unnest_simple_lists,omitempty"`
	KeyStrategy       string `json:"key_strategy,omitempty"`
	MaxDepth          int    `json:"max_depth,omitempty"`
}

// SimpleLists reports unnest_simple_lists, which defaults to true.
func (u Unnest) SimpleLists() bool {
	return u.UnnestSimpleLists == nil || *u.UnnestSimpleLists
}

// Export configures the per-table output files.
type Export struct {
	Dir     string `json:"dir"`
	CSV     CSV    `json:"csv"`
	Parquet bool   `json:"parquet"`
}

type CSV struct {
	Comma    string `json:"comma,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	BOM      bool   `json:"bom,omitempty"`
}

// Storage optionally mirrors every table into a database.
type Storage struct {
	// Kind is "", "none", "sqlite", "postgres" or "mssql".
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`

	// Schema prefixes table names where the backend supports schemas.
	Schema string `json:"schema,omitempty"`

	// BatchSize caps rows per insert round trip.
	BatchSize int `json:"batch_size,omitempty"`
}

// Enabled reports whether a storage sink is configured.
func (s Storage) Enabled() bool { return s.Kind != "" && s.Kind != "none" }

// Runtime controls pipeline execution.
type Runtime struct {
	ChannelBuffer int `json:"channel_buffer"`

	// FailFast aborts the job on the first record that cannot be flattened.
	// Otherwise the record is logged, counted and skipped.
	FailFast bool `json:"fail_fast"`
}

// Decode reads a pipeline from r. Unknown fields are rejected so typos in
// option names surface early.
func Decode(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode pipeline: %w", err)
	}
	return p, nil
}

// Load reads and decodes the pipeline at path.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Decode(bytes.NewReader(b))
}

// ExpandEnv resolves ${VAR} references in the fields that usually carry
// secrets or host-specific paths.
func (p Pipeline) ExpandEnv() Pipeline {
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Export.Dir = os.ExpandEnv(p.Export.Dir)
	if p.Source.File != nil {
		f := *p.Source.File
		f.Path = os.ExpandEnv(f.Path)
		p.Source.File = &f
	}
	if p.Source.Dir != nil {
		d := *p.Source.Dir
		d.Path = os.ExpandEnv(d.Path)
		p.Source.Dir = &d
	}
	if p.Source.HTTP != nil {
		h := *p.Source.HTTP
		h.URL = os.ExpandEnv(h.URL)
		p.Source.HTTP = &h
	}
	return p
}
