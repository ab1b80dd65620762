package config

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is a dotted location in the config.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var keyStrategies = map[string]bool{"": true, "content_hash": true, "sequence": true, "uuid": true}

// ValidatePipeline checks p for missing and contradictory settings. It never
// touches the filesystem or network.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		add(SeverityWarning, "job", "job name is empty; metrics will use a default")
	}

	switch p.Source.Kind {
	case "file":
		if p.Source.File == nil || strings.TrimSpace(p.Source.File.Path) == "" {
			add(SeverityError, "source.file.path", "required for source kind file")
		}
	case "dir":
		if p.Source.Dir == nil || strings.TrimSpace(p.Source.Dir.Path) == "" {
			add(SeverityError, "source.dir.path", "required for source kind dir")
		}
	case "http":
		if p.Source.HTTP == nil || strings.TrimSpace(p.Source.HTTP.URL) == "" {
			add(SeverityError, "source.http.url", "required for source kind http")
		}
	case "":
		add(SeverityError, "source.kind", "required (file|dir|http)")
	default:
		add(SeverityError, "source.kind", "unknown source kind %q (want file|dir|http)", p.Source.Kind)
	}

	switch p.Parser.Kind {
	case "json":
	case "html":
		if p.Parser.Options.Any("mappings") == nil && p.Parser.Options.String("mappings_file", "") == "" {
			add(SeverityError, "parser.options.mappings", "html parser needs mappings or mappings_file")
		}
	case "":
		add(SeverityError, "parser.kind", "required (json|html)")
	default:
		add(SeverityError, "parser.kind", "unknown parser kind %q (want json|html)", p.Parser.Kind)
	}

	u := p.Unnest
	if strings.TrimSpace(u.PrimaryKey) == "" {
		add(SeverityError, "unnest.primary_key", "required")
	}
	if strings.TrimSpace(u.PrimaryTable) == "" {
		add(SeverityError, "unnest.primary_table", "required")
	} else if strings.Contains(u.PrimaryTable, ".") {
		add(SeverityWarning, "unnest.primary_table", "contains '.'; sub-table names will be ambiguous")
	}
	if !keyStrategies[strings.ToLower(strings.TrimSpace(u.KeyStrategy))] {
		add(SeverityError, "unnest.key_strategy", "unknown key strategy %q (want content_hash|sequence|uuid)", u.KeyStrategy)
	}
	if u.MaxDepth < 0 {
		add(SeverityError, "unnest.max_depth", "must be >= 0")
	}

	if strings.TrimSpace(p.Export.Dir) == "" && !p.Storage.Enabled() {
		add(SeverityError, "export.dir", "required when no storage is configured")
	}
	if c := p.Export.CSV.Comma; c != "" && c != `\t` && c != "tab" && utf8.RuneCountInString(c) != 1 {
		add(SeverityError, "export.csv.comma", "must be a single character, got %q", c)
	}
	if enc := p.Export.CSV.Encoding; enc != "" {
		if _, err := htmlindex.Get(enc); err != nil {
			add(SeverityError, "export.csv.encoding", "unknown encoding %q", enc)
		}
	}
	if p.Export.Parquet && strings.TrimSpace(p.Export.Dir) == "" {
		add(SeverityError, "export.parquet", "parquet output needs export.dir")
	}

	switch p.Storage.Kind {
	case "", "none":
	case "sqlite", "postgres", "mssql":
		if strings.TrimSpace(p.Storage.DSN) == "" {
			add(SeverityError, "storage.dsn", "required for storage kind %s", p.Storage.Kind)
		}
	default:
		add(SeverityError, "storage.kind", "unknown storage kind %q (want sqlite|postgres|mssql|none)", p.Storage.Kind)
	}
	if p.Storage.BatchSize < 0 {
		add(SeverityError, "storage.batch_size", "must be >= 0")
	}

	if p.Runtime.ChannelBuffer < 0 {
		add(SeverityError, "runtime.channel_buffer", "must be >= 0")
	}

	return issues
}
