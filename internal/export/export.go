// Package export writes the tables of an unnest.Registry to disk and,
// optionally, to a SQL storage backend.
//
// Each table becomes "<dir>/<name>.csv": a header row followed by one line per
// row, with missing cells written as empty fields. When Parquet is enabled a
// "<dir>/<name>.parquet" sibling is produced from the same rows.
//
// Failures are handled per table: a table that cannot be written is reported
// in Report.Warnings and the remaining tables are still exported.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"unnest/internal/metrics"
	"unnest/internal/record"
	"unnest/internal/storage"
	"unnest/internal/unnest"
)

// Options controls where and how tables are written.
type Options struct {
	// Dir receives the CSV and Parquet files. Empty disables file output.
	Dir string

	// Comma is the CSV field delimiter. Zero means ','.
	Comma rune

	// Encoding is a WHATWG label such as "utf-8" or "windows-1252". Empty
	// means utf-8.
	Encoding string

	// BOM prefixes utf-8 files with a byte order mark.
	BOM bool

	// Parquet writes a .parquet file next to every CSV.
	Parquet bool

	// Storage, when set, receives every table as well.
	Storage   storage.Repository
	BatchSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Report summarizes one export.
type Report struct {
	Files    []string
	Tables   int
	Rows     int64
	Stored   int64
	Warnings []string
}

// Exporter writes registries according to Options.
type Exporter struct {
	opts Options
	csv  csvFormat

	// toParquet is a seam so tests can run without the duckdb engine.
	toParquet func(ctx context.Context, path string, headers []string, rows [][]string) error
}

// New validates opts and returns an Exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Dir == "" && opts.Storage == nil {
		return nil, fmt.Errorf("export: no output directory and no storage configured")
	}
	f, err := newCSVFormat(opts.Comma, opts.Encoding, opts.BOM)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Exporter{opts: opts, csv: f, toParquet: writeParquet}, nil
}

// Export writes the primary table first, then every sub-table in creation
// order. The returned error is reserved for failures that stop the whole
// export: an unusable output directory or a cancelled context.
func (e *Exporter) Export(ctx context.Context, reg *unnest.Registry) (Report, error) {
	return e.ExportTables(ctx, reg.Tables())
}

// ExportTables writes tables in the order given.
func (e *Exporter) ExportTables(ctx context.Context, tables []*unnest.Table) (Report, error) {
	var rep Report
	if e.opts.Dir != "" {
		if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
			return rep, fmt.Errorf("export: create dir %s: %w", e.opts.Dir, err)
		}
	}

	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Tables++
		rep.Rows += int64(len(t.Rows))
		e.exportTable(ctx, t, &rep)
	}
	return rep, nil
}

func (e *Exporter) exportTable(ctx context.Context, t *unnest.Table, rep *Report) {
	cells := Cells(t)

	if e.opts.Dir != "" {
		e.writeFiles(ctx, t, cells, rep)
	}

	if e.opts.Storage != nil {
		start := time.Now()
		n, err := storage.WriteTable(ctx, e.opts.Storage, t.Name, t.Headers, storageRows(cells, t.Rows, t.Headers), e.opts.BatchSize)
		metrics.RecordStep("export_storage", start, err)
		rep.Stored += n
		if err != nil {
			e.warn(rep, "storage", t.Name, err)
		}
	}
}

// writeFiles writes the CSV file of t and, when enabled, its Parquet sibling.
func (e *Exporter) writeFiles(ctx context.Context, t *unnest.Table, cells [][]string, rep *Report) {
	path, err := tablePath(e.opts.Dir, t.Name, ".csv")
	if err != nil {
		e.warn(rep, "csv", t.Name, err)
		return
	}
	start := time.Now()
	err = e.csv.writeFile(path, t.Headers, cells)
	metrics.RecordStep("export_csv", start, err)
	if err != nil {
		e.warn(rep, "csv", t.Name, err)
	} else {
		rep.Files = append(rep.Files, path)
		e.opts.Logger.Debug("export: wrote csv", "table", t.Name, "rows", len(cells), "path", path)
	}

	if e.opts.Parquet && len(t.Headers) > 0 {
		path := strings.TrimSuffix(path, ".csv") + ".parquet"
		start := time.Now()
		err := e.toParquet(ctx, path, t.Headers, cells)
		metrics.RecordStep("export_parquet", start, err)
		if err != nil {
			e.warn(rep, "parquet", t.Name, err)
		} else {
			rep.Files = append(rep.Files, path)
		}
	}
}

// tablePath returns the file for table name inside dir. Table names derive
// from input keys, so names that could leave dir are refused.
func tablePath(dir, name, ext string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("table name %q is not a valid file name", name)
	}
	path := filepath.Join(dir, name+ext)
	if rel, err := filepath.Rel(dir, path); err != nil || rel != filepath.Base(path) {
		return "", fmt.Errorf("table name %q resolves outside %s", name, dir)
	}
	return path, nil
}

func (e *Exporter) warn(rep *Report, format, table string, err error) {
	msg := fmt.Sprintf("%s %s: %v", format, table, err)
	rep.Warnings = append(rep.Warnings, msg)
	metrics.IncCounter(metrics.ExportWarningsTotal, 1, metrics.Labels{"format": format})
	e.opts.Logger.Warn("export: table skipped", "format", format, "table", table, "err", err)
}

// Cells renders the rows of t against its headers. Missing cells are empty
// strings; present values use record.Value.Text.
func Cells(t *unnest.Table) [][]string {
	out := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		line := make([]string, len(t.Headers))
		for j, h := range t.Headers {
			if v, ok := row.Get(h); ok {
				line[j] = v.Text()
			}
		}
		out[i] = line
	}
	return out
}

// storageRows turns rendered cells into driver arguments. Absent and null
// cells become SQL NULL.
func storageRows(cells [][]string, rows []*record.Record, headers []string) [][]any {
	out := make([][]any, len(cells))
	for i, line := range cells {
		args := make([]any, len(line))
		for j, c := range line {
			v, ok := rows[i].Get(headers[j])
			if !ok || v.IsNull() {
				continue
			}
			args[j] = c
		}
		out[i] = args
	}
	return out
}
