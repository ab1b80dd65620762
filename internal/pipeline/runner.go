// Package pipeline runs an unnest job end to end: read documents from the
// configured source, parse them into records, flatten every record into a
// table registry and export the tables.
//
// All registry mutation happens on the goroutine calling Run. Parsing runs on
// a second goroutine feeding a buffered channel.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"unnest/internal/config"
	"unnest/internal/export"
	"unnest/internal/metrics"
	htmlparser "unnest/internal/parser/html"
	jsonparser "unnest/internal/parser/json"
	"unnest/internal/record"
	"unnest/internal/storage"
	"unnest/internal/unnest"
)

// DefaultChannelBuffer is the record channel capacity when unset.
const DefaultChannelBuffer = 256

// Runner executes pipelines. Fields are seams; NewDefaultRunner fills them.
type Runner struct {
	// NewRepository opens the storage sink when storage is enabled.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// HTTPClient serves http sources. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewDefaultRunner returns a Runner using the registered storage backends.
func NewDefaultRunner() *Runner {
	return &Runner{
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			return storage.New(ctx, cfg)
		},
	}
}

// Result summarizes a run.
type Result struct {
	// Records is the number of records read; Flattened + Failed == Records.
	Records   int
	Flattened int
	Failed    int

	Export export.Report
}

// recordStream parses documents into a record channel.
type recordStream func(ctx context.Context, in input, rc io.Reader, out chan<- *record.Record) error

// Run executes cfg. The returned Result is meaningful even on error.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (Result, error) {
	var res Result
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.ExpandEnv()
	for _, iss := range config.ValidatePipeline(cfg) {
		if iss.Severity == config.SeverityError {
			return res, fmt.Errorf("pipeline: invalid config: %s", iss)
		}
		log.Warn("pipeline: config warning", "path", iss.Path, "msg", iss.Message)
	}

	opts, err := flattenOptions(cfg.Unnest)
	if err != nil {
		return res, fmt.Errorf("pipeline: %w", err)
	}
	parse, err := r.parser(cfg.Parser, log)
	if err != nil {
		return res, fmt.Errorf("pipeline: parser: %w", err)
	}
	inputs, err := r.inputs(cfg.Source)
	if err != nil {
		return res, fmt.Errorf("pipeline: source: %w", err)
	}

	reg := unnest.NewRegistry(cfg.Unnest.PrimaryKey, unnest.NewTable(cfg.Unnest.PrimaryTable))

	start := time.Now()
	err = r.flattenAll(ctx, cfg.Runtime, inputs, parse, reg, opts, &res, log)
	metrics.RecordStep("flatten", start, err)
	if err != nil {
		return res, err
	}
	log.Info("stage=flatten ok", "duration", time.Since(start).Truncate(time.Millisecond),
		"records", res.Records, "flattened", res.Flattened, "failed", res.Failed,
		"tables", len(reg.Tables()))
	countRows(reg)

	start = time.Now()
	res.Export, err = r.export(ctx, cfg, reg, log)
	metrics.RecordStep("export", start, err)
	if err != nil {
		return res, err
	}
	log.Info("stage=export ok", "duration", time.Since(start).Truncate(time.Millisecond),
		"files", len(res.Export.Files), "rows", res.Export.Rows, "warnings", len(res.Export.Warnings))
	return res, nil
}

// flattenAll parses inputs on a producer goroutine and flattens on this one.
func (r *Runner) flattenAll(
	ctx context.Context,
	rt config.Runtime,
	inputs []input,
	parse recordStream,
	reg *unnest.Registry,
	opts unnest.Options,
	res *Result,
	log *slog.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	buf := rt.ChannelBuffer
	if buf <= 0 {
		buf = DefaultChannelBuffer
	}
	recs := make(chan *record.Record, buf)
	errc := make(chan error, 1)

	go func() {
		defer close(recs)
		errc <- produce(ctx, inputs, parse, recs)
	}()

	var flattenErr error
	for rec := range recs {
		if flattenErr != nil {
			continue // drain so the producer can exit
		}
		res.Records++
		metrics.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "read"})

		if err := reg.Flatten(rec, opts); err != nil {
			res.Failed++
			metrics.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "failed"})
			if rt.FailFast {
				flattenErr = fmt.Errorf("pipeline: record %d: %w", res.Records, err)
				cancel()
				continue
			}
			log.Warn("pipeline: record skipped", "record", res.Records, "err", err)
			continue
		}
		res.Flattened++
		metrics.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "flattened"})
	}

	perr := <-errc
	if flattenErr != nil {
		return flattenErr
	}
	if perr != nil {
		return fmt.Errorf("pipeline: read: %w", perr)
	}
	return nil
}

func produce(ctx context.Context, inputs []input, parse recordStream, out chan<- *record.Record) error {
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := readInput(ctx, in, parse, out); err != nil {
			return err
		}
	}
	return nil
}

func readInput(ctx context.Context, in input, parse recordStream, out chan<- *record.Record) error {
	start := time.Now()
	rc, err := in.open(ctx)
	if err != nil {
		metrics.RecordStep("read", start, err)
		return fmt.Errorf("open %s: %w", in.name, err)
	}
	defer rc.Close()

	err = parse(ctx, in, rc, out)
	metrics.RecordStep("read", start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", in.name, err)
	}
	return nil
}

// parser builds the record stream for p.
func (r *Runner) parser(p config.Parser, log *slog.Logger) (recordStream, error) {
	switch p.Kind {
	case "json":
		return func(ctx context.Context, in input, rc io.Reader, out chan<- *record.Record) error {
			return jsonparser.StreamRecords(ctx, rc, p.Options, out, func(line int, err error) {
				log.Error("pipeline: parse error", "source", in.name, "record", line, "err", err)
			})
		}, nil

	case "html":
		ms, err := htmlparser.LoadMappingSet(p.Options)
		if err != nil {
			return nil, err
		}
		x, err := htmlparser.NewExtractor(ms)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, in input, rc io.Reader, out chan<- *record.Record) error {
			return x.StreamRecords(ctx, rc, in.name, out)
		}, nil

	default:
		return nil, fmt.Errorf("unsupported parser.kind=%q", p.Kind)
	}
}

func flattenOptions(u config.Unnest) (unnest.Options, error) {
	keys, err := unnest.KeyStrategy(u.KeyStrategy)
	if err != nil {
		return unnest.Options{}, err
	}
	return unnest.Options{
		SubKeyLabel:       u.SubKeyLabel,
		UnnestDicts:       u.UnnestDicts,
		UnnestSimpleLists: u.SimpleLists(),
		Keys:              keys,
		MaxDepth:          u.MaxDepth,
	}, nil
}

func countRows(reg *unnest.Registry) {
	if n := len(reg.Primary.Rows); n > 0 {
		metrics.IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"table_kind": "primary"})
	}
	var sub int
	for _, t := range reg.SubTables() {
		sub += len(t.Rows)
	}
	if sub > 0 {
		metrics.IncCounter(metrics.RowsTotal, float64(sub), metrics.Labels{"table_kind": "sub"})
	}
}

func (r *Runner) export(ctx context.Context, cfg config.Pipeline, reg *unnest.Registry, log *slog.Logger) (export.Report, error) {
	opts := export.Options{
		Dir:       cfg.Export.Dir,
		Comma:     config.Options{"comma": cfg.Export.CSV.Comma}.Rune("comma", ','),
		Encoding:  cfg.Export.CSV.Encoding,
		BOM:       cfg.Export.CSV.BOM,
		Parquet:   cfg.Export.Parquet,
		BatchSize: cfg.Storage.BatchSize,
		Logger:    log,
	}

	if cfg.Storage.Enabled() {
		if r.NewRepository == nil {
			return export.Report{}, fmt.Errorf("pipeline: storage.kind=%s but no repository factory", cfg.Storage.Kind)
		}
		repo, err := r.NewRepository(ctx, storage.Config{
			Kind:   cfg.Storage.Kind,
			DSN:    cfg.Storage.DSN,
			Schema: cfg.Storage.Schema,
		})
		if err != nil {
			return export.Report{}, fmt.Errorf("pipeline: open storage: %w", err)
		}
		defer repo.Close()
		opts.Storage = repo
	}

	e, err := export.New(opts)
	if err != nil {
		return export.Report{}, fmt.Errorf("pipeline: %w", err)
	}
	rep, err := e.Export(ctx, reg)
	if err != nil {
		return rep, fmt.Errorf("pipeline: export: %w", err)
	}
	return rep, nil
}
