// Command unnest flattens nested JSON (or HTML-extracted) records into a
// primary table plus linked sub-tables and writes them as CSV, Parquet and/or
// database tables.
//
// Usage:
//
//	unnest -config pipeline.json [-env-file .env] [-metrics-backend none|datadog] [-log-dir output] [-validate] [-v]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"unnest/internal/bootstrap"
	"unnest/internal/config"
	"unnest/internal/logging"
	"unnest/internal/metrics"
	"unnest/internal/metrics/datadog"
	"unnest/internal/pipeline"

	// register all backends with the storage factory.
	_ "unnest/internal/storage/all"
)

// runner is the pipeline seam used by runMain.
type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (pipeline.Result, error)
}

// appDeps are the side effects runMain performs, replaceable in tests.
type appDeps struct {
	loadEnv     func(files []string) error
	readFile    func(path string) ([]byte, error)
	unmarshal   func(data []byte, v any) error
	newRunner   func(logger *slog.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv: func(files []string) error {
			return bootstrap.LoadEnv(files, false, false)
		},
		readFile:  os.ReadFile,
		unmarshal: decodePipeline,
		newRunner: func(logger *slog.Logger) runner {
			r := pipeline.NewDefaultRunner()
			r.Logger = logger
			return r
		},
		initMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain returns the process exit code: 0 on success, 1 on runtime failure
// and 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("unnest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath        string
		metricsBackend string
		envFiles       string
		logLevel       string
		logFormat      string
		logDir         string
		logFile        string
		validateOnly   bool
		verbose        bool
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none|datadog (default $METRICS_BACKEND or none)")
	fs.StringVar(&envFiles, "env-file", "", "comma-separated env files loaded before ${VAR} expansion")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&logFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&logDir, "log-dir", "", "also write logs to a timestamped file in this directory")
	fs.StringVar(&logFile, "log-file", "", "log file name without extension (default unnest when -log-dir is set)")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: unnest -config path/to/pipeline.json")
		return 2
	}
	if verbose {
		logLevel = "debug"
	}

	if files := splitCSV(envFiles); len(files) > 0 {
		if err := deps.loadEnv(files); err != nil {
			fmt.Fprintf(stderr, "load env: %v\n", err)
			return 1
		}
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	var p config.Pipeline
	if err := deps.unmarshal(raw, &p); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := config.ValidatePipeline(p.ExpandEnv())
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "invalid config: %s\n", cfgPath)
		return 1
	}
	if validateOnly {
		fmt.Fprintf(stdout, "config ok: %s\n", cfgPath)
		return 0
	}

	if metricsBackend == "" {
		metricsBackend = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, p.Job, metricsBackend)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	if logDir != "" && logFile == "" {
		logFile = "unnest"
	}
	logger, closeLog, err := logging.Open(stderr, logging.FileOptions{
		Dir:    logDir,
		Name:   logFile,
		Level:  logLevel,
		Format: logFormat,
	})
	if err != nil {
		fmt.Fprintf(stderr, "open log: %v\n", err)
		return 1
	}
	defer closeLog()
	logger = logger.With("job", p.Job)
	logger.Debug("pipeline: start", "source", p.Source.Kind, "parser", p.Parser.Kind,
		"primary_table", p.Unnest.PrimaryTable, "storage", p.Storage.Kind)

	start := time.Now()
	res, err := deps.newRunner(logger).Run(ctx, p)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	logger.Info("completed", "duration", time.Since(start).Truncate(time.Millisecond),
		"records", res.Records, "failed", res.Failed, "tables", res.Export.Tables,
		"warnings", len(res.Export.Warnings))

	fmt.Fprintln(stdout, "ok")
	return 0
}

// decodePipeline is the strict config decoder: unknown fields are rejected.
func decodePipeline(data []byte, v any) error {
	p, ok := v.(*config.Pipeline)
	if !ok {
		return fmt.Errorf("decode: unsupported target %T", v)
	}
	got, err := config.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*p = got
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// metricsBackend is the part of a concrete backend initMetrics manages.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

var errUnknownBackend = errors.New("unknown metrics backend")

// initMetrics installs the named backend and returns its cleanup. cleanup is
// never nil and is safe to call on error.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		if jobName == "" {
			jobName = "unnest"
		}
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("%w %q (want none|datadog)", errUnknownBackend, backendName)
	}
}
