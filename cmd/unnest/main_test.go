package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"unnest/internal/config"
	"unnest/internal/metrics/datadog"
	"unnest/internal/pipeline"
)

// fakeRunner is a deterministic runner used by CLI tests.
//
// It records the number of calls and the last config it received, and returns a
// configurable error.
type fakeRunner struct {
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Pipeline
}

func (r *fakeRunner) Run(ctx context.Context, cfg config.Pipeline) (pipeline.Result, error) {
	_ = ctx
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	return pipeline.Result{Records: 1, Flattened: 1}, r.err
}

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// validPipeline is what the fake unmarshal produces: a config that passes
// validation without touching the filesystem.
func validPipeline() config.Pipeline {
	return config.Pipeline{
		Job:    "job1",
		Source: config.Source{Kind: "file", File: &config.FileSource{Path: "users.json"}},
		Parser: config.Parser{Kind: "json"},
		Unnest: config.Unnest{PrimaryKey: "id", PrimaryTable: "users"},
		Export: config.Export{Dir: "out"},
	}
}

func fakeUnmarshal(t testing.TB, p config.Pipeline, err error) func([]byte, any) error {
	return func(_ []byte, v any) error {
		if err != nil {
			return err
		}
		target, ok := v.(*config.Pipeline)
		if !ok {
			t.Fatalf("unmarshal target type=%T, want *config.Pipeline", v)
		}
		*target = p
		return nil
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	// Usage errors exit 2 with a message on stderr and no side effects.
	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "missing_config_flag", args: []string{}, wantStderrSub: "usage: unnest -config"},
		{name: "empty_config_value", args: []string{"-config", "   "}, wantStderrSub: "usage: unnest -config"},
		{name: "unknown_flag_is_usage_error", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				loadEnv: func([]string) error {
					t.Fatalf("loadEnv must not be called on usage errors")
					return nil
				},
				readFile: func(string) ([]byte, error) {
					t.Fatalf("readFile must not be called on usage errors")
					return nil, nil
				},
				unmarshal: func([]byte, any) error {
					t.Fatalf("unmarshal must not be called on usage errors")
					return nil
				},
				newRunner: func(*slog.Logger) runner {
					t.Fatalf("newRunner must not be called on usage errors")
					return &fakeRunner{}
				},
				initMetrics: func(context.Context, string, string) (func(), error) {
					t.Fatalf("initMetrics must not be called on usage errors")
					return func() {}, nil
				},
			})

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_ReadParseValidateMetricsRun_FullFlow(t *testing.T) {
	t.Parallel()

	// Error precedence is read -> parse -> validate -> initMetrics -> run. The
	// runner is only called after metrics init succeeds and cleanup runs
	// exactly once when initMetrics succeeded.
	invalid := validPipeline()
	invalid.Unnest.PrimaryKey = ""

	tests := []struct {
		name             string
		readErr          error
		unmarshalErr     error
		pipeline         *config.Pipeline
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantStdout       string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "read_config_error", readErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "read config:"},
		{name: "parse_config_error", unmarshalErr: errors.New("bad json"), wantCode: 1, wantStderrSub: "parse config:"},
		{name: "invalid_config", pipeline: &invalid, wantCode: 1, wantStderrSub: "error: unnest.primary_key: required"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{
			name: "runner_error_runs_cleanup", runErr: errors.New("db failed"),
			wantCode: 1, wantStderrSub: "run: db failed", wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
		{name: "success", wantCode: 0, wantStdout: "ok\n", wantRunnerCalls: 1, wantCleanupCalls: 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{err: tc.runErr}

			var cleanupCalls atomic.Int64
			cleanup := func() { cleanupCalls.Add(1) }

			p := validPipeline()
			if tc.pipeline != nil {
				p = *tc.pipeline
			}

			deps := appDeps{
				loadEnv: func([]string) error {
					t.Fatalf("loadEnv must not be called without -env-file")
					return nil
				},
				readFile: func(path string) ([]byte, error) {
					if path != "cfg.json" {
						t.Fatalf("readFile path=%q, want %q", path, "cfg.json")
					}
					if tc.readErr != nil {
						return nil, tc.readErr
					}
					return []byte(`{"job":"job1"}`), nil
				},
				unmarshal: fakeUnmarshal(t, p, tc.unmarshalErr),
				initMetrics: func(_ context.Context, jobName, backendName string) (func(), error) {
					if jobName != "job1" {
						t.Fatalf("jobName=%q, want %q", jobName, "job1")
					}
					if backendName != "none" {
						t.Fatalf("backendName=%q, want none", backendName)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return cleanup, nil
				},
				newRunner: func(*slog.Logger) runner { return fr },
			}

			code := runMain(context.Background(),
				[]string{"-config", "cfg.json", "-metrics-backend", "none"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := stdout.String(); got != tc.wantStdout {
				t.Fatalf("stdout=%q, want %q", got, tc.wantStdout)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
			if tc.wantRunnerCalls == 1 && fr.lastCfg.Unnest.PrimaryTable != "users" {
				t.Fatalf("runner got cfg=%+v", fr.lastCfg)
			}
		})
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "cfg.json", "-validate"}, &stdout, &stderr, appDeps{
		readFile:  func(string) ([]byte, error) { return []byte("{}"), nil },
		unmarshal: fakeUnmarshal(t, validPipeline(), nil),
		initMetrics: func(context.Context, string, string) (func(), error) {
			t.Fatalf("initMetrics must not be called with -validate")
			return nil, nil
		},
		newRunner: func(*slog.Logger) runner {
			t.Fatalf("newRunner must not be called with -validate")
			return nil
		},
	})
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	if got := stdout.String(); got != "config ok: cfg.json\n" {
		t.Fatalf("stdout=%q", got)
	}
}

func TestRunMain_EnvFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		loadErr  error
		wantCode int
	}{
		{name: "loaded", wantCode: 0},
		{name: "load_error", loadErr: errors.New("missing .env"), wantCode: 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var gotFiles []string
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(),
				[]string{"-config", "cfg.json", "-env-file", " .env, local.env ,", "-metrics-backend", "none", "-validate"},
				&stdout, &stderr, appDeps{
					loadEnv: func(files []string) error {
						gotFiles = files
						return tc.loadErr
					},
					readFile:  func(string) ([]byte, error) { return []byte("{}"), nil },
					unmarshal: fakeUnmarshal(t, validPipeline(), nil),
				})
			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if !reflect.DeepEqual(gotFiles, []string{".env", "local.env"}) {
				t.Fatalf("env files=%q", gotFiles)
			}
			if tc.loadErr != nil && !strings.Contains(stderr.String(), "load env: missing .env") {
				t.Fatalf("stderr=%q", stderr.String())
			}
		})
	}
}

// TestRunMain_EndToEnd runs the real dependencies against files in a temp
// dir: strict config decode, JSON parsing, flattening and CSV export.
func TestRunMain_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "users.json")
	out := filepath.Join(dir, "out")
	if err := os.WriteFile(in, []byte(`[{"id": 1, "name": "Ann", "tags": ["x", "y"]}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "pipeline.json")
	cfg := fmt.Sprintf(`{
  "job": "e2e",
  "source": {"kind": "file", "file": {"path": %q}},
  "parser": {"kind": "json"},
  "unnest": {"primary_key": "id", "primary_table": "users"},
  "export": {"dir": %q}
}`, in, out)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", cfgPath, "-metrics-backend", "none"}, &stdout, &stderr, defaultDeps())
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	if stdout.String() != "ok\n" {
		t.Fatalf("stdout=%q", stdout.String())
	}

	got, err := os.ReadFile(filepath.Join(out, "users.csv"))
	if err != nil {
		t.Fatalf("read users.csv: %v", err)
	}
	if string(got) != "id,name\n1,Ann\n" {
		t.Fatalf("users.csv=%q", got)
	}
	if _, err := os.Stat(filepath.Join(out, "users.tags.csv")); err != nil {
		t.Fatalf("users.tags.csv: %v", err)
	}
}

func TestRunMain_LogDirWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	deps := appDeps{
		readFile:  func(string) ([]byte, error) { return []byte("{}"), nil },
		unmarshal: fakeUnmarshal(t, validPipeline(), nil),
		newRunner: func(logger *slog.Logger) runner {
			logger.Info("stage=flatten ok")
			return &fakeRunner{}
		},
		initMetrics: func(context.Context, string, string) (func(), error) { return func() {}, nil },
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "p.json", "-log-dir", dir}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "unnest*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files=%v", matches)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"stage=flatten ok", "job=job1", "msg=completed"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("log file missing %q: %q", want, raw)
		}
	}
}

func TestRunMain_LogDirError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fr := &fakeRunner{}
	deps := appDeps{
		readFile:    func(string) ([]byte, error) { return []byte("{}"), nil },
		unmarshal:   fakeUnmarshal(t, validPipeline(), nil),
		newRunner:   func(*slog.Logger) runner { return fr },
		initMetrics: func(context.Context, string, string) (func(), error) { return func() {}, nil },
	}
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "p.json", "-log-dir", filepath.Join(blocker, "logs")}, &stdout, &stderr, deps)
	if code != 1 || fr.calls.Load() != 0 || !strings.Contains(stderr.String(), "open log:") {
		t.Fatalf("code=%d calls=%d stderr=%q", code, fr.calls.Load(), stderr.String())
	}
}

func TestDecodePipeline_Strict(t *testing.T) {
	t.Parallel()

	var p config.Pipeline
	if err := decodePipeline([]byte(`{"job": "j", "unnest": {"primary_key": "id"}}`), &p); err != nil {
		t.Fatalf("decodePipeline err=%v", err)
	}
	if p.Job != "j" || p.Unnest.PrimaryKey != "id" {
		t.Fatalf("decoded=%+v", p)
	}
	if err := decodePipeline([]byte(`{"jobb": "typo"}`), &p); err == nil {
		t.Fatalf("unknown field accepted")
	}
	var m map[string]any
	if err := decodePipeline([]byte(`{}`), &m); err == nil {
		t.Fatalf("non-pipeline target accepted")
	}
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	// Not parallel: swaps package-level seams.
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()

	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none/noop")
	}

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), "job", name)
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	// The datadog backend is constructed once, wired into the global metrics
	// package and closed exactly once by cleanup.
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew := newDatadogBackend
	oldSet := setMetricsBackend
	oldLog := logPrintf
	defer func() {
		newDatadogBackend = oldNew
		setMetricsBackend = oldSet
		logPrintf = oldLog
	}()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) {
		fmt.Fprintf(&logged, format, v...)
	}

	cleanup, err := initMetrics(context.Background(), "jobA", "datadog")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotOpts.JobName != "jobA" {
		t.Fatalf("datadog options JobName=%q, want %q", gotOpts.JobName, "jobA")
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new calls=%d set calls=%d, want 1/1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_Errors(t *testing.T) {
	oldNew := newDatadogBackend
	oldSet := setMetricsBackend
	oldLog := logPrintf
	defer func() {
		newDatadogBackend = oldNew
		setMetricsBackend = oldSet
		logPrintf = oldLog
	}()
	setMetricsBackend = func(any) {}

	t.Run("close_error_is_logged", func(t *testing.T) {
		b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}
		newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }

		var logged bytes.Buffer
		logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

		cleanup, err := initMetrics(context.Background(), "", "dd")
		if err != nil {
			t.Fatalf("initMetrics err=%v, want nil", err)
		}
		cleanup()
		if !strings.Contains(logged.String(), "metrics: datadog close error: flush failed") {
			t.Fatalf("log=%q", logged.String())
		}
	})

	t.Run("constructor_error", func(t *testing.T) {
		newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) {
			return nil, errors.New("no api key")
		}
		cleanup, err := initMetrics(context.Background(), "job", "datadog")
		if err == nil || !strings.Contains(err.Error(), "datadog: no api key") {
			t.Fatalf("initMetrics err=%v", err)
		}
		cleanup()
	})
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	cleanup, err := initMetrics(context.Background(), "job", "pushgateway")
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()

	if !errors.Is(err, errUnknownBackend) {
		t.Fatalf("err=%v, want errUnknownBackend", err)
	}
	if !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "none|datadog")
	}
}

// ---- Benchmarks ----

func BenchmarkRunMain_Success_NoIO(b *testing.B) {
	// Measures orchestration overhead of runMain excluding file I/O, JSON
	// decoding and metrics backend work.
	ctx := context.Background()
	fr := &fakeRunner{}
	p := validPipeline()

	deps := appDeps{
		readFile:  func(string) ([]byte, error) { return nil, nil },
		unmarshal: fakeUnmarshal(b, p, nil),
		initMetrics: func(context.Context, string, string) (func(), error) {
			return func() {}, nil
		},
		newRunner: func(*slog.Logger) runner { return fr },
	}
	args := []string{"-config", "cfg.json", "-metrics-backend", "none", "-log-level", "error"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var stdout, stderr bytes.Buffer
		if code := runMain(ctx, args, &stdout, &stderr, deps); code != 0 {
			b.Fatalf("code=%d, stderr=%q", code, stderr.String())
		}
	}
}

func BenchmarkInitMetrics_None(b *testing.B) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cleanup, err := initMetrics(ctx, "job", "none")
		if err != nil {
			b.Fatalf("err=%v", err)
		}
		cleanup()
	}
}
