// Package logging configures log/slog for the unnest binaries.
//
// Setup installs a stdout handler. NewFileLogger additionally mirrors every
// record into "<dir>/<name><timestamp>.log", and Open picks between the two.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Setup configures the global slog logger.
//
// Level values: "debug", "info", "warn", "error" (default: "info").
// Format values: "text", "json" (default: "text").
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New returns a logger writing to w with the same level and format rules as
// Setup.
func New(w io.Writer, level, format string) *slog.Logger {
	return slog.New(newHandler(w, level, format))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultTimeLayout is appended to file log names.
const DefaultTimeLayout = "20060102-150405"

// FileOptions controls NewFileLogger.
type FileOptions struct {
	// Dir holds the log file. Empty means "output".
	Dir string

	// Name is the file name without extension.
	Name string

	// NoTimestamp drops the timestamp from the file name.
	NoTimestamp bool

	// TimeLayout formats the timestamp. Empty means DefaultTimeLayout.
	TimeLayout string

	// Append reuses an existing file. Otherwise a "__N" suffix is added.
	Append bool

	Level  string
	Format string

	// Stdout receives a copy of every record. Nil means os.Stdout.
	Stdout io.Writer

	now func() time.Time
}

// FileLogger is a slog.Logger writing to stdout and a log file.
type FileLogger struct {
	*slog.Logger

	Path string
	file *os.File
}

// NewFileLogger creates the log directory and file and returns a logger
// writing to both stdout and the file.
func NewFileLogger(opts FileOptions) (*FileLogger, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("logging: file name is required")
	}
	path, err := logPath(opts)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	w := &lockedWriter{w: io.MultiWriter(stdout, f)}
	return &FileLogger{
		Logger: slog.New(newHandler(w, opts.Level, opts.Format)),
		Path:   path,
		file:   f,
	}, nil
}

// Close closes the log file.
func (l *FileLogger) Close() error { return l.file.Close() }

// logPath resolves the file name. Without Append, an existing
// "<base>.log" pushes the name to "<base>__N.log" where N is one more than
// the number of suffixed files already present.
func logPath(opts FileOptions) (string, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "output"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("logging: create dir %s: %w", dir, err)
	}

	base := opts.Name
	if !opts.NoTimestamp {
		now := time.Now
		if opts.now != nil {
			now = opts.now
		}
		layout := opts.TimeLayout
		if layout == "" {
			layout = DefaultTimeLayout
		}
		base += now().Format(layout)
	}

	path := filepath.Join(dir, base+".log")
	if opts.Append {
		return path, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(base)+"__*.log"))
	if err != nil {
		return "", fmt.Errorf("logging: list %s: %w", dir, err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s__%d.log", base, len(matches)+1)), nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

// lockedWriter serializes writes from concurrent handlers to both sinks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Open returns a logger writing to w. When opts names a directory or a file,
// records are mirrored into a log file as NewFileLogger does, and the
// returned close func releases it.
func Open(w io.Writer, opts FileOptions) (*slog.Logger, func(), error) {
	if opts.Dir == "" && opts.Name == "" {
		return New(w, opts.Level, opts.Format), func() {}, nil
	}
	opts.Stdout = w
	fl, err := NewFileLogger(opts)
	if err != nil {
		return nil, func() {}, err
	}
	return fl.Logger.With("log_file", fl.Path), func() { _ = fl.Close() }, nil
}
