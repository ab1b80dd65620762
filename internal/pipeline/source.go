package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"unnest/internal/config"
)

// DefaultHTTPTimeout bounds one HTTP source fetch when timeout_seconds is
// unset.
const DefaultHTTPTimeout = 30 * time.Second

// input is one document to parse.
type input struct {
	name string
	open func(ctx context.Context) (io.ReadCloser, error)
}

// inputs resolves the configured source into documents, in read order.
func (r *Runner) inputs(src config.Source) ([]input, error) {
	switch src.Kind {
	case "file":
		if src.File == nil || src.File.Path == "" {
			return nil, fmt.Errorf("source.file.path is required")
		}
		return []input{fileInput(src.File.Path)}, nil

	case "dir":
		if src.Dir == nil || src.Dir.Path == "" {
			return nil, fmt.Errorf("source.dir.path is required")
		}
		return dirInputs(src.Dir.Path, src.Dir.Glob)

	case "http":
		if src.HTTP == nil || src.HTTP.URL == "" {
			return nil, fmt.Errorf("source.http.url is required")
		}
		timeout := DefaultHTTPTimeout
		if src.HTTP.TimeoutSeconds > 0 {
			timeout = time.Duration(src.HTTP.TimeoutSeconds) * time.Second
		}
		return []input{r.httpInput(src.HTTP.URL, timeout)}, nil

	default:
		return nil, fmt.Errorf("unsupported source.kind=%q", src.Kind)
	}
}

func fileInput(path string) input {
	return input{
		name: path,
		open: func(context.Context) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// dirInputs lists the regular files of dir in name order, filtered by glob.
func dirInputs(dir, glob string) ([]input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if glob != "" {
			ok, err := filepath.Match(glob, e.Name())
			if err != nil {
				return nil, fmt.Errorf("source.dir.glob %q: %w", glob, err)
			}
			if !ok {
				continue
			}
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]input, 0, len(names))
	for _, n := range names {
		out = append(out, fileInput(filepath.Join(dir, n)))
	}
	return out, nil
}

// httpInput fetches url with GET. Non-2xx responses fail with the status code
// and up to 4KB of the body.
func (r *Runner) httpInput(url string, timeout time.Duration) input {
	return input{
		name: url,
		open: func(ctx context.Context) (io.ReadCloser, error) {
			client := r.HTTPClient
			if client == nil {
				client = http.DefaultClient
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("new request: %w", err)
			}
			req.Header.Set("User-Agent", "unnest/1.0")

			resp, err := client.Do(req)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("http get: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				cancel()
				return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
		},
	}
}

// cancelOnClose keeps the request context alive while the body is read.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
