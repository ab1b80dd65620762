// Package storage mirrors unnested tables into a relational database.
//
// Every column is stored as text: the tables are wide, sparse and their
// shape is only known after the last record has been flattened. Backends
// register themselves by kind from an init function; import
// unnest/internal/storage/all to get all of them.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is what a backend factory needs to open a repository.
type Config struct {
	Kind string
	DSN  string

	// Schema qualifies table names on backends that have schemas.
	Schema string
}

// Repository is a text-column table sink.
type Repository interface {
	// EnsureTable creates table when missing and adds any of columns it lacks.
	// Existing columns are never dropped or retyped.
	EnsureTable(ctx context.Context, table string, columns []string) error

	// InsertRows appends rows. Each row is aligned with columns; a nil cell
	// is stored as NULL, anything else as text.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// MaxParams is the largest number of bind parameters one statement may
	// carry, or 0 when the backend has no such limit.
	MaxParams() int

	Close()
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available to New under kind. It panics on an
// empty kind, a nil factory or a duplicate registration.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a repository with the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
