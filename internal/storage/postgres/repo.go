package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"unnest/internal/storage"
)

// Repo implements storage.Repository for Postgres. Rows are loaded with the
// COPY protocol, so there is no parameter limit.
//
// Postgres truncates identifiers to 63 bytes; very deep sub-table paths can
// collide after truncation.
type Repo struct {
	pool   *pgxpool.Pool
	schema string
}

func init() {
	storage.Register("postgres", New)
}

// New opens a pool for cfg.DSN and creates cfg.Schema when it is set.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	r := &Repo{pool: pool, schema: cfg.Schema}
	if cfg.Schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(cfg.Schema)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema %s: %w", cfg.Schema, err)
		}
	}
	return r, nil
}

func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) MaxParams() int { return 0 }

// EnsureTable relies on IF NOT EXISTS for both the table and its columns, so
// it needs no catalog lookup.
func (r *Repo) EnsureTable(ctx context.Context, table string, columns []string) error {
	for _, q := range buildEnsureSQL(r.schema, table, columns) {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}
	return nil
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := make([][]any, len(rows))
	for i, row := range rows {
		src[i] = storage.TextArgs(row)
	}
	return r.pool.CopyFrom(ctx, r.identifier(table), columns, pgx.CopyFromRows(src))
}

func (r *Repo) identifier(table string) pgx.Identifier {
	if r.schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{r.schema, table}
}

func buildEnsureSQL(schema, table string, columns []string) []string {
	name := qualified(schema, table)

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgIdent(c) + " TEXT"
	}
	out := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(defs, ", "))}
	for _, c := range columns {
		out = append(out, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT", name, pgIdent(c)))
	}
	return out
}

func qualified(schema, table string) string {
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
