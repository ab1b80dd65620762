package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"unnest/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter cap per request.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server. Columns are
// NVARCHAR(MAX); the schema defaults to dbo.
type Repo struct {
	db     dbConn
	schema string
}

// dbConn is the subset of *sql.DB the repository uses, so SQL generation and
// batching can be tested without a server.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newRepo(db, cfg.Schema), nil
}

func newRepo(db dbConn, schema string) *Repo {
	if schema == "" {
		schema = "dbo"
	}
	return &Repo{db: db, schema: schema}
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) MaxParams() int { return maxParams }

// EnsureTable creates the table when missing, then adds each absent column
// with a guarded ALTER so reruns are idempotent.
func (r *Repo) EnsureTable(ctx context.Context, table string, columns []string) error {
	for _, q := range buildEnsureSQL(r.schema, table, columns) {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}
	return nil
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args := buildBulkInsertSQL(mssqlTableIdent(r.schema, table), columns, rows)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildEnsureSQL(schema, table string, columns []string) []string {
	name := mssqlTableIdent(schema, table)
	objName := quoteLiteral(name)

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = mssqlIdent(c) + " NVARCHAR(MAX) NULL"
	}
	out := []string{fmt.Sprintf(
		"IF OBJECT_ID(N%s, N'U') IS NULL CREATE TABLE %s (%s)",
		objName, name, strings.Join(defs, ", "),
	)}
	for _, c := range columns {
		out = append(out, fmt.Sprintf(
			"IF COL_LENGTH(N%s, N%s) IS NULL ALTER TABLE %s ADD %s NVARCHAR(MAX) NULL",
			objName, quoteLiteral(c), name, mssqlIdent(c),
		))
	}
	return out
}

// buildBulkInsertSQL builds one INSERT ... VALUES with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
		}
		b.WriteByte(')')
		args = append(args, storage.TextArgs(row)...)
	}
	return b.String(), args
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func mssqlTableIdent(schema, table string) string {
	return mssqlIdent(schema) + "." + mssqlIdent(table)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
