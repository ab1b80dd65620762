package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"unnest/internal/storage"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for the bundled modernc build.
const maxParams = 32766

// Repo implements storage.Repository for SQLite. Schemas are not supported;
// Config.Schema is ignored.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) MaxParams() int { return maxParams }

func (r *Repo) EnsureTable(ctx context.Context, table string, columns []string) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(table, columns)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	have, err := r.columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range storage.MissingColumns(have, columns) {
		q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, sqlIdent(table), sqlIdent(c))
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c, err)
		}
	}
	return nil
}

func (r *Repo) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		have[name] = true
	}
	return have, rows.Err()
}

// InsertRows writes rows in a single transaction with one multi-row INSERT.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args := buildInsertSQL(table, columns, rows)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildCreateSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = sqlIdent(c) + " TEXT"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, sqlIdent(table), strings.Join(defs, ", "))
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, storage.TextArgs(row)...)
	}
	return b.String(), args
}

// sqlIdent double-quotes name so dotted sub-table names stay one identifier.
func sqlIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
