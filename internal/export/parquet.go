package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// writeParquet loads rows into an in-memory DuckDB table of VARCHAR columns
// and copies it out as a Parquet file. Empty cells become NULL.
func writeParquet(ctx context.Context, path string, headers []string, rows [][]string) error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	// One connection: the in-memory table must be visible to every statement.
	db.SetMaxOpenConns(1)

	cols := make([]string, len(headers))
	for i, h := range headers {
		cols[i] = quoteIdent(h) + " VARCHAR"
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE t ("+strings.Join(cols, ", ")+")"); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if len(rows) > 0 {
		if err := insertRows(ctx, db, len(headers), rows); err != nil {
			return err
		}
	}

	stmt := fmt.Sprintf("COPY t TO %s (FORMAT PARQUET)", quoteLiteral(path))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("copy to parquet: %w", err)
	}
	return nil
}

func insertRows(ctx context.Context, db *sql.DB, width int, rows [][]string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	marks := strings.TrimSuffix(strings.Repeat("?, ", width), ", ")
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO t VALUES ("+marks+")")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, width)
	for i, row := range rows {
		for j := range args {
			if row[j] == "" {
				args[j] = nil
			} else {
				args[j] = row[j]
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
