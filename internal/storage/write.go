package storage

import (
	"context"
	"fmt"
)

// DefaultBatchSize is the row count per insert when none is configured.
const DefaultBatchSize = 500

// RowsPerBatch caps batchSize so one statement stays under the backend's
// parameter limit.
func RowsPerBatch(repo Repository, columns, batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if limit := repo.MaxParams(); limit > 0 && columns > 0 {
		if byParams := limit / columns; byParams < batchSize {
			batchSize = byParams
		}
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return batchSize
}

// WriteTable ensures table exists with columns and inserts rows in batches.
// It returns the number of rows written.
func WriteTable(ctx context.Context, repo Repository, table string, columns []string, rows [][]any, batchSize int) (int64, error) {
	if len(columns) == 0 {
		return 0, nil
	}
	if err := repo.EnsureTable(ctx, table, columns); err != nil {
		return 0, fmt.Errorf("storage: ensure %s: %w", table, err)
	}

	per := RowsPerBatch(repo, len(columns), batchSize)
	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		n, err := repo.InsertRows(ctx, table, columns, rows[start:end])
		if err != nil {
			return total, fmt.Errorf("storage: insert %s rows %d-%d: %w", table, start, end-1, err)
		}
		total += n
	}
	return total, nil
}

// TextArgs converts one row of cells into driver arguments: nil stays nil,
// strings pass through and anything else is formatted with fmt.
func TextArgs(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch t := v.(type) {
		case nil:
			out[i] = nil
		case string:
			out[i] = t
		default:
			out[i] = fmt.Sprint(t)
		}
	}
	return out
}

// MissingColumns returns the entries of want absent from have, in want order.
func MissingColumns(have map[string]bool, want []string) []string {
	var out []string
	for _, c := range want {
		if !have[c] {
			out = append(out, c)
		}
	}
	return out
}
