package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"unnest/internal/storage"
)

func openTemp(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "out.db")
	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func TestRepo_WriteTableCreatesWidensAndInserts(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	n, err := storage.WriteTable(ctx, repo, "users.tags", []string{"users_id", "value"},
		[][]any{{"1", "x"}, {"1", nil}}, 0)
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}

	// A second run with a wider header adds the new column in place.
	if _, err := storage.WriteTable(ctx, repo, "users.tags", []string{"users_id", "value", "tags_key"},
		[][]any{{"2", "y", "k"}}, 0); err != nil {
		t.Fatalf("WriteTable (wider): %v", err)
	}

	have, err := repo.columns(ctx, "users.tags")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	for _, c := range []string{"users_id", "value", "tags_key"} {
		if !have[c] {
			t.Fatalf("column %q missing; have %v", c, have)
		}
	}

	var count, nulls int
	if err := repo.db.QueryRowContext(ctx, `SELECT count(*), sum(value IS NULL) FROM "users.tags"`).Scan(&count, &nulls); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 3 || nulls != 1 {
		t.Fatalf("count=%d nulls=%d, want 3 and 1", count, nulls)
	}
}

func TestBuildSQL(t *testing.T) {
	if got, want := buildCreateSQL(`we"ird`, []string{"a", "b.c"}),
		`CREATE TABLE IF NOT EXISTS "we""ird" ("a" TEXT, "b.c" TEXT)`; got != want {
		t.Fatalf("create=%s\nwant   %s", got, want)
	}

	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, nil}, {"x", "y"}})
	if want := `INSERT INTO "t" ("a", "b") VALUES (?, ?), (?, ?)`; q != want {
		t.Fatalf("insert=%s\nwant   %s", q, want)
	}
	if len(args) != 4 || args[0] != "1" || args[1] != nil || args[3] != "y" {
		t.Fatalf("args=%v", args)
	}
}
