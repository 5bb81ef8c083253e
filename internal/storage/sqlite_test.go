package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"transferlock/internal/storage"
)

func TestOpenCreatesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "schema_test.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"leases", "lease_requests", "schema_migrations"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen_test.db")

	db, err := storage.Open(ctx, storage.Config{Path: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO leases(resource_key, owner_id, tab_id, token, acquired_at_ns, expires_at_ns)
VALUES('r1', 'alice', 't1', 'tok', 1, 9223372036854775807);
`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening replays no migrations and keeps data intact.
	db, err = storage.Open(ctx, storage.Config{Path: path})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the row to survive reopen, got %d", n)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := storage.Open(context.Background(), storage.Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
