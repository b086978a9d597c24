// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"valuechain/api/internal/store"
)

// New returns a store over a fresh SQLite file in t.TempDir with every migration applied.
func New(t testing.TB) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "valuechain.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSQLStore(db)
}
