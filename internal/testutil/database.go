// Package testutil provides test helpers shared across packages: an in-memory
// database with migrations applied and builders for transaction fixtures.
package testutil

import (
	"context"
	"testing"

	"github.com/code-shreya/subscription-manager-sub002/internal/storage"
)

// SetupTestDB creates a migrated in-memory SQLite store that is closed when
// the test finishes.
func SetupTestDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}
