package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := New(dbPath)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") {
			t.Skip("FTS5 not available, skipping test")
		}
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if store.DB() == nil {
		t.Error("expected non-nil DB")
	}
}

func TestStore_Health(t *testing.T) {
	store := testStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Health(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestStore_MigrationsAreIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s1, err := New(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("second open (re-migrate) failed: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.DB().QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if version != 3 {
		t.Errorf("expected migration version 3, got %d", version)
	}
}

func TestStore_SchemaTablesExist(t *testing.T) {
	store := testStore(t)
	defer store.Close()

	tables := []string{"collections", "docs", "chunks", "chunks_fts", "sync_jobs", "sync_transitions"}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q to exist: %v", table, err)
		}
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	s, err := New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		if strings.Contains(err.Error(), "fts5") {
			t.Skip("FTS5 not available, skipping test")
		}
		t.Fatalf("failed to create test store: %v", err)
	}
	return s
}
