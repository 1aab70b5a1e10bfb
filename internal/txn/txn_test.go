package txn

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "txn_test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestExecuteInTransaction_CommitsOnSuccess(t *testing.T) {
	db := testDB(t)
	defer db.Close()
	mgr := NewManager(db)
	ctx := context.Background()

	err := mgr.ExecuteInTransaction(ctx, func(h *Handle) error {
		_, err := h.Tx().ExecContext(ctx, `INSERT INTO kv VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v string
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v); err != nil {
		t.Fatalf("expected row to be committed: %v", err)
	}
}

func TestExecuteInTransaction_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	defer db.Close()
	mgr := NewManager(db)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := mgr.ExecuteInTransaction(ctx, func(h *Handle) error {
		if _, err := h.Tx().ExecContext(ctx, `INSERT INTO kv VALUES ('b', '1')`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped sentinel error, got %v", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM kv WHERE k = 'b'`).Scan(&count)
	if count != 0 {
		t.Fatalf("expected rollback to discard the insert, found %d rows", count)
	}
}

func TestNestedSavepoint_RollbackKeepsParentWrites(t *testing.T) {
	db := testDB(t)
	defer db.Close()
	mgr := NewManager(db)
	ctx := context.Background()

	err := mgr.ExecuteInTransaction(ctx, func(h *Handle) error {
		if _, err := h.Tx().ExecContext(ctx, `INSERT INTO kv VALUES ('parent', '1')`); err != nil {
			return err
		}
		nestedErr := errors.New("nested failure")
		err := ExecuteInNested(ctx, h, func(nh *Handle) error {
			if _, err := nh.Tx().ExecContext(ctx, `INSERT INTO kv VALUES ('child', '1')`); err != nil {
				return err
			}
			return nestedErr
		})
		if !errors.Is(err, nestedErr) {
			t.Fatalf("expected nested sentinel error, got %v", err)
		}
		// Swallow the nested failure; the outer transaction still commits.
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected outer error: %v", err)
	}

	var parentCount, childCount int
	db.QueryRow(`SELECT COUNT(*) FROM kv WHERE k = 'parent'`).Scan(&parentCount)
	db.QueryRow(`SELECT COUNT(*) FROM kv WHERE k = 'child'`).Scan(&childCount)
	if parentCount != 1 {
		t.Errorf("expected parent write to survive, count=%d", parentCount)
	}
	if childCount != 0 {
		t.Errorf("expected child write to be rolled back, count=%d", childCount)
	}
}
