// Package txn implements nested transactions with savepoints over a single
// SQLite connection, plus an auto-commit/rollback helper used by every
// metadata store operation that needs more than one statement to be atomic.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// OpType classifies an operation descriptor recorded against a Handle.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Operation is a compensation record: enough information to redo or undo a
// single write, recorded so a backend without real nested transactions could
// replay rollbackData instead of relying on a savepoint.
type Operation struct {
	Type         OpType
	Target       string
	TargetID     string
	Data         interface{}
	RollbackData interface{}
}

var savepointSeq uint64

// Manager opens top-level transactions against a *sql.DB.
type Manager struct {
	db *sql.DB
}

// NewManager wraps db for transaction management.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Handle represents one frame of a (possibly nested) transaction. The root
// Handle owns the *sql.Tx; every nested Handle shares it and is backed by its
// own SAVEPOINT.
type Handle struct {
	tx         *sql.Tx
	mgr        *Manager
	parent     *Handle
	savepoint  string // empty for the root handle
	operations []Operation
	done       bool
}

// Begin starts the outermost transaction.
func (m *Manager) Begin(ctx context.Context) (*Handle, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("txn: begin: %w", err)
	}
	return &Handle{tx: tx, mgr: m}, nil
}

// BeginNested pushes a new savepoint frame on top of h, sharing h's
// connection. Rolling back the returned Handle discards only this frame.
func (h *Handle) BeginNested(ctx context.Context) (*Handle, error) {
	name := fmt.Sprintf("sp_%d", atomic.AddUint64(&savepointSeq, 1))
	if _, err := h.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("txn: savepoint %s: %w", name, err)
	}
	return &Handle{tx: h.tx, mgr: h.mgr, parent: h, savepoint: name}, nil
}

// CreateSavepoint is an alias of BeginNested kept for callers that want to
// name the frame without nesting terminology.
func (h *Handle) CreateSavepoint(ctx context.Context) (*Handle, error) {
	return h.BeginNested(ctx)
}

// RollbackToSavepoint rolls back to h's own savepoint without releasing it,
// so further statements in the same frame can retry.
func (h *Handle) RollbackToSavepoint(ctx context.Context) error {
	if h.savepoint == "" {
		return fmt.Errorf("txn: RollbackToSavepoint called on root handle")
	}
	_, err := h.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+h.savepoint)
	return err
}

// ReleaseSavepoint commits this nested frame into its parent without
// touching the outer transaction.
func (h *Handle) ReleaseSavepoint(ctx context.Context) error {
	if h.savepoint == "" {
		return fmt.Errorf("txn: ReleaseSavepoint called on root handle")
	}
	if h.done {
		return nil
	}
	_, err := h.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+h.savepoint)
	h.done = true
	return err
}

// Record appends a compensation descriptor to this frame's log.
func (h *Handle) Record(op Operation) {
	h.operations = append(h.operations, op)
}

// Operations returns the descriptors recorded directly against this frame.
func (h *Handle) Operations() []Operation {
	return h.operations
}

// Tx exposes the underlying *sql.Tx for statement execution.
func (h *Handle) Tx() *sql.Tx {
	return h.tx
}

// Commit finalises the frame: for a nested Handle this releases its
// savepoint; for the root Handle this commits the whole transaction.
func (h *Handle) Commit(ctx context.Context) error {
	if h.done {
		return nil
	}
	if h.savepoint != "" {
		return h.ReleaseSavepoint(ctx)
	}
	h.done = true
	return h.tx.Commit()
}

// Rollback discards the frame: for a nested Handle this rolls back to (and
// releases) its savepoint; for the root Handle this rolls back everything.
func (h *Handle) Rollback(ctx context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	if h.savepoint != "" {
		if err := h.RollbackToSavepoint(ctx); err != nil {
			return err
		}
		_, err := h.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+h.savepoint)
		return err
	}
	return h.tx.Rollback()
}

// ExecuteInTransaction runs fn against a fresh root transaction, committing
// on success and rolling back if fn returns an error or panics.
func (m *Manager) ExecuteInTransaction(ctx context.Context, fn func(h *Handle) error) (err error) {
	h, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = h.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(h); err != nil {
		if rbErr := h.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("txn: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	return h.Commit(ctx)
}

// ExecuteInNested runs fn inside a new savepoint frame under parent,
// releasing the savepoint on success and rolling back to it on failure.
func ExecuteInNested(ctx context.Context, parent *Handle, fn func(h *Handle) error) (err error) {
	h, err := parent.BeginNested(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = h.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(h); err != nil {
		if rbErr := h.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("txn: nested rollback after %w: %v", err, rbErr)
		}
		return err
	}
	return h.Commit(ctx)
}
