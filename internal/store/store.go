// Package store provides the SQLite-backed metadata store connection and
// schema migrations for the engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrDimensionMismatch is returned by EnsureVectorDimension when the
// configured embedding dimension differs from the one recorded the first
// time this store was opened.
var ErrDimensionMismatch = errors.New("store: configured vector dimension does not match recorded dimension")

// Store owns the single writer connection to the metadata database.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the metadata store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports a single writer; pinning the pool to one connection
	// makes every statement in this process serialize through that writer,
	// which is what makes the metadata store the concurrency model's
	// serialisation point.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for use by the metadata package.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity within a bounded timeout.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// migrate runs all pending schema migrations in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	migrations := []struct {
		version int
		run     func() error
	}{
		{1, s.runMigration001},
		{2, s.runMigration002},
		{3, s.runMigration003},
	}

	for _, m := range migrations {
		if currentVersion < m.version {
			if err := m.run(); err != nil {
				return fmt.Errorf("run migration %03d: %w", m.version, err)
			}
		}
	}
	return nil
}

// runMigration001 creates the core schema: collections, docs, chunks, the
// FTS5 mirror, sync jobs and the transition log.
func (s *Store) runMigration001() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			collection_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS docs (
			doc_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL REFERENCES collections(collection_id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			name TEXT,
			mime TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			content BLOB,
			status TEXT NOT NULL DEFAULT 'NEW',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_docs_collection_key_active
			ON docs(collection_id, key) WHERE status != 'DELETED'`,
		`CREATE INDEX IF NOT EXISTS idx_docs_collection ON docs(collection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_status ON docs(status)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			point_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL REFERENCES docs(doc_id) ON DELETE CASCADE,
			collection_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			title TEXT,
			title_chain TEXT,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			UNIQUE(doc_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			point_id UNINDEXED,
			doc_id UNINDEXED,
			content,
			title,
			tokenize='porter unicode61'
		)`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			sync_job_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL UNIQUE REFERENCES docs(doc_id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status)`,
		`CREATE TABLE IF NOT EXISTS sync_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_job_id TEXT NOT NULL REFERENCES sync_jobs(sync_job_id) ON DELETE CASCADE,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			event TEXT NOT NULL,
			at TEXT NOT NULL,
			context TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_job ON sync_transitions(sync_job_id)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (1)"); err != nil {
		return err
	}
	return tx.Commit()
}

// runMigration002 adds the partial index the GC's soft-delete scan relies
// on, kept as its own unit the way every schema change in this store is its
// own numbered migration.
func (s *Store) runMigration002() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_docs_deleted ON docs(status) WHERE status = 'DELETED'`); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (2)"); err != nil {
		return err
	}
	return tx.Commit()
}

// runMigration003 adds a single-row key/value settings table, used to pin
// the embedding dimension a deployment was first configured with.
func (s *Store) runMigration003() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (3)"); err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureVectorDimension records dimension as the store's embedding
// dimension on first boot, or validates a later boot against the recorded
// value. A mismatch is a fatal, per-process condition: the vector store
// already holds vectors sized for the old dimension and cannot serve both.
func (s *Store) EnsureVectorDimension(dimension int) error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'vector_dimension'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES ('vector_dimension', ?)`, strconv.Itoa(dimension))
		return err
	}
	if err != nil {
		return fmt.Errorf("read recorded vector dimension: %w", err)
	}
	recorded, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse recorded vector dimension: %w", err)
	}
	if recorded != dimension {
		return fmt.Errorf("%w: recorded %d, configured %d", ErrDimensionMismatch, recorded, dimension)
	}
	return nil
}
