// Package metadata implements the SQLite-backed metadata store: collections,
// documents, chunks, the FTS5 keyword index, and the sync job / transition
// log tables. Every multi-statement write goes through internal/txn so a
// partial failure never leaves the chunks table and its FTS mirror out of
// step.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/internal/txn"
	"github.com/simpleflo/ragengine/pkg/models"
)

// Store implements engine.MetadataStore over a single SQLite connection.
type Store struct {
	db     *sql.DB
	txm    *txn.Manager
	logger zerolog.Logger
}

// New wraps db for metadata access. db should be the same connection
// internal/store.Store opened and migrated.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		txm:    txn.NewManager(db),
		logger: observability.Logger("metadata.store"),
	}
}

var _ engine.MetadataStore = (*Store)(nil)

// clampPage normalizes a page request to the contract's bounds: page >= 1,
// 1 <= limit <= 500.
func clampPage(req engine.PageRequest) engine.PageRequest {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > 500 {
		req.Limit = 500
	}
	return req
}

func pageEnvelope[T any](data []T, req engine.PageRequest, total int) *engine.Page[T] {
	totalPages := total / req.Limit
	if total%req.Limit != 0 {
		totalPages++
	}
	return &engine.Page[T]{
		Data:       data,
		Page:       req.Page,
		Limit:      req.Limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    req.Page < totalPages,
		HasPrev:    req.Page > 1,
	}
}

// CreateCollection inserts a new collection, rejecting a duplicate name.
func (s *Store) CreateCollection(ctx context.Context, name, description string) (*engine.Collection, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check collection name: %w", err)
	}
	if exists > 0 {
		return nil, models.Wrap(models.ErrConflict, "collection already exists", models.ErrCollectionExists).WithDetails("name", name)
	}

	now := time.Now().UTC()
	c := &engine.Collection{
		CollectionID: uuid.New().String(),
		Name:         name,
		Description:  description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (collection_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.CollectionID, c.Name, c.Description, c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert collection: %w", err)
	}
	return c, nil
}

func scanCollection(row interface{ Scan(...interface{}) error }) (*engine.Collection, error) {
	var c engine.Collection
	var createdAt, updatedAt string
	if err := row.Scan(&c.CollectionID, &c.Name, &c.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

// GetCollectionByID fetches a collection by id.
func (s *Store) GetCollectionByID(ctx context.Context, collectionID string) (*engine.Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection_id, name, description, created_at, updated_at
		FROM collections WHERE collection_id = ?`, collectionID)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Wrap(models.ErrNotFound, "collection not found", models.ErrDocNotFound).WithDetails("collection_id", collectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

// GetCollectionByName fetches a collection by its unique name.
func (s *Store) GetCollectionByName(ctx context.Context, name string) (*engine.Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection_id, name, description, created_at, updated_at
		FROM collections WHERE name = ?`, name)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Wrap(models.ErrNotFound, "collection not found", models.ErrDocNotFound).WithDetails("name", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

// ListCollections returns a page of collections ordered by the requested
// sort column, defaulting to created_at descending.
func (s *Store) ListCollections(ctx context.Context, req engine.PageRequest) (*engine.Page[engine.Collection], error) {
	req = clampPage(req)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count collections: %w", err)
	}

	sortCol := "created_at"
	switch req.Sort {
	case "name", "updated_at":
		sortCol = req.Sort
	}
	order := "DESC"
	if strings.EqualFold(req.Order, "asc") {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT collection_id, name, description, created_at, updated_at
		FROM collections ORDER BY %s %s LIMIT ? OFFSET ?`, sortCol, order)
	rows, err := s.db.QueryContext(ctx, query, req.Limit, (req.Page-1)*req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []engine.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pageEnvelope(out, req, total), nil
}

// DeleteCollection removes a collection and, via ON DELETE CASCADE, every
// document, chunk and sync job that belongs to it.
func (s *Store) DeleteCollection(ctx context.Context, collectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE collection_id = ?`, collectionID)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.Wrap(models.ErrNotFound, "collection not found", models.ErrDocNotFound).WithDetails("collection_id", collectionID)
	}
	return nil
}

// CreateDocument inserts a document and its sync job in one transaction, the
// job starting in fsm.StateNew.
func (s *Store) CreateDocument(ctx context.Context, doc *engine.Document) error {
	if doc.DocID == "" {
		return fmt.Errorf("metadata: document missing DocID")
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = engine.DocStatusNew
	}

	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		_, err := h.Tx().ExecContext(ctx, `
			INSERT INTO docs (doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.DocID, doc.CollectionID, doc.Key, doc.Name, doc.MIME, doc.SizeBytes, doc.Content, doc.Status,
			doc.CreatedAt.Format(time.RFC3339), doc.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert doc: %w", err)
		}

		job := &engine.SyncJob{
			SyncJobID: uuid.New().String(),
			DocID:     doc.DocID,
			Status:    fsm.StateNew,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = h.Tx().ExecContext(ctx, `
			INSERT INTO sync_jobs (sync_job_id, doc_id, status, retries, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)`,
			job.SyncJobID, job.DocID, string(job.Status), job.CreatedAt.Format(time.RFC3339), job.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert sync job: %w", err)
		}
		return nil
	})
}

func scanDocument(row interface{ Scan(...interface{}) error }) (*engine.Document, error) {
	var d engine.Document
	var createdAt, updatedAt string
	if err := row.Scan(&d.DocID, &d.CollectionID, &d.Key, &d.Name, &d.MIME, &d.SizeBytes, &d.Content, &d.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &d, nil
}

// GetDocument fetches a document by its content-addressed id.
func (s *Store) GetDocument(ctx context.Context, docID string) (*engine.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		FROM docs WHERE doc_id = ?`, docID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Wrap(models.ErrNotFound, "document not found", models.ErrDocNotFound).WithDetails("doc_id", docID)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// GetDocumentByKey looks up the active (non-deleted) document for a
// collection + caller key pair, used to detect re-uploads.
func (s *Store) GetDocumentByKey(ctx context.Context, collectionID, key string) (*engine.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		FROM docs WHERE collection_id = ? AND key = ? AND status != 'DELETED'`, collectionID, key)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Wrap(models.ErrNotFound, "document not found", models.ErrDocNotFound).WithDetails("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get document by key: %w", err)
	}
	return d, nil
}

// SetDocumentStatus updates a document's lifecycle status in isolation,
// used by the orchestrator when a pipeline step fails before finalise.
func (s *Store) SetDocumentStatus(ctx context.Context, docID string, status engine.DocStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE docs SET status = ?, updated_at = ? WHERE doc_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), docID)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.Wrap(models.ErrNotFound, "document not found", models.ErrDocNotFound).WithDetails("doc_id", docID)
	}
	return nil
}

// FinalizeDocument marks a document COMPLETED and every one of its chunks
// SYNCED in a single transaction, the step that fires the FSM's
// META_UPDATED event.
func (s *Store) FinalizeDocument(ctx context.Context, docID string) error {
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := h.Tx().ExecContext(ctx, `UPDATE docs SET status = ?, updated_at = ? WHERE doc_id = ?`,
			string(engine.DocStatusCompleted), now, docID); err != nil {
			return fmt.Errorf("finalize doc: %w", err)
		}
		if _, err := h.Tx().ExecContext(ctx, `UPDATE chunks SET status = ? WHERE doc_id = ?`,
			string(engine.ChunkStatusSynced), docID); err != nil {
			return fmt.Errorf("finalize chunks: %w", err)
		}
		return nil
	})
}

// SoftDeleteDocument marks a document DELETED without removing its rows,
// leaving it for the GC pass to reclaim its chunks and vector points.
func (s *Store) SoftDeleteDocument(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE docs SET status = 'DELETED', updated_at = ? WHERE doc_id = ?`,
		time.Now().UTC().Format(time.RFC3339), docID)
	if err != nil {
		return fmt.Errorf("soft delete doc: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.Wrap(models.ErrNotFound, "document not found", models.ErrDocNotFound).WithDetails("doc_id", docID)
	}
	return nil
}

// HardDeleteDocument removes a document row outright; the caller is
// responsible for having already cleared its chunks and vector points.
func (s *Store) HardDeleteDocument(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("hard delete doc: %w", err)
	}
	return nil
}

// PurgeDocuments hard-deletes every listed document's chunks, FTS rows and
// doc row in one round. Each document's deletes run inside their own
// savepoint frame nested under a single outer transaction: a row-level
// failure on one document rolls back only that document's frame and the
// round continues, instead of one bad doc aborting every purge already
// queued up to commit together. Returns the count that purged cleanly.
func (s *Store) PurgeDocuments(ctx context.Context, docIDs []string) (int, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	purged := 0
	err := s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		for _, docID := range docIDs {
			nerr := txn.ExecuteInNested(ctx, h, func(nh *txn.Handle) error {
				nh.Record(txn.Operation{Type: txn.OpDelete, Target: "chunks_fts", TargetID: docID})
				if _, err := nh.Tx().ExecContext(ctx, `DELETE FROM chunks_fts WHERE doc_id = ?`, docID); err != nil {
					return fmt.Errorf("delete fts rows: %w", err)
				}
				nh.Record(txn.Operation{Type: txn.OpDelete, Target: "chunks", TargetID: docID})
				if _, err := nh.Tx().ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
					return fmt.Errorf("delete chunks: %w", err)
				}
				nh.Record(txn.Operation{Type: txn.OpDelete, Target: "docs", TargetID: docID})
				if _, err := nh.Tx().ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, docID); err != nil {
					return fmt.Errorf("delete doc: %w", err)
				}
				return nil
			})
			if nerr != nil {
				s.logger.Error().Err(nerr).Str("doc_id", docID).Msg("purge document, rolled back to savepoint")
				continue
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// ListDeletedDocuments returns every DELETED document in a collection,
// feeding the GC's finalisation pass. An empty collectionID lists across
// all collections.
func (s *Store) ListDeletedDocuments(ctx context.Context, collectionID string) ([]engine.Document, error) {
	query := `SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		FROM docs WHERE status = 'DELETED'`
	args := []interface{}{}
	if collectionID != "" {
		query += " AND collection_id = ?"
		args = append(args, collectionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deleted docs: %w", err)
	}
	defer rows.Close()

	var out []engine.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AddChunks inserts chunks and their FTS mirror rows in one transaction, so
// a crash never leaves chunks_fts out of sync with chunks.
func (s *Store) AddChunks(ctx context.Context, docID string, chunks []engine.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		for _, c := range chunks {
			titleChain, err := json.Marshal(c.TitleChain)
			if err != nil {
				return fmt.Errorf("marshal title chain: %w", err)
			}
			if c.Status == "" {
				c.Status = engine.ChunkStatusNew
			}
			_, err = h.Tx().ExecContext(ctx, `
				INSERT INTO chunks (point_id, doc_id, collection_id, chunk_index, title, title_chain, content, content_hash, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.PointID, docID, c.CollectionID, c.ChunkIndex, c.Title, string(titleChain), c.Content, c.ContentHash, c.Status)
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.PointID, err)
			}
			_, err = h.Tx().ExecContext(ctx, `
				INSERT INTO chunks_fts (point_id, doc_id, content, title) VALUES (?, ?, ?, ?)`,
				c.PointID, docID, c.Content, c.Title)
			if err != nil {
				return fmt.Errorf("insert fts row %s: %w", c.PointID, err)
			}
		}
		return nil
	})
}

// DeleteChunksByDocID removes a document's chunks and their FTS mirror rows
// together.
func (s *Store) DeleteChunksByDocID(ctx context.Context, docID string) error {
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		if _, err := h.Tx().ExecContext(ctx, `DELETE FROM chunks_fts WHERE doc_id = ?`, docID); err != nil {
			return fmt.Errorf("delete fts rows: %w", err)
		}
		if _, err := h.Tx().ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

// DeleteChunksByCollectionID removes every chunk (and FTS row) belonging to
// a collection, used when a collection is torn down ahead of its vector
// store counterpart.
func (s *Store) DeleteChunksByCollectionID(ctx context.Context, collectionID string) error {
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		if _, err := h.Tx().ExecContext(ctx, `
			DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunks WHERE collection_id = ?)`, collectionID); err != nil {
			return fmt.Errorf("delete fts rows: %w", err)
		}
		if _, err := h.Tx().ExecContext(ctx, `DELETE FROM chunks WHERE collection_id = ?`, collectionID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

// DeleteChunksByPointIDs removes specific chunks by point id, the shape the
// GC's reconciliation diff needs.
func (s *Store) DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(pointIDs)), ",")
		args := make([]interface{}, len(pointIDs))
		for i, id := range pointIDs {
			args[i] = id
		}
		if _, err := h.Tx().ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks_fts WHERE point_id IN (%s)`, placeholders), args...); err != nil {
			return fmt.Errorf("delete fts rows: %w", err)
		}
		if _, err := h.Tx().ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE point_id IN (%s)`, placeholders), args...); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

func scanChunk(row interface{ Scan(...interface{}) error }) (*engine.Chunk, error) {
	var c engine.Chunk
	var titleChain string
	if err := row.Scan(&c.PointID, &c.DocID, &c.CollectionID, &c.ChunkIndex, &c.Title, &titleChain, &c.Content, &c.ContentHash, &c.Status); err != nil {
		return nil, err
	}
	if titleChain != "" {
		_ = json.Unmarshal([]byte(titleChain), &c.TitleChain)
	}
	return &c, nil
}

// GetChunksByPointIDs resolves chunk bodies for search result enrichment.
func (s *Store) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]engine.Chunk, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(pointIDs)), ",")
	args := make([]interface{}, len(pointIDs))
	for i, id := range pointIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT point_id, doc_id, collection_id, chunk_index, title, title_chain, content, content_hash, status
		FROM chunks WHERE point_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks by point ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]engine.Chunk, len(pointIDs))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.PointID] = *c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]engine.Chunk, 0, len(pointIDs))
	for _, id := range pointIDs {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetChunksByDocID returns a page of a document's chunks ordered by index.
func (s *Store) GetChunksByDocID(ctx context.Context, docID string, req engine.PageRequest) (*engine.Page[engine.Chunk], error) {
	req = clampPage(req)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE doc_id = ?`, docID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, doc_id, collection_id, chunk_index, title, title_chain, content, content_hash, status
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index ASC LIMIT ? OFFSET ?`,
		docID, req.Limit, (req.Page-1)*req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []engine.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return pageEnvelope(out, req, total), rows.Err()
}

// ListChunkPointIDsByCollection returns every pointId of every chunk row in
// a collection, used by the reconciling GC to diff against the vector
// store's own point listing.
func (s *Store) ListChunkPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT point_id FROM chunks WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list chunk point ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// prepareFTSQuery turns free text into an FTS5 MATCH expression: AND logic
// across terms, prefix matching on the final term so partial words still
// hit while typing.
func prepareFTSQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		if i == len(terms)-1 {
			t = t + "*"
		}
		terms[i] = t
	}
	return strings.Join(terms, " ")
}

// FTSSearch runs the keyword leg of a hybrid search, ranking by BM25
// ascending (FTS5 returns more negative scores for closer matches).
func (s *Store) FTSSearch(ctx context.Context, query string, collectionID string, limit int) ([]engine.SearchHit, error) {
	ftsQuery := prepareFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT f.point_id, f.doc_id, c.collection_id, f.content, f.title, bm25(chunks_fts, 1.0, 0.75) AS score
		FROM chunks_fts f
		JOIN chunks c ON f.point_id = c.point_id
		WHERE chunks_fts MATCH ?`
	args := []interface{}{ftsQuery}
	if collectionID != "" {
		sqlQuery += " AND c.collection_id = ?"
		args = append(args, collectionID)
	}
	sqlQuery += " ORDER BY score ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []engine.SearchHit
	rank := 0
	for rows.Next() {
		var h engine.SearchHit
		if err := rows.Scan(&h.PointID, &h.DocID, &h.CollectionID, &h.Content, &h.Title, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.KeywordRank = rank
		hits = append(hits, h)
		rank++
	}
	return hits, rows.Err()
}

// UpsertSyncJob writes the job's current state; used by the orchestrator and
// retryer outside of a state-transition event (e.g. bumping last_attempt_at).
func (s *Store) UpsertSyncJob(ctx context.Context, job *engine.SyncJob) error {
	job.UpdatedAt = time.Now().UTC()
	var lastAttempt interface{}
	if job.LastAttemptAt != nil {
		lastAttempt = job.LastAttemptAt.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			status = excluded.status,
			retries = excluded.retries,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		job.SyncJobID, job.DocID, string(job.Status), job.Retries, lastAttempt, job.LastError,
		job.CreatedAt.Format(time.RFC3339), job.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert sync job: %w", err)
	}
	return nil
}

func scanSyncJob(row interface{ Scan(...interface{}) error }) (*engine.SyncJob, error) {
	var j engine.SyncJob
	var createdAt, updatedAt string
	var lastAttempt, lastError sql.NullString
	if err := row.Scan(&j.SyncJobID, &j.DocID, &j.Status, &j.Retries, &lastAttempt, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t, err := time.Parse(time.RFC3339, lastAttempt.String)
		if err == nil {
			j.LastAttemptAt = &t
		}
	}
	j.LastError = lastError.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

// GetSyncJob fetches the sync job for a document.
func (s *Store) GetSyncJob(ctx context.Context, docID string) (*engine.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at
		FROM sync_jobs WHERE doc_id = ?`, docID)
	j, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Wrap(models.ErrNotFound, "sync job not found", models.ErrSyncJobNotFound).WithDetails("doc_id", docID)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return j, nil
}

// AppendTransition writes one audit row for a SyncJob state change as a
// standalone statement, outside any transaction. ApplyTransition is the
// method that updates sync_jobs.status and appends the audit row in one
// transaction.
func (s *Store) AppendTransition(ctx context.Context, t *engine.TransitionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_transitions (sync_job_id, from_state, to_state, event, at, context)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SyncJobID, string(t.FromState), string(t.ToState), string(t.Event), t.At.Format(time.RFC3339), t.Context)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// ApplyTransition persists job's new status and appends a TransitionLog row
// in a single transaction, the atomic pairing every accepted FSM event
// requires: a partial failure must never leave the SyncJob row pointing at a
// state its own transition log doesn't record.
func (s *Store) ApplyTransition(ctx context.Context, job *engine.SyncJob, t *engine.TransitionLog) error {
	job.UpdatedAt = time.Now().UTC()
	return s.txm.ExecuteInTransaction(ctx, func(h *txn.Handle) error {
		var lastAttempt interface{}
		if job.LastAttemptAt != nil {
			lastAttempt = job.LastAttemptAt.Format(time.RFC3339)
		}
		_, err := h.Tx().ExecContext(ctx, `
			INSERT INTO sync_jobs (sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(doc_id) DO UPDATE SET
				status = excluded.status,
				retries = excluded.retries,
				last_attempt_at = excluded.last_attempt_at,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`,
			job.SyncJobID, job.DocID, string(job.Status), job.Retries, lastAttempt, job.LastError,
			job.CreatedAt.Format(time.RFC3339), job.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("upsert sync job: %w", err)
		}
		_, err = h.Tx().ExecContext(ctx, `
			INSERT INTO sync_transitions (sync_job_id, from_state, to_state, event, at, context)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.SyncJobID, string(t.FromState), string(t.ToState), string(t.Event), t.At.Format(time.RFC3339), t.Context)
		if err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
		return nil
	})
}

// ListSyncJobsByStatus feeds the retryer's boot-time re-arming scan.
func (s *Store) ListSyncJobsByStatus(ctx context.Context, status fsm.State) ([]engine.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at
		FROM sync_jobs WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
