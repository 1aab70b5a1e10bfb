package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
	"github.com/simpleflo/ragengine/internal/orchestrator"
	"github.com/simpleflo/ragengine/internal/search"
	"github.com/simpleflo/ragengine/pkg/models"
)

// Response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err *models.EngineError) {
	writeJSON(w, status, map[string]interface{}{"error": err})
}

func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.ErrValidation, models.ErrPayloadTooLarge:
		return http.StatusBadRequest
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrConflict:
		return http.StatusConflict
	case models.ErrBusinessRule:
		return http.StatusUnprocessableEntity
	case models.ErrConfiguration, models.ErrSchemaMismatch:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError maps any error returned by the engine package into the
// stable code/status pair the §7 taxonomy requires, wrapping bare errors as
// internal rather than leaking implementation detail to the caller.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *models.EngineError
	if errors.As(err, &ee) {
		writeError(w, statusForCode(ee.Code), ee)
		return
	}
	if models.IsNotFound(err) {
		writeError(w, http.StatusNotFound, models.Wrap(models.ErrNotFound, "not found", err))
		return
	}
	writeError(w, http.StatusInternalServerError, models.Wrap(models.ErrInternal, "internal error", err))
}

// Health endpoints

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbStatus := "ok"
	if err := d.store.Health(r.Context()); err != nil {
		status = "unhealthy"
		dbStatus = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"database":  dbStatus,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if d.Ready() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	uptime := time.Since(d.startTime).Truncate(time.Second).String()
	ready := d.ready
	d.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":       ready,
		"uptime":      uptime,
		"subscribers": d.eventBus.SubscriberCount(),
	})
}

// Collection endpoints

func (d *Daemon) handleListCollections(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := d.metadata.ListCollections(r.Context(), engine.PageRequest{Page: page, Limit: limit})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrValidation, err.Error()))
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrValidation, "name is required"))
		return
	}
	col, err := d.metadata.CreateCollection(r.Context(), body.Name, body.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

// handleDeleteCollection cascades: every chunk row and vector point under
// the collection is removed, then the collection row itself, idempotently.
// The reconciling GC would eventually clear any vectors left behind by a
// partial failure here, since metadata no longer references them.
func (d *Daemon) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")

	pointIDs, err := d.metadata.ListChunkPointIDsByCollection(r.Context(), collectionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if len(pointIDs) > 0 {
		if err := d.vectors.DeletePoints(r.Context(), collectionID, pointIDs); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if err := d.metadata.DeleteChunksByCollectionID(r.Context(), collectionID); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := d.metadata.DeleteCollection(r.Context(), collectionID); err != nil && !models.IsNotFound(err) {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Document endpoints

func (d *Daemon) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CollectionID string `json:"collectionId"`
		Key          string `json:"key"`
		Name         string `json:"name"`
		MIME         string `json:"mime"`
		Content      []byte `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrValidation, err.Error()))
		return
	}
	if body.CollectionID == "" {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrValidation, "collectionId is required"))
		return
	}
	if len(body.Content) == 0 {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrValidation, "content must not be empty"))
		return
	}

	docID, err := d.orchestrator.Ingest(r.Context(), orchestrator.DocInput{
		CollectionID: body.CollectionID,
		Key:          body.Key,
		Name:         body.Name,
		MIME:         body.MIME,
		Content:      body.Content,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"docId": docID})
}

// handleResyncDocument re-arms a document that reached a terminal state
// (SYNCED or DEAD) back onto the worker pool, resetting both its SyncJob
// state and its retry count since the operator is explicitly asking for a
// fresh attempt rather than a continuation of the old one.
func (d *Daemon) handleResyncDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	ctx := r.Context()

	doc, err := d.metadata.GetDocument(ctx, docID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	job, err := d.metadata.GetSyncJob(ctx, docID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	d.retryer.Cancel(ctx, docID)

	from := job.Status
	job.Status = fsm.StateNew
	job.Retries = 0
	job.LastError = ""
	if err := d.metadata.ApplyTransition(ctx, job, &engine.TransitionLog{
		SyncJobID: job.SyncJobID,
		FromState: from,
		ToState:   fsm.StateNew,
		Event:     fsm.EventResyncRequested,
		At:        time.Now().UTC(),
	}); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := d.metadata.SetDocumentStatus(ctx, docID, engine.DocStatusNew); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := d.orchestrator.Resume(ctx, docID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"docId": doc.DocID})
}

func (d *Daemon) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := d.metadata.SoftDeleteDocument(r.Context(), docID); err != nil {
		writeEngineError(w, err)
		return
	}
	d.retryer.Cancel(r.Context(), docID)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleGetSyncStatus(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	job, err := d.metadata.GetSyncJob(r.Context(), docID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Search endpoint

func (d *Daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := pageParams(r)

	result, err := d.search.Search(r.Context(), search.Query{
		Text:         q.Get("query"),
		CollectionID: q.Get("collectionId"),
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func pageParams(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	return page, limit
}
