// Package orchestrator runs the bounded worker-pool split/embed/finalise
// pipeline: the public ingest entry point enqueues a job onto a queue
// drained by N workers, each of which drives one document's SyncJob through
// the FSM one step at a time, handing any failure to the Retry Scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
	"github.com/simpleflo/ragengine/internal/ids"
	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/internal/retryer"
	"github.com/simpleflo/ragengine/internal/splitter"
	"github.com/simpleflo/ragengine/internal/txn"
	"github.com/simpleflo/ragengine/pkg/models"
)

const defaultEmbedBatchSize = 64

// Config carries the tunables a new Orchestrator is built from.
type Config struct {
	Workers         int
	EmbedBatchSize  int
	SplitterDefault splitter.Strategy
	VectorDimension int
}

// DocInput is the caller-supplied document submitted for ingestion.
type DocInput struct {
	CollectionID string
	Key          string
	Name         string
	MIME         string
	Content      []byte
}

// job is one queued unit of work: resume from whatever FSM state the
// SyncJob is already in.
type job struct {
	docID string
}

// CompletionEvent is published to subscribers when a document's pipeline
// run reaches a terminal outcome for that attempt (SYNCED or FAILED).
type CompletionEvent struct {
	DocID  string
	Status fsm.State
	Err    error
}

// Orchestrator owns the bounded worker pool and the metadata/vectorstore/
// embedding dependencies the pipeline steps call into.
type Orchestrator struct {
	metadata  engine.MetadataStore
	vectors   engine.VectorStore
	embedder  engine.EmbeddingProvider
	txm       *txn.Manager
	scheduler *retryer.Scheduler
	cfg       Config

	queue  chan job
	wg     sync.WaitGroup
	done   chan struct{}
	subsMu sync.Mutex
	subs   []chan CompletionEvent

	logger zerolog.Logger
}

// New builds an Orchestrator. txm is kept on the Orchestrator but no
// pipeline step uses it: each step's SQLite writes go through metadata's
// own transactional methods.
func New(metadata engine.MetadataStore, vectors engine.VectorStore, embedder engine.EmbeddingProvider, txm *txn.Manager, scheduler *retryer.Scheduler, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatchSize
	}
	if cfg.SplitterDefault == "" {
		cfg.SplitterDefault = splitter.StrategyMarkdownHeadings
	}

	o := &Orchestrator{
		metadata:  metadata,
		vectors:   vectors,
		embedder:  embedder,
		txm:       txm,
		scheduler: scheduler,
		cfg:       cfg,
		queue:     make(chan job, cfg.Workers*4),
		done:      make(chan struct{}),
		logger:    observability.Logger("orchestrator.sync"),
	}
	return o
}

// Start launches the worker pool. Call Stop to drain and join it.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

// Stop closes the done channel, telling every worker to exit, and blocks
// until each worker has returned from its in-flight job. The job queue
// itself is not closed.
func (o *Orchestrator) Stop() {
	close(o.done)
	o.wg.Wait()
}

// Subscribe returns a channel that receives a CompletionEvent for every
// pipeline run this orchestrator finishes, single-consumer: the caller is
// expected to drain it promptly, there is no cross-request ordering
// guarantee.
func (o *Orchestrator) Subscribe() <-chan CompletionEvent {
	ch := make(chan CompletionEvent, 16)
	o.subsMu.Lock()
	o.subs = append(o.subs, ch)
	o.subsMu.Unlock()
	return ch
}

func (o *Orchestrator) publish(ev CompletionEvent) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Ingest resolves or creates the document row and its SyncJob, then enqueues
// a pipeline run. It returns the docId immediately; the pipeline itself runs
// asynchronously on the worker pool.
func (o *Orchestrator) Ingest(ctx context.Context, in DocInput) (string, error) {
	docID := ids.MakeDocID(in.Content)

	if in.Key != "" {
		byKey, kerr := o.metadata.GetDocumentByKey(ctx, in.CollectionID, in.Key)
		if kerr == nil && byKey.DocID != docID {
			return "", models.Wrap(models.ErrConflict, "key already bound to a different document", models.ErrDuplicateKey).
				WithDetails("collection_id", in.CollectionID).WithDetails("key", in.Key)
		}
		if kerr != nil && !models.IsNotFound(kerr) {
			return "", fmt.Errorf("resolve document by key: %w", kerr)
		}
	}

	existing, err := o.metadata.GetDocument(ctx, docID)
	if err == nil && existing.Status == engine.DocStatusCompleted {
		job, jerr := o.metadata.GetSyncJob(ctx, docID)
		if jerr == nil && job.Status == fsm.StateSynced {
			return docID, nil
		}
	}
	if err != nil && !models.IsNotFound(err) {
		return "", fmt.Errorf("resolve document: %w", err)
	}

	if err != nil {
		doc := &engine.Document{
			DocID:        docID,
			CollectionID: in.CollectionID,
			Key:          in.Key,
			Name:         in.Name,
			MIME:         in.MIME,
			SizeBytes:    int64(len(in.Content)),
			Content:      in.Content,
			Status:       engine.DocStatusNew,
		}
		if err := o.metadata.CreateDocument(ctx, doc); err != nil {
			return "", fmt.Errorf("create document: %w", err)
		}
	}

	select {
	case o.queue <- job{docID: docID}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return docID, nil
}

// Resume re-enqueues a pipeline run for a document that already exists,
// without touching its Document row. It is the retry scheduler's handle
// back into the worker pool once a FAILED job's backoff timer fires.
func (o *Orchestrator) Resume(ctx context.Context, docID string) error {
	select {
	case o.queue <- job{docID: docID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case j, ok := <-o.queue:
			if !ok {
				return
			}
			o.runPipeline(ctx, j.docID)
		}
	}
}

// runPipeline re-enters from whatever step the SyncJob's current state maps
// to and advances it, falling back to the retry scheduler on any error.
func (o *Orchestrator) runPipeline(ctx context.Context, docID string) {
	logger := observability.WithDocID(o.logger, docID)

	doc, err := o.metadata.GetDocument(ctx, docID)
	if err != nil {
		logger.Error().Err(err).Msg("load document for pipeline")
		return
	}
	job, err := o.metadata.GetSyncJob(ctx, docID)
	if err != nil {
		logger.Error().Err(err).Msg("load sync job for pipeline")
		return
	}

	logger.Info().Str("state", string(job.Status)).Msg(observability.EventSyncStarted)

	if doc.Status == engine.DocStatusNew || doc.Status == engine.DocStatusFailed {
		if err := o.metadata.SetDocumentStatus(ctx, docID, engine.DocStatusProcessing); err != nil {
			logger.Warn().Err(err).Msg("mark document processing")
		}
	}

	switch job.Status {
	case fsm.StateNew, fsm.StateRetrying, fsm.StateFailed:
		if !o.chunksExist(ctx, docID) {
			if err := o.stepSplit(ctx, job, doc); err != nil {
				o.fail(ctx, job, err)
				return
			}
		}
		fallthrough
	case fsm.StateSplitOK:
		if err := o.stepEmbed(ctx, job, doc); err != nil {
			o.fail(ctx, job, err)
			return
		}
		fallthrough
	case fsm.StateEmbedOK:
		if err := o.stepFinalise(ctx, job, doc); err != nil {
			o.fail(ctx, job, err)
			return
		}
	default:
		// SYNCED/DEAD are terminal; a resume landing here ran no pipeline
		// step and must not be reported as a successful sync.
		logger.Warn().Str("state", string(job.Status)).Msg("pipeline resumed from terminal state, skipping")
		return
	}

	o.publish(CompletionEvent{DocID: docID, Status: fsm.StateSynced})
}

func (o *Orchestrator) chunksExist(ctx context.Context, docID string) bool {
	page, err := o.metadata.GetChunksByDocID(ctx, docID, engine.PageRequest{Page: 1, Limit: 1})
	return err == nil && page.Total > 0
}

// stepSplit splits doc content, persists chunks + FTS in one transaction,
// and drives the FSM event CHUNKS_SAVED.
func (o *Orchestrator) stepSplit(ctx context.Context, job *engine.SyncJob, doc *engine.Document) error {
	chunks := splitter.Split(string(doc.Content), splitter.Options{Strategy: o.cfg.SplitterDefault, BaseName: doc.Name})
	if len(chunks) == 0 {
		return fmt.Errorf("splitter produced zero chunks for doc %s", doc.DocID)
	}

	engineChunks := make([]engine.Chunk, len(chunks))
	for i, c := range chunks {
		pointID := fmt.Sprintf("%s#%d", doc.DocID, c.Index)
		engineChunks[i] = engine.Chunk{
			PointID:      pointID,
			DocID:        doc.DocID,
			CollectionID: doc.CollectionID,
			ChunkIndex:   c.Index,
			Title:        c.Title,
			TitleChain:   c.TitleChain,
			Content:      c.Content,
			ContentHash:  splitter.ContentHash(c.Content),
			Status:       engine.ChunkStatusNew,
		}
	}

	if err := o.metadata.AddChunks(ctx, doc.DocID, engineChunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	return o.transition(ctx, job, fsm.EventChunksSaved)
}

// stepEmbed embeds chunk content in batches and upserts vectors, then drives
// VECTORS_INSERTED.
func (o *Orchestrator) stepEmbed(ctx context.Context, job *engine.SyncJob, doc *engine.Document) error {
	page, err := o.metadata.GetChunksByDocID(ctx, doc.DocID, engine.PageRequest{Page: 1, Limit: 100000})
	if err != nil {
		return fmt.Errorf("load chunks for embed: %w", err)
	}

	if err := o.vectors.EnsureCollection(ctx, doc.CollectionID, o.embedder.Dimension()); err != nil {
		return fmt.Errorf("ensure vector collection: %w", err)
	}

	batchSize := o.cfg.EmbedBatchSize
	chunks := page.Data
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if err := o.vectors.UpsertBatch(ctx, doc.CollectionID, batch, vectors); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}

	return o.transition(ctx, job, fsm.EventVectorsInserted)
}

// stepFinalise marks the document COMPLETED and every chunk SYNCED in one
// transaction, then drives META_UPDATED.
func (o *Orchestrator) stepFinalise(ctx context.Context, job *engine.SyncJob, doc *engine.Document) error {
	if err := o.metadata.FinalizeDocument(ctx, doc.DocID); err != nil {
		return fmt.Errorf("finalize document: %w", err)
	}
	return o.transition(ctx, job, fsm.EventMetaUpdated)
}

// transition validates and applies the FSM event, persisting the new
// SyncJob status and an append-only TransitionLog row.
func (o *Orchestrator) transition(ctx context.Context, job *engine.SyncJob, event fsm.Event) error {
	from := job.Status
	to, err := fsm.Apply(from, event)
	if err != nil {
		return err
	}
	job.Status = to
	job.LastAttemptAt = timePtr(time.Now().UTC())
	if err := o.metadata.ApplyTransition(ctx, job, &engine.TransitionLog{
		SyncJobID: job.SyncJobID,
		FromState: from,
		ToState:   to,
		Event:     event,
		At:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	observability.WithDocID(o.logger, job.DocID).Info().Str("from", string(from)).Str("to", string(to)).Msg(observability.EventSyncTransition)
	return nil
}

// fail records the error on the job and drives an ERROR transition. A
// retryable infrastructure error hands off to the Retry Scheduler; anything
// else (validation, conflict, payload-too-large) is a defect no retry would
// fix, so it goes straight to DEAD instead of spending five backoff cycles
// on an error that will recur identically every time.
func (o *Orchestrator) fail(ctx context.Context, job *engine.SyncJob, cause error) {
	logger := observability.WithDocID(o.logger, job.DocID)
	job.LastError = cause.Error()
	if err := o.transition(ctx, job, fsm.EventError); err != nil {
		logger.Error().Err(err).Msg("reject error transition")
		return
	}
	o.publish(CompletionEvent{DocID: job.DocID, Status: job.Status, Err: cause})

	if !models.IsRetryableError(cause) {
		o.deadLetter(ctx, job)
		return
	}

	job.Retries++
	if err := o.metadata.UpsertSyncJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("persist retry count")
	}
	if o.scheduler != nil {
		o.scheduler.Arm(ctx, job.DocID, job.Retries)
	}
}

// deadLetter drives a non-retryable failure straight from FAILED to DEAD and
// marks the document FAILED, mirroring what the Retry Scheduler does once
// retries are genuinely exhausted.
func (o *Orchestrator) deadLetter(ctx context.Context, job *engine.SyncJob) {
	logger := observability.WithDocID(o.logger, job.DocID)
	from := job.Status
	to, err := fsm.Apply(from, fsm.EventRetriesExceeded)
	if err != nil {
		logger.Error().Err(err).Msg("reject dead-letter transition")
		return
	}
	job.Status = to
	if err := o.metadata.ApplyTransition(ctx, job, &engine.TransitionLog{
		SyncJobID: job.SyncJobID,
		FromState: from,
		ToState:   to,
		Event:     fsm.EventRetriesExceeded,
		At:        time.Now().UTC(),
	}); err != nil {
		logger.Error().Err(err).Msg("persist dead-letter transition")
		return
	}
	if err := o.metadata.SetDocumentStatus(ctx, job.DocID, engine.DocStatusFailed); err != nil {
		logger.Error().Err(err).Msg("mark document failed")
	}
	logger.Warn().Msg(observability.EventSyncDead)
}

func timePtr(t time.Time) *time.Time { return &t }
