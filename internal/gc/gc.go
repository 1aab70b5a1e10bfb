// Package gc runs the reconciling garbage collector: a periodic double-scan
// that repairs divergence between the metadata store's chunk rows and the
// vector store's points, and purges soft-deleted documents.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/coordination"
	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/observability"
)

const (
	defaultInterval = time.Hour
	leaseKey        = "gc:global"
	leaseTTL        = 10 * time.Minute
	pageLimit       = 500
)

// RunSummary reports the outcome of one reconciliation round.
type RunSummary struct {
	OrphanedVectors int
	OrphanedChunks  int
	PurgedDocs      int
}

// Config carries the tunables a Collector is built from.
type Config struct {
	Interval time.Duration

	// OnComplete, if set, is called after every round with its summary, used
	// to republish GC activity onto the daemon's SSE event bus.
	OnComplete func(RunSummary)
}

// Collector owns the periodic reconciliation loop.
type Collector struct {
	metadata engine.MetadataStore
	vectors  engine.VectorStore
	leaser   coordination.Leaser
	interval time.Duration
	onComplete func(RunSummary)

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New builds a Collector. leaser guards against two Collectors (in the same
// process, or across processes sharing a Redis leaser) running a round
// concurrently.
func New(metadata engine.MetadataStore, vectors engine.VectorStore, leaser coordination.Leaser, cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Collector{
		metadata:   metadata,
		vectors:    vectors,
		leaser:     leaser,
		interval:   cfg.Interval,
		onComplete: cfg.OnComplete,
		stopCh:     make(chan struct{}),
		logger:     observability.Logger("gc.reconciler"),
	}
}

// Start launches the ticker-driven loop in a background goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop signals the loop to exit and waits for it to return.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes one reconciliation round across every known collection,
// then purges soft-deleted documents. Held under a single-flight lease so
// two rounds never overlap.
func (c *Collector) RunOnce(ctx context.Context) {
	acquired, err := c.leaser.TryAcquire(ctx, leaseKey, leaseTTL)
	if err != nil {
		c.logger.Error().Err(err).Msg("acquire gc lease")
		return
	}
	if !acquired {
		c.logger.Debug().Msg("gc round already in progress, skipping")
		return
	}
	defer func() {
		if err := c.leaser.Release(ctx, leaseKey); err != nil {
			c.logger.Warn().Err(err).Msg("release gc lease")
		}
	}()

	c.logger.Info().Msg(observability.EventGCRunStarted)

	collections, err := c.listAllCollections(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("list collections for gc")
		return
	}

	var orphanedVectors, orphanedChunks, purgedDocs int
	for _, col := range collections {
		v, m, err := c.reconcileCollection(ctx, col.CollectionID)
		if err != nil {
			c.logger.Error().Err(err).Str("collection_id", col.CollectionID).Msg("reconcile collection")
			continue
		}
		orphanedVectors += v
		orphanedChunks += m
	}

	purgedDocs, err = c.purgeDeletedDocuments(ctx, collections)
	if err != nil {
		c.logger.Error().Err(err).Msg("purge deleted documents")
	}

	c.logger.Info().
		Int("orphaned_vectors", orphanedVectors).
		Int("orphaned_chunks", orphanedChunks).
		Int("purged_docs", purgedDocs).
		Msg(observability.EventGCRunCompleted)

	if c.onComplete != nil {
		c.onComplete(RunSummary{
			OrphanedVectors: orphanedVectors,
			OrphanedChunks:  orphanedChunks,
			PurgedDocs:      purgedDocs,
		})
	}
}

func (c *Collector) listAllCollections(ctx context.Context) ([]engine.Collection, error) {
	var all []engine.Collection
	page := 1
	for {
		res, err := c.metadata.ListCollections(ctx, engine.PageRequest{Page: page, Limit: pageLimit})
		if err != nil {
			return nil, err
		}
		all = append(all, res.Data...)
		if !res.HasNext {
			break
		}
		page++
	}
	return all, nil
}

// reconcileCollection diffs the chunk pointIds known to the metadata store
// against the pointIds present in the vector store for one collection, and
// repairs divergence in both directions. The snapshot is taken at the start
// of this call, so a point created by concurrent foreground ingestion
// between the snapshot and the delete simply appears on both sides on the
// next round rather than racing a delete.
func (c *Collector) reconcileCollection(ctx context.Context, collectionID string) (orphanedVectors, orphanedChunks int, err error) {
	metaPoints, err := c.metadata.ListChunkPointIDsByCollection(ctx, collectionID)
	if err != nil {
		return 0, 0, fmt.Errorf("list metadata points: %w", err)
	}
	vectorPoints, err := c.vectors.ListAllPointIDs(ctx, collectionID)
	if err != nil {
		return 0, 0, fmt.Errorf("list vector points: %w", err)
	}

	metaSet := toSet(metaPoints)
	vectorSet := toSet(vectorPoints)

	var vectorOnly []string
	for _, id := range vectorPoints {
		if !metaSet[id] {
			vectorOnly = append(vectorOnly, id)
		}
	}
	var metaOnly []string
	for _, id := range metaPoints {
		if !vectorSet[id] {
			metaOnly = append(metaOnly, id)
		}
	}

	if len(vectorOnly) > 0 {
		if err := c.vectors.DeletePoints(ctx, collectionID, vectorOnly); err != nil {
			return 0, 0, fmt.Errorf("delete orphaned vectors: %w", err)
		}
	}
	if len(metaOnly) > 0 {
		if err := c.metadata.DeleteChunksByPointIDs(ctx, metaOnly); err != nil {
			return 0, 0, fmt.Errorf("delete orphaned chunks: %w", err)
		}
	}

	return len(vectorOnly), len(metaOnly), nil
}

// purgeDeletedDocuments clears vector points for every soft-deleted document
// first (Qdrant has no transactional join with SQLite), then hands the whole
// collection's doc-id batch to PurgeDocuments so the chunk/FTS/doc rows purge
// together per document, each isolated behind its own savepoint.
func (c *Collector) purgeDeletedDocuments(ctx context.Context, collections []engine.Collection) (int, error) {
	purged := 0
	for _, col := range collections {
		deleted, err := c.metadata.ListDeletedDocuments(ctx, col.CollectionID)
		if err != nil {
			return purged, err
		}

		docIDs := make([]string, 0, len(deleted))
		for _, doc := range deleted {
			if err := c.vectors.DeleteByFilter(ctx, doc.CollectionID, doc.DocID); err != nil {
				c.logger.Error().Err(err).Str("doc_id", doc.DocID).Msg("delete vectors for purged doc")
				continue
			}
			docIDs = append(docIDs, doc.DocID)
		}
		if len(docIDs) == 0 {
			continue
		}

		n, err := c.metadata.PurgeDocuments(ctx, docIDs)
		purged += n
		if err != nil {
			return purged, fmt.Errorf("purge documents for collection %s: %w", col.CollectionID, err)
		}
	}
	return purged, nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
