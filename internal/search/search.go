// Package search fans a query out to the FTS and vector arms in parallel,
// fuses the two ranked lists with Reciprocal Rank Fusion, and enriches the
// top results with chunk content from the metadata store.
package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/observability"
)

const (
	rrfConstant   = 60
	defaultLimit  = 10
	maxLimit      = 100
)

// Query is one hybrid search request.
type Query struct {
	Text         string
	CollectionID string
	Page         int
	Limit        int
}

func (q Query) clamped() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	return q
}

// Engine runs hybrid search over a MetadataStore's FTS index and a
// VectorStore's kNN search, using an EmbeddingProvider to vectorize queries.
type Engine struct {
	metadata    engine.MetadataStore
	vectors     engine.VectorStore
	embedder    engine.EmbeddingProvider
	logger      zerolog.Logger
	onDegraded  func(query, collectionID, reason string)
}

// New builds a search Engine over the given stores.
func New(metadata engine.MetadataStore, vectors engine.VectorStore, embedder engine.EmbeddingProvider) *Engine {
	return &Engine{
		metadata: metadata,
		vectors:  vectors,
		embedder: embedder,
		logger:   observability.Logger("search.hybrid"),
	}
}

// OnDegraded registers a callback invoked whenever a search request falls
// back to keyword-only results, used to republish the event onto the
// daemon's SSE bus.
func (e *Engine) OnDegraded(f func(query, collectionID, reason string)) {
	e.onDegraded = f
}

type arm struct {
	hits []engine.SearchHit
	err  error
}

// Search fans out an FTS query and a vector query in parallel, fuses them
// with RRF, and enriches the fused top-N with chunk content. If the
// embedding/vector arm fails, it degrades to keyword-only results and sets
// SearchResult.Degraded.
func (e *Engine) Search(ctx context.Context, q Query) (*engine.SearchResult, error) {
	q = q.clamped()
	oversample := q.Limit * q.Page

	var wg sync.WaitGroup
	var ftsArm, vecArm arm

	wg.Add(2)
	go func() {
		defer wg.Done()
		hits, err := e.metadata.FTSSearch(ctx, q.Text, q.CollectionID, oversample)
		ftsArm = arm{hits: hits, err: err}
	}()
	go func() {
		defer wg.Done()
		vectors, err := e.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			vecArm = arm{err: err}
			return
		}
		hits, err := e.vectors.Search(ctx, q.CollectionID, vectors[0], oversample)
		vecArm = arm{hits: hits, err: err}
	}()
	wg.Wait()

	if ftsArm.err != nil {
		return nil, fmt.Errorf("keyword search: %w", ftsArm.err)
	}

	degraded := vecArm.err != nil
	if degraded {
		e.logger.Warn().Err(vecArm.err).Msg(observability.EventSearchDegraded)
		if e.onDegraded != nil {
			e.onDegraded(q.Text, q.CollectionID, vecArm.err.Error())
		}
	}

	fused := fuse(ftsArm.hits, vecArm.hits, rrfConstant)

	start := (q.Page - 1) * q.Limit
	if start > len(fused) {
		start = len(fused)
	}
	end := start + q.Limit
	if end > len(fused) {
		end = len(fused)
	}
	page := fused[start:end]

	enriched, err := e.enrich(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("enrich hits: %w", err)
	}

	return &engine.SearchResult{
		Hits:     enriched,
		Degraded: degraded,
		Page:     q.Page,
		Limit:    q.Limit,
		Total:    len(fused),
	}, nil
}

// fuse combines two ranked lists with Reciprocal Rank Fusion:
// score(p) = Σ 1/(k + rank_list(p)) over every list p appears in, 1-based
// rank. Ties break by (keyword rank ascending, vector rank ascending,
// pointId lexicographic) for determinism.
func fuse(ftsHits, vecHits []engine.SearchHit, k int) []engine.SearchHit {
	type fusedEntry struct {
		hit         engine.SearchHit
		keywordRank int
		vectorRank  int
		score       float64
	}

	byPoint := make(map[string]*fusedEntry)
	order := make([]string, 0, len(ftsHits)+len(vecHits))

	get := func(pointID string, seed engine.SearchHit) *fusedEntry {
		e, ok := byPoint[pointID]
		if !ok {
			e = &fusedEntry{hit: seed}
			byPoint[pointID] = e
			order = append(order, pointID)
		}
		return e
	}

	for i, h := range ftsHits {
		rank := i + 1
		e := get(h.PointID, h)
		e.keywordRank = rank
		e.score += 1.0 / float64(k+rank)
	}
	for i, h := range vecHits {
		rank := i + 1
		e := get(h.PointID, h)
		if e.hit.DocID == "" {
			e.hit = h
		}
		e.vectorRank = rank
		e.score += 1.0 / float64(k+rank)
	}

	entries := make([]*fusedEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, byPoint[id])
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.keywordRank != b.keywordRank {
			if a.keywordRank == 0 {
				return false
			}
			if b.keywordRank == 0 {
				return true
			}
			return a.keywordRank < b.keywordRank
		}
		if a.vectorRank != b.vectorRank {
			if a.vectorRank == 0 {
				return false
			}
			if b.vectorRank == 0 {
				return true
			}
			return a.vectorRank < b.vectorRank
		}
		return a.hit.PointID < b.hit.PointID
	})

	out := make([]engine.SearchHit, len(entries))
	for i, e := range entries {
		hit := e.hit
		hit.Score = e.score
		hit.KeywordRank = e.keywordRank
		hit.VectorRank = e.vectorRank
		out[i] = hit
	}
	return out
}

// enrich fills content/title/titleChain from the metadata store, dropping
// any pointId that no longer has a chunk row (observably deleted).
func (e *Engine) enrich(ctx context.Context, hits []engine.SearchHit) ([]engine.SearchHit, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	pointIDs := make([]string, len(hits))
	for i, h := range hits {
		pointIDs[i] = h.PointID
	}
	chunks, err := e.metadata.GetChunksByPointIDs(ctx, pointIDs)
	if err != nil {
		return nil, err
	}
	byPoint := make(map[string]engine.Chunk, len(chunks))
	for _, c := range chunks {
		byPoint[c.PointID] = c
	}

	out := make([]engine.SearchHit, 0, len(hits))
	for _, h := range hits {
		c, ok := byPoint[h.PointID]
		if !ok {
			continue
		}
		h.DocID = c.DocID
		h.CollectionID = c.CollectionID
		h.ChunkIndex = c.ChunkIndex
		h.Content = c.Content
		h.Title = c.Title
		h.TitleChain = c.TitleChain
		out = append(out, h)
	}
	return out, nil
}
