package search

import (
	"context"
	"errors"
	"testing"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
)

type fakeMetadata struct {
	ftsHits []engine.SearchHit
	ftsErr  error
	chunks  map[string]engine.Chunk
}

func (f *fakeMetadata) FTSSearch(ctx context.Context, query, collectionID string, limit int) ([]engine.SearchHit, error) {
	return f.ftsHits, f.ftsErr
}
func (f *fakeMetadata) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]engine.Chunk, error) {
	out := make([]engine.Chunk, 0, len(pointIDs))
	for _, id := range pointIDs {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// The remaining MetadataStore methods are unused by search.Engine.
func (f *fakeMetadata) CreateCollection(ctx context.Context, name, description string) (*engine.Collection, error) {
	return nil, nil
}
func (f *fakeMetadata) GetCollectionByID(ctx context.Context, id string) (*engine.Collection, error) {
	return nil, nil
}
func (f *fakeMetadata) GetCollectionByName(ctx context.Context, name string) (*engine.Collection, error) {
	return nil, nil
}
func (f *fakeMetadata) ListCollections(ctx context.Context, req engine.PageRequest) (*engine.Page[engine.Collection], error) {
	return nil, nil
}
func (f *fakeMetadata) DeleteCollection(ctx context.Context, id string) error { return nil }
func (f *fakeMetadata) CreateDocument(ctx context.Context, doc *engine.Document) error {
	return nil
}
func (f *fakeMetadata) GetDocument(ctx context.Context, docID string) (*engine.Document, error) {
	return nil, nil
}
func (f *fakeMetadata) GetDocumentByKey(ctx context.Context, collectionID, key string) (*engine.Document, error) {
	return nil, nil
}
func (f *fakeMetadata) SetDocumentStatus(ctx context.Context, docID string, status engine.DocStatus) error {
	return nil
}
func (f *fakeMetadata) SoftDeleteDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeMetadata) HardDeleteDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeMetadata) ListDeletedDocuments(ctx context.Context, collectionID string) ([]engine.Document, error) {
	return nil, nil
}
func (f *fakeMetadata) PurgeDocuments(ctx context.Context, docIDs []string) (int, error) {
	return 0, nil
}
func (f *fakeMetadata) AddChunks(ctx context.Context, docID string, chunks []engine.Chunk) error {
	return nil
}
func (f *fakeMetadata) FinalizeDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeMetadata) DeleteChunksByDocID(ctx context.Context, docID string) error { return nil }
func (f *fakeMetadata) DeleteChunksByCollectionID(ctx context.Context, collectionID string) error {
	return nil
}
func (f *fakeMetadata) DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error {
	return nil
}
func (f *fakeMetadata) ListChunkPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	return nil, nil
}
func (f *fakeMetadata) GetChunksByDocID(ctx context.Context, docID string, req engine.PageRequest) (*engine.Page[engine.Chunk], error) {
	return nil, nil
}
func (f *fakeMetadata) UpsertSyncJob(ctx context.Context, job *engine.SyncJob) error { return nil }
func (f *fakeMetadata) GetSyncJob(ctx context.Context, docID string) (*engine.SyncJob, error) {
	return nil, nil
}
func (f *fakeMetadata) AppendTransition(ctx context.Context, t *engine.TransitionLog) error {
	return nil
}
func (f *fakeMetadata) ListSyncJobsByStatus(ctx context.Context, status fsm.State) ([]engine.SyncJob, error) {
	return nil, nil
}
func (f *fakeMetadata) ApplyTransition(ctx context.Context, job *engine.SyncJob, t *engine.TransitionLog) error {
	return nil
}

type fakeVectors struct {
	hits []engine.SearchHit
	err  error
}

func (f *fakeVectors) EnsureCollection(ctx context.Context, collectionID string, dimension int) error {
	return nil
}
func (f *fakeVectors) UpsertBatch(ctx context.Context, collectionID string, chunks []engine.Chunk, vectors [][]float32) error {
	return nil
}
func (f *fakeVectors) DeletePoints(ctx context.Context, collectionID string, pointIDs []string) error {
	return nil
}
func (f *fakeVectors) DeleteByFilter(ctx context.Context, collectionID, docID string) error {
	return nil
}
func (f *fakeVectors) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]engine.SearchHit, error) {
	return f.hits, f.err
}
func (f *fakeVectors) ListAllPointIDs(ctx context.Context, collectionID string) ([]string, error) {
	return nil, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Dimension() int { return 4 }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{{0.1, 0.2, 0.3, 0.4}}, nil
}

func TestFuse_CombinesRanksAndBreaksTies(t *testing.T) {
	fts := []engine.SearchHit{{PointID: "a"}, {PointID: "b"}, {PointID: "c"}}
	vec := []engine.SearchHit{{PointID: "b"}, {PointID: "a"}}

	fused := fuse(fts, vec, 60)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused hits, got %d", len(fused))
	}
	if fused[0].PointID != "a" {
		t.Errorf("expected a to rank first (ties b on fused score, wins on keyword rank), got %s", fused[0].PointID)
	}
	if fused[len(fused)-1].PointID != "c" {
		t.Errorf("expected c (keyword-only, rank 3) to rank last, got %s", fused[len(fused)-1].PointID)
	}
}

func TestFuse_KeywordOnlyKeepsRankOrder(t *testing.T) {
	fts := []engine.SearchHit{{PointID: "z"}, {PointID: "y"}}
	fused := fuse(fts, nil, 60)
	if fused[0].PointID != "z" || fused[1].PointID != "y" {
		t.Errorf("expected keyword rank order preserved, got %v", fused)
	}
}

func TestEngine_Search_DegradesOnEmbeddingFailure(t *testing.T) {
	meta := &fakeMetadata{
		ftsHits: []engine.SearchHit{{PointID: "doc1#0"}},
		chunks: map[string]engine.Chunk{
			"doc1#0": {PointID: "doc1#0", DocID: "doc1", CollectionID: "col1", Content: "hello world"},
		},
	}
	vecs := &fakeVectors{}
	embedder := &fakeEmbedder{err: errors.New("embedding provider down")}

	eng := New(meta, vecs, embedder)
	res, err := eng.Search(context.Background(), Query{Text: "hello", CollectionID: "col1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Degraded {
		t.Errorf("expected degraded=true when embedding fails")
	}
	if len(res.Hits) != 1 || res.Hits[0].Content != "hello world" {
		t.Errorf("expected enriched keyword-only hit, got %+v", res.Hits)
	}
}

func TestEngine_Search_DropsHitsWithNoChunkRow(t *testing.T) {
	meta := &fakeMetadata{
		ftsHits: []engine.SearchHit{{PointID: "gone#0"}, {PointID: "doc1#0"}},
		chunks: map[string]engine.Chunk{
			"doc1#0": {PointID: "doc1#0", DocID: "doc1", CollectionID: "col1", Content: "still here"},
		},
	}
	vecs := &fakeVectors{}
	embedder := &fakeEmbedder{}

	eng := New(meta, vecs, embedder)
	res, err := eng.Search(context.Background(), Query{Text: "q", CollectionID: "col1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected exactly 1 surviving hit, got %d", len(res.Hits))
	}
	if res.Hits[0].PointID != "doc1#0" {
		t.Errorf("expected doc1#0 to survive, got %s", res.Hits[0].PointID)
	}
}
