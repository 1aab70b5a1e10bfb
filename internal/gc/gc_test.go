package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/simpleflo/ragengine/internal/coordination"
	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
)

type fakeMetadata struct {
	mu                sync.Mutex
	collections       []engine.Collection
	chunkPointsByColl map[string][]string
	deletedDocs       map[string][]engine.Document

	deletedChunkPointIDs []string
	hardDeletedDocs      []string
	chunkDeletesByDocID  []string
	purgedDocIDs         []string
	purgeErr             error
}

func (f *fakeMetadata) ListCollections(ctx context.Context, req engine.PageRequest) (*engine.Page[engine.Collection], error) {
	return &engine.Page[engine.Collection]{Data: f.collections, HasNext: false}, nil
}
func (f *fakeMetadata) ListChunkPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	return f.chunkPointsByColl[collectionID], nil
}
func (f *fakeMetadata) DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedChunkPointIDs = append(f.deletedChunkPointIDs, pointIDs...)
	return nil
}
func (f *fakeMetadata) ListDeletedDocuments(ctx context.Context, collectionID string) ([]engine.Document, error) {
	return f.deletedDocs[collectionID], nil
}
func (f *fakeMetadata) DeleteChunksByDocID(ctx context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkDeletesByDocID = append(f.chunkDeletesByDocID, docID)
	return nil
}
func (f *fakeMetadata) HardDeleteDocument(ctx context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardDeletedDocs = append(f.hardDeletedDocs, docID)
	return nil
}
func (f *fakeMetadata) PurgeDocuments(ctx context.Context, docIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.purgedDocIDs = append(f.purgedDocIDs, docIDs...)
	return len(docIDs), nil
}

// Unused MetadataStore methods.
func (f *fakeMetadata) CreateCollection(ctx context.Context, name, description string) (*engine.Collection, error) {
	return nil, nil
}
func (f *fakeMetadata) GetCollectionByID(ctx context.Context, id string) (*engine.Collection, error) {
	return nil, nil
}
func (f *fakeMetadata) GetCollectionByName(ctx context.Context, name string) (*engine.Collection, error) {
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
func (f *fakeMetadata) AddChunks(ctx context.Context, docID string, chunks []engine.Chunk) error {
	return nil
}
func (f *fakeMetadata) FinalizeDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeMetadata) DeleteChunksByCollectionID(ctx context.Context, collectionID string) error {
	return nil
}
func (f *fakeMetadata) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]engine.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadata) GetChunksByDocID(ctx context.Context, docID string, req engine.PageRequest) (*engine.Page[engine.Chunk], error) {
	return nil, nil
}
func (f *fakeMetadata) FTSSearch(ctx context.Context, query, collectionID string, limit int) ([]engine.SearchHit, error) {
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
	mu             sync.Mutex
	pointsByColl   map[string][]string
	deletedPoints  []string
	deletedFilters []string
}

func (f *fakeVectors) EnsureCollection(ctx context.Context, collectionID string, dimension int) error {
	return nil
}
func (f *fakeVectors) UpsertBatch(ctx context.Context, collectionID string, chunks []engine.Chunk, vectors [][]float32) error {
	return nil
}
func (f *fakeVectors) DeletePoints(ctx context.Context, collectionID string, pointIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPoints = append(f.deletedPoints, pointIDs...)
	return nil
}
func (f *fakeVectors) DeleteByFilter(ctx context.Context, collectionID, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFilters = append(f.deletedFilters, docID)
	return nil
}
func (f *fakeVectors) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]engine.SearchHit, error) {
	return nil, nil
}
func (f *fakeVectors) ListAllPointIDs(ctx context.Context, collectionID string) ([]string, error) {
	return f.pointsByColl[collectionID], nil
}

func TestCollector_ReconcilesOrphansBothDirections(t *testing.T) {
	meta := &fakeMetadata{
		collections: []engine.Collection{{CollectionID: "col1"}},
		chunkPointsByColl: map[string][]string{
			"col1": {"doc1#0", "doc1#1", "meta-only#0"},
		},
		deletedDocs: map[string][]engine.Document{},
	}
	vecs := &fakeVectors{
		pointsByColl: map[string][]string{
			"col1": {"doc1#0", "doc1#1", "vector-only#0"},
		},
	}
	leaser := coordination.NewMemLeaser(time.Now)

	c := New(meta, vecs, leaser, Config{Interval: time.Hour})
	c.RunOnce(context.Background())

	if len(vecs.deletedPoints) != 1 || vecs.deletedPoints[0] != "vector-only#0" {
		t.Errorf("expected vector-only#0 deleted from vector store, got %v", vecs.deletedPoints)
	}
	if len(meta.deletedChunkPointIDs) != 1 || meta.deletedChunkPointIDs[0] != "meta-only#0" {
		t.Errorf("expected meta-only#0 deleted from metadata store, got %v", meta.deletedChunkPointIDs)
	}
}

func TestCollector_PurgesSoftDeletedDocuments(t *testing.T) {
	meta := &fakeMetadata{
		collections: []engine.Collection{{CollectionID: "col1"}},
		chunkPointsByColl: map[string][]string{
			"col1": {},
		},
		deletedDocs: map[string][]engine.Document{
			"col1": {{DocID: "deadDoc", CollectionID: "col1"}},
		},
	}
	vecs := &fakeVectors{pointsByColl: map[string][]string{"col1": {}}}
	leaser := coordination.NewMemLeaser(time.Now)

	c := New(meta, vecs, leaser, Config{Interval: time.Hour})
	c.RunOnce(context.Background())

	if len(vecs.deletedFilters) != 1 || vecs.deletedFilters[0] != "deadDoc" {
		t.Errorf("expected vectors deleted by docId filter, got %v", vecs.deletedFilters)
	}
	if len(meta.purgedDocIDs) != 1 || meta.purgedDocIDs[0] != "deadDoc" {
		t.Errorf("expected doc purged via PurgeDocuments, got %v", meta.purgedDocIDs)
	}
}

func TestCollector_SingleFlight_SecondRoundSkipsWhileLeaseHeld(t *testing.T) {
	leaser := coordination.NewMemLeaser(time.Now)
	ok, err := leaser.TryAcquire(context.Background(), leaseKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to acquire lease directly, got ok=%v err=%v", ok, err)
	}

	meta := &fakeMetadata{collections: []engine.Collection{{CollectionID: "col1"}}, chunkPointsByColl: map[string][]string{"col1": {"x#0"}}}
	vecs := &fakeVectors{pointsByColl: map[string][]string{"col1": {"orphan#0"}}}

	c := New(meta, vecs, leaser, Config{Interval: time.Hour})
	c.RunOnce(context.Background())

	if len(vecs.deletedPoints) != 0 {
		t.Errorf("expected RunOnce to skip while lease is held elsewhere, but it ran: %v", vecs.deletedPoints)
	}
}
