package retryer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/simpleflo/ragengine/internal/coordination"
	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
)

// fakeMetadata is the minimal engine.MetadataStore a Scheduler needs to
// drive fire()/fireExceeded() through the FSM without a real database.
type fakeMetadata struct {
	mu   sync.Mutex
	jobs map[string]*engine.SyncJob
}

func newFakeMetadata(docID string, status fsm.State) *fakeMetadata {
	return &fakeMetadata{jobs: map[string]*engine.SyncJob{
		docID: {SyncJobID: docID + "-job", DocID: docID, Status: status},
	}}
}

func (f *fakeMetadata) GetSyncJob(ctx context.Context, docID string) (*engine.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[docID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}
func (f *fakeMetadata) ApplyTransition(ctx context.Context, job *engine.SyncJob, t *engine.TransitionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.DocID] = &cp
	return nil
}
func (f *fakeMetadata) SetDocumentStatus(ctx context.Context, docID string, status engine.DocStatus) error {
	return nil
}
func (f *fakeMetadata) ListSyncJobsByStatus(ctx context.Context, status fsm.State) ([]engine.SyncJob, error) {
	return nil, nil
}
func (f *fakeMetadata) UpsertSyncJob(ctx context.Context, job *engine.SyncJob) error { return nil }
func (f *fakeMetadata) AppendTransition(ctx context.Context, t *engine.TransitionLog) error {
	return nil
}
func (f *fakeMetadata) FTSSearch(ctx context.Context, query, collectionID string, limit int) ([]engine.SearchHit, error) {
	return nil, nil
}
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
func (f *fakeMetadata) CreateDocument(ctx context.Context, doc *engine.Document) error { return nil }
func (f *fakeMetadata) GetDocument(ctx context.Context, docID string) (*engine.Document, error) {
	return nil, nil
}
func (f *fakeMetadata) GetDocumentByKey(ctx context.Context, collectionID, key string) (*engine.Document, error) {
	return nil, nil
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
func (f *fakeMetadata) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]engine.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadata) GetChunksByDocID(ctx context.Context, docID string, req engine.PageRequest) (*engine.Page[engine.Chunk], error) {
	return nil, nil
}
func (f *fakeMetadata) ListChunkPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	return nil, nil
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, c := range cases {
		got := Backoff(c.retries)
		if got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.retries, got, c.want)
		}
	}
}

// fakeClock lets tests fire timers deterministically instead of sleeping.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending map[*fakeTimer]struct{}
}

type fakeTimer struct {
	c       *fakeClock
	fire    time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0), pending: make(map[*fakeTimer]struct{})}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{c: c, fire: c.now.Add(d), f: f}
	c.mu.Lock()
	c.pending[t] = struct{}{}
	c.mu.Unlock()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	delete(t.c.pending, t)
	return true
}

// Advance moves the fake clock forward and fires any due timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for t := range c.pending {
		if !t.fire.After(c.now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		delete(c.pending, t)
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func TestScheduler_Arm_Coalesces(t *testing.T) {
	clock := newFakeClock()
	leaser := coordination.NewMemLeaser(clock.Now)

	var fired int
	var mu sync.Mutex
	handle := func(ctx context.Context, docID string) {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	store := newFakeMetadata("doc-1", fsm.StateFailed)
	s := New(store, clock, leaser, handle)
	ctx := context.Background()

	s.Arm(ctx, "doc-1", 0)
	s.Arm(ctx, "doc-1", 0) // coalesced, no-op

	clock.Advance(30 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("expected exactly one fire after coalescing, got %d", fired)
	}
}

func TestScheduler_Cancel_PreventsFire(t *testing.T) {
	clock := newFakeClock()
	leaser := coordination.NewMemLeaser(clock.Now)

	fired := false
	handle := func(ctx context.Context, docID string) { fired = true }

	store := newFakeMetadata("doc-1", fsm.StateFailed)
	s := New(store, clock, leaser, handle)
	ctx := context.Background()

	s.Arm(ctx, "doc-1", 0)
	s.Cancel(ctx, "doc-1")
	clock.Advance(30 * time.Second)

	if fired {
		t.Errorf("expected cancelled timer not to fire")
	}
}
