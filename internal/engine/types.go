// Package engine holds the domain types shared by every component of the
// ingestion and search pipeline, plus the store-facing interfaces that let
// the orchestrator, retryer, search and GC packages depend on behaviour
// rather than on internal/metadata, internal/vectorstore and
// internal/embedding directly.
package engine

import (
	"context"
	"time"

	"github.com/simpleflo/ragengine/internal/fsm"
)

// DocStatus is the lifecycle status of a Document row, independent of its
// SyncJob FSM state (a document can sit in PROCESSING while its sync job
// cycles through FAILED/RETRYING several times before reaching COMPLETED).
type DocStatus string

const (
	DocStatusNew        DocStatus = "NEW"
	DocStatusProcessing DocStatus = "PROCESSING"
	DocStatusCompleted  DocStatus = "COMPLETED"
	DocStatusFailed     DocStatus = "FAILED"
	DocStatusDeleted    DocStatus = "DELETED"
)

// ChunkStatus mirrors a chunk's progress through the pipeline.
type ChunkStatus string

const (
	ChunkStatusNew     ChunkStatus = "NEW"
	ChunkStatusEmbedded ChunkStatus = "EMBEDDED"
	ChunkStatusSynced  ChunkStatus = "SYNCED"
	ChunkStatusFailed  ChunkStatus = "FAILED"
)

// Collection groups documents under one name and one vector space.
type Collection struct {
	CollectionID string
	Name         string
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is one source unit submitted for ingestion. DocID is the
// content-addressed SHA-256 hex digest of Content; Key is the caller-supplied
// logical identity used to detect re-uploads within a collection.
type Document struct {
	DocID        string
	CollectionID string
	Key          string
	Name         string
	MIME         string
	SizeBytes    int64
	Content      []byte
	Status       DocStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is one split segment of a Document, addressed by PointID
// (docID#chunkIndex).
type Chunk struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Title        string
	TitleChain   []string
	Content      string
	ContentHash  string
	Status       ChunkStatus
}

// SyncJob tracks one Document's progress through the split/embed/index
// pipeline.
type SyncJob struct {
	SyncJobID     string
	DocID         string
	Status        fsm.State
	Retries       int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransitionLog is one append-only audit row for a SyncJob state change.
type TransitionLog struct {
	ID         int64
	SyncJobID  string
	FromState  fsm.State
	ToState    fsm.State
	Event      fsm.Event
	At         time.Time
	Context    string
}

// Page is a generic paginated response envelope.
type Page[T any] struct {
	Data       []T
	Page       int
	Limit      int
	Total      int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// PageRequest bounds page/limit at the call boundary: Page >= 1,
// 1 <= Limit <= 500.
type PageRequest struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

// SearchHit is one ranked result returned from a hybrid search.
type SearchHit struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Content      string
	Title        string
	TitleChain   []string
	Score        float64
	KeywordRank  int
	VectorRank   int
}

// SearchResult wraps a ranked hit list with the degraded flag the spec
// requires to surface when the vector leg of a hybrid search failed.
type SearchResult struct {
	Hits      []SearchHit
	Degraded  bool
	Page      int
	Limit     int
	Total     int
}

// MetadataStore is the storage contract internal/metadata implements over
// SQLite, and the only dependency the orchestrator, retryer, search and GC
// packages take on persistence.
type MetadataStore interface {
	CreateCollection(ctx context.Context, name, description string) (*Collection, error)
	GetCollectionByID(ctx context.Context, collectionID string) (*Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*Collection, error)
	ListCollections(ctx context.Context, req PageRequest) (*Page[Collection], error)
	DeleteCollection(ctx context.Context, collectionID string) error

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, docID string) (*Document, error)
	GetDocumentByKey(ctx context.Context, collectionID, key string) (*Document, error)
	SetDocumentStatus(ctx context.Context, docID string, status DocStatus) error
	SoftDeleteDocument(ctx context.Context, docID string) error
	HardDeleteDocument(ctx context.Context, docID string) error
	ListDeletedDocuments(ctx context.Context, collectionID string) ([]Document, error)
	// PurgeDocuments hard-deletes every listed document's chunks and doc row,
	// each under its own nested savepoint inside one outer transaction, so one
	// bad row rolls back only its own deletes while the rest commit together
	// at the end of the round.
	PurgeDocuments(ctx context.Context, docIDs []string) (int, error)

	AddChunks(ctx context.Context, docID string, chunks []Chunk) error
	FinalizeDocument(ctx context.Context, docID string) error
	DeleteChunksByDocID(ctx context.Context, docID string) error
	DeleteChunksByCollectionID(ctx context.Context, collectionID string) error
	DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error
	GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]Chunk, error)
	GetChunksByDocID(ctx context.Context, docID string, req PageRequest) (*Page[Chunk], error)
	ListChunkPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error)

	FTSSearch(ctx context.Context, query string, collectionID string, limit int) ([]SearchHit, error)

	UpsertSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, docID string) (*SyncJob, error)
	AppendTransition(ctx context.Context, t *TransitionLog) error
	ListSyncJobsByStatus(ctx context.Context, status fsm.State) ([]SyncJob, error)
	// ApplyTransition persists job's new status and appends the matching
	// TransitionLog row atomically, so an accepted FSM event never leaves the
	// SyncJob row and its audit trail out of step.
	ApplyTransition(ctx context.Context, job *SyncJob, t *TransitionLog) error
}

// VectorStore is the contract internal/vectorstore implements over Qdrant.
type VectorStore interface {
	EnsureCollection(ctx context.Context, collectionID string, dimension int) error
	UpsertBatch(ctx context.Context, collectionID string, chunks []Chunk, vectors [][]float32) error
	DeletePoints(ctx context.Context, collectionID string, pointIDs []string) error
	DeleteByFilter(ctx context.Context, collectionID, docID string) error
	Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]SearchHit, error)
	ListAllPointIDs(ctx context.Context, collectionID string) ([]string, error)
}

// EmbeddingProvider is the contract internal/embedding implements over
// Ollama, with an optional Redis cache layered in front.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
