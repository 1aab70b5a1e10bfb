// Package vectorstore implements the engine.VectorStore contract over
// Qdrant: deterministic pointId-to-UUID mapping, batched upserts, filtered
// delete, similarity search and a full point-id scan for the reconciling
// GC.
package vectorstore

import (
	"context"
	"crypto/sha1"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/observability"
)

// pointNamespace is the fixed UUID v5 namespace every pointId is hashed
// against, so the same logical point always maps to the same Qdrant point
// id across restarts and processes.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// pointUUID derives a deterministic UUID v5 from a pointId string.
func pointUUID(pointID string) string {
	h := sha1.Sum([]byte(pointID))
	return uuid.NewSHA1(pointNamespace, h[:]).String()
}

const defaultUpsertBatchSize = 100
const defaultScrollPageSize = 256

// Store implements engine.VectorStore over a qdrant/go-client gRPC client.
type Store struct {
	client    *qdrant.Client
	batchSize int
	logger    zerolog.Logger
}

// Config configures the Qdrant connection.
type Config struct {
	Host      string
	Port      int
	BatchSize int
}

// New dials Qdrant and wraps the client.
func New(cfg Config) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultUpsertBatchSize
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Store{
		client:    client,
		batchSize: cfg.BatchSize,
		logger:    observability.Logger("vectorstore.qdrant"),
	}, nil
}

var _ engine.VectorStore = (*Store)(nil)

// EnsureCollection creates collectionID as a Qdrant collection with cosine
// distance and the declared dimension if it doesn't already exist, and
// provisions keyword field indexes on docId, collectionId and chunkIndex.
func (s *Store) EnsureCollection(ctx context.Context, collectionID string, dimension int) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range collections {
		if c == collectionID {
			return nil
		}
	}

	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collectionID,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("create collection %s: %w", collectionID, err)
	}

	for _, field := range []string{"docId", "collectionId", "chunkIndex"} {
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collectionID,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			s.logger.Warn().Err(err).Str("field", field).Msg("create field index")
		}
	}

	s.logger.Info().Str("collection", collectionID).Int("dimension", dimension).Msg("collection created")
	return nil
}

// encodeTitleChain serialises a title chain as "a > b > c", the bit-exact
// form stored in each point's titleChain payload field.
func encodeTitleChain(chain []string) string {
	return strings.Join(chain, " > ")
}

// UpsertBatch writes chunks and their embeddings to collectionID in batches
// of s.batchSize.
func (s *Store) UpsertBatch(ctx context.Context, collectionID string, chunks []engine.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("vectorstore: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]any{
			"docId":        c.DocID,
			"collectionId": c.CollectionID,
			"chunkIndex":   c.ChunkIndex,
			"title":        c.Title,
			"titleChain":   encodeTitleChain(c.TitleChain),
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(c.PointID)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	start := time.Now()
	for i := 0; i < len(points); i += s.batchSize {
		end := i + s.batchSize
		if end > len(points) {
			end = len(points)
		}
		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collectionID,
			Points:         points[i:end],
		}); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}
	s.logger.Debug().Int("count", len(points)).Dur("duration", time.Since(start)).Msg("upserted points")
	return nil
}

// DeletePoints removes specific points by their logical pointId.
func (s *Store) DeletePoints(ctx context.Context, collectionID string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(pointIDs))
	for i, p := range pointIDs {
		ids[i] = qdrant.NewID(pointUUID(p))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionID,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

// DeleteByFilter removes every point belonging to docID within
// collectionID, used when a document is finalised by the GC.
func (s *Store) DeleteByFilter(ctx context.Context, collectionID, docID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionID,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch("docId", docID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete by doc id: %w", err)
	}
	return nil
}

// Search runs a similarity query and returns hits with vector rank assigned
// in result order.
func (s *Store) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]engine.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionID,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]engine.SearchHit, 0, len(results))
	for i, p := range results {
		h := engine.SearchHit{Score: float64(p.Score), VectorRank: i}
		var docID string
		var chunkIndex int64
		if payload := p.Payload; payload != nil {
			if v, ok := payload["docId"]; ok {
				docID = v.GetStringValue()
				h.DocID = docID
			}
			if v, ok := payload["collectionId"]; ok {
				h.CollectionID = v.GetStringValue()
			}
			if v, ok := payload["chunkIndex"]; ok {
				chunkIndex = v.GetIntegerValue()
				h.ChunkIndex = int(chunkIndex)
			}
			if v, ok := payload["title"]; ok {
				h.Title = v.GetStringValue()
			}
		}
		// Reconstruct the logical pointId from payload rather than using
		// p.Id, which is the Qdrant-internal UUID derived by pointUUID and
		// carries no information RRF fusion or metadata lookups can key on.
		if docID == "" {
			s.logger.Warn().Msg("vector search hit missing docId payload, dropping")
			continue
		}
		h.PointID = docID + "#" + strconv.FormatInt(chunkIndex, 10)
		hits = append(hits, h)
	}
	return hits, nil
}

// ListAllPointIDs pages through collectionID via Scroll and returns the
// logical pointId (docId#chunkIndex) of every point, rebuilt from its
// docId/chunkIndex payload fields since the uuid mapping is one-way; points
// missing either field are skipped. Each call scans the whole collection
// from the start and returns the full list; there is no cursor to resume
// from.
func (s *Store) ListAllPointIDs(ctx context.Context, collectionID string) ([]string, error) {
	var out []string
	var offset *qdrant.PointId

	for {
		resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collectionID,
			Limit:          qdrant.PtrOf(uint32(defaultScrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			docID, chunkIndex := "", ""
			if payload := p.Payload; payload != nil {
				if v, ok := payload["docId"]; ok {
					docID = v.GetStringValue()
				}
				if v, ok := payload["chunkIndex"]; ok {
					chunkIndex = strconv.FormatInt(v.GetIntegerValue(), 10)
				}
			}
			if docID != "" && chunkIndex != "" {
				out = append(out, docID+"#"+chunkIndex)
			}
		}
		if len(resp) < defaultScrollPageSize {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	return out, nil
}
