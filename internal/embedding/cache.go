package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/internal/splitter"
)

const cacheKeyPrefix = "ragengine:embed:"

// CachedProvider wraps an engine.EmbeddingProvider with a Redis content-hash
// cache so identical chunk content across documents is never re-embedded.
// A cache miss, or any Redis error, falls through to the wrapped provider
// unchanged.
type CachedProvider struct {
	inner  engine.EmbeddingProvider
	redis  *redis.Client
	logger zerolog.Logger
}

// NewCachedProvider wraps inner with a Redis-backed cache keyed by the
// SHA-256 content hash, global across collections since identical text
// embeds identically regardless of which document it came from.
func NewCachedProvider(inner engine.EmbeddingProvider, client *redis.Client) *CachedProvider {
	return &CachedProvider{
		inner:  inner,
		redis:  client,
		logger: observability.Logger("embedding.cache"),
	}
}

var _ engine.EmbeddingProvider = (*CachedProvider)(nil)

// Dimension delegates to the wrapped provider.
func (c *CachedProvider) Dimension() int {
	return c.inner.Dimension()
}

// Embed serves cached vectors where present and embeds the rest through the
// wrapped provider, writing fresh entries back to the cache.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		v, ok := c.get(ctx, splitter.ContentHash(t))
		if ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = fresh[j]
		c.set(ctx, splitter.ContentHash(missTexts[j]), fresh[j])
	}
	return out, nil
}

func (c *CachedProvider) get(ctx context.Context, hash string) ([]float32, bool) {
	raw, err := c.redis.Get(ctx, cacheKeyPrefix+hash).Bytes()
	if err != nil {
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *CachedProvider) set(ctx context.Context, hash string, v []float32) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKeyPrefix+hash, raw, 0).Err(); err != nil {
		c.logger.Debug().Err(err).Msg(fmt.Sprintf("cache write miss for %s", hash))
	}
}
