// Package embedding implements the engine.EmbeddingProvider contract over
// Ollama, fanning batches out across a semaphore-bounded goroutine pool, and
// an optional Redis content-hash cache layered in front of it.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/pkg/models"
)

const (
	defaultModel      = "nomic-embed-text"
	defaultDimension  = 768
	defaultBatchSize  = 64
	defaultCallDeadline = 30 * time.Second
)

// Provider implements engine.EmbeddingProvider over Ollama's embed API.
// The first successful call fixes the declared dimension; any later
// response whose length disagrees fails hard via
// models.ErrDimensionMismatch, since the vector store's collection was
// already created for the first-observed size.
type Provider struct {
	client    *api.Client
	model     string
	batchSize int

	mu             sync.Mutex
	dimension      int
	dimensionFixed bool
	ready          bool

	logger zerolog.Logger
}

// Config configures the Ollama-backed provider.
type Config struct {
	Host      string
	Model     string
	BatchSize int
}

// New builds a Provider. The model is not pulled until the first Embed
// call.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	u, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	return &Provider{
		client:    api.NewClient(u, http.DefaultClient),
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		dimension: defaultDimension,
		logger:    observability.Logger("embedding.ollama"),
	}, nil
}

// ensureModel pulls the model on first use if absent.
func (p *Provider) ensureModel(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	if _, err := p.client.Show(ctx, &api.ShowRequest{Model: p.model}); err == nil {
		p.ready = true
		return nil
	}

	p.logger.Info().Str("model", p.model).Msg("pulling embedding model")
	if err := p.client.Pull(ctx, &api.PullRequest{Model: p.model}, func(api.ProgressResponse) error { return nil }); err != nil {
		return fmt.Errorf("pull embedding model %s: %w", p.model, err)
	}
	p.ready = true
	return nil
}

// Dimension returns the vector dimension fixed at first successful embed
// call, or the configured default before then.
func (p *Provider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimension
}

// Embed embeds texts in order, fanning the batch out across goroutines
// bounded by a semaphore sized to batchSize.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.ensureModel(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallDeadline)
	defer cancel()

	out := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, p.batchSize)
	var wg sync.WaitGroup

	for i, text := range texts {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, txt string) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := p.embedOne(callCtx, txt)
			if err != nil {
				errs[idx] = err
				return
			}
			out[idx] = v
		}(i, text)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, models.Wrap(models.ErrInfraExternalSvc, "embedding request failed", err))
		}
	}

	if err := p.recordDimension(len(out[0])); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	v := make([]float32, len(resp.Embeddings[0]))
	for i, f := range resp.Embeddings[0] {
		v[i] = float32(f)
	}
	return v, nil
}

// recordDimension fixes the dimension on the first call and rejects any
// later call whose length disagrees, since the vector store's collection
// was already provisioned against the first-observed size.
func (p *Provider) recordDimension(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dimensionFixed {
		p.dimension = n
		p.dimensionFixed = true
		return nil
	}
	if p.dimension != n {
		return models.ErrDimensionMismatch
	}
	return nil
}
