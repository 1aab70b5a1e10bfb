// Package daemon implements the engine daemon core: it wires the
// metadata/vector/embedding stores into the orchestrator, search engine and
// GC, and exposes the RPC surface over a Unix socket.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/config"
	"github.com/simpleflo/ragengine/internal/coordination"
	"github.com/simpleflo/ragengine/internal/embedding"
	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/gc"
	"github.com/simpleflo/ragengine/internal/metadata"
	"github.com/simpleflo/ragengine/internal/observability"
	"github.com/simpleflo/ragengine/internal/orchestrator"
	"github.com/simpleflo/ragengine/internal/retryer"
	"github.com/simpleflo/ragengine/internal/search"
	"github.com/simpleflo/ragengine/internal/splitter"
	"github.com/simpleflo/ragengine/internal/store"
	"github.com/simpleflo/ragengine/internal/txn"
	"github.com/simpleflo/ragengine/internal/vectorstore"
)

// Daemon is the engine daemon: one metadata store, one vector store, one
// embedding provider, and the orchestrator/retryer/search/gc components
// wired over them.
type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	router chi.Router
	server *http.Server
	logger zerolog.Logger

	metadata     engine.MetadataStore
	vectors      engine.VectorStore
	embedder     engine.EmbeddingProvider
	orchestrator *orchestrator.Orchestrator
	retryer      *retryer.Scheduler
	search       *search.Engine
	gc           *gc.Collector
	eventBus     *EventBus

	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New wires every component from cfg and returns a Daemon ready to Start.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	if err := st.EnsureVectorDimension(cfg.Engine.VectorDimension); err != nil {
		st.Close()
		return nil, fmt.Errorf("check vector dimension: %w", err)
	}

	logger := observability.Logger("daemon")

	metaStore := metadata.New(st.DB())
	txm := txn.NewManager(st.DB())

	vecStore, err := vectorstore.New(vectorstore.Config{
		Host: cfg.Qdrant.Host,
		Port: cfg.Qdrant.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	embedProvider, err := embedding.New(embedding.Config{
		Host:      cfg.Ollama.Host,
		Model:     cfg.Ollama.Model,
		BatchSize: cfg.Engine.EmbedBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	var embedder engine.EmbeddingProvider = embedProvider
	var leaser coordination.Leaser = coordination.NewMemLeaser(time.Now)

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		embedder = embedding.NewCachedProvider(embedProvider, redisClient)
		leaser = coordination.NewRedisLeaser(redisClient, "ragengine:")
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis cache and cross-process leases enabled")
	}

	splitStrategy := splitter.Strategy(cfg.Engine.SplitterDefault)
	if splitStrategy == "" {
		splitStrategy = splitter.StrategyMarkdownHeadings
	}

	retrySched := retryer.New(metaStore, retryer.NewRealClock(), leaser, nil)

	orch := orchestrator.New(metaStore, vecStore, embedder, txm, retrySched, orchestrator.Config{
		Workers:         cfg.Engine.IngestionParallelism,
		EmbedBatchSize:  cfg.Engine.EmbedBatchSize,
		SplitterDefault: splitStrategy,
		VectorDimension: cfg.Engine.VectorDimension,
	})
	retrySched.SetHandler(func(ctx context.Context, docID string) {
		if err := orch.Resume(ctx, docID); err != nil {
			logger.Warn().Err(err).Str("doc_id", docID).Msg("resume document after retry")
		}
	})

	searchEngine := search.New(metaStore, vecStore, embedder)

	d := &Daemon{
		cfg:          cfg,
		store:        st,
		logger:       logger,
		metadata:     metaStore,
		vectors:      vecStore,
		embedder:     embedder,
		orchestrator: orch,
		retryer:      retrySched,
		search:       searchEngine,
		eventBus:     NewEventBus(100),
		shutdownCh:   make(chan struct{}),
	}

	collector := gc.New(metaStore, vecStore, leaser, gc.Config{
		Interval: time.Duration(cfg.Engine.GCIntervalHours) * time.Hour,
		OnComplete: func(s gc.RunSummary) {
			d.eventBus.Publish(EventGCRunCompleted, GCRunData{
				OrphanedVectors: s.OrphanedVectors,
				OrphanedChunks:  s.OrphanedChunks,
				PurgedDocs:      s.PurgedDocs,
			})
		},
	})
	d.gc = collector

	searchEngine.OnDegraded(func(query, collectionID, reason string) {
		d.eventBus.Publish(EventSearchDegraded, SearchDegradedData{
			CollectionID: collectionID,
			Query:        query,
			Reason:       reason,
		})
	})

	d.setupRouter()
	return d, nil
}

// setupRouter configures the HTTP router over the §6 RPC surface.
func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", d.handleHealth)
		r.Get("/ready", d.handleReady)
		r.Get("/status", d.handleStatus)

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", d.handleListCollections)
			r.Post("/", d.handleCreateCollection)
			r.Delete("/{collectionID}", d.handleDeleteCollection)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", d.handleIngestDocument)
			r.Post("/{docID}/resync", d.handleResyncDocument)
			r.Delete("/{docID}", d.handleDeleteDocument)
			r.Get("/{docID}/sync-status", d.handleGetSyncStatus)
		})

		r.Get("/search", d.handleSearch)

		r.Get("/events", d.handleSSEEvents)
		r.Get("/events/stats", d.handleSSEStats)
	})

	d.router = r
}

func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		observability.WithRequestID(d.logger, middleware.GetReqID(r.Context())).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// Start binds the Unix socket, launches the HTTP server, the orchestrator
// worker pool, the retry scheduler's boot-time re-arm scan, and the GC
// ticker loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().
		Str("socket", d.cfg.SocketPath).
		Str("data_dir", d.cfg.DataDir).
		Msg("starting daemon")

	socketDir := filepath.Dir(d.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(d.cfg.SocketPath)

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	d.server = &http.Server{
		Handler:      d.router,
		ReadTimeout:  d.cfg.API.ReadTimeout,
		WriteTimeout: d.cfg.API.WriteTimeout,
		IdleTimeout:  d.cfg.API.IdleTimeout,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("server error")
		}
	}()

	d.orchestrator.Start(ctx)

	if err := d.retryer.RearmOnBoot(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("rearm retry scheduler on boot")
	}

	d.gc.Start(ctx)

	d.wg.Add(1)
	go d.republishTransitions(ctx)

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"socket":   d.cfg.SocketPath,
		"data_dir": d.cfg.DataDir,
	})

	d.logger.Info().Msg("daemon started")
	return nil
}

// republishTransitions forwards every orchestrator CompletionEvent onto the
// SSE-facing EventBus, purely for progress streaming.
func (d *Daemon) republishTransitions(ctx context.Context) {
	defer d.wg.Done()
	events := d.orchestrator.Subscribe()
	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data := SyncCompletionData{DocID: ev.DocID, Status: string(ev.Status)}
			if ev.Err != nil {
				data.Error = ev.Err.Error()
			}
			d.eventBus.Publish(EventSyncTransition, data)
		}
	}
}

// Stop gracefully tears down the HTTP server and every background loop.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")
	close(d.shutdownCh)

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	d.orchestrator.Stop()
	d.gc.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	if d.store != nil {
		d.store.Close()
	}
	os.Remove(d.cfg.SocketPath)

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	d.logger.Info().Msg("daemon stopped")
	return nil
}

// Run runs the daemon until interrupted by SIGINT/SIGTERM or a programmatic
// shutdown request.
func (d *Daemon) Run() error {
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Ready reports whether the daemon is accepting requests.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}
