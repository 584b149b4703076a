package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/chat"
	"github.com/fabfab/rag-local-api/config"
	"github.com/fabfab/rag-local-api/database"
	"github.com/fabfab/rag-local-api/embeddings"
	"github.com/fabfab/rag-local-api/history"
	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/ingestion"
	"github.com/fabfab/rag-local-api/knowledge"
	"github.com/fabfab/rag-local-api/llm"
)

// app holds the process-wide services. It is built once and shared by every
// request.
type app struct {
	cfg      config.Config
	logger   *zap.SugaredLogger
	index    *index.Manager
	history  *history.Log
	provider llm.Provider
	graph    *knowledge.Graph
	ingest   *ingestion.Service
	chat     *chat.Service

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	embedder, err := embeddings.NewEmbedder(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.index = index.NewManager(backend, embedder, cfg.Index.Collection, cfg.Index.StorageRoot, logger)
	a.closers = append(a.closers, func() {
		if err := a.index.Close(); err != nil {
			logger.Warnw("close vector index", "error", err)
		}
	})

	store, err := a.openHistoryStore(ctx)
	if err != nil {
		return nil, err
	}
	a.history = history.NewLog(store, logger, history.LogOptions{
		Timeout:              cfg.Timeouts.History,
		MaxAttempts:          cfg.RetryMaxAttempts,
		DegradeOnReadFailure: cfg.History.DegradeOnReadFailure,
	})

	a.provider, err = llm.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	opts := []ingestion.Option{ingestion.WithStagingDir(cfg.Ingestion.StagingDir)}
	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })

		a.graph = knowledge.NewGraph(driver, a.index, logger)
		if err := a.graph.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("neo4j schema: %w", err)
		}
		opts = append(opts, ingestion.WithLineage(a.graph))
	}

	a.ingest = ingestion.NewService(a.index, ingestion.NewRegistry(), ingestion.NewPolicy(cfg.Ingestion.MaxFileMB), logger, opts...)
	a.chat = chat.NewService(a.index, a.history, a.provider, chat.Config{
		Search: index.SearchOptions{
			K:      cfg.Retrieval.TopK,
			FetchK: cfg.Retrieval.FetchK,
			Lambda: cfg.Retrieval.Lambda,
		},
		HistoryWindow:     cfg.Retrieval.HistoryWindow,
		MaxContextChars:   cfg.Retrieval.MaxContextChars,
		ReturnFullHistory: cfg.Retrieval.ReturnFullHistory,
	}, logger)

	return a, nil
}

// openBackend returns the configured vector backend. Reset clears the storage
// root for every backend.
func (a *app) openBackend(ctx context.Context) (index.Backend, error) {
	switch a.cfg.Index.Backend {
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		backend, err := index.NewPostgresBackend(ctx, pool, a.cfg.Embeddings.Dimension)
		if err != nil {
			return nil, fmt.Errorf("postgres vector backend: %w", err)
		}
		return backend, nil
	default:
		backend, err := index.NewLocalBackend(ctx, a.cfg.Index.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("local vector backend: %w", err)
		}
		return backend, nil
	}
}

func (a *app) openHistoryStore(ctx context.Context) (history.Store, error) {
	if a.cfg.History.Backend == config.HistoryMemory {
		a.logger.Warnw("conversation history is kept in memory and is lost on restart")
		return history.NewMemoryStore(), nil
	}

	client, err := history.NewRedisClient(ctx, a.cfg.History.RedisAddr, a.cfg.History.RedisPassword, a.cfg.History.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return history.NewRedisStore(client, a.cfg.History.Key), nil
}

// reset empties the vector index and drops lineage data.
func (a *app) reset(ctx context.Context) (index.CollectionInfo, error) {
	handle, err := a.index.Reset(ctx)
	if err != nil {
		return index.CollectionInfo{}, err
	}
	if a.graph != nil {
		if err := a.graph.Purge(ctx); err != nil {
			a.logger.Warnw("lineage purge failed", "error", err)
		}
	}
	return handle.Info(), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
