package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crypto-agent/internal/agent"
	"github.com/sells-group/crypto-agent/internal/ingest"
	"github.com/sells-group/crypto-agent/internal/rag"
	"github.com/sells-group/crypto-agent/internal/scrape"
	"github.com/sells-group/crypto-agent/internal/store"
	anthropicpkg "github.com/sells-group/crypto-agent/pkg/anthropic"
	"github.com/sells-group/crypto-agent/pkg/jina"
	"github.com/sells-group/crypto-agent/pkg/qdrant"
)

// appEnv holds the initialized store, clients, and pipeline components shared
// by the serve/ingest/chat/status commands.
type appEnv struct {
	Store     store.Store
	Vectors   qdrant.Client
	Retriever *rag.Retriever
	Workflow  *agent.Workflow
	Ingestor  *ingest.Ingestor
	Runner    *ingest.Runner
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "crypto-agent.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initApp sets up the store, API clients, and pipeline components. The vector
// collection is verified at startup so a dimension mismatch fails fast.
// Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	embedder := jina.NewClient(cfg.Jina.Key, cfg.Jina.Model, cfg.Jina.Dimensions,
		jina.WithBaseURL(cfg.Jina.BaseURL),
		jina.WithMaxBatchSize(cfg.Jina.MaxBatchSize),
	)

	vectors := qdrant.NewClient(cfg.Qdrant.URL, cfg.Qdrant.APIKey, cfg.Qdrant.Collection)
	if err := vectors.EnsureCollection(ctx, embedder.Dimensions()); err != nil {
		_ = st.Close()
		return nil, err
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)

	retriever := rag.New(embedder, vectors,
		rag.WithMaxResults(cfg.Retrieval.MaxResults),
		rag.WithThreshold(cfg.Retrieval.SimilarityThreshold),
	)

	workflow := agent.New(llm, retriever, st,
		agent.WithModels(cfg.Anthropic.Model, cfg.Anthropic.RouterModel),
		agent.WithMaxTokens(cfg.Anthropic.MaxTokens),
		agent.WithTemperature(cfg.Anthropic.Temperature),
	)

	ingestor := ingest.New(st, embedder, vectors,
		ingest.WithChunking(cfg.Chunk.Size, cfg.Chunk.Overlap),
		ingest.WithConcurrency(cfg.Ingest.MaxConcurrent),
		ingest.WithUpsertBatchSize(cfg.Ingest.UpsertBatchSize),
		ingest.WithUpsertRate(cfg.Ingest.UpsertPerSecond),
	)

	source, err := scrape.LoadSource(cfg.Scrape.SourcesFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	scraper := scrape.New(source, st,
		scrape.WithMaxConcurrent(cfg.Scrape.MaxConcurrent),
		scrape.WithIDFilter(cfg.Scrape.IDFilter),
		scrape.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Scrape.TimeoutSecs) * time.Second}),
	)

	return &appEnv{
		Store:     st,
		Vectors:   vectors,
		Retriever: retriever,
		Workflow:  workflow,
		Ingestor:  ingestor,
		Runner:    ingest.NewRunner(scraper, st, ingestor),
	}, nil
}
