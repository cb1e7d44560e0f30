// Package ingest chunks, embeds, and indexes news articles into the vector
// collection, recording indexing progress in the document store.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/crypto-agent/internal/chunk"
	"github.com/sells-group/crypto-agent/internal/model"
	"github.com/sells-group/crypto-agent/internal/resilience"
	"github.com/sells-group/crypto-agent/internal/store"
	"github.com/sells-group/crypto-agent/pkg/jina"
	"github.com/sells-group/crypto-agent/pkg/qdrant"
)

// Embedder is the slice of the embeddings client the ingestor needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string, task jina.Task) ([][]float32, error)
}

// VectorStore is the slice of the vector client the ingestor needs.
type VectorStore interface {
	Upsert(ctx context.Context, points []qdrant.Point) ([]string, error)
}

// Stats summarizes one ingestion run.
type Stats struct {
	Processed int `json:"processed"`
	Indexed   int `json:"indexed"`
	Failed    int `json:"failed"`
}

// Ingestor drives the chunk -> embed -> upsert pipeline for news articles.
type Ingestor struct {
	store        store.Store
	embedder     Embedder
	vectors      VectorStore
	chunkSize    int
	chunkOverlap int
	concurrency  int
	batchSize    int
	limiter      *rate.Limiter
}

// Option configures the Ingestor.
type Option func(*Ingestor)

// WithChunking overrides chunk size and overlap.
func WithChunking(size, overlap int) Option {
	return func(i *Ingestor) {
		i.chunkSize = size
		i.chunkOverlap = overlap
	}
}

// WithConcurrency caps how many articles are processed in parallel.
func WithConcurrency(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithUpsertBatchSize caps how many points go to the vector store per call.
func WithUpsertBatchSize(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithUpsertRate paces upsert sub-batches at n calls per second.
func WithUpsertRate(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// New creates an Ingestor with default chunking and pacing.
func New(st store.Store, embedder Embedder, vectors VectorStore, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:        st,
		embedder:     embedder,
		vectors:      vectors,
		chunkSize:    chunk.DefaultSize,
		chunkOverlap: chunk.DefaultOverlap,
		concurrency:  3,
		batchSize:    10,
		limiter:      rate.NewLimiter(rate.Limit(20), 1),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// ProcessNews ingests the given articles with bounded parallelism. A failed
// article is logged and counted; siblings proceed. The returned error is
// non-nil only when the run as a whole could not proceed.
func (i *Ingestor) ProcessNews(ctx context.Context, articles []model.NewsArticle) (Stats, error) {
	if len(articles) == 0 {
		return Stats{}, nil
	}

	results := make([]bool, len(articles))

	var g errgroup.Group
	g.SetLimit(i.concurrency)
	for idx, article := range articles {
		g.Go(func() error {
			if err := i.processOne(ctx, article); err != nil {
				zap.L().Error("ingest: article failed",
					zap.String("id", article.ID),
					zap.String("title", article.Title),
					zap.Error(err),
				)
				return nil
			}
			results[idx] = true
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Processed: len(articles)}
	for _, ok := range results {
		if ok {
			stats.Indexed++
		} else {
			stats.Failed++
		}
	}
	zap.L().Info("ingest: run complete",
		zap.Int("processed", stats.Processed),
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// ProcessUnprocessed ingests stored articles that have not been indexed yet,
// up to limit. This is the resume path after a crash or partial run.
func (i *Ingestor) ProcessUnprocessed(ctx context.Context, limit int) (Stats, error) {
	articles, err := i.store.ListUnindexed(ctx, limit)
	if err != nil {
		return Stats{}, eris.Wrap(err, "ingest: list unindexed")
	}
	if len(articles) == 0 {
		zap.L().Info("ingest: nothing to reprocess")
		return Stats{}, nil
	}
	zap.L().Info("ingest: reprocessing unindexed articles", zap.Int("count", len(articles)))
	return i.ProcessNews(ctx, articles)
}

// processOne runs the chunk -> embed -> upsert pipeline for one article. The
// article is marked indexed only after every chunk has been upserted, so an
// interrupted run leaves it eligible for reprocessing.
func (i *Ingestor) processOne(ctx context.Context, article model.NewsArticle) error {
	if strings.TrimSpace(article.Description) == "" {
		return eris.Errorf("ingest: article %s has no description", article.ID)
	}

	chunks := chunk.Split(article.Description, i.chunkSize, i.chunkOverlap)
	if len(chunks) == 0 {
		return eris.Errorf("ingest: article %s produced no chunks", article.ID)
	}

	vectors, err := resilience.DoVal(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) ([][]float32, error) {
		return i.embedder.Embed(ctx, chunks, jina.TaskPassage)
	})
	if err != nil {
		return eris.Wrapf(err, "ingest: embed article %s", article.ID)
	}
	if len(vectors) != len(chunks) {
		return eris.Errorf("ingest: article %s: %d chunks but %d vectors", article.ID, len(chunks), len(vectors))
	}

	points, err := buildPoints(article, chunks, vectors)
	if err != nil {
		return eris.Wrapf(err, "ingest: build points for article %s", article.ID)
	}
	for start := 0; start < len(points); start += i.batchSize {
		end := min(start+i.batchSize, len(points))
		if err := i.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "ingest: rate limit wait")
		}
		batch := points[start:end]
		err := resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
			_, upsertErr := i.vectors.Upsert(ctx, batch)
			return upsertErr
		})
		if err != nil {
			return eris.Wrapf(err, "ingest: upsert article %s points %d-%d", article.ID, start, end)
		}
	}

	if err := i.store.MarkIndexed(ctx, article.ID, time.Now().UTC()); err != nil {
		return eris.Wrapf(err, "ingest: mark indexed %s", article.ID)
	}
	return nil
}

// buildPoints assigns deterministic point IDs so re-ingesting an article
// overwrites its chunks instead of duplicating them.
func buildPoints(article model.NewsArticle, chunks []string, vectors [][]float32) ([]qdrant.Point, error) {
	ids := make([]string, len(chunks))
	payloads := make([]map[string]any, len(chunks))
	for idx := range chunks {
		ids[idx] = qdrant.ChunkPointID(article.ID, idx)
		payloads[idx] = map[string]any{
			"news_id":      article.ID,
			"chunk_index":  idx,
			"title":        article.Title,
			"source":       article.Source,
			"publish_date": article.PublishedAt.UTC().Format(time.RFC3339),
			"chunk_text":   chunks[idx],
		}
	}
	return qdrant.BuildPoints(vectors, payloads, ids)
}
