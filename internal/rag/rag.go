// Package rag retrieves news chunks relevant to a query from the vector
// collection, with query expansion when the first pass comes back empty.
package rag

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-agent/internal/model"
	"github.com/sells-group/crypto-agent/pkg/jina"
	"github.com/sells-group/crypto-agent/pkg/qdrant"
)

const (
	// DefaultMaxResults caps how many chunks a search returns.
	DefaultMaxResults = 10
	// DefaultThreshold is the minimum cosine similarity for a match.
	DefaultThreshold = 0.6
	// fallbackFloor is the lowest threshold the expanded pass will use.
	fallbackFloor = 0.5
)

// Embedder is the slice of the embeddings client the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string, task jina.Task) ([][]float32, error)
}

// Searcher is the slice of the vector client the retriever needs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int, threshold float64, filter qdrant.Filter) ([]qdrant.ScoredPoint, error)
}

// Retriever embeds queries and searches the news collection.
type Retriever struct {
	embedder   Embedder
	searcher   Searcher
	maxResults int
	threshold  float64
}

// Option configures the Retriever.
type Option func(*Retriever)

// WithMaxResults overrides the default result cap.
func WithMaxResults(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.maxResults = n
		}
	}
}

// WithThreshold overrides the default similarity threshold.
func WithThreshold(t float64) Option {
	return func(r *Retriever) {
		if t > 0 {
			r.threshold = t
		}
	}
}

// New creates a Retriever.
func New(embedder Embedder, searcher Searcher, opts ...Option) *Retriever {
	r := &Retriever{
		embedder:   embedder,
		searcher:   searcher,
		maxResults: DefaultMaxResults,
		threshold:  DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SearchNews returns chunks matching the query. When the direct pass finds
// nothing it tries each expanded phrasing in order at a lowered threshold and
// a doubled limit; the first phrasing that yields results wins. When even
// that finds nothing, a single sentinel chunk is returned so downstream
// stages see what was attempted instead of an empty slice. Failures also come
// back as a sentinel, never as an error: retrieval must not crash a turn.
func (r *Retriever) SearchNews(ctx context.Context, req model.SearchRequest) ([]model.NewsChunk, error) {
	limit := req.MaxResults
	if limit <= 0 {
		limit = r.maxResults
	}
	threshold := req.SimilarityThreshold
	if threshold <= 0 {
		threshold = r.threshold
	}

	log := zap.L().With(zap.String("query", req.Query))

	chunks, err := r.searchOnce(ctx, req.Query, limit, threshold)
	if err != nil {
		log.Warn("rag: search failed", zap.Error(err))
		return []model.NewsChunk{{
			OriginalQuery: req.Query,
			Error:         err.Error(),
		}}, nil
	}
	if len(chunks) > 0 {
		log.Info("rag: direct search hit", zap.Int("results", len(chunks)))
		return chunks, nil
	}

	expanded := expandQuery(req.Query)
	fallbackThreshold := max(fallbackFloor, threshold-0.1)
	log.Info("rag: direct search empty, expanding",
		zap.Float64("threshold", fallbackThreshold),
		zap.Int("limit", limit*2),
	)

	for _, q := range expanded {
		results, err := r.searchOnce(ctx, q, limit*2, fallbackThreshold)
		if err != nil {
			log.Warn("rag: expanded search failed", zap.String("expanded_query", q), zap.Error(err))
			continue
		}
		if len(results) > 0 {
			log.Info("rag: expanded search hit",
				zap.String("expanded_query", q),
				zap.Int("results", len(results)),
			)
			return results, nil
		}
	}

	log.Info("rag: no results after expansion")
	return []model.NewsChunk{{
		NoResults:        true,
		OriginalQuery:    req.Query,
		AttemptedQueries: append([]string{req.Query}, expanded...),
		Error:            "no relevant news found for query or its expansions",
	}}, nil
}

func (r *Retriever) searchOnce(ctx context.Context, query string, limit int, threshold float64) ([]model.NewsChunk, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query}, jina.TaskQuery)
	if err != nil {
		return nil, eris.Wrapf(err, "rag: embed query %q", query)
	}
	if len(vectors) != 1 {
		return nil, eris.Errorf("rag: expected 1 query vector, got %d", len(vectors))
	}

	points, err := r.searcher.Search(ctx, vectors[0], limit, threshold, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "rag: search %q", query)
	}

	chunks := make([]model.NewsChunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPoint(p))
	}
	return chunks, nil
}

// expandQuery produces broader phrasings used when a literal query misses.
func expandQuery(query string) []string {
	return []string{
		fmt.Sprintf("%s recent cryptocurrency news, price, market, sentiment, latest developments", query),
		fmt.Sprintf("recent news and analysis about %s and market impact", query),
	}
}

func chunkFromPoint(p qdrant.ScoredPoint) model.NewsChunk {
	c := model.NewsChunk{Score: p.Score}
	if v, ok := p.Payload["news_id"].(string); ok {
		c.NewsID = v
	}
	// JSON numbers decode as float64.
	if v, ok := p.Payload["chunk_index"].(float64); ok {
		c.ChunkIndex = int(v)
	}
	if v, ok := p.Payload["title"].(string); ok {
		c.Title = v
	}
	if v, ok := p.Payload["source"].(string); ok {
		c.Source = v
	}
	if v, ok := p.Payload["publish_date"].(string); ok {
		c.PublishDate = v
	}
	if v, ok := p.Payload["chunk_text"].(string); ok {
		c.ChunkText = v
	}
	return c
}
