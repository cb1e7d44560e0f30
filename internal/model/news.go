package model

import (
	"strings"
	"time"
)

// NewsArticle is a scraped news item. The ID comes from the source site and is
// globally unique; re-scraping the same ID must never create a second record.
type NewsArticle struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	PublishedAt     time.Time  `json:"published_at"`
	Source          string     `json:"source"`
	Description     string     `json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
	VectorIndexedAt *time.Time `json:"vector_indexed_at,omitempty"` // nil until every chunk is in the vector index
}

// Indexed reports whether the article has been fully embedded and upserted.
func (a *NewsArticle) Indexed() bool {
	return a.VectorIndexedAt != nil
}

// NewsChunk is a scored slice of an article returned from vector search. It is
// also the vector payload written at ingestion time, so the two sides of the
// index agree on shape.
type NewsChunk struct {
	NewsID      string  `json:"news_id"`
	ChunkIndex  int     `json:"chunk_index"`
	Title       string  `json:"title"`
	Source      string  `json:"source"`
	PublishDate string  `json:"publish_date"`
	ChunkText   string  `json:"chunk_text"`
	Score       float64 `json:"score,omitempty"`

	// Sentinel fields. A NoResults chunk means the search ran and matched
	// nothing; an Error chunk means retrieval itself failed. Both are delivered
	// in-band so workflow stages can react instead of crashing.
	NoResults        bool     `json:"no_results,omitempty"`
	Error            string   `json:"error,omitempty"`
	OriginalQuery    string   `json:"original_query,omitempty"`
	AttemptedQueries []string `json:"attempted_queries,omitempty"`
}

// IsSentinel reports whether the chunk carries a no-results or error signal
// rather than retrieved evidence.
func (c NewsChunk) IsSentinel() bool {
	return c.NoResults || c.Error != ""
}

// HasEvidence reports whether chunks contain at least one real retrieved chunk.
// A slice holding only sentinels is not evidence.
func HasEvidence(chunks []NewsChunk) bool {
	for _, c := range chunks {
		if !c.IsSentinel() && strings.TrimSpace(c.ChunkText) != "" {
			return true
		}
	}
	return false
}
