package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/crypto-agent/internal/model"
	"github.com/sells-group/crypto-agent/internal/store"
)

// Scraper produces new articles from the upstream news source.
type Scraper interface {
	Scrape(ctx context.Context) ([]model.NewsArticle, error)
}

// Runner drives one end-to-end ingestion cycle: scrape the source, persist
// what is new, then chunk, embed, and index it.
type Runner struct {
	scraper  Scraper
	store    store.Store
	ingestor *Ingestor
}

// RunReport summarizes one ingestion cycle.
type RunReport struct {
	Scraped  int   `json:"scraped"`
	Inserted int   `json:"inserted"`
	Stats    Stats `json:"stats"`
}

// Succeeded reports whether the cycle made progress. An empty scrape is a
// successful no-op; otherwise at least one article must have been fully
// indexed, so a partial batch still counts as success.
func (r RunReport) Succeeded() bool {
	return r.Scraped == 0 || r.Stats.Indexed > 0
}

// NewRunner creates an ingestion Runner.
func NewRunner(scraper Scraper, st store.Store, ingestor *Ingestor) *Runner {
	return &Runner{scraper: scraper, store: st, ingestor: ingestor}
}

// Run executes one ingestion cycle. An empty scrape is a successful no-op,
// not an error. A scrape failure aborts the cycle before anything is written.
func (r *Runner) Run(ctx context.Context) (RunReport, error) {
	var report RunReport

	articles, err := r.scraper.Scrape(ctx)
	if err != nil {
		return report, err
	}
	report.Scraped = len(articles)
	if len(articles) == 0 {
		zap.L().Info("ingest: no new articles")
		return report, nil
	}

	inserted, err := r.store.CreateNews(ctx, articles)
	if err != nil {
		return report, err
	}
	report.Inserted = inserted

	stats, err := r.ingestor.ProcessNews(ctx, articles)
	report.Stats = stats
	if err != nil {
		return report, err
	}

	zap.L().Info("ingest: cycle complete",
		zap.Int("scraped", report.Scraped),
		zap.Int("inserted", report.Inserted),
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed),
	)
	return report, nil
}
