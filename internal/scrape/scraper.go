// Package scrape fetches the crypto news listing, resolves article detail
// pages with bounded concurrency, and returns only articles not already known.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crypto-agent/internal/model"
)

// Catalog is the slice of the document store the scraper needs for
// deduplication.
type Catalog interface {
	// LatestNewsTime returns the newest stored publish time, or nil when the
	// store is empty.
	LatestNewsTime(ctx context.Context) (*time.Time, error)
	// HasNews reports whether an article with the given id is already stored.
	HasNews(ctx context.Context, id string) (bool, error)
}

// Scraper fetches and deduplicates news articles from one source.
type Scraper struct {
	source        Source
	catalog       Catalog
	client        *http.Client
	maxConcurrent int
	idFilter      bool
}

// Option configures the Scraper.
type Option func(*Scraper)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Scraper) { s.client = hc }
}

// WithMaxConcurrent caps in-flight detail-page fetches.
func WithMaxConcurrent(n int) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithIDFilter switches deduplication from the timestamp policy to the
// per-article identity policy. Slower (one store lookup per article) but
// reliable when stored timestamps cannot be trusted, e.g. after a backfill.
func WithIDFilter(enabled bool) Option {
	return func(s *Scraper) { s.idFilter = enabled }
}

// New creates a Scraper for the given source, deduplicating against catalog.
func New(source Source, catalog Catalog, opts ...Option) *Scraper {
	s := &Scraper{
		source:        source,
		catalog:       catalog,
		maxConcurrent: 10,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newsStub is an article reference found in the listing's embedded JSON.
type newsStub struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	StoryPath string     `json:"storyPath"`
	Source    sourceName `json:"source"`
}

// sourceName tolerates the listing encoding the source either as a plain
// string or as an object with a name field.
type sourceName string

func (s *sourceName) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*s = sourceName(plain)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = sourceName(obj.Name)
	return nil
}

// listingSection is one top-level entry of the embedded init-data JSON.
type listingSection struct {
	Blocks []struct {
		News struct {
			Items []newsStub `json:"items"`
		} `json:"news"`
	} `json:"blocks"`
}

// Scrape fetches the listing, resolves detail pages concurrently, and returns
// the articles not already present in the catalog, newest data included. A
// missing structured-data block is logged and yields an empty result; only a
// failed listing fetch is returned as an error.
func (s *Scraper) Scrape(ctx context.Context) ([]model.NewsArticle, error) {
	log := zap.L().With(zap.String("source", s.source.Name))

	stubs, err := s.fetchListing(ctx)
	if err != nil {
		var pe *ParseError
		if eris.As(err, &pe) {
			log.Warn("scrape: structured data block not found", zap.String("url", s.source.ListingURL))
			return nil, nil
		}
		return nil, err
	}
	if len(stubs) == 0 {
		log.Info("scrape: no news items on listing page")
		return nil, nil
	}
	log.Info("scrape: found news items", zap.Int("count", len(stubs)))

	articles := s.fetchDetails(ctx, stubs)
	log.Info("scrape: resolved articles", zap.Int("count", len(articles)))

	if s.idFilter {
		fresh, err := s.filterByIdentity(ctx, articles)
		if err != nil {
			return nil, err
		}
		log.Info("scrape: new articles after identity filtering", zap.Int("count", len(fresh)))
		return fresh, nil
	}

	fresh, err := s.filterByTimestamp(ctx, articles)
	if err != nil {
		return nil, err
	}
	log.Info("scrape: new articles after timestamp filtering", zap.Int("count", len(fresh)))
	return fresh, nil
}

func (s *Scraper) fetchListing(ctx context.Context) ([]newsStub, error) {
	doc, err := s.fetchDocument(ctx, s.source.ListingURL)
	if err != nil {
		return nil, err
	}

	var raw string
	selector := fmt.Sprintf("script[type=%q]", s.source.ScriptType)
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if strings.Contains(text, s.source.Marker) {
			raw = strings.TrimSpace(text)
			return false
		}
		return true
	})
	if raw == "" {
		return nil, &ParseError{URL: s.source.ListingURL, Reason: "no script tag matching marker " + s.source.Marker}
	}

	var sections map[string]listingSection
	if err := json.Unmarshal([]byte(raw), &sections); err != nil {
		return nil, &ParseError{URL: s.source.ListingURL, Reason: "structured data is not valid JSON: " + err.Error()}
	}

	var stubs []newsStub
	for _, section := range sections {
		for _, block := range section.Blocks {
			stubs = append(stubs, block.News.Items...)
		}
	}
	return stubs, nil
}

// fetchDetails resolves detail pages with bounded parallelism. A failed or
// unparsable detail page drops that article only; siblings are unaffected.
func (s *Scraper) fetchDetails(ctx context.Context, stubs []newsStub) []model.NewsArticle {
	results := make([]*model.NewsArticle, len(stubs))

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, stub := range stubs {
		g.Go(func() error {
			article, err := s.fetchDetail(ctx, stub)
			if err != nil {
				zap.L().Warn("scrape: dropping article",
					zap.String("id", stub.ID),
					zap.String("title", stub.Title),
					zap.Error(err),
				)
				return nil
			}
			results[i] = article
			return nil
		})
	}
	_ = g.Wait()

	articles := make([]model.NewsArticle, 0, len(stubs))
	for _, a := range results {
		if a != nil {
			articles = append(articles, *a)
		}
	}
	return articles
}

func (s *Scraper) fetchDetail(ctx context.Context, stub newsStub) (*model.NewsArticle, error) {
	storyURL := s.source.BaseURL + stub.StoryPath

	doc, err := s.fetchDocument(ctx, storyURL)
	if err != nil {
		return nil, err
	}

	datetime, ok := doc.Find("time").First().Attr("datetime")
	if !ok {
		return nil, &ParseError{URL: storyURL, Reason: "no time element"}
	}
	publishedAt, err := parseTime(datetime)
	if err != nil {
		return nil, &ParseError{URL: storyURL, Reason: "unparsable timestamp " + datetime}
	}

	var paragraphs []string
	doc.Find(s.source.StoryContainer + " p").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	return &model.NewsArticle{
		ID:          stub.ID,
		Title:       stub.Title,
		PublishedAt: publishedAt,
		Source:      string(stub.Source),
		Description: strings.Join(paragraphs, "\n\n"),
	}, nil
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; CryptoAgentBot/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse document %s", pageURL)
	}
	return doc, nil
}

// filterByTimestamp keeps articles newer than the most recent stored publish
// time. With an empty catalog everything is new. Running the filter twice
// against the same latest timestamp returns the same set.
func (s *Scraper) filterByTimestamp(ctx context.Context, articles []model.NewsArticle) ([]model.NewsArticle, error) {
	latest, err := s.catalog.LatestNewsTime(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: latest news time")
	}
	if latest == nil {
		zap.L().Info("scrape: catalog empty, keeping all scraped articles")
		return articles, nil
	}

	fresh := make([]model.NewsArticle, 0, len(articles))
	for _, a := range articles {
		if a.PublishedAt.After(*latest) {
			fresh = append(fresh, a)
		}
	}
	return fresh, nil
}

// filterByIdentity keeps articles whose id is not yet stored. A lookup error
// for one article drops only that article.
func (s *Scraper) filterByIdentity(ctx context.Context, articles []model.NewsArticle) ([]model.NewsArticle, error) {
	fresh := make([]model.NewsArticle, 0, len(articles))
	for _, a := range articles {
		exists, err := s.catalog.HasNews(ctx, a.ID)
		if err != nil {
			zap.L().Error("scrape: existence check failed", zap.String("id", a.ID), zap.Error(err))
			continue
		}
		if !exists {
			fresh = append(fresh, a)
		}
	}
	return fresh, nil
}

// parseTime accepts the RFC 3339 forms seen in article time elements.
func parseTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("scrape: unsupported time format %q", value)
}
