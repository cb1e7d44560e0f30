package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	latest   *time.Time
	existing map[string]bool
}

func (f *fakeCatalog) LatestNewsTime(_ context.Context) (*time.Time, error) {
	return f.latest, nil
}

func (f *fakeCatalog) HasNews(_ context.Context, id string) (bool, error) {
	return f.existing[id], nil
}

const listingJSON = `{
	"news_feed": {"title":"Market news","blocks":[
		{"news":{"items":[
			{"id":"btc-1","title":"Bitcoin climbs","storyPath":"/news/btc-1/","source":"Reuters"},
			{"id":"eth-2","title":"Ethereum upgrade ships","storyPath":"/news/eth-2/","source":{"name":"CoinDesk"}}
		]}}
	]}
}`

func newTestSite(t *testing.T, details map[string]string) (*httptest.Server, Source) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><head>
			<script type="application/json">{"unrelated":true}</script>
			<script type="application/prs.init-data+json">%s</script>
		</head><body></body></html>`, listingJSON)
	})
	for path, body := range details {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := DefaultSource()
	src.BaseURL = srv.URL
	src.ListingURL = srv.URL + "/listing"
	return srv, src
}

func detailPage(ts, paragraphs string) string {
	return fmt.Sprintf(`<html><body>
		<time datetime=%q>today</time>
		<div class="js-news-story-container">%s</div>
	</body></html>`, ts, paragraphs)
}

func TestScrapeEmptyCatalogKeepsAll(t *testing.T) {
	_, src := newTestSite(t, map[string]string{
		"/news/btc-1/": detailPage("2026-08-29T10:00:00Z", "<p>First.</p><p>Second.</p>"),
		"/news/eth-2/": detailPage("2026-08-29T11:30:00Z", "<p>Only paragraph.</p>"),
	})

	s := New(src, &fakeCatalog{})
	articles, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 2)

	byID := map[string]int{}
	for i, a := range articles {
		byID[a.ID] = i
	}
	btc := articles[byID["btc-1"]]
	assert.Equal(t, "Bitcoin climbs", btc.Title)
	assert.Equal(t, "Reuters", btc.Source)
	assert.Equal(t, "First.\n\nSecond.", btc.Description)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), btc.PublishedAt)

	eth := articles[byID["eth-2"]]
	assert.Equal(t, "CoinDesk", eth.Source, "object-form source name should be flattened")
}

func TestScrapeTimestampFilter(t *testing.T) {
	_, src := newTestSite(t, map[string]string{
		"/news/btc-1/": detailPage("2026-08-29T10:00:00Z", "<p>Old.</p>"),
		"/news/eth-2/": detailPage("2026-08-29T11:30:00Z", "<p>New.</p>"),
	})

	cutoff := time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)
	s := New(src, &fakeCatalog{latest: &cutoff})
	articles, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "eth-2", articles[0].ID)
}

func TestScrapeIdentityFilter(t *testing.T) {
	_, src := newTestSite(t, map[string]string{
		"/news/btc-1/": detailPage("2026-08-29T10:00:00Z", "<p>Old.</p>"),
		"/news/eth-2/": detailPage("2026-08-29T11:30:00Z", "<p>New.</p>"),
	})

	catalog := &fakeCatalog{existing: map[string]bool{"btc-1": true}}
	s := New(src, catalog, WithIDFilter(true))
	articles, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "eth-2", articles[0].ID)
}

func TestScrapeDetailFailureDropsOnlyThatArticle(t *testing.T) {
	_, src := newTestSite(t, map[string]string{
		"/news/btc-1/": detailPage("2026-08-29T10:00:00Z", "<p>Fine.</p>"),
		// eth-2 has no handler: the mux answers 404 for it.
	})

	s := New(src, &fakeCatalog{})
	articles, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "btc-1", articles[0].ID)
}

func TestScrapeUnparsableTimestampDropsArticle(t *testing.T) {
	_, src := newTestSite(t, map[string]string{
		"/news/btc-1/": detailPage("yesterday-ish", "<p>Fine.</p>"),
		"/news/eth-2/": detailPage("2026-08-29T11:30:00Z", "<p>Fine.</p>"),
	})

	s := New(src, &fakeCatalog{})
	articles, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "eth-2", articles[0].ID)
}

func TestScrapeMissingMarkerReturnsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><script type="application/json">{}</script></head></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := DefaultSource()
	src.BaseURL = srv.URL
	src.ListingURL = srv.URL + "/listing"

	s := New(src, &fakeCatalog{})
	articles, err := s.Scrape(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, articles)
}

func TestScrapeListingFetchError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := DefaultSource()
	src.ListingURL = srv.URL + "/listing"

	s := New(src, &fakeCatalog{})
	_, err := s.Scrape(context.Background())
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
}

func TestSourceNameFlexibleUnmarshal(t *testing.T) {
	var plain sourceName
	require.NoError(t, json.Unmarshal([]byte(`"Reuters"`), &plain))
	assert.Equal(t, sourceName("Reuters"), plain)

	var obj sourceName
	require.NoError(t, json.Unmarshal([]byte(`{"name":"CoinDesk"}`), &obj))
	assert.Equal(t, sourceName("CoinDesk"), obj)
}

func TestLoadSourceMissingFileUsesDefault(t *testing.T) {
	src, err := LoadSource(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSource(), src)
}

func TestLoadSourceOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	content := "name: example\nlisting_url: https://example.com/news\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := LoadSource(path)
	require.NoError(t, err)
	assert.Equal(t, "example", src.Name)
	assert.Equal(t, "https://example.com/news", src.ListingURL)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultSource().Marker, src.Marker)
}
