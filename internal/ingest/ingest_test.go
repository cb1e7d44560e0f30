package ingest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crypto-agent/internal/model"
	"github.com/sells-group/crypto-agent/internal/store"
	"github.com/sells-group/crypto-agent/pkg/jina"
	"github.com/sells-group/crypto-agent/pkg/qdrant"
)

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string, task jina.Task) ([][]float32, error) {
	args := m.Called(ctx, texts, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

// fakeVectors records upserted points; optionally fails for a given news id.
type fakeVectors struct {
	mu       sync.Mutex
	points   []qdrant.Point
	failFor  string
	batchLog []int
}

func (f *fakeVectors) Upsert(_ context.Context, points []qdrant.Point) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		if f.failFor != "" && p.Payload["news_id"] == f.failFor {
			return nil, eris.New("upsert rejected")
		}
	}
	f.points = append(f.points, points...)
	f.batchLog = append(f.batchLog, len(points))
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids, nil
}

func vectorsFor(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out
}

func newTestStore(t *testing.T, articles []model.NewsArticle) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	if len(articles) > 0 {
		_, err = st.CreateNews(context.Background(), articles)
		require.NoError(t, err)
	}
	return st
}

func article(id, description string) model.NewsArticle {
	return model.NewsArticle{
		ID:          id,
		Title:       "Title " + id,
		PublishedAt: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		Source:      "Reuters",
		Description: description,
	}
}

func TestProcessNewsMarksIndexed(t *testing.T) {
	articles := []model.NewsArticle{article("a1", "Bitcoin climbed sharply today on ETF inflows.")}
	st := newTestStore(t, articles)

	embedder := new(mockEmbedder)
	embedder.On("Embed", mock.Anything, mock.Anything, jina.TaskPassage).
		Return([][]float32{{0.1, 0.2}}, nil).Once()
	vectors := &fakeVectors{}

	ing := New(st, embedder, vectors, WithUpsertRate(1000))
	stats, err := ing.ProcessNews(context.Background(), articles)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Indexed: 1, Failed: 0}, stats)

	a, err := st.GetNews(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, a.Indexed(), "article is stamped only after all chunks are upserted")

	require.Len(t, vectors.points, 1)
	p := vectors.points[0]
	assert.Equal(t, "a1", p.Payload["news_id"])
	assert.Equal(t, 0, p.Payload["chunk_index"])
	assert.Equal(t, "Title a1", p.Payload["title"])
	assert.NotEmpty(t, p.ID)
	embedder.AssertExpectations(t)
}

func TestProcessNewsBlankDescriptionFails(t *testing.T) {
	articles := []model.NewsArticle{article("a1", "   ")}
	st := newTestStore(t, articles)

	embedder := new(mockEmbedder)
	vectors := &fakeVectors{}

	ing := New(st, embedder, vectors, WithUpsertRate(1000))
	stats, err := ing.ProcessNews(context.Background(), articles)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Indexed: 0, Failed: 1}, stats)

	a, err := st.GetNews(context.Background(), "a1")
	require.NoError(t, err)
	assert.False(t, a.Indexed())
	embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessNewsPartialFailureLeavesOthersIndexed(t *testing.T) {
	articles := []model.NewsArticle{
		article("good", "Solid article body with enough text."),
		article("bad", "This one will be rejected by the vector store."),
	}
	st := newTestStore(t, articles)

	embedder := new(mockEmbedder)
	embedder.On("Embed", mock.Anything, mock.Anything, jina.TaskPassage).
		Return([][]float32{{0.5}}, nil)
	vectors := &fakeVectors{failFor: "bad"}

	ing := New(st, embedder, vectors, WithUpsertRate(1000))
	stats, err := ing.ProcessNews(context.Background(), articles)
	require.NoError(t, err, "one failed article does not fail the run")
	assert.Equal(t, Stats{Processed: 2, Indexed: 1, Failed: 1}, stats)

	good, err := st.GetNews(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, good.Indexed())

	bad, err := st.GetNews(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, bad.Indexed(), "failed article stays eligible for reprocessing")
}

func TestProcessNewsSubBatches(t *testing.T) {
	// A long body split into many small chunks forces multiple upsert calls.
	body := strings.Repeat("word ", 600)
	articles := []model.NewsArticle{article("long", body)}
	st := newTestStore(t, articles)

	stub := embedFunc(func(_ context.Context, texts []string, _ jina.Task) ([][]float32, error) {
		return vectorsFor(texts), nil
	})
	vectors := &fakeVectors{}

	ing := New(st, stub, vectors, WithChunking(100, 10), WithUpsertBatchSize(3), WithUpsertRate(1000))
	stats, err := ing.ProcessNews(context.Background(), articles)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	require.Greater(t, len(vectors.batchLog), 1, "points go out in sub-batches")
	for _, n := range vectors.batchLog {
		assert.LessOrEqual(t, n, 3)
	}
}

type embedFunc func(ctx context.Context, texts []string, task jina.Task) ([][]float32, error)

func (f embedFunc) Embed(ctx context.Context, texts []string, task jina.Task) ([][]float32, error) {
	return f(ctx, texts, task)
}

func TestProcessUnprocessedResumes(t *testing.T) {
	articles := []model.NewsArticle{
		article("a1", "First body text."),
		article("a2", "Second body text."),
	}
	st := newTestStore(t, articles)
	require.NoError(t, st.MarkIndexed(context.Background(), "a1", time.Now().UTC()))

	stub := embedFunc(func(_ context.Context, texts []string, _ jina.Task) ([][]float32, error) {
		return vectorsFor(texts), nil
	})
	vectors := &fakeVectors{}

	ing := New(st, stub, vectors, WithUpsertRate(1000))
	stats, err := ing.ProcessUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Indexed: 1, Failed: 0}, stats)

	var ids []string
	for _, p := range vectors.points {
		ids = append(ids, p.Payload["news_id"].(string))
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a2"}, ids, "already-indexed articles are skipped")
}

func TestProcessNewsEmpty(t *testing.T) {
	st := newTestStore(t, nil)
	ing := New(st, new(mockEmbedder), &fakeVectors{})
	stats, err := ing.ProcessNews(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}

func TestBuildPointsDeterministicIDs(t *testing.T) {
	a := article("a1", "body")
	chunks := []string{"one", "two"}
	vecs := [][]float32{{1}, {2}}

	first, err := buildPoints(a, chunks, vecs)
	require.NoError(t, err)
	second, err := buildPoints(a, chunks, vecs)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestBuildPointsRejectsVectorMismatch(t *testing.T) {
	a := article("a1", "body")

	_, err := buildPoints(a, []string{"one", "two"}, [][]float32{{1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, qdrant.ErrLengthMismatch)
}
