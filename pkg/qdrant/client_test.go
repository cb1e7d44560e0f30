package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCollection_CreatesWhenAbsent(t *testing.T) {
	t.Parallel()

	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/crypto_news":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":{"error":"Not found"}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/crypto_news":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			vectors := req["vectors"].(map[string]any)
			assert.Equal(t, float64(512), vectors["size"])
			assert.Equal(t, "Cosine", vectors["distance"])
			created = true
			w.Write([]byte(`{"result":true,"status":"ok"}`))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	require.NoError(t, client.EnsureCollection(context.Background(), 512))
	assert.True(t, created)
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	err := client.EnsureCollection(context.Background(), 512)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension 768, expected 512")
}

func TestEnsureCollection_AlreadyCorrect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":512,"distance":"Cosine"}}}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	require.NoError(t, client.EnsureCollection(context.Background(), 512))
}

func TestUpsert_GeneratesIDs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/crypto_news/points", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))

		var req struct {
			Points []Point `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Points, 2)
		assert.NotEmpty(t, req.Points[0].ID)
		assert.Equal(t, "fixed-id", req.Points[1].ID)
		w.Write([]byte(`{"result":{"status":"completed"},"status":"ok"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	ids, err := client.Upsert(context.Background(), []Point{
		{Vector: []float32{0.1, 0.2}, Payload: map[string]any{"news_id": "n1"}},
		{ID: "fixed-id", Vector: []float32{0.3, 0.4}},
	})

	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, "fixed-id", ids[1])
}

func TestBuildPoints_LengthValidation(t *testing.T) {
	t.Parallel()

	vectors := [][]float32{{0.1}, {0.2}}

	_, err := BuildPoints(vectors, []map[string]any{{"a": 1}}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = BuildPoints(vectors, nil, []string{"only-one"})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	points, err := BuildPoints(vectors, []map[string]any{{"i": 0}, {"i": 1}}, nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, map[string]any{"i": 1}, points[1].Payload)
}

func TestSearch_OrderedWithThresholdAndFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/crypto_news/points/search", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(5), req["limit"])
		assert.InDelta(t, 0.6, req["score_threshold"].(float64), 0.001)
		filter := req["filter"].(map[string]any)
		must := filter["must"].([]any)
		require.Len(t, must, 1)

		w.Write([]byte(`{"result":[
			{"id":"p1","score":0.91,"payload":{"news_id":"n1","chunk_text":"btc rallies"}},
			{"id":"p2","score":0.74,"payload":{"news_id":"n2","chunk_text":"eth stalls"}}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	hits, err := client.Search(context.Background(), []float32{0.1, 0.2}, 5, 0.6, Filter{"source": "tradingview"})

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "btc rallies", hits[0].Payload["chunk_text"])
}

func TestDelete_BestEffort(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "crypto_news")
	// Failures surface as false, never an error.
	assert.False(t, client.Delete(context.Background(), []string{"p1"}))
	// Nothing to delete is success.
	assert.True(t, client.Delete(context.Background(), nil))
}

func TestCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/crypto_news/points/count", r.URL.Path)
		w.Write([]byte(`{"result":{"count":42}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "api-secret", "crypto_news")
	n, err := client.Count(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestAPIKeyHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		w.Write([]byte(`{"result":{"count":0}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", "crypto_news")
	_, err := client.Count(context.Background(), nil)
	require.NoError(t, err)
}
