package jina

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedHandler(t *testing.T, dims int, calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, dims, req.Dimensions)

		resp := embedResponse{}
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestEmbed_Success(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, &calls))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 8, WithBaseURL(srv.URL))
	got, err := client.Embed(context.Background(), []string{"bitcoin", "ethereum"}, TaskPassage)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 8)
	assert.Len(t, got[1], 8)
	// Order preserved: output[i] corresponds to input[i].
	assert.Equal(t, float32(1), got[0][0])
	assert.Equal(t, float32(2), got[1][0])
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbed_EmptyInputNoCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, &calls))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 8, WithBaseURL(srv.URL))
	got, err := client.Embed(context.Background(), nil, TaskQuery)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), calls.Load())
}

func TestEmbed_Batching(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 4, &calls))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 4,
		WithBaseURL(srv.URL), WithMaxBatchSize(3))

	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	got, err := client.Embed(context.Background(), texts, TaskPassage)

	require.NoError(t, err)
	assert.Len(t, got, len(texts))
	assert.Equal(t, int64(3), calls.Load()) // 3+3+1
}

func TestEmbed_ServiceErrorCarriesBatchIndex(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			// First batch succeeds.
			embedHandler(t, 4, &atomic.Int64{}).ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"bad key"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 4,
		WithBaseURL(srv.URL), WithMaxBatchSize(2))

	_, err := client.Embed(context.Background(), []string{"a", "b", "c"}, TaskPassage)
	require.Error(t, err)

	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, 1, se.BatchIndex)
	assert.Contains(t, se.Body, "bad key")
}

func TestEmbed_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		embedHandler(t, 4, &atomic.Int64{}).ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 4, WithBaseURL(srv.URL))
	got, err := client.Embed(context.Background(), []string{"solana"}, TaskQuery)

	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestEmbed_CountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "jina-embeddings-v3", 4, WithBaseURL(srv.URL))
	_, err := client.Embed(context.Background(), []string{"a", "b"}, TaskPassage)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 embeddings for 2 inputs")
}
