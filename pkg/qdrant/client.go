// Package qdrant provides a client for the Qdrant vector index REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrLengthMismatch is returned when vectors, payloads, and ids do not line up.
var ErrLengthMismatch = eris.New("qdrant: vectors, payloads, and ids must have the same length")

// Point is a single vector with its payload. ID doubles as the idempotency key
// for retried upserts.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a search hit, ordered by descending similarity.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Filter restricts search/count to points whose payload matches every entry.
type Filter map[string]any

// Client defines the vector index operations used by ingestion and retrieval.
type Client interface {
	// EnsureCollection verifies the collection exists with the expected
	// dimensionality and cosine distance, creating it when absent. An existing
	// collection with a different dimension is a configuration error.
	EnsureCollection(ctx context.Context, dimensions int) error
	// Upsert writes points in one call. Missing IDs are filled with UUIDs;
	// the (possibly generated) IDs are returned in point order.
	Upsert(ctx context.Context, points []Point) ([]string, error)
	// Search returns up to limit hits above scoreThreshold, best first.
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64, filter Filter) ([]ScoredPoint, error)
	// Delete removes points by ID. Best-effort: failures are logged and
	// reported as false, never raised.
	Delete(ctx context.Context, ids []string) bool
	// Count returns the number of points matching filter (all when nil).
	Count(ctx context.Context, filter Filter) (int, error)
}

// Option configures the Qdrant client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL    string
	apiKey     string
	collection string
	http       *http.Client
}

// NewClient creates a new Qdrant REST client bound to one collection.
func NewClient(baseURL, apiKey, collection string, opts ...Option) Client {
	c := &httpClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) do(ctx context.Context, method, path string, reqBody, out any) (int, error) {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return 0, eris.Wrap(err, "qdrant: marshal request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, eris.Wrap(err, "qdrant: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrapf(err, "qdrant: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, eris.Wrap(err, "qdrant: read response body")
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, eris.Errorf("qdrant: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, eris.Wrap(err, "qdrant: unmarshal response")
		}
	}
	return resp.StatusCode, nil
}

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func (c *httpClient) EnsureCollection(ctx context.Context, dimensions int) error {
	var info collectionInfo
	status, err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil, &info)
	switch {
	case err == nil:
		if got := info.Result.Config.Params.Vectors.Size; got != dimensions {
			return eris.Errorf("qdrant: collection %q has dimension %d, expected %d", c.collection, got, dimensions)
		}
		return nil
	case status == http.StatusNotFound:
		req := map[string]any{
			"vectors": map[string]any{
				"size":     dimensions,
				"distance": "Cosine",
			},
		}
		if _, err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, req, nil); err != nil {
			return eris.Wrapf(err, "qdrant: create collection %q", c.collection)
		}
		zap.L().Info("qdrant: collection created",
			zap.String("collection", c.collection),
			zap.Int("dimensions", dimensions),
		)
		return nil
	default:
		return eris.Wrapf(err, "qdrant: get collection %q", c.collection)
	}
}

func (c *httpClient) Upsert(ctx context.Context, points []Point) ([]string, error) {
	if len(points) == 0 {
		return nil, nil
	}

	ids := make([]string, len(points))
	for i := range points {
		if points[i].Vector == nil {
			return nil, ErrLengthMismatch
		}
		if points[i].ID == "" {
			points[i].ID = uuid.New().String()
		}
		ids[i] = points[i].ID
	}

	req := map[string]any{"points": points}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	if _, err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return nil, eris.Wrap(err, "qdrant: upsert points")
	}
	return ids, nil
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *httpClient) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64, filter Filter) ([]ScoredPoint, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}
	if len(filter) > 0 {
		req["filter"] = buildFilter(filter)
	}

	var resp searchResponse
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if _, err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, eris.Wrap(err, "qdrant: search")
	}

	hits := make([]ScoredPoint, len(resp.Result))
	for i, r := range resp.Result {
		hits[i] = ScoredPoint{
			ID:      fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		}
	}
	return hits, nil
}

func (c *httpClient) Delete(ctx context.Context, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	req := map[string]any{"points": ids}
	path := fmt.Sprintf("/collections/%s/points/delete", c.collection)
	if _, err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		zap.L().Warn("qdrant: delete failed", zap.Int("points", len(ids)), zap.Error(err))
		return false
	}
	return true
}

type countResponse struct {
	Result struct {
		Count int `json:"count"`
	} `json:"result"`
}

func (c *httpClient) Count(ctx context.Context, filter Filter) (int, error) {
	req := map[string]any{"exact": true}
	if len(filter) > 0 {
		req["filter"] = buildFilter(filter)
	}

	var resp countResponse
	path := fmt.Sprintf("/collections/%s/points/count", c.collection)
	if _, err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, eris.Wrap(err, "qdrant: count")
	}
	return resp.Result.Count, nil
}

// BuildPoints pairs vectors with payloads and optional ids into Points.
// Payloads may be nil (empty payloads) and ids may be nil (generated at
// upsert); any provided slice must match the vectors in length.
func BuildPoints(vectors [][]float32, payloads []map[string]any, ids []string) ([]Point, error) {
	if payloads != nil && len(payloads) != len(vectors) {
		return nil, ErrLengthMismatch
	}
	if ids != nil && len(ids) != len(vectors) {
		return nil, ErrLengthMismatch
	}

	points := make([]Point, len(vectors))
	for i, v := range vectors {
		points[i] = Point{Vector: v}
		if payloads != nil {
			points[i].Payload = payloads[i]
		}
		if ids != nil {
			points[i].ID = ids[i]
		}
	}
	return points, nil
}

// buildFilter converts a flat field→value map into Qdrant's must-match form.
func buildFilter(filter Filter) map[string]any {
	must := make([]map[string]any, 0, len(filter))
	for field, value := range filter {
		must = append(must, map[string]any{
			"key":   field,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

// chunkNamespace salts deterministic chunk point IDs.
var chunkNamespace = uuid.MustParse("9a1c1f3e-0b7d-4df0-8f62-5f1f6c9f4a21")

// ChunkPointID derives a stable UUID for one chunk of a document, so
// re-upserting the same chunk replaces the existing point instead of
// duplicating it.
func ChunkPointID(docID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s:%d", docID, index)).String()
}
