// Package jina provides a client for the Jina AI embeddings API.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Task selects the embedding task type. Queries and passages are embedded
// asymmetrically so they land in the same retrieval space.
type Task string

const (
	TaskPassage Task = "retrieval.passage"
	TaskQuery   Task = "retrieval.query"
)

// Client defines the Jina embeddings operations.
type Client interface {
	// Embed converts texts into vectors, one per input, in input order.
	// An empty input returns an empty result without a network call.
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)
	// Dimensions reports the configured vector dimensionality.
	Dimensions() int
}

// ServiceError is returned when the embeddings API responds with a
// non-success status. BatchIndex identifies which request batch failed so
// callers can decide whether to skip or abort.
type ServiceError struct {
	StatusCode int
	BatchIndex int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("jina: embeddings batch %d failed with status %d: %s", e.BatchIndex, e.StatusCode, e.Body)
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMaxBatchSize overrides the per-request input cap.
func WithMaxBatchSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

type httpClient struct {
	apiKey       string
	baseURL      string
	model        string
	dimensions   int
	maxBatchSize int
	http         *http.Client
}

// NewClient creates a new Jina embeddings client.
func NewClient(apiKey, model string, dimensions int, opts ...Option) Client {
	c := &httpClient{
		apiKey:       apiKey,
		baseURL:      "https://api.jina.ai",
		model:        model,
		dimensions:   dimensions,
		maxBatchSize: 100,
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

func (c *httpClient) Dimensions() int { return c.dimensions }

type embedRequest struct {
	Model      string   `json:"model"`
	Task       string   `json:"task"`
	Dimensions int      `json:"dimensions"`
	Input      []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *httpClient) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.maxBatchSize {
		end := start + c.maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batchIndex := start / c.maxBatchSize

		batch, err := c.embedBatch(ctx, texts[start:end], task, batchIndex)
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, eris.Errorf("jina: batch %d returned %d embeddings for %d inputs", batchIndex, len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *httpClient) embedBatch(ctx context.Context, texts []string, task Task, batchIndex int) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{
		Model:      c.model,
		Task:       string(task),
		Dimensions: c.dimensions,
		Input:      texts,
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, statusCode, err := c.retryDo(ctx, req, payload)
	if err != nil {
		return nil, eris.Wrapf(err, "jina: embeddings batch %d", batchIndex)
	}

	if statusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: statusCode, BatchIndex: batchIndex, Body: string(body)}
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}

	embeddings := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = d.Embedding
	}
	return embeddings, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)
		retryReq.Body = io.NopCloser(bytes.NewReader(payload))

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "jina: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("jina: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}
