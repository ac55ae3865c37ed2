// Package embed wraps the embedding HTTP API (Ollama-compatible:
// POST {endpoint}/api/embeddings). One call embeds one text; batches run
// concurrently up to a configured bound.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Client is a stateless wrapper around the embedding service.
type Client struct {
	baseURL   string
	model     string
	batchSize int
	http      *http.Client
	limiter   *rate.Limiter
}

// Config holds the embedding client parameters.
type Config struct {
	Endpoint string
	Model    string
	// BatchSize bounds concurrent requests in EmbedBatch (default 8).
	BatchSize int
	// RatePerSec paces requests across all calls; 0 disables pacing.
	RatePerSec float64
}

// New creates an embedding client.
func New(cfg Config) *Client {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 8
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), batch)
	}
	return &Client{
		baseURL:   cfg.Endpoint,
		model:     cfg.Model,
		batchSize: batch,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, _ := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding service: %s: %s", resp.Status, msg)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding decode: %w", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds all texts, preserving order. Calls run concurrently,
// bounded by the configured batch size; the first failure cancels the rest.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchSize)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := c.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embed batch [%d]: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
