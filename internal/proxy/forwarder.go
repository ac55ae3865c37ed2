package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Forwarder relays request bodies to the remote chat completions endpoint.
// It does not reinterpret the body; the caller decides what to send.
type Forwarder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewForwarder creates a Forwarder for the given endpoint. The client has
// no overall deadline so streaming responses can run long; the header
// timeout bounds how long the upstream may sit silent.
func NewForwarder(endpoint, apiKey string) *Forwarder {
	return &Forwarder{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			}),
		},
	}
}

// Forward sends body to the remote endpoint and returns the raw response.
// The caller owns the response body.
func (f *Forwarder) Forward(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to llm: %w", err)
	}
	return resp, nil
}
