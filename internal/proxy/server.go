// Package proxy serves the OpenAI-compatible chat completions endpoint,
// augmenting each request with retrieved context before relaying it to the
// remote model. Requests are handled independently; the only shared state
// is the read-only configuration and pooled outbound connections.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbellec/ragproxy/internal/config"
	"github.com/mbellec/ragproxy/internal/splice"
)

// ContextRetriever produces the retrieved-context block for a query.
type ContextRetriever interface {
	Context(ctx context.Context, query string) (string, error)
}

// Server is the RAG proxy HTTP server.
type Server struct {
	cfg         *config.Config
	log         *slog.Logger
	retriever   ContextRetriever
	splicer     *splice.Splicer
	forwarder   *Forwarder
	passthrough bool
}

// New creates a Server. With passthrough enabled the retriever may be nil:
// requests are forwarded without retrieval or splicing.
func New(cfg *config.Config, log *slog.Logger, retriever ContextRetriever, passthrough bool) *Server {
	return &Server{
		cfg:         cfg,
		log:         log,
		retriever:   retriever,
		splicer:     splice.New(cfg.Proxy.FingerprintLength, log),
		forwarder:   NewForwarder(cfg.LLM.Endpoint, cfg.LLM.APIKey),
		passthrough: passthrough,
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.Proxy.Endpoint, s.handleChatCompletions)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return otelhttp.NewHandler(mux, "ragproxy")
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Proxy.Host, s.cfg.Proxy.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("proxy listening", "addr", srv.Addr, "endpoint", s.cfg.Proxy.Endpoint, "passthrough", s.passthrough)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
