// Package server exposes the broker over HTTP. It is a stateless façade over
// the registry; all atomicity lives there.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oversight-hq/oversight/internal/registry"
)

// maxWait caps the long-poll wait a caller may ask for, keeping handler
// lifetimes bounded under the request-timeout middleware.
const maxWait = 60 * time.Second

type Server struct {
	Router *chi.Mux

	addr       string
	registry   *registry.Registry
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New builds the broker's HTTP surface around the given registry.
func New(addr string, reg *registry.Registry, defaultTTL time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:       addr,
		registry:   reg,
		defaultTTL: defaultTTL,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(2 * maxWait))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "hitl-broker")
	})

	r.Post("/request", s.handleSubmitRequest)
	r.Get("/requests/pending", s.handleListPending)
	r.Get("/requests/next", s.handleNextRequest)
	r.Post("/requests/{id}/timeout", s.handleTimeoutRequest)
	r.Post("/requests/{id}/cancel", s.handleCancelRequest)
	r.Post("/response", s.handlePostResponse)
	r.Get("/response/{id}", s.handleGetResponse)
	r.Get("/healthz", s.handleHealth)

	s.Router = r
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("broker listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("broker shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
