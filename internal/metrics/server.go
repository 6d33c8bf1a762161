// Package metrics serves Prometheus metrics and health reports over HTTP and
// exposes the pending-operation gauges of producers and bridges.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-oms/health"
)

// Server serves /metrics, /health, /ready and /live
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server listening on addr. A nil registry serves an
// always-healthy report.
func NewServer(addr string, gatherer prometheus.Gatherer, checks *health.Registry) *Server {
	if checks == nil {
		checks = health.NewRegistry()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.Handle("/health", health.NewHandler(checks, 5*time.Second))
	mux.HandleFunc("/ready", health.ReadinessHandler(checks, 5*time.Second))
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving without blocking. The returned channel receives an
// error if the server fails and is closed when it stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
