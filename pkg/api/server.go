package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/metrics"
)

// Config configures the API server.
type Config struct {
	Addr     string
	Datapath metrics.Datapath
	Upcalls  *logging.UpcallLog
	// Gatherer backs /metrics. Nil serves a registry holding only the
	// datapath collector.
	Gatherer prometheus.Gatherer
	Auth     *AuthConfig // nil = no authentication
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	dp         metrics.Datapath
	upcalls    *logging.UpcallLog
	startTime  time.Time
}

// NewServer creates a server; Run starts it.
func NewServer(cfg Config) *Server {
	s := &Server{
		dp:        cfg.Datapath,
		upcalls:   cfg.Upcalls,
		startTime: time.Now(),
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.NewRegistry(cfg.Datapath)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/ports", s.portsHandler)
	mux.HandleFunc("GET /api/v1/upcalls", s.upcallsHandler)
	mux.HandleFunc("GET /api/v1/upcalls/stream", s.upcallStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
