package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chadmayfield/heatlogd/internal/metrics"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// Options holds the optional parts of the server.
type Options struct {
	// Scheduler feeds the health endpoint.
	Scheduler SchedulerStatus
	// Live serves GET /api/live; nil leaves the route out.
	Live http.Handler
	// Metrics is served on GET /metrics and records request counts.
	Metrics *metrics.Metrics
	// CORSOrigin enables CORS for one origin.
	CORSOrigin string
}

// NewServer creates a new API server with all routes registered.
func NewServer(q Querier, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		Query:     q,
		Scheduler: opts.Scheduler,
		Logger:    logger,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()
	routes(mux, h)
	if opts.Live != nil {
		mux.Handle("GET /api/live", opts.Live)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = CORS(opts.CORSOrigin)(handler) // Empty string disables CORS headers.
	handler = Logger(logger, opts.Metrics)(handler)
	handler = RequestID(handler)
	handler = Recovery(handler)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h, logger: logger}
}

func routes(mux *http.ServeMux, h *Handlers) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/history", h.GetHistory)
	mux.HandleFunc("GET /api/local-history", h.GetLocalHistory)
	mux.HandleFunc("GET /api/energy", h.GetEnergy)
	mux.HandleFunc("GET /api/db-stats", h.GetDBStats)
	mux.HandleFunc("POST /api/control", h.PostControl)
	mux.HandleFunc("GET /api/health", h.Health)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageDriver sets the storage driver reported by the health endpoint.
func (s *Server) SetStorageDriver(driver string) { s.handlers.StorageDriver = driver }
