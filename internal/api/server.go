package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astroAycha/geospatial-mlops/internal/store"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// Deps are the collaborators behind the API. Nil Updater or Extractor disables the
// corresponding POST routes.
type Deps struct {
	Store     store.Store
	Updater   Updater
	Extractor Extractor
	Refresher StatusReporter

	// CORSOrigin, when set, is allowed to call the API from a browser.
	CORSOrigin string
}

// NewServer creates a new API server with all routes registered.
func NewServer(d Deps, logger *slog.Logger) *Server {
	h := &Handlers{
		Store:     d.Store,
		Updater:   d.Updater,
		Extractor: d.Extractor,
		Refresher: d.Refresher,
		Logger:    logger,
		StartTime: time.Now(),
	}

	srv := &http.Server{
		Handler:      withMiddleware(routes(h), d.CORSOrigin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // extractions run inside the request
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

func routes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/aois", h.ListAOIs)
	mux.HandleFunc("GET /api/v1/aois/{name}/series", h.GetSeries)
	mux.HandleFunc("GET /api/v1/aois/{name}/watermark", h.GetWatermark)
	mux.HandleFunc("POST /api/v1/aois/{name}/update", h.UpdateAOI)
	mux.HandleFunc("POST /api/v1/extract", h.Extract)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// withMiddleware wraps the mux. Recovery sits inside RequestID so panics log the ID.
func withMiddleware(mux http.Handler, corsOrigin string) http.Handler {
	chain := []func(http.Handler) http.Handler{
		RequestID,
		Logger,
		Recovery,
		CORS(corsOrigin),
		jsonHeaders,
	}
	h := http.Handler(mux)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	slog.Info("api server starting", "addr", addr)

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

// SetStorageInfo sets storage driver and path for the health endpoint.
func (s *Server) SetStorageInfo(driver, path string) {
	s.handlers.StorageDriver = driver
	s.handlers.StoragePath = path
}
