// Package server exposes the acquisition pipeline over HTTP: batch
// acquisition, stats, cache cleanup, health probes and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/thc1006/paperstore/pkg/acquire"
	"github.com/thc1006/paperstore/pkg/cache"
	"github.com/thc1006/paperstore/pkg/config"
)

// maxRequestBytes bounds request bodies on the mutating endpoints.
const maxRequestBytes = 10 << 20 // 10 MiB

type acquireRequest struct {
	Documents []acquire.Document `json:"documents"`
	Workers   int                `json:"workers,omitempty"`
}

type acquireResponse struct {
	Outcomes  []acquire.Outcome `json:"outcomes"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
}

type cleanupRequest struct {
	// MaxAge is a Go duration string, e.g. "720h". Empty keeps the
	// configured retention default.
	MaxAge        string `json:"max_age,omitempty"`
	MaxTotalBytes *int64 `json:"max_total_bytes,omitempty"`
}

type cleanupResponse struct {
	Report cache.EvictionReport `json:"report"`
	Cache  cache.Stats          `json:"cache"`
}

type statsResponse struct {
	Uptime     string                  `json:"uptime"`
	Processing acquire.ProcessingStats `json:"processing"`
	Cache      cache.Stats             `json:"cache"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front of one acquisition processor.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	processor  *acquire.Processor
	httpServer *http.Server
	ready      atomic.Bool
	startTime  time.Time
}

// New wires the processor behind the HTTP surface. The server starts
// not ready; Run flips readiness once the listener is accepting.
func New(cfg *config.Config, processor *acquire.Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		logger:    logger.With("component", "server"),
		processor: processor,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	return s
}

// Router builds the route table. Exposed so tests can drive handlers
// without a listener.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/acquire", s.handleAcquire).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// Run serves until ctx is canceled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.ready.Store(true)
		s.logger.Info("Server ready and accepting connections", "addr", listener.Addr().String())
		return s.httpServer.Serve(listener)
	})

	g.Go(func() error {
		<-gCtx.Done()
		s.ready.Store(false)
		s.logger.Info("Shutting down server gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	s.logger.Info("Server shutdown complete")
	return nil
}

// SetReady overrides the readiness state.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// handleAcquire runs one acquisition batch synchronously and returns
// the outcomes in input order.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Documents) == 0 {
		s.writeError(w, http.StatusBadRequest, "documents must not be empty")
		return
	}

	// The configured worker count is the ceiling; requests may only
	// lower it.
	workers := req.Workers
	if workers <= 0 || workers > s.config.MaxWorkers {
		workers = s.config.MaxWorkers
	}

	outcomes := s.processor.ProcessBatch(r.Context(), req.Documents, workers, nil)

	succeeded := 0
	for i := range outcomes {
		if outcomes[i].Success {
			succeeded++
		}
	}

	s.writeJSON(w, http.StatusOK, acquireResponse{
		Outcomes:  outcomes,
		Total:     len(outcomes),
		Succeeded: succeeded,
	})
}

// handleStats reports processing and cache counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Uptime:     time.Since(s.startTime).String(),
		Processing: s.processor.Stats(),
		Cache:      s.processor.CacheStats(),
	})
}

// handleCleanup applies the retention policy. An empty body uses the
// configured defaults.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	maxAge := s.config.Cleanup.MaxAge
	maxBytes := s.config.Cleanup.MaxTotalBytes

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("max_age %q is not a non-negative duration", req.MaxAge))
			return
		}
		maxAge = d
	}
	if req.MaxTotalBytes != nil {
		if *req.MaxTotalBytes < 0 {
			s.writeError(w, http.StatusBadRequest, "max_total_bytes must not be negative")
			return
		}
		maxBytes = *req.MaxTotalBytes
	}

	report, err := s.processor.Cleanup(maxAge, maxBytes)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("cleanup failed: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, cleanupResponse{
		Report: report,
		Cache:  s.processor.CacheStats(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

// loggingMiddleware logs one line per handled request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
