package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/search"
	"github.com/poiesic/alexandria/storage"
	"github.com/poiesic/alexandria/tracker"
)

// Ingester stores documents and submits them as a batch.
type Ingester interface {
	Ingest(ctx context.Context, docs []*core.Document, opts ...tracker.SubmitOption) (string, error)
}

// Batches reads and controls tracked batches.
type Batches interface {
	Status(batchID string) (core.BatchRecord, error)
	Documents(batchID string) ([]tracker.DocumentStatus, error)
	List(limit int) []core.BatchRecord
	Active() []core.BatchRecord
	Stats() tracker.Stats
	Cancel(ctx context.Context, batchID string) error
	Watch(batchID string) (<-chan tracker.Update, func(), error)
}

// Searcher answers search queries.
type Searcher interface {
	Search(ctx context.Context, query string, maxHits int) ([]search.Result, error)
}

// HealthChecker reports whether the service can take work.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	ingester Ingester
	batches  Batches
	searcher Searcher
	health   HealthChecker

	maxUpload      int64
	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
	handler        http.Handler
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMaxUpload caps the request body of a batch submission, in bytes.
// Default is 64 MiB.
func WithMaxUpload(n int64) Option {
	return func(s *Server) error {
		if n < 1 {
			return fmt.Errorf("max upload must be positive, got %d", n)
		}
		s.maxUpload = n
		return nil
	}
}

// WithOriginPatterns allows WebSocket connections from other origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) error {
		s.originPatterns = patterns
		return nil
	}
}

// NewServer creates a server. Every dependency is required.
func NewServer(ingester Ingester, batches Batches, searcher Searcher, health HealthChecker, opts ...Option) (*Server, error) {
	if ingester == nil || batches == nil || searcher == nil || health == nil {
		return nil, errors.New("api: ingester, batches, searcher and health are required")
	}
	s := &Server{
		ingester:     ingester,
		batches:      batches,
		searcher:     searcher,
		health:       health,
		maxUpload:    64 << 20,
		writeTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "api")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /batches", s.handleSubmit)
	mux.HandleFunc("GET /batches", s.handleList)
	mux.HandleFunc("GET /batches/{id}", s.handleGet)
	mux.HandleFunc("DELETE /batches/{id}", s.handleCancel)
	mux.HandleFunc("GET /batches/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handler = s.logRequests(mux)
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpError maps err to a status code and writes it.
func httpError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, tracker.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrBatchTerminal):
		return http.StatusConflict
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, tracker.ErrEmptyBatch),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, storage.ErrInvalidQuery),
		errors.Is(err, errBadRequest),
		core.Classify(err) == core.ClassValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// statusRecorder captures the response status for request logging. It
// passes Hijack through so WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
