// Package server exposes crawl runs, sweeps and listing lookups over HTTP
// so a scheduler can trigger them remotely.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/storage"
)

// Runner crawls one source.
type Runner interface {
	Run(ctx context.Context, source string, pages int) (*models.RunReport, error)
}

// Sweeper runs one health-check sweep.
type Sweeper interface {
	Run(ctx context.Context, batch int) (*models.SweepReport, error)
}

// ReportArchive holds the full history of run reports.
type ReportArchive interface {
	Latest(ctx context.Context, source string) (*models.RunReport, error)
}

// Server is the HTTP trigger surface.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	runner     Runner
	sweeper    Sweeper
	repo       storage.Repository
	archive    ReportArchive
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// New builds a server listening on addr. m and logger may be nil.
func New(addr string, runner Runner, sweeper Sweeper, repo storage.Repository, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  mux.NewRouter(),
		runner:  runner,
		sweeper: sweeper,
		repo:    repo,
		metrics: m,
		logger:  logger,
		busy:    make(map[string]bool),
	}

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// WithArchive serves the latest run report from archive instead of the
// repository.
func (s *Server) WithArchive(archive ReportArchive) *Server {
	s.archive = archive
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{source}", s.handleRun).Methods(http.MethodPost)
	s.router.HandleFunc("/runs/{source}/latest", s.handleLatestRun).Methods(http.MethodGet)
	s.router.HandleFunc("/sweeps", s.handleSweep).Methods(http.MethodPost)

	s.router.HandleFunc("/listings/{id:[0-9]+}", s.handleGetListing).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{id:[0-9]+}/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{id:[0-9]+}/matches", s.handleMatches).Methods(http.MethodGet)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// acquire marks job as running. It returns false when it already is.
func (s *Server) acquire(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[job] {
		return false
	}
	s.busy[job] = true
	return true
}

func (s *Server) release(job string) {
	s.mu.Lock()
	delete(s.busy, job)
	s.mu.Unlock()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("handler panic", slog.String("path", r.URL.Path), slog.Any("error", err))
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
