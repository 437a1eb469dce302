package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dispatchd/internal/auth"
	"github.com/mattjoyce/dispatchd/internal/engine"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
)

// Dispatcher runs instruction batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw string) engine.Report
	Ask(ctx context.Context, prompt string) (engine.Report, error)
}

// TaskManager exposes the recurring-task scheduler.
type TaskManager interface {
	Tasks() []scheduler.TaskInfo
	Task(id string) (scheduler.TaskInfo, error)
	StopTask(id string) bool
}

// BreakerSource reports per-model circuit breaker state.
type BreakerSource interface {
	Breakers() []gateway.BreakerSnapshot
}

// EventStream is the trace hub streamed on /v1/events.
type EventStream interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Fingerprint identifies the effective configuration on /healthz.
	Fingerprint string
	// MaxBodyBytes caps request bodies on the dispatch endpoints.
	MaxBodyBytes int64
}

type Deps struct {
	Engine   Dispatcher
	Tasks    TaskManager
	Breakers BreakerSource
	Events   EventStream
	Logger   *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    Dispatcher
	tasks     TaskManager
	breakers  BreakerSource
	events    EventStream
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		engine:    deps.Engine,
		tasks:     deps.Tasks,
		breakers:  deps.Breakers,
		events:    deps.Events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // ask waits on the model gateway
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("dispatch:rw")).Post("/v1/dispatch", s.handleDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/v1/ask", s.handleAsk)
		r.With(s.requireScopes("tasks:ro")).Get("/v1/tasks", s.handleListTasks)
		r.With(s.requireScopes("tasks:ro")).Get("/v1/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes("tasks:rw")).Delete("/v1/tasks/{taskID}", s.handleStopTask)
		r.With(s.requireScopes("events:ro")).Get("/v1/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
