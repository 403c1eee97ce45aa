package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/threadstream/internal/metrics"
	"github.com/mattjoyce/threadstream/internal/store"
	"github.com/mattjoyce/threadstream/internal/stream"
	"github.com/mattjoyce/threadstream/internal/thread"
)

// RunSubmitter starts an agent run answering a user message.
type RunSubmitter interface {
	Submit(ctx context.Context, threadID, messageID string) (*store.Run, error)
}

// Config holds API server configuration.
type Config struct {
	Listen                string
	Token                 string
	MessageMaxLen         int
	MessageRatePerMinute  int
	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Threads   *thread.Service
	Messages  *store.MessageStore
	Runs      RunSubmitter
	Hub       *stream.Hub
	Publisher thread.Publisher
	Metrics   *metrics.Metrics
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	deps      Deps
	idem      *idempotencyCache
	limiter   *limiterPool
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MessageMaxLen <= 0 {
		config.MessageMaxLen = 4000
	}
	return &Server{
		config:    config,
		deps:      deps,
		idem:      newIdempotencyCache(config.IdempotencyTTL, config.IdempotencyMaxEntries),
		limiter:   newLimiterPool(config.MessageRatePerMinute),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event streams are long-lived; the hub sets per-write deadlines.
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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/v1/flows/{flow_id}/threads", s.handleListThreads)
		r.Get("/v1/threads/{thread_id}", s.handleGetThread)
		r.Get("/v1/threads/{thread_id}/messages", s.handleListMessages)
		r.Get("/v1/threads/{thread_id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.idempotency)
			r.Post("/v1/flows/{flow_id}/threads/active", s.handleActiveThread)
			r.Post("/v1/threads/{thread_id}/messages", s.handlePostMessage)
			r.Post("/v1/threads/{thread_id}/agent/event", s.handleAgentEvent)
			r.Post("/v1/threads/{thread_id}/complete", s.handleComplete)
			r.Post("/v1/threads/{thread_id}/rotate", s.handleRotate)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
