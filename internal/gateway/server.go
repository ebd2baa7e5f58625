// Package gateway is the externally reachable entry point. Each request runs
// the same short-circuiting pipeline: authenticate the API key, match the
// key's entity against the path, check the operation grant, count it against
// the rate limits, then proxy to the downstream capability.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akatsuki-hq/dispatch/internal/apikey"
	"github.com/akatsuki-hq/dispatch/internal/dispatch"
	"github.com/akatsuki-hq/dispatch/internal/log"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/ratelimit"
	"github.com/akatsuki-hq/dispatch/internal/registry"
)

// JobReader is the queue surface the gateway needs for observability
// endpoints.
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Config holds gateway server configuration.
type Config struct {
	Listen     string
	AuthHeader string
	// Targets maps entity names to downstream capability endpoints.
	Targets map[string]string
	// ProxyTimeout bounds one downstream call.
	ProxyTimeout time.Duration
}

type Server struct {
	config     Config
	auth       *apikey.Authenticator
	limiter    *ratelimit.Limiter
	jobs       JobReader
	usage      *UsageRecorder
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	client     *http.Client
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

func New(config Config, auth *apikey.Authenticator, limiter *ratelimit.Limiter, jobs JobReader, usage *UsageRecorder, dispatcher *dispatch.Dispatcher, reg *registry.Registry) *Server {
	if config.AuthHeader == "" {
		config.AuthHeader = "X-API-Key"
	}
	if config.ProxyTimeout <= 0 {
		config.ProxyTimeout = 30 * time.Second
	}
	return &Server{
		config:     config,
		auth:       auth,
		limiter:    limiter,
		jobs:       jobs,
		usage:      usage,
		dispatcher: dispatcher,
		registry:   reg,
		client:     &http.Client{Timeout: config.ProxyTimeout},
		logger:     log.WithComponent("gateway"),
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gateway starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
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

// Handler returns the configured router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Get("/jobs/{jobID}", s.handleGetJob)

	r.Post("/functions/dispatch", s.handleDispatch)
	r.Get("/functions/schema", s.handleFunctionSchema)

	r.Get("/{entity}/list", s.entityHandler(apikey.OpList))
	r.Get("/{entity}/get", s.entityHandler(apikey.OpGet))
	r.Post("/{entity}/create", s.entityHandler(apikey.OpCreate))
	r.Post("/{entity}/update", s.entityHandler(apikey.OpUpdate))
	r.Post("/{entity}/delete", s.entityHandler(apikey.OpDelete))

	return r
}

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

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
