// Package apiserver provides the HTTP API of the rollout engine
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/lattiam/rollout/internal/apiserver/handlers"
	customMiddleware "github.com/lattiam/rollout/internal/apiserver/middleware"
	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/metrics"
	"github.com/lattiam/rollout/pkg/logging"
)

// HealthCheck reports whether a dependency of the server is usable
type HealthCheck func(ctx context.Context) error

// APIServer provides HTTP API endpoints for execution management
type APIServer struct {
	router    chi.Router
	server    *http.Server
	service   interfaces.ExecutionService
	config    *config.ServerConfig
	collector *metrics.Collector
	checks    map[string]HealthCheck
	logger    *logging.Logger
}

// Option configures an APIServer
type Option func(*APIServer)

// WithMetrics exposes collector on /metrics and /system/metrics
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *APIServer) {
		s.collector = collector
	}
}

// WithHealthCheck adds a named check to /system/health
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *APIServer) {
		s.checks[name] = check
	}
}

// NewAPIServer creates a server for service
func NewAPIServer(cfg *config.ServerConfig, service interfaces.ExecutionService, opts ...Option) (*APIServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if service == nil {
		return nil, fmt.Errorf("execution service is required")
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Timeout(RequestTimeout))

	s := &APIServer{
		router: router,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  ReadTimeout,
			WriteTimeout: WriteTimeout,
			IdleTimeout:  IdleTimeout,
		},
		service: service,
		config:  cfg,
		checks:  make(map[string]HealthCheck),
		logger:  logging.NewLogger("apiserver"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
	})

	return s, nil
}

func (s *APIServer) setupRoutes() error {
	executions, err := handlers.NewExecutionHandler(s.service, APIPrefix)
	if err != nil {
		return fmt.Errorf("failed to create execution handler: %w", err)
	}

	s.router.Route(APIPrefix, func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			handlers.WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
		})
		r.Use(customMiddleware.ContentTypeValidator())

		r.Route("/executions", func(r chi.Router) {
			r.With(customMiddleware.ExecutionRequestValidator()).Post("/", executions.Create)
			r.Get("/", executions.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(customMiddleware.IDValidator("id"))

				r.Get("/", executions.Get)
				r.Post("/cancel", executions.Cancel)
				r.Post("/rollback", executions.Rollback)
				r.Post("/approve", executions.Approve)
			})
		})

		r.With(customMiddleware.ExecutionRequestValidator()).Post("/assessments", executions.CreateAssessment)
		r.Get("/queue/metrics", executions.QueueMetrics)
		r.Get("/system/health", s.getSystemHealth)

		handlers.NewOperationsHandler(s.config, s.service, s.collector).RegisterRoutes(r)
	})

	if s.collector != nil {
		s.router.Handle(config.APIEndpointMetrics, s.collector.Handler())
	}
	return nil
}

// componentHealth is the health of one checked dependency
type componentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// getSystemHealth runs every registered check concurrently and answers 503
// when any of them fails or the queue is backed up
func (s *APIServer) getSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	components := make(map[string]componentHealth, len(s.checks)+1)
	var mu sync.Mutex
	healthy := true

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.checkNames() {
		name, check := name, s.checks[name]
		g.Go(func() error {
			h := componentHealth{Status: "healthy"}
			if err := check(gctx); err != nil {
				h = componentHealth{Status: "unhealthy", Message: err.Error()}
			}
			mu.Lock()
			components[name] = h
			if h.Status != "healthy" {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	q := s.service.QueueMetrics()
	queue := map[string]interface{}{
		"status":   "healthy",
		"depth":    q.CurrentDepth,
		"enqueued": q.TotalEnqueued,
		"dequeued": q.TotalDequeued,
	}
	if q.CurrentDepth > QueueDepthWarning {
		queue["status"] = "warning"
		queue["message"] = "Queue depth is high"
		healthy = false
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	handlers.WriteJSON(w, code, map[string]interface{}{
		"status":     status,
		"time":       time.Now().Format(time.RFC3339),
		"components": components,
		"queue":      queue,
		"system": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]interface{}{
				"alloc_mb": m.Alloc / 1024 / 1024,
				"sys_mb":   m.Sys / 1024 / 1024,
				"gc_count": m.NumGC,
			},
		},
		"version": map[string]interface{}{
			"api": APIVersion,
			"app": config.AppVersion,
		},
	})
}

func (s *APIServer) checkNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start serves until Shutdown is called
func (s *APIServer) Start() error {
	s.logger.Info("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Router returns the HTTP router for testing
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
