// Package api exposes the pipeline over HTTP: push and scheduler entrypoints
// under /internal, operator endpoints under /admin.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/dispatch"
	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/monitoring"
	"github.com/sells-group/ainews/internal/reconcile"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/scrub"
	"github.com/sells-group/ainews/internal/store"
)

// Store is the read access used by the admin endpoints and health check.
type Store interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListTasks(ctx context.Context, runID int64) ([]model.Task, error)
}

// RunController creates, starts and cancels runs.
type RunController interface {
	Create(ctx context.Context, req runs.CreateRequest) (*model.Run, error)
	Start(ctx context.Context, run *model.Run) error
	Cancel(ctx context.Context, id int64) error
	RetryTasks(ctx context.Context, id int64) (*dispatch.DispatchReport, error)
}

// DeliveryHandler processes one pushed message. A nil error acknowledges it.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, payload []byte) error
}

// Reconciler finalizes runs whose tasks have all reported.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconcile.Report, error)
}

// Scrubber republishes orphaned items and manages the DLQ.
type Scrubber interface {
	Scrub(ctx context.Context) (*scrub.Report, error)
	DLQ(ctx context.Context, src model.Source, limit, offset int) ([]model.DLQItem, error)
	RetryDLQ(ctx context.Context, ids []int64) ([]int64, error)
	RetryCap() int
}

// Deps wires the server to the pipeline. Store and everything built on it are
// nil when storage was unreachable at startup; those routes then answer 503.
type Deps struct {
	Store      Store
	Runs       RunController
	Fetch      DeliveryHandler
	Enrich     DeliveryHandler
	Vectorize  DeliveryHandler
	Reconciler Reconciler
	Scrubber   Scrubber
	Metrics    *monitoring.Metrics
}

// Server holds the HTTP handlers.
type Server struct {
	cfg  config.ServerConfig
	deps Deps
}

// NewServer creates a Server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	deps.Metrics = monitoring.OrNoop(deps.Metrics)
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Admin-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireInternal)
		r.Use(s.requireStore)
		r.Post("/fetch-source", s.handlePush("fetch-source", s.deps.Fetch))
		r.Post("/enrich", s.handlePush("enrich", s.deps.Enrich))
		r.Post("/vectorize", s.handlePush("vectorize", s.deps.Vectorize))
		r.Get("/finalize-runs", s.handleFinalizeRuns)
		r.Get("/scrub-orphans", s.handleScrubOrphans)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Use(s.requireStore)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/tasks", s.handleListTasks)
			r.Post("/{id}/cancel", s.handleCancelRun)
			r.Post("/{id}/retry-tasks", s.handleRetryTasks)
		})
		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/retry", s.handleRetryDLQ)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "degraded", "store": "unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		zap.L().Warn("api: health check ping failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "degraded", "store": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
