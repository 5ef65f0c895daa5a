package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/gateway"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/repositories"
)

// RouterConfig holds the dependencies the router needs, grouped into a
// single struct per the teacher's RouterConfig convention (keeps NewRouter's
// signature stable as dependencies grow).
type RouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      *gateway.Gateway
	Executions   repositories.ExecutionRepository
	JobNodes     repositories.JobNodeRepository
	EventLogs    repositories.JobEventLogRepository
	Logger       *zap.Logger
}

// NewRouter builds the Chi router: the execute/status/admin surface under
// /executions, the provider webhook ingress under /internal, and /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Trace)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	execHandler := NewExecutionHandler(cfg.Orchestrator, cfg.Executions, cfg.JobNodes, cfg.Logger)

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", execHandler.Create)
		r.Get("/", execHandler.List)
		r.Get("/{id}", execHandler.Status)
		r.Get("/{id}/jobs/{jobId}/logs", execHandler.JobLogs(cfg.EventLogs))
	})

	cfg.Gateway.RegisterRoutes(r)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
