// Package api assembles the HTTP surface of the workspace manager.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuclearlighters/workspace-manager/internal/auth"
	"github.com/nuclearlighters/workspace-manager/internal/handlers"
	"github.com/nuclearlighters/workspace-manager/internal/managers"
	"github.com/nuclearlighters/workspace-manager/internal/middleware"
)

// RouterConfig holds everything the router needs.
type RouterConfig struct {
	Orchestrator *managers.Orchestrator
	Auth         *auth.JWTService
	Status       *StatusHandler

	// Registry serves /metrics and receives the HTTP collectors. A nil
	// registry disables both.
	Registry       *prometheus.Registry
	RequestTimeout time.Duration
}

// NewRouter returns the root handler. /status, /version and /metrics are
// public; everything under /api requires a bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	if cfg.Registry != nil {
		r.Use(middleware.NewHTTPMetrics(cfg.Registry).Handler)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(timeout))

	// Public routes
	r.Get("/status", cfg.Status.ServeHTTP)
	r.Get("/version", cfg.Status.Version)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))
	}

	o := cfg.Orchestrator
	workspaces := handlers.NewWorkspacesHandler(o.Workspaces, o.Jobs)
	resources := handlers.NewResourcesHandler(o.Resources, o.Jobs)
	jobs := handlers.NewJobsHandler(o.Jobs)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(cfg.Auth).RequireAuth)

		r.Mount("/api/workspaces/v1/{workspaceId}/resources", resources.Routes())
		r.Mount("/api/workspaces/v1", workspaces.Routes())
		r.Mount("/api/job/v1/jobs", jobs.Routes())
	})

	return r
}
