package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig collects what the router serves. Gatherer may be nil.
type RouterConfig struct {
	Dispatch    *DispatchHandler
	Admin       *AdminHandler
	Middleware  *Middleware
	Gatherer    prometheus.Gatherer
	Health      func() error
	HTTPTimeout time.Duration
}

// NewRouter wires the internal HTTP surface
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(cfg.Middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.HTTPTimeout))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", cfg.Dispatch.HandleDispatch)
		r.Get("/stats", cfg.Admin.HandleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.Middleware.AdminAuthMiddleware)

			r.Post("/breaker/reset", cfg.Admin.HandleResetBreaker)
			r.Post("/cache/purge", cfg.Admin.HandlePurgeCache)
		})
	})

	return r
}
