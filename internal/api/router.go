package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"duck-semantic/internal/middleware"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      middleware.RateLimitConfig
}

// NewRouter mounts h under /v1. The rate limiter sweeps idle clients until
// ctx is done.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         7200,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(ctx, cfg.RateLimit))
		r.Post("/query", h.Query)
		r.Post("/explain", h.Explain)
		r.Get("/metrics", h.ListMetrics)
		r.Get("/dimensions", h.ListDimensions)
		r.Post("/reload", h.Reload)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, middleware.ErrorBody{Code: http.StatusNotFound, Kind: "not_found", Message: "no such endpoint"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, middleware.ErrorBody{Code: http.StatusMethodNotAllowed, Kind: "method_not_allowed", Message: "method not allowed"})
	})
	return r
}
