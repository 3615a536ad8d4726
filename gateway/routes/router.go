package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"yar/gateway/middleware"
)

type Config struct {
	Gateway       http.Handler
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
}

// New builds the public router. Every path, including /healthz and /metrics,
// goes through authentication to the upstream.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway handler required")
	}
	r := chi.NewRouter()
	if cfg.RateLimiter.Enabled() {
		r.Use(cfg.RateLimiter.Middleware)
	}
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("gateway"))
	}
	r.Handle("/", cfg.Gateway)
	r.Handle("/*", cfg.Gateway)
	return r, nil
}

type AdminConfig struct {
	HealthHandler http.Handler
	Observability *middleware.Observability
}

// NewAdmin serves the operational endpoints. It is meant for a separate,
// private listener.
func NewAdmin(cfg AdminConfig) http.Handler {
	r := chi.NewRouter()
	health := cfg.HealthHandler
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	r.Get("/healthz", health.ServeHTTP)
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}
	return r
}
