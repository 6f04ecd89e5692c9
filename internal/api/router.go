package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig configures auth and CORS for the submission API.
type RouterConfig struct {
	// APIKey guards /v1. Empty disables auth.
	APIKey string
	// CorsAllowedOrigins is comma-separated. Empty allows any origin.
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/metrics", h.GetMetrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(APIKeyAuth(cfg.APIKey))
		}
		r.Post("/jobs/render", h.SubmitRender)
		r.Post("/jobs/video-gen", h.SubmitVideoGen)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/ledger", h.GetJobLedger)
		r.Get("/tenants/{tenantId}/assets", h.ListAssets)
		r.Get("/tenants/{tenantId}/usage", h.GetTenantUsage)
	})

	return r
}

func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
