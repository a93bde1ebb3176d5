package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the route tree.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://app.ultrazend.net", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Unauthenticated operational endpoints.
	r.Get("/health", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.HandleEnqueue)
		r.Get("/jobs/{jobID}", h.HandleGetJob)
		r.Delete("/jobs/{jobID}", h.HandleCancel)

		r.Get("/tenants/{tenantID}/stats", h.HandleTenantStats)

		r.Post("/ingest/bounce", h.HandleIngestBounce)
		r.Post("/ingest/complaint", h.HandleIngestComplaint)

		r.Get("/tenants/{tenantID}/suppressions", h.HandleListSuppressions)
		r.Post("/tenants/{tenantID}/suppressions", h.HandleAddSuppression)
		r.Delete("/tenants/{tenantID}/suppressions/{email}", h.HandleRemoveSuppression)

		r.Post("/domains/{domain}/dkim/rotate", h.HandleRotateDKIM)
		r.Get("/domains/{domain}/dkim", h.HandleGetDKIMRecord)

		r.Get("/rollout", h.HandleRolloutStatus)
	})

	return r
}
