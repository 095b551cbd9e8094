package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Health is public so load balancers and the peer prober can
		// reach it without credentials.
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/mutations", h.EnqueueMutation)
			r.Get("/sync/state/{node_id}", h.GetSyncState)
			r.Post("/sync/trigger", h.TriggerResync)
			r.Post("/connectivity", h.SetConnectivity)

			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

			r.Get("/audit", h.ListAudit)
			r.Get("/credit/flagged", h.ListFlaggedCredit)
		})
	})

	return r
}
