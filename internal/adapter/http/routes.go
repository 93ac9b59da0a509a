package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		// Executions
		r.Post("/executions", h.StartExecution)
		r.Get("/executions/{id}", handleGet(h.Orchestrator.Status, "execution not found"))
		r.Post("/executions/{id}/cancel", h.CancelExecution)

		// Completion events
		r.Post("/events", h.PostEvent)
		r.Post("/reviews/{token}/complete", h.CompleteReview)

		// Asynchronous intake
		if h.Intake != nil {
			r.Post("/documents", h.SubmitDocument)
		}
	})
}
