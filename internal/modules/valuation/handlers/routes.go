package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all valuation routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/valuations", func(r chi.Router) {
		r.Post("/{symbol}", h.HandleSnapshot)
		r.Get("/{symbol}", h.HandleGetSnapshot)
		r.Get("/{symbol}/history", h.HandleHistory)
	})
}
