package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all position routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Registered directly: the ledger module hangs lot and allocation
	// detail routes off the same /positions/{symbol} prefix.
	r.Get("/positions", h.HandleListPositions)
	r.Get("/positions/{symbol}", h.HandleGetPosition)
}
