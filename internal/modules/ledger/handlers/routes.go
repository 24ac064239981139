package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", h.HandleRecordTransaction)
		r.Get("/", h.HandleListTransactions)
	})
	// Registered directly so they merge with the position routes
	// the portfolio module owns.
	r.Get("/positions/{symbol}/lots", h.HandleGetLots)
	r.Get("/positions/{symbol}/allocations", h.HandleGetAllocations)
}
