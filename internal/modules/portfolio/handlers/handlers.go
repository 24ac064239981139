// Package handlers provides HTTP handlers for position queries.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/modules/portfolio"
)

// Handler handles position HTTP requests
type Handler struct {
	service        *portfolio.Service
	defaultAccount string
	log            zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(service *portfolio.Service, defaultAccount string, log zerolog.Logger) *Handler {
	return &Handler{
		service:        service,
		defaultAccount: defaultAccount,
		log:            log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleListPositions handles GET /api/positions
func (h *Handler) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)

	positions, err := h.service.List(userID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list positions")
		h.writeError(w, http.StatusInternalServerError, "Failed to list positions")
		return
	}

	totalCost := 0.0
	active := 0
	for _, pos := range positions {
		totalCost += pos.TotalCost
		if pos.IsActive {
			active++
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"positions":    positions,
			"count":        len(positions),
			"active_count": active,
			"total_cost":   totalCost,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetPosition handles GET /api/positions/{symbol}
func (h *Handler) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")

	position, err := h.service.Get(userID, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get position")
		h.writeError(w, http.StatusInternalServerError, "Failed to get position")
		return
	}
	if position == nil {
		h.writeError(w, http.StatusNotFound, "Position not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": position,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) account(r *http.Request) string {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		return userID
	}
	return h.defaultAccount
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}
