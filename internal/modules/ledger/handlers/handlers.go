// Package handlers provides HTTP handlers for transaction ingestion and
// ledger queries.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
	"github.com/aristath/lotkeeper/internal/modules/ledger"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service        *ledger.Service
	defaultAccount string
	log            zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, defaultAccount string, log zerolog.Logger) *Handler {
	return &Handler{
		service:        service,
		defaultAccount: defaultAccount,
		log:            log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleRecordTransaction handles POST /api/transactions
func (h *Handler) HandleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req ledger.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = h.defaultAccount
	}

	result, err := h.service.RecordTransaction(req)
	if err != nil {
		h.writeRecordError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status == domain.StatusAlreadyApplied {
		status = http.StatusOK
	}

	h.writeJSON(w, status, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListTransactions handles GET /api/transactions
func (h *Handler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := r.URL.Query().Get("symbol")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	transactions, err := h.service.ListTransactions(userID, symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list transactions")
		h.writeError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"transactions": transactions,
			"count":        len(transactions),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetLots handles GET /api/positions/{symbol}/lots
func (h *Handler) HandleGetLots(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")

	lots, err := h.service.LotsForSymbol(userID, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get lots")
		h.writeError(w, http.StatusInternalServerError, "Failed to get lots")
		return
	}

	open := 0.0
	for _, lot := range lots {
		if !lot.IsClosed {
			open += lot.RemainingQuantity
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"lots":           lots,
			"count":          len(lots),
			"open_remaining": open,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetAllocations handles GET /api/positions/{symbol}/allocations
func (h *Handler) HandleGetAllocations(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")

	allocations, err := h.service.AllocationsForSymbol(userID, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get allocations")
		h.writeError(w, http.StatusInternalServerError, "Failed to get allocations")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"allocations": allocations,
			"count":       len(allocations),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeRecordError maps the ingestion gate's typed rejections to HTTP codes
func (h *Handler) writeRecordError(w http.ResponseWriter, err error) {
	var vErr domain.ValidationError
	if errors.As(err, &vErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": vErr.Error(),
			"field": vErr.Field,
		})
		return
	}

	var insErr domain.InsufficientLotsError
	if errors.As(err, &insErr) {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     insErr.Error(),
			"symbol":    insErr.Symbol,
			"requested": insErr.Requested,
			"available": insErr.Available,
		})
		return
	}

	var dupErr domain.DuplicateTransactionError
	if errors.As(err, &dupErr) {
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       dupErr.Error(),
			"external_id": dupErr.ExternalID,
		})
		return
	}

	h.log.Error().Err(err).Msg("Failed to record transaction")
	h.writeError(w, http.StatusInternalServerError, "Failed to record transaction")
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
