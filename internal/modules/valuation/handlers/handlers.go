// Package handlers provides HTTP handlers for valuation snapshots.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
	"github.com/aristath/lotkeeper/internal/modules/valuation"
)

// Handler handles valuation HTTP requests
type Handler struct {
	service        *valuation.Service
	prices         domain.PriceSource
	defaultAccount string
	log            zerolog.Logger
}

// NewHandler creates a new valuation handler
func NewHandler(service *valuation.Service, prices domain.PriceSource, defaultAccount string, log zerolog.Logger) *Handler {
	return &Handler{
		service:        service,
		prices:         prices,
		defaultAccount: defaultAccount,
		log:            log.With().Str("handler", "valuation").Logger(),
	}
}

// snapshotRequest is the optional JSON body of POST /api/valuations/{symbol}.
// A caller that already resolved a price (e.g. a backfill from a broker
// statement) can supply it directly; otherwise the price feed is consulted.
type snapshotRequest struct {
	Date      string   `json:"date,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	PriceDate string   `json:"price_date,omitempty"`
}

// HandleSnapshot handles POST /api/valuations/{symbol}.
// Values the position at the requested date (default today) using the price
// supplied in the body, or the most recent close observed on or before that
// date when no price is given.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")

	var req snapshotRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	date, ok := h.resolveDate(w, r, req.Date)
	if !ok {
		return
	}

	quote, ok := h.resolveQuote(w, symbol, date, req)
	if !ok {
		return
	}

	snapshot, err := h.service.Snapshot(userID, symbol, date, quote)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			h.writeError(w, http.StatusNotFound, "Position not found")
			return
		}
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Snapshot failed")
		h.writeError(w, http.StatusInternalServerError, "Snapshot failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": snapshot,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetSnapshot handles GET /api/valuations/{symbol}
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")

	date, ok := h.resolveDate(w, r, "")
	if !ok {
		return
	}

	snapshot, err := h.service.SnapshotFor(userID, symbol, date)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to get snapshot")
		return
	}
	if snapshot == nil {
		h.writeError(w, http.StatusNotFound, "No snapshot for that date")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": snapshot,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleHistory handles GET /api/valuations/{symbol}/history
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	symbol := chi.URLParam(r, "symbol")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.service.History(userID, symbol, limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get snapshot history")
		h.writeError(w, http.StatusInternalServerError, "Failed to get snapshot history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"snapshots": history,
			"count":     len(history),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// resolveQuote returns the quote to value the position with: the body price
// when supplied, the price feed otherwise.
func (h *Handler) resolveQuote(w http.ResponseWriter, symbol string, date time.Time, req snapshotRequest) (domain.PriceQuote, bool) {
	if req.Price != nil {
		if *req.Price <= 0 {
			h.writeError(w, http.StatusBadRequest, "price must be positive")
			return domain.PriceQuote{}, false
		}
		observed := date
		if req.PriceDate != "" {
			parsed, err := time.Parse(domain.DateFormat, req.PriceDate)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "price_date must be YYYY-MM-DD")
				return domain.PriceQuote{}, false
			}
			observed = parsed
		}
		return domain.PriceQuote{
			Symbol:       symbol,
			Price:        *req.Price,
			ObservedDate: observed,
		}, true
	}

	quote, err := h.prices.PriceFor(symbol, date)
	if err != nil {
		if errors.Is(err, domain.ErrPriceNotFound) {
			h.writeError(w, http.StatusNotFound, "No price available for "+symbol)
			return domain.PriceQuote{}, false
		}
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Price lookup failed")
		h.writeError(w, http.StatusBadGateway, "Price lookup failed")
		return domain.PriceQuote{}, false
	}
	return quote, true
}

// resolveDate picks the valuation date: body field first, then the date
// query param, then today.
func (h *Handler) resolveDate(w http.ResponseWriter, r *http.Request, bodyDate string) (time.Time, bool) {
	raw := bodyDate
	if raw == "" {
		raw = r.URL.Query().Get("date")
	}
	if raw == "" {
		return time.Now(), true
	}
	date, err := time.Parse(domain.DateFormat, raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
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
