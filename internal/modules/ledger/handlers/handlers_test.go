package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/lotkeeper/internal/database"
	"github.com/aristath/lotkeeper/internal/modules/allocation"
	"github.com/aristath/lotkeeper/internal/modules/ledger"
	"github.com/aristath/lotkeeper/internal/modules/portfolio"
)

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)

	open := func(name string) *sql.DB {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		schema, ok := database.Schema(name)
		require.True(t, ok)
		_, err = db.Exec(schema)
		require.NoError(t, err)
		return db
	}

	ledgerDB := open("ledger")
	portfolioDB := open("portfolio")

	txRepo := ledger.NewTransactionRepository(ledgerDB, log)
	lotRepo := ledger.NewLotRepository(ledgerDB, log)
	allocRepo := ledger.NewAllocationRepository(ledgerDB, log)
	positionRepo := portfolio.NewPositionRepository(portfolioDB, log)
	positions := portfolio.NewService(lotRepo, txRepo, positionRepo, log)
	service := ledger.NewService(ledgerDB, txRepo, lotRepo, allocRepo, allocation.NewEngine(nil, log), positions, log)

	router := chi.NewRouter()
	NewHandler(service, "default", log).RegisterRoutes(router)
	return router
}

func postJSON(t *testing.T, router *chi.Mux, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleRecordTransaction(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "aapl",
		"side":             "BUY",
		"quantity":         100,
		"price":            10,
		"commission":       1,
		"transaction_date": "2024-01-02",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data struct {
			Status      string `json:"status"`
			Transaction struct {
				Symbol string `json:"symbol"`
				UserID string `json:"user_id"`
			} `json:"transaction"`
			Position struct {
				Quantity float64 `json:"quantity"`
			} `json:"position"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "applied", resp.Data.Status)
	assert.Equal(t, "AAPL", resp.Data.Transaction.Symbol)
	assert.Equal(t, "default", resp.Data.Transaction.UserID)
	assert.InDelta(t, 100.0, resp.Data.Position.Quantity, 1e-9)
}

func TestHandleRecordTransactionValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "HOLD",
		"quantity":         100,
		"price":            10,
		"transaction_date": "2024-01-02",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "side", resp["field"])
}

func TestHandleRecordTransactionInsufficient(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "BUY",
		"quantity":         10,
		"price":            10,
		"transaction_date": "2024-01-02",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "SELL",
		"quantity":         25,
		"price":            12,
		"transaction_date": "2024-02-01",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 25.0, resp["requested"].(float64), 1e-9)
	assert.InDelta(t, 10.0, resp["available"].(float64), 1e-9)
}

func TestHandleRecordTransactionConflict(t *testing.T) {
	router := newTestRouter(t)

	body := map[string]interface{}{
		"external_id":      "broker-1",
		"symbol":           "AAPL",
		"side":             "BUY",
		"quantity":         10,
		"price":            10,
		"transaction_date": "2024-01-02",
	}
	require.Equal(t, http.StatusCreated, postJSON(t, router, "/transactions", body).Code)

	// Identical replay returns 200, not 201
	require.Equal(t, http.StatusOK, postJSON(t, router, "/transactions", body).Code)

	// Same external id with a different payload conflicts
	body["quantity"] = 99
	require.Equal(t, http.StatusConflict, postJSON(t, router, "/transactions", body).Code)
}

func TestHandleGetLots(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "BUY",
		"quantity":         10,
		"price":            10,
		"transaction_date": "2024-01-02",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/positions/AAPL/lots", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp struct {
		Data struct {
			Count         int     `json:"count"`
			OpenRemaining float64 `json:"open_remaining"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Count)
	assert.InDelta(t, 10.0, resp.Data.OpenRemaining, 1e-9)
}

func TestHandleGetAllocations(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "BUY",
		"quantity":         10,
		"price":            10,
		"transaction_date": "2024-01-02",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/transactions", map[string]interface{}{
		"symbol":           "AAPL",
		"side":             "SELL",
		"quantity":         4,
		"price":            12,
		"transaction_date": "2024-01-10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/positions/AAPL/allocations", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Count)
}
