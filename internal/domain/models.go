// Package domain provides core domain models and types.
package domain

import (
	"strings"
	"time"
)

// DateFormat is the canonical date-only format used across the ledger
const DateFormat = "2006-01-02"

// Side represents a transaction side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SideFromString parses a transaction side, case-insensitively
func SideFromString(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// Transaction is an immutable record of one trade. It is created by
// ingestion and never mutated or deleted afterwards; amendments are new
// transactions plus compensating entries.
type Transaction struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	ExternalID      string    `json:"external_id,omitempty"` // idempotency key, unique per account when present
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	Commission      float64   `json:"commission"`
	TransactionDate time.Time `json:"transaction_date"`
	LotID           *int64    `json:"lot_id,omitempty"` // lot opened by this BUY
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SamePayload reports whether two transactions carry the same trade payload.
// Used to distinguish an idempotent replay from a conflicting reuse of an
// external id. Notes are free text and do not make a replay conflicting.
func (t Transaction) SamePayload(other Transaction) bool {
	return t.Symbol == other.Symbol &&
		t.Side == other.Side &&
		t.Quantity == other.Quantity &&
		t.Price == other.Price &&
		t.Commission == other.Commission &&
		t.TransactionDate.Format(DateFormat) == other.TransactionDate.Format(DateFormat)
}

// PositionLot is a FIFO-orderable slice of ownership created by exactly one
// BUY transaction. remaining_quantity only ever decreases; a lot is closed
// when it reaches 0 and is retained for audit.
type PositionLot struct {
	ID                int64     `json:"id"`
	UserID            string    `json:"user_id"`
	Symbol            string    `json:"symbol"`
	TransactionID     int64     `json:"transaction_id"`
	OriginalQuantity  float64   `json:"original_quantity"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	CostBasis         float64   `json:"cost_basis"` // per unit, commission included
	PurchaseDate      time.Time `json:"purchase_date"`
	IsClosed          bool      `json:"is_closed"`
}

// SaleAllocation records that a SELL consumed a quantity from one lot at a
// given price, with the realized P&L for that slice. Immutable once created.
type SaleAllocation struct {
	ID                  int64   `json:"id"`
	SaleTransactionID   int64   `json:"sale_transaction_id"`
	LotID               int64   `json:"lot_id"`
	QuantitySold        float64 `json:"quantity_sold"`
	CostBasis           float64 `json:"cost_basis"`
	SalePrice           float64 `json:"sale_price"`
	RealizedPnL         float64 `json:"realized_pnl"`
	CommissionAllocated float64 `json:"commission_allocated"`
}

// Position is the derived aggregate per (account, symbol): a materialized
// view over that symbol's lots. Quantity-zero positions are retained
// inactive since they anchor historical realized P&L.
type Position struct {
	ID                  int64      `json:"id"`
	UserID              string     `json:"user_id"`
	Symbol              string     `json:"symbol"`
	Quantity            float64    `json:"quantity"`
	AvgCost             float64    `json:"avg_cost"`
	TotalCost           float64    `json:"total_cost"`
	FirstBuyDate        *time.Time `json:"first_buy_date,omitempty"`
	LastTransactionDate *time.Time `json:"last_transaction_date,omitempty"`
	IsActive            bool       `json:"is_active"`
}

// DailyPnLSnapshot is a dated valuation of one position, unique per
// (account, symbol, valuation date). Later runs for the same date overwrite.
type DailyPnLSnapshot struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Symbol           string    `json:"symbol"`
	ValuationDate    time.Time `json:"valuation_date"`
	Quantity         float64   `json:"quantity"`
	AvgCost          float64   `json:"avg_cost"`
	MarketPrice      float64   `json:"market_price"`
	MarketValue      float64   `json:"market_value"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	RealizedPnL      float64   `json:"realized_pnl"` // cumulative to valuation date
	RealizedPnLPct   float64   `json:"realized_pnl_pct"`
	TotalCost        float64   `json:"total_cost"`
	PriceDate        time.Time `json:"price_date"`
	IsStalePrice     bool      `json:"is_stale_price"` // price observed before the valuation date
}

// PriceQuote is a close price observed on a specific date
type PriceQuote struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	ObservedDate time.Time `json:"observed_date"`
}

// RecordStatus distinguishes how a submitted transaction was handled
type RecordStatus string

const (
	// StatusApplied - the transaction was validated, allocated and committed
	StatusApplied RecordStatus = "applied"
	// StatusAlreadyApplied - idempotent replay of a stored transaction; no new state
	StatusAlreadyApplied RecordStatus = "already_applied"
)

// RecordResult is the typed outcome of recording one transaction
type RecordResult struct {
	Status      RecordStatus     `json:"status"`
	Transaction Transaction      `json:"transaction"`
	Position    Position         `json:"position"`
	LotsTouched []PositionLot    `json:"lots_touched"`
	Allocations []SaleAllocation `json:"allocations,omitempty"`
}

// NormalizeSymbol canonicalizes a ticker symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
