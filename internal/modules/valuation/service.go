// Package valuation computes dated P&L snapshots of positions against
// observed market prices.
package valuation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/lotkeeper/internal/domain"
)

// PositionSource provides the position being valued
type PositionSource interface {
	GetBySymbol(userID, symbol string) (*domain.Position, error)
}

// RealizedSource provides cumulative realized P&L up to a date
type RealizedSource interface {
	RealizedThrough(userID, symbol string, date time.Time) (float64, error)
}

// Service computes and stores daily P&L snapshots
type Service struct {
	positions PositionSource
	realized  RealizedSource
	snapshots *SnapshotRepository
	log       zerolog.Logger
}

// NewService creates a new valuation service
func NewService(positions PositionSource, realized RealizedSource, snapshots *SnapshotRepository, log zerolog.Logger) *Service {
	return &Service{
		positions: positions,
		realized:  realized,
		snapshots: snapshots,
		log:       log.With().Str("service", "valuation").Logger(),
	}
}

// Snapshot values one (account, symbol) position as of valuationDate using
// the given quote, and upserts the result. Running it again for the same
// date overwrites the earlier row.
func (s *Service) Snapshot(userID, symbol string, valuationDate time.Time, quote domain.PriceQuote) (domain.DailyPnLSnapshot, error) {
	symbol = domain.NormalizeSymbol(symbol)

	position, err := s.positions.GetBySymbol(userID, symbol)
	if err != nil {
		return domain.DailyPnLSnapshot{}, fmt.Errorf("failed to load position for %s: %w", symbol, err)
	}
	if position == nil {
		return domain.DailyPnLSnapshot{}, domain.ErrPositionNotFound
	}

	realized, err := s.realized.RealizedThrough(userID, symbol, valuationDate)
	if err != nil {
		return domain.DailyPnLSnapshot{}, fmt.Errorf("failed to sum realized pnl for %s: %w", symbol, err)
	}

	snapshot := buildSnapshot(*position, valuationDate, quote, realized)

	if err := s.snapshots.Upsert(snapshot); err != nil {
		return domain.DailyPnLSnapshot{}, domain.StorageError{Op: "snapshot upsert", Err: err}
	}

	s.log.Debug().
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("valuation_date", valuationDate.Format(domain.DateFormat)).
		Float64("market_value", snapshot.MarketValue).
		Bool("stale_price", snapshot.IsStalePrice).
		Msg("Valuation snapshot written")

	return snapshot, nil
}

// SnapshotFor returns the stored snapshot for a date, or nil
func (s *Service) SnapshotFor(userID, symbol string, date time.Time) (*domain.DailyPnLSnapshot, error) {
	return s.snapshots.GetByDate(userID, domain.NormalizeSymbol(symbol), date)
}

// History returns recent snapshots for a symbol, newest first
func (s *Service) History(userID, symbol string, limit int) ([]domain.DailyPnLSnapshot, error) {
	if limit <= 0 {
		limit = 90
	}
	return s.snapshots.History(userID, domain.NormalizeSymbol(symbol), limit)
}

// buildSnapshot is the pure valuation calculation. A quantity-zero position
// still snapshots: market value and unrealized are zero, realized carries on.
func buildSnapshot(position domain.Position, valuationDate time.Time, quote domain.PriceQuote, realized float64) domain.DailyPnLSnapshot {
	const places = 8

	quantity := decimal.NewFromFloat(position.Quantity)
	price := decimal.NewFromFloat(quote.Price)
	totalCost := decimal.NewFromFloat(position.TotalCost)
	realizedDec := decimal.NewFromFloat(realized)

	marketValue := decimal.Zero
	unrealized := decimal.Zero
	if quantity.IsPositive() {
		marketValue = quantity.Mul(price)
		unrealized = marketValue.Sub(totalCost)
	}

	hundred := decimal.NewFromInt(100)
	unrealizedPct := decimal.Zero
	realizedPct := decimal.Zero
	if totalCost.IsPositive() {
		unrealizedPct = unrealized.Div(totalCost).Mul(hundred)
		realizedPct = realizedDec.Div(totalCost).Mul(hundred)
	}

	isStale := quote.ObservedDate.Format(domain.DateFormat) != valuationDate.Format(domain.DateFormat)

	return domain.DailyPnLSnapshot{
		UserID:           position.UserID,
		Symbol:           position.Symbol,
		ValuationDate:    valuationDate,
		Quantity:         position.Quantity,
		AvgCost:          position.AvgCost,
		MarketPrice:      quote.Price,
		MarketValue:      round(marketValue, places),
		UnrealizedPnL:    round(unrealized, places),
		UnrealizedPnLPct: round(unrealizedPct, places),
		RealizedPnL:      round(realizedDec, places),
		RealizedPnLPct:   round(realizedPct, places),
		TotalCost:        position.TotalCost,
		PriceDate:        quote.ObservedDate,
		IsStalePrice:     isStale,
	}
}

func round(d decimal.Decimal, places int32) float64 {
	f, _ := d.Round(places).Float64()
	return f
}
