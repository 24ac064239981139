// Package allocation implements the cost-basis lot state machine.
//
// A BUY opens a lot; a SELL consumes open lots in strategy order (FIFO by
// default), splitting a lot when the sale is smaller than its remainder and
// emitting one allocation record per lot touched. The engine is pure: it
// works on in-memory lot slices and returns the mutations to apply, so the
// caller can persist them inside a single database transaction (or throw
// them away on rejection - all-or-nothing).
package allocation

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/lotkeeper/internal/domain"
)

// moneyPlaces is the scale monetary results are rounded to before they
// cross the storage boundary as float64
const moneyPlaces = 8

// LotConsumption describes the mutation a sale applies to one lot
type LotConsumption struct {
	LotID        int64
	Quantity     float64 // quantity consumed from this lot
	NewRemaining float64
	Closed       bool
}

// SellOutcome holds everything a successful sale produces: one allocation
// per lot slice touched, the lot mutations, and the total realized P&L.
type SellOutcome struct {
	Allocations []domain.SaleAllocation
	Consumed    []LotConsumption
	RealizedPnL float64
}

// Engine allocates transactions against a symbol's lot set
type Engine struct {
	strategy ConsumptionStrategy
	log      zerolog.Logger
}

// NewEngine creates an allocation engine. A nil strategy defaults to FIFO.
func NewEngine(strategy ConsumptionStrategy, log zerolog.Logger) *Engine {
	if strategy == nil {
		strategy = FIFOStrategy{}
	}
	return &Engine{
		strategy: strategy,
		log:      log.With().Str("component", "allocation").Str("strategy", strategy.Name()).Logger(),
	}
}

// Strategy returns the active consumption strategy
func (e *Engine) Strategy() ConsumptionStrategy {
	return e.strategy
}

// OpenLot builds the lot a BUY transaction creates. The per-unit cost basis
// includes the commission: (price*quantity + commission) / quantity.
func (e *Engine) OpenLot(tx domain.Transaction) domain.PositionLot {
	qty := decimal.NewFromFloat(tx.Quantity)
	total := decimal.NewFromFloat(tx.Price).Mul(qty).Add(decimal.NewFromFloat(tx.Commission))
	costBasis := total.Div(qty).Round(moneyPlaces)

	return domain.PositionLot{
		UserID:            tx.UserID,
		Symbol:            tx.Symbol,
		TransactionID:     tx.ID,
		OriginalQuantity:  tx.Quantity,
		RemainingQuantity: tx.Quantity,
		CostBasis:         costBasis.InexactFloat64(),
		PurchaseDate:      tx.TransactionDate,
		IsClosed:          false,
	}
}

// AllocateSell walks the open lots in strategy order and consumes
// min(lot remainder, quantity still to sell) from each. The SELL's
// commission is allocated pro-rata by quantity across the slices touched;
// the last slice absorbs the rounding remainder so the shares sum exactly.
//
// If the open quantity is insufficient the whole sale is rejected with
// InsufficientLotsError and no mutation is returned.
func (e *Engine) AllocateSell(tx domain.Transaction, lots []domain.PositionLot) (*SellOutcome, error) {
	toSell := decimal.NewFromFloat(tx.Quantity)
	salePrice := decimal.NewFromFloat(tx.Price)
	commission := decimal.NewFromFloat(tx.Commission)

	available := decimal.Zero
	for _, lot := range lots {
		if !lot.IsClosed {
			available = available.Add(decimal.NewFromFloat(lot.RemainingQuantity))
		}
	}

	if toSell.GreaterThan(available) {
		return nil, domain.InsufficientLotsError{
			Symbol:    tx.Symbol,
			Requested: tx.Quantity,
			Available: available.InexactFloat64(),
		}
	}

	outcome := &SellOutcome{}
	left := toSell
	allocatedCommission := decimal.Zero
	totalRealized := decimal.Zero

	for _, lot := range e.strategy.Order(lots) {
		if left.IsZero() {
			break
		}
		remaining := decimal.NewFromFloat(lot.RemainingQuantity)
		if lot.IsClosed || !remaining.IsPositive() {
			continue
		}

		slice := decimal.Min(remaining, left)
		newRemaining := remaining.Sub(slice)
		left = left.Sub(slice)

		// Pro-rata commission share; the final slice takes whatever is left
		// of the commission so the shares sum exactly
		var commissionShare decimal.Decimal
		if left.IsZero() {
			commissionShare = commission.Sub(allocatedCommission)
		} else {
			commissionShare = commission.Mul(slice).Div(toSell).Round(moneyPlaces)
		}
		allocatedCommission = allocatedCommission.Add(commissionShare)

		costBasis := decimal.NewFromFloat(lot.CostBasis)
		realized := salePrice.Sub(costBasis).Mul(slice).Sub(commissionShare).Round(moneyPlaces)
		totalRealized = totalRealized.Add(realized)

		outcome.Allocations = append(outcome.Allocations, domain.SaleAllocation{
			SaleTransactionID:   tx.ID,
			LotID:               lot.ID,
			QuantitySold:        slice.InexactFloat64(),
			CostBasis:           lot.CostBasis,
			SalePrice:           tx.Price,
			RealizedPnL:         realized.InexactFloat64(),
			CommissionAllocated: commissionShare.InexactFloat64(),
		})
		outcome.Consumed = append(outcome.Consumed, LotConsumption{
			LotID:        lot.ID,
			Quantity:     slice.InexactFloat64(),
			NewRemaining: newRemaining.InexactFloat64(),
			Closed:       newRemaining.IsZero(),
		})
	}

	outcome.RealizedPnL = totalRealized.InexactFloat64()

	e.log.Debug().
		Str("symbol", tx.Symbol).
		Float64("quantity", tx.Quantity).
		Int("lots_touched", len(outcome.Consumed)).
		Float64("realized_pnl", outcome.RealizedPnL).
		Msg("Sale allocated")

	return outcome, nil
}
