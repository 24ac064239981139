// Package portfolio derives per-(account, symbol) positions from the
// ledger's lot set. A position is a materialized view: quantity is the sum
// of open lot remainders, average cost the open-quantity-weighted cost
// basis. Recomputation is a pure function of the lot set.
package portfolio

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/lotkeeper/internal/domain"
)

// LotSource provides the lot history the aggregator reads.
// Implemented by the ledger module's lot repository.
type LotSource interface {
	GetBySymbol(userID, symbol string) ([]domain.PositionLot, error)
}

// TransactionDates provides transaction date lookups.
// Implemented by the ledger module's transaction repository.
type TransactionDates interface {
	LastTransactionDate(userID, symbol string) (*time.Time, error)
}

// Service recomputes and serves positions
type Service struct {
	lots         LotSource
	transactions TransactionDates
	positionRepo *PositionRepository
	log          zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(lots LotSource, transactions TransactionDates, positionRepo *PositionRepository, log zerolog.Logger) *Service {
	return &Service{
		lots:         lots,
		transactions: transactions,
		positionRepo: positionRepo,
		log:          log.With().Str("service", "portfolio").Logger(),
	}
}

// Recompute rebuilds the position for an (account, symbol) from its full
// lot history and persists it. Called after every transaction for the
// symbol.
func (s *Service) Recompute(userID, symbol string) (domain.Position, error) {
	symbol = domain.NormalizeSymbol(symbol)

	lots, err := s.lots.GetBySymbol(userID, symbol)
	if err != nil {
		return domain.Position{}, err
	}

	lastTx, err := s.transactions.LastTransactionDate(userID, symbol)
	if err != nil {
		return domain.Position{}, err
	}

	position := BuildPosition(userID, symbol, lots, lastTx)

	if err := s.positionRepo.Upsert(position); err != nil {
		return domain.Position{}, err
	}

	// Read back to pick up the row id
	stored, err := s.positionRepo.GetBySymbol(userID, symbol)
	if err != nil {
		return domain.Position{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	return position, nil
}

// Get returns the stored position for an (account, symbol), or nil
func (s *Service) Get(userID, symbol string) (*domain.Position, error) {
	return s.positionRepo.GetBySymbol(userID, symbol)
}

// List returns all positions for an account
func (s *Service) List(userID string) ([]domain.Position, error) {
	return s.positionRepo.GetAll(userID)
}

// BuildPosition derives a position from a symbol's lot history. Pure
// function: quantity is the sum of open remainders, average cost the
// weighted cost basis over open lots, first buy date the earliest purchase
// date including closed lots.
func BuildPosition(userID, symbol string, lots []domain.PositionLot, lastTransaction *time.Time) domain.Position {
	quantity := decimal.Zero
	totalCost := decimal.Zero
	var firstBuy *time.Time

	for _, lot := range lots {
		if firstBuy == nil || lot.PurchaseDate.Before(*firstBuy) {
			d := lot.PurchaseDate
			firstBuy = &d
		}
		if lot.IsClosed || lot.RemainingQuantity <= 0 {
			continue
		}
		remaining := decimal.NewFromFloat(lot.RemainingQuantity)
		quantity = quantity.Add(remaining)
		totalCost = totalCost.Add(remaining.Mul(decimal.NewFromFloat(lot.CostBasis)))
	}

	avgCost := decimal.Zero
	if quantity.IsPositive() {
		avgCost = totalCost.Div(quantity).Round(8)
	}

	return domain.Position{
		UserID:              userID,
		Symbol:              symbol,
		Quantity:            quantity.InexactFloat64(),
		AvgCost:             avgCost.InexactFloat64(),
		TotalCost:           totalCost.Round(8).InexactFloat64(),
		FirstBuyDate:        firstBuy,
		LastTransactionDate: lastTransaction,
		IsActive:            quantity.IsPositive(),
	}
}
