// Package ledger implements transaction ingestion and the durable ledger
// store. The service is the single write path into the ledger: it validates
// and deduplicates candidate transactions, runs the lot allocation engine,
// and commits transaction, lot and allocation rows as one atomic unit.
package ledger

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/database"
	"github.com/aristath/lotkeeper/internal/domain"
	"github.com/aristath/lotkeeper/internal/modules/allocation"
)

// PositionService defines the aggregator operations the ledger needs.
// Implemented by the portfolio module; declared here to avoid an import
// cycle.
type PositionService interface {
	// Recompute rebuilds the position for an (account, symbol) from its lot
	// set and persists it
	Recompute(userID, symbol string) (domain.Position, error)

	// Get returns the stored position, or nil if the pair has never traded
	Get(userID, symbol string) (*domain.Position, error)
}

// RecordRequest is a candidate transaction as submitted by a caller
type RecordRequest struct {
	UserID          string  `json:"user_id"`
	ExternalID      string  `json:"external_id,omitempty"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Commission      float64 `json:"commission"`
	TransactionDate string  `json:"transaction_date"` // YYYY-MM-DD
	Notes           string  `json:"notes,omitempty"`
}

// Service handles transaction ingestion and ledger writes
type Service struct {
	ledgerDB  *sql.DB
	txRepo    *TransactionRepository
	lotRepo   *LotRepository
	allocRepo *AllocationRepository
	engine    *allocation.Engine
	positions PositionService
	locks     *pairLocks
	log       zerolog.Logger
}

// NewService creates a new ledger service
func NewService(
	ledgerDB *sql.DB,
	txRepo *TransactionRepository,
	lotRepo *LotRepository,
	allocRepo *AllocationRepository,
	engine *allocation.Engine,
	positions PositionService,
	log zerolog.Logger,
) *Service {
	return &Service{
		ledgerDB:  ledgerDB,
		txRepo:    txRepo,
		lotRepo:   lotRepo,
		allocRepo: allocRepo,
		engine:    engine,
		positions: positions,
		locks:     newPairLocks(),
		log:       log.With().Str("service", "ledger").Logger(),
	}
}

// RecordTransaction validates, deduplicates and applies one transaction.
//
// The returned result distinguishes "applied" from "already applied"
// (idempotent replay of a known external id); rejections surface as typed
// errors and leave the ledger unchanged. The lot mutations of a SELL and
// the ledger rows commit in one SQL transaction - a rejected sale rolls
// back completely.
func (s *Service) RecordTransaction(req RecordRequest) (*domain.RecordResult, error) {
	candidate, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	// Serialize per (account, symbol): allocation order is order-dependent
	unlock := s.locks.acquire(candidate.UserID + "|" + candidate.Symbol)
	defer unlock()

	// Idempotent replay check before any write
	if candidate.ExternalID != "" {
		stored, err := s.txRepo.GetByExternalID(candidate.UserID, candidate.ExternalID)
		if err != nil {
			return nil, domain.StorageError{Op: "dedup lookup", Err: err}
		}
		if stored != nil {
			return s.replayResult(*stored, candidate)
		}
	}

	var (
		applied     domain.Transaction
		lotsTouched []domain.PositionLot
		allocations []domain.SaleAllocation
	)

	err = database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		id, err := s.txRepo.CreateTx(tx, candidate)
		if err != nil {
			return err
		}
		candidate.ID = id

		switch candidate.Side {
		case domain.SideBuy:
			lot := s.engine.OpenLot(candidate)
			lotID, err := s.lotRepo.InsertTx(tx, lot)
			if err != nil {
				return err
			}
			lot.ID = lotID
			candidate.LotID = &lotID
			if err := s.txRepo.SetLotIDTx(tx, id, lotID); err != nil {
				return err
			}
			lotsTouched = []domain.PositionLot{lot}

		case domain.SideSell:
			openLots, err := s.lotRepo.OpenLotsTx(tx, candidate.UserID, candidate.Symbol)
			if err != nil {
				return err
			}

			outcome, err := s.engine.AllocateSell(candidate, openLots)
			if err != nil {
				return err // rolls back the transaction row as well
			}

			byID := make(map[int64]domain.PositionLot, len(openLots))
			for _, l := range openLots {
				byID[l.ID] = l
			}

			for _, c := range outcome.Consumed {
				if err := s.lotRepo.ApplyConsumptionTx(tx, c); err != nil {
					return err
				}
				touched := byID[c.LotID]
				touched.RemainingQuantity = c.NewRemaining
				touched.IsClosed = c.Closed
				lotsTouched = append(lotsTouched, touched)
			}

			for i := range outcome.Allocations {
				allocID, err := s.allocRepo.InsertTx(tx, outcome.Allocations[i])
				if err != nil {
					return err
				}
				outcome.Allocations[i].ID = allocID
			}
			allocations = outcome.Allocations
		}

		applied = candidate
		return nil
	})

	if err != nil {
		// A concurrent writer may have won the unique external id index
		// between our dedup lookup and the insert (cross-process)
		if candidate.ExternalID != "" && isUniqueViolation(err) {
			stored, lookupErr := s.txRepo.GetByExternalID(candidate.UserID, candidate.ExternalID)
			if lookupErr == nil && stored != nil {
				return s.replayResult(*stored, candidate)
			}
		}
		if domain.IsRejection(err) {
			s.log.Warn().
				Str("user_id", candidate.UserID).
				Str("symbol", candidate.Symbol).
				Err(err).
				Msg("Transaction rejected")
			return nil, err
		}
		return nil, domain.StorageError{Op: "record transaction", Err: err}
	}

	// Positions are a materialized view over lots; rebuild synchronously so
	// callers read their own writes
	position, err := s.positions.Recompute(applied.UserID, applied.Symbol)
	if err != nil {
		return nil, domain.StorageError{Op: "position recompute", Err: err}
	}

	s.log.Info().
		Str("user_id", applied.UserID).
		Str("symbol", applied.Symbol).
		Str("side", string(applied.Side)).
		Float64("quantity", applied.Quantity).
		Int64("transaction_id", applied.ID).
		Msg("Transaction recorded")

	return &domain.RecordResult{
		Status:      domain.StatusApplied,
		Transaction: applied,
		Position:    position,
		LotsTouched: lotsTouched,
		Allocations: allocations,
	}, nil
}

// ListTransactions returns recent transactions for an account
func (s *Service) ListTransactions(userID, symbol string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.txRepo.List(userID, symbol, limit)
}

// LotsForSymbol returns the lot history for an (account, symbol)
func (s *Service) LotsForSymbol(userID, symbol string) ([]domain.PositionLot, error) {
	return s.lotRepo.GetBySymbol(userID, symbol)
}

// AllocationsForSymbol returns the sale allocations for an (account, symbol)
func (s *Service) AllocationsForSymbol(userID, symbol string) ([]domain.SaleAllocation, error) {
	return s.allocRepo.ListBySymbol(userID, symbol)
}

// validate applies the ingestion gate's field checks and produces the
// normalized transaction
func (s *Service) validate(req RecordRequest) (domain.Transaction, error) {
	var t domain.Transaction

	if strings.TrimSpace(req.UserID) == "" {
		return t, domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if domain.NormalizeSymbol(req.Symbol) == "" {
		return t, domain.ValidationError{Field: "symbol", Reason: "is required"}
	}

	side, ok := domain.SideFromString(req.Side)
	if !ok {
		return t, domain.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return t, domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.Price <= 0 {
		return t, domain.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if req.Commission < 0 {
		return t, domain.ValidationError{Field: "commission", Reason: "must not be negative"}
	}

	txDate, err := time.Parse(domain.DateFormat, req.TransactionDate)
	if err != nil {
		return t, domain.ValidationError{Field: "transaction_date", Reason: "must be YYYY-MM-DD"}
	}

	return domain.Transaction{
		UserID:          strings.TrimSpace(req.UserID),
		ExternalID:      strings.TrimSpace(req.ExternalID),
		Symbol:          domain.NormalizeSymbol(req.Symbol),
		Side:            side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Commission:      req.Commission,
		TransactionDate: txDate,
		Notes:           req.Notes,
	}, nil
}

// replayResult rebuilds the outcome of a previously stored transaction.
// An identical payload is an idempotent no-op; a conflicting payload under
// the same external id is an error.
func (s *Service) replayResult(stored, candidate domain.Transaction) (*domain.RecordResult, error) {
	if !stored.SamePayload(candidate) {
		return nil, domain.DuplicateTransactionError{
			UserID:     candidate.UserID,
			ExternalID: candidate.ExternalID,
		}
	}

	result := &domain.RecordResult{
		Status:      domain.StatusAlreadyApplied,
		Transaction: stored,
	}

	pos, err := s.positions.Get(stored.UserID, stored.Symbol)
	if err != nil {
		s.log.Warn().Err(err).
			Str("user_id", stored.UserID).
			Str("symbol", stored.Symbol).
			Msg("Replay position lookup failed")
	} else if pos != nil {
		result.Position = *pos
	}

	switch stored.Side {
	case domain.SideBuy:
		lot, err := s.lotRepo.GetByTransactionID(stored.ID)
		if err != nil {
			s.log.Warn().Err(err).
				Int64("transaction_id", stored.ID).
				Msg("Replay lot lookup failed")
		} else if lot != nil {
			result.LotsTouched = []domain.PositionLot{*lot}
		}
	case domain.SideSell:
		allocations, err := s.allocRepo.ListBySale(stored.ID)
		if err != nil {
			return nil, domain.StorageError{Op: "replay allocations", Err: err}
		}
		result.Allocations = allocations
		for _, a := range allocations {
			lot, err := s.lotRepo.GetByID(a.LotID)
			if err != nil {
				s.log.Warn().Err(err).
					Int64("lot_id", a.LotID).
					Msg("Replay lot lookup failed")
				continue
			}
			if lot != nil {
				result.LotsTouched = append(result.LotsTouched, *lot)
			}
		}
	}

	s.log.Debug().
		Str("user_id", stored.UserID).
		Str("external_id", stored.ExternalID).
		Msg("Idempotent replay, returning stored result")

	return result, nil
}

// isUniqueViolation detects the SQLite unique-index error for the
// (user_id, external_id) dedup index
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}
