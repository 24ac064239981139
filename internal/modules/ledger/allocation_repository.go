package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

const allocationColumns = `id, sale_transaction_id, lot_id, quantity_sold, cost_basis, sale_price, realized_pnl, commission_allocated`

// AllocationRepository handles sale allocation database operations.
// Allocations are immutable once created.
type AllocationRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewAllocationRepository creates a new allocation repository
func NewAllocationRepository(ledgerDB *sql.DB, log zerolog.Logger) *AllocationRepository {
	return &AllocationRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "allocation").Logger(),
	}
}

// InsertTx inserts a sale allocation inside an existing SQL transaction
func (r *AllocationRepository) InsertTx(tx *sql.Tx, a domain.SaleAllocation) (int64, error) {
	query := `
		INSERT INTO sale_allocations
		(sale_transaction_id, lot_id, quantity_sold, cost_basis, sale_price,
		 realized_pnl, commission_allocated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	res, err := tx.Exec(query,
		a.SaleTransactionID,
		a.LotID,
		a.QuantitySold,
		a.CostBasis,
		a.SalePrice,
		a.RealizedPnL,
		a.CommissionAllocated,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sale allocation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get allocation id: %w", err)
	}

	return id, nil
}

// ListBySale returns the allocations produced by one SELL transaction
func (r *AllocationRepository) ListBySale(saleTransactionID int64) ([]domain.SaleAllocation, error) {
	query := `
		SELECT ` + allocationColumns + ` FROM sale_allocations
		WHERE sale_transaction_id = ?
		ORDER BY id ASC
	`

	rows, err := r.ledgerDB.Query(query, saleTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations by sale: %w", err)
	}
	defer rows.Close()

	return collectAllocations(rows)
}

// ListBySymbol returns all allocations for an (account, symbol),
// chronological by sale transaction
func (r *AllocationRepository) ListBySymbol(userID, symbol string) ([]domain.SaleAllocation, error) {
	query := `
		SELECT a.id, a.sale_transaction_id, a.lot_id, a.quantity_sold, a.cost_basis,
		       a.sale_price, a.realized_pnl, a.commission_allocated
		FROM sale_allocations a
		JOIN transactions t ON t.id = a.sale_transaction_id
		WHERE t.user_id = ? AND t.symbol = ?
		ORDER BY t.transaction_date ASC, a.id ASC
	`

	rows, err := r.ledgerDB.Query(query, userID, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations by symbol: %w", err)
	}
	defer rows.Close()

	return collectAllocations(rows)
}

// RealizedThrough returns the cumulative realized P&L for an
// (account, symbol) from all sales dated on or before the given date
func (r *AllocationRepository) RealizedThrough(userID, symbol string, date time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(a.realized_pnl), 0)
		FROM sale_allocations a
		JOIN transactions t ON t.id = a.sale_transaction_id
		WHERE t.user_id = ? AND t.symbol = ? AND t.transaction_date <= ?
	`

	var total float64
	err := r.ledgerDB.QueryRow(query, userID, domain.NormalizeSymbol(symbol), date.Format(domain.DateFormat)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}

	return total, nil
}

// Helper methods

func collectAllocations(rows *sql.Rows) ([]domain.SaleAllocation, error) {
	var allocations []domain.SaleAllocation
	for rows.Next() {
		var a domain.SaleAllocation
		err := rows.Scan(
			&a.ID,
			&a.SaleTransactionID,
			&a.LotID,
			&a.QuantitySold,
			&a.CostBasis,
			&a.SalePrice,
			&a.RealizedPnL,
			&a.CommissionAllocated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	return allocations, nil
}
