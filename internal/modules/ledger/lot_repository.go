package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
	"github.com/aristath/lotkeeper/internal/modules/allocation"
)

const lotColumns = `id, user_id, symbol, transaction_id, original_quantity, remaining_quantity, cost_basis, purchase_date, is_closed`

// LotRepository handles position lot database operations. Lots are appended
// on BUY and only ever have remaining_quantity decreased on SELL; closed
// lots are retained for audit.
type LotRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewLotRepository creates a new lot repository
func NewLotRepository(ledgerDB *sql.DB, log zerolog.Logger) *LotRepository {
	return &LotRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "lot").Logger(),
	}
}

// InsertTx inserts a new lot inside an existing SQL transaction
func (r *LotRepository) InsertTx(tx *sql.Tx, lot domain.PositionLot) (int64, error) {
	query := `
		INSERT INTO position_lots
		(user_id, symbol, transaction_id, original_quantity, remaining_quantity,
		 cost_basis, purchase_date, is_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := tx.Exec(query,
		lot.UserID,
		domain.NormalizeSymbol(lot.Symbol),
		lot.TransactionID,
		lot.OriginalQuantity,
		lot.RemainingQuantity,
		lot.CostBasis,
		lot.PurchaseDate.Format(domain.DateFormat),
		boolToInt(lot.IsClosed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert lot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get lot id: %w", err)
	}

	return id, nil
}

// OpenLotsTx returns the open lots for an (account, symbol) in FIFO order
// (purchase date, then id), read inside the caller's SQL transaction so the
// allocation sees a consistent snapshot.
func (r *LotRepository) OpenLotsTx(tx *sql.Tx, userID, symbol string) ([]domain.PositionLot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM position_lots
		WHERE user_id = ? AND symbol = ? AND is_closed = 0
		ORDER BY purchase_date ASC, id ASC
	`

	rows, err := tx.Query(query, userID, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

// ApplyConsumptionTx applies one sale's mutation to a lot. The guard on
// remaining_quantity makes a concurrent double-spend of the same lot fail
// loudly instead of going negative.
func (r *LotRepository) ApplyConsumptionTx(tx *sql.Tx, c allocation.LotConsumption) error {
	query := `
		UPDATE position_lots
		SET remaining_quantity = ?, is_closed = ?
		WHERE id = ? AND remaining_quantity >= ?
	`

	res, err := tx.Exec(query, c.NewRemaining, boolToInt(c.Closed), c.LotID, c.Quantity)
	if err != nil {
		return fmt.Errorf("failed to update lot %d: %w", c.LotID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lot update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("lot %d changed concurrently, consumption not applied", c.LotID)
	}

	return nil
}

// GetByID retrieves a lot by id
func (r *LotRepository) GetByID(id int64) (*domain.PositionLot, error) {
	query := "SELECT " + lotColumns + " FROM position_lots WHERE id = ?"

	rows, err := r.ledgerDB.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot by id: %w", err)
	}
	defer rows.Close()

	lots, err := collectLots(rows)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	return &lots[0], nil
}

// GetByTransactionID retrieves the lot opened by a BUY transaction
func (r *LotRepository) GetByTransactionID(transactionID int64) (*domain.PositionLot, error) {
	query := "SELECT " + lotColumns + " FROM position_lots WHERE transaction_id = ?"

	rows, err := r.ledgerDB.Query(query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot by transaction id: %w", err)
	}
	defer rows.Close()

	lots, err := collectLots(rows)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	return &lots[0], nil
}

// GetBySymbol returns all lots for an (account, symbol), closed lots
// included, in FIFO order
func (r *LotRepository) GetBySymbol(userID, symbol string) ([]domain.PositionLot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM position_lots
		WHERE user_id = ? AND symbol = ?
		ORDER BY purchase_date ASC, id ASC
	`

	rows, err := r.ledgerDB.Query(query, userID, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query lots by symbol: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

// SumOpenRemaining returns the total open quantity for an (account, symbol)
func (r *LotRepository) SumOpenRemaining(userID, symbol string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(remaining_quantity), 0) FROM position_lots
		WHERE user_id = ? AND symbol = ? AND is_closed = 0
	`

	var total float64
	err := r.ledgerDB.QueryRow(query, userID, domain.NormalizeSymbol(symbol)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum open lots: %w", err)
	}

	return total, nil
}

// Helper methods

func collectLots(rows *sql.Rows) ([]domain.PositionLot, error) {
	var lots []domain.PositionLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lots: %w", err)
	}

	return lots, nil
}

func scanLot(rows *sql.Rows) (domain.PositionLot, error) {
	var lot domain.PositionLot
	var purchaseDate string
	var isClosed int

	err := rows.Scan(
		&lot.ID,
		&lot.UserID,
		&lot.Symbol,
		&lot.TransactionID,
		&lot.OriginalQuantity,
		&lot.RemainingQuantity,
		&lot.CostBasis,
		&purchaseDate,
		&isClosed,
	)
	if err != nil {
		return lot, err
	}

	parsed, err := time.Parse(domain.DateFormat, purchaseDate)
	if err != nil {
		return lot, fmt.Errorf("invalid purchase_date %q: %w", purchaseDate, err)
	}
	lot.PurchaseDate = parsed
	lot.IsClosed = isClosed != 0
	lot.Symbol = domain.NormalizeSymbol(lot.Symbol)

	return lot, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
