package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

const positionColumns = `id, user_id, symbol, quantity, avg_cost, total_cost, first_buy_date, last_transaction_date, is_active`

// PositionRepository handles position database operations
type PositionRepository struct {
	portfolioDB *sql.DB
	log         zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(portfolioDB *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "position").Logger(),
	}
}

// GetAll returns all positions for an account
func (r *PositionRepository) GetAll(userID string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE user_id = ? ORDER BY symbol"

	rows, err := r.portfolioDB.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// GetAllActive returns the positions with open quantity, across all accounts.
// Used by the daily valuation job.
func (r *PositionRepository) GetAllActive() ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE is_active = 1 ORDER BY user_id, symbol"

	rows, err := r.portfolioDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// GetBySymbol returns a position by (account, symbol), or nil when the pair
// has never traded
func (r *PositionRepository) GetBySymbol(userID, symbol string) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE user_id = ? AND symbol = ?"

	rows, err := r.portfolioDB.Query(query, userID, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query position by symbol: %w", err)
	}
	defer rows.Close()

	positions, err := collectPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	return &positions[0], nil
}

// GetCount returns the total number of positions for an account
func (r *PositionRepository) GetCount(userID string) (int, error) {
	var count int
	err := r.portfolioDB.QueryRow("SELECT COUNT(*) FROM positions WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get position count: %w", err)
	}

	return count, nil
}

// Upsert inserts or updates a position. Quantity-zero positions are written
// inactive, never deleted - they anchor historical realized P&L.
func (r *PositionRepository) Upsert(position domain.Position) error {
	query := `
		INSERT INTO positions
		(user_id, symbol, quantity, avg_cost, total_cost, first_buy_date,
		 last_transaction_date, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			total_cost = excluded.total_cost,
			first_buy_date = excluded.first_buy_date,
			last_transaction_date = excluded.last_transaction_date,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.portfolioDB.Exec(query,
		position.UserID,
		domain.NormalizeSymbol(position.Symbol),
		position.Quantity,
		position.AvgCost,
		position.TotalCost,
		nullDate(position.FirstBuyDate),
		nullDate(position.LastTransactionDate),
		boolToInt(position.IsActive),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}

	r.log.Debug().
		Str("user_id", position.UserID).
		Str("symbol", position.Symbol).
		Float64("quantity", position.Quantity).
		Msg("Position upserted")

	return nil
}

// Helper methods

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var pos domain.Position
	var firstBuy, lastTx sql.NullString
	var isActive int

	err := rows.Scan(
		&pos.ID,
		&pos.UserID,
		&pos.Symbol,
		&pos.Quantity,
		&pos.AvgCost,
		&pos.TotalCost,
		&firstBuy,
		&lastTx,
		&isActive,
	)
	if err != nil {
		return pos, err
	}

	if firstBuy.Valid {
		if t, err := time.Parse(domain.DateFormat, firstBuy.String); err == nil {
			pos.FirstBuyDate = &t
		}
	}
	if lastTx.Valid {
		if t, err := time.Parse(domain.DateFormat, lastTx.String); err == nil {
			pos.LastTransactionDate = &t
		}
	}
	pos.IsActive = isActive != 0
	pos.Symbol = domain.NormalizeSymbol(pos.Symbol)

	return pos, nil
}

// Helper functions

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(domain.DateFormat), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
