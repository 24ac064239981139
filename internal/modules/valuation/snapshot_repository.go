package valuation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

const snapshotColumns = `id, user_id, symbol, valuation_date, quantity, avg_cost, market_price, market_value, unrealized_pnl, unrealized_pnl_pct, realized_pnl, realized_pnl_pct, total_cost, price_date, is_stale_price`

// SnapshotRepository handles daily P&L snapshot database operations
type SnapshotRepository struct {
	portfolioDB *sql.DB
	log         zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(portfolioDB *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "snapshot").Logger(),
	}
}

// Upsert writes a snapshot. A snapshot is unique per
// (account, symbol, valuation date); later runs for the same date overwrite.
func (r *SnapshotRepository) Upsert(s domain.DailyPnLSnapshot) error {
	query := `
		INSERT INTO daily_pnl
		(user_id, symbol, valuation_date, quantity, avg_cost, market_price,
		 market_value, unrealized_pnl, unrealized_pnl_pct, realized_pnl,
		 realized_pnl_pct, total_cost, price_date, is_stale_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol, valuation_date) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			market_price = excluded.market_price,
			market_value = excluded.market_value,
			unrealized_pnl = excluded.unrealized_pnl,
			unrealized_pnl_pct = excluded.unrealized_pnl_pct,
			realized_pnl = excluded.realized_pnl,
			realized_pnl_pct = excluded.realized_pnl_pct,
			total_cost = excluded.total_cost,
			price_date = excluded.price_date,
			is_stale_price = excluded.is_stale_price,
			created_at = excluded.created_at
	`

	_, err := r.portfolioDB.Exec(query,
		s.UserID,
		domain.NormalizeSymbol(s.Symbol),
		s.ValuationDate.Format(domain.DateFormat),
		s.Quantity,
		s.AvgCost,
		s.MarketPrice,
		s.MarketValue,
		s.UnrealizedPnL,
		s.UnrealizedPnLPct,
		s.RealizedPnL,
		s.RealizedPnLPct,
		s.TotalCost,
		s.PriceDate.Format(domain.DateFormat),
		boolToInt(s.IsStalePrice),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return nil
}

// GetByDate returns the snapshot for an (account, symbol, valuation date),
// or nil
func (r *SnapshotRepository) GetByDate(userID, symbol string, date time.Time) (*domain.DailyPnLSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM daily_pnl
		WHERE user_id = ? AND symbol = ? AND valuation_date = ?
	`

	rows, err := r.portfolioDB.Query(query, userID, domain.NormalizeSymbol(symbol), date.Format(domain.DateFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snapshots, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}

	return &snapshots[0], nil
}

// History returns recent snapshots for an (account, symbol), newest first
func (r *SnapshotRepository) History(userID, symbol string, limit int) ([]domain.DailyPnLSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM daily_pnl
		WHERE user_id = ? AND symbol = ?
		ORDER BY valuation_date DESC
		LIMIT ?
	`

	rows, err := r.portfolioDB.Query(query, userID, domain.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// Helper methods

func collectSnapshots(rows *sql.Rows) ([]domain.DailyPnLSnapshot, error) {
	var snapshots []domain.DailyPnLSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

func scanSnapshot(rows *sql.Rows) (domain.DailyPnLSnapshot, error) {
	var s domain.DailyPnLSnapshot
	var valuationDate, priceDate string
	var isStale int

	err := rows.Scan(
		&s.ID,
		&s.UserID,
		&s.Symbol,
		&valuationDate,
		&s.Quantity,
		&s.AvgCost,
		&s.MarketPrice,
		&s.MarketValue,
		&s.UnrealizedPnL,
		&s.UnrealizedPnLPct,
		&s.RealizedPnL,
		&s.RealizedPnLPct,
		&s.TotalCost,
		&priceDate,
		&isStale,
	)
	if err != nil {
		return s, err
	}

	if t, err := time.Parse(domain.DateFormat, valuationDate); err == nil {
		s.ValuationDate = t
	}
	if t, err := time.Parse(domain.DateFormat, priceDate); err == nil {
		s.PriceDate = t
	}
	s.IsStalePrice = isStale != 0
	s.Symbol = domain.NormalizeSymbol(s.Symbol)

	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
