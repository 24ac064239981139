package scheduler

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

// ActivePositionSource provides the positions the daily job values
type ActivePositionSource interface {
	GetAllActive() ([]domain.Position, error)
}

// Snapshotter writes one valuation snapshot
type Snapshotter interface {
	Snapshot(userID, symbol string, valuationDate time.Time, quote domain.PriceQuote) (domain.DailyPnLSnapshot, error)
}

// SnapshotJob values every active position after market close. Positions
// without an available price are skipped and retried on the next run.
type SnapshotJob struct {
	positions ActivePositionSource
	prices    domain.PriceSource
	valuation Snapshotter
	log       zerolog.Logger
}

// NewSnapshotJob creates the daily valuation job
func NewSnapshotJob(positions ActivePositionSource, prices domain.PriceSource, valuation Snapshotter, log zerolog.Logger) *SnapshotJob {
	return &SnapshotJob{
		positions: positions,
		prices:    prices,
		valuation: valuation,
		log:       log.With().Str("job", "snapshot").Logger(),
	}
}

// Name returns the job name
func (j *SnapshotJob) Name() string {
	return "daily-valuation-snapshot"
}

// Run values all active positions for today
func (j *SnapshotJob) Run() error {
	runID := uuid.New().String()
	today := time.Now()
	log := j.log.With().Str("run_id", runID).Logger()

	positions, err := j.positions.GetAllActive()
	if err != nil {
		return err
	}

	written := 0
	skipped := 0
	stale := 0

	for _, pos := range positions {
		quote, err := j.prices.PriceFor(pos.Symbol, today)
		if err != nil {
			skipped++
			if errors.Is(err, domain.ErrPriceNotFound) {
				log.Warn().Str("symbol", pos.Symbol).Msg("No price available, skipping")
			} else {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Price lookup failed, skipping")
			}
			continue
		}

		snapshot, err := j.valuation.Snapshot(pos.UserID, pos.Symbol, today, quote)
		if err != nil {
			skipped++
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Snapshot failed, skipping")
			continue
		}

		written++
		if snapshot.IsStalePrice {
			stale++
		}
	}

	log.Info().
		Int("positions", len(positions)).
		Int("written", written).
		Int("skipped", skipped).
		Int("stale_prices", stale).
		Msg("Daily valuation run finished")

	return nil
}
