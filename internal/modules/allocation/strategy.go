package allocation

import (
	"sort"

	"github.com/aristath/lotkeeper/internal/domain"
)

// ConsumptionStrategy decides the order in which open lots are consumed by a
// sale. FIFO is the default; alternative methods (LIFO, specific
// identification, average cost) plug in here without touching the engine.
type ConsumptionStrategy interface {
	Name() string

	// Order returns the lots in consumption order. Implementations must not
	// mutate the input slice.
	Order(lots []domain.PositionLot) []domain.PositionLot
}

// FIFOStrategy consumes the oldest lot first. Ties on purchase date are
// broken by lot id (insertion order), so lots created by the same BUY batch
// keep a deterministic total order.
type FIFOStrategy struct{}

// Name returns the strategy identifier
func (FIFOStrategy) Name() string { return "fifo" }

// Order sorts lots by purchase date ascending, then by lot id
func (FIFOStrategy) Order(lots []domain.PositionLot) []domain.PositionLot {
	ordered := make([]domain.PositionLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		di := ordered[i].PurchaseDate.Format(domain.DateFormat)
		dj := ordered[j].PurchaseDate.Format(domain.DateFormat)
		if di != dj {
			return di < dj
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
