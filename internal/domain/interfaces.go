package domain

import "time"

// PriceSource supplies close prices by symbol and date. The observed date
// may be earlier than the requested date (weekends, holidays, thin trading);
// consumers flag such prices as stale rather than failing.
//
// The ledger core never calls a PriceSource itself - prices are resolved by
// the caller (HTTP handler or scheduled job) and passed in already-resolved.
type PriceSource interface {
	// PriceFor returns the close price for symbol on the most recent trading
	// day at or before date. Returns ErrPriceNotFound when no price exists.
	PriceFor(symbol string, date time.Time) (PriceQuote, error)
}
