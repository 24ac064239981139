package domain

import (
	"errors"
	"fmt"
)

// ErrPriceNotFound is returned by a PriceSource when no price exists for a
// symbol on or before the requested date
var ErrPriceNotFound = errors.New("price not found")

// ErrPositionNotFound is returned when an (account, symbol) pair has never
// traded
var ErrPositionNotFound = errors.New("position not found")

// ValidationError indicates a malformed transaction. The ledger is left
// unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// InsufficientLotsError indicates a SELL exceeding the open lot quantity for
// the symbol. The sale is rejected entirely; short selling is not allowed.
type InsufficientLotsError struct {
	Symbol    string
	Requested float64
	Available float64
}

func (e InsufficientLotsError) Error() string {
	return fmt.Sprintf("insufficient open lots for %s: requested %g, available %g",
		e.Symbol, e.Requested, e.Available)
}

// DuplicateTransactionError indicates an external id reused with a
// conflicting payload. An identical replay is not an error.
type DuplicateTransactionError struct {
	UserID     string
	ExternalID string
}

func (e DuplicateTransactionError) Error() string {
	return fmt.Sprintf("external id %q already recorded for account %s with a different payload",
		e.ExternalID, e.UserID)
}

// StorageError wraps a persistence failure. It is propagated, not retried;
// retry policy belongs to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is a caller error (as opposed to a
// storage/internal failure)
func IsRejection(err error) bool {
	var ve ValidationError
	var ie InsufficientLotsError
	var de DuplicateTransactionError
	return errors.As(err, &ve) || errors.As(err, &ie) || errors.As(err, &de)
}
