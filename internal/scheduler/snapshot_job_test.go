package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/lotkeeper/internal/domain"
)

type fakePositions struct {
	positions []domain.Position
}

func (f *fakePositions) GetAllActive() ([]domain.Position, error) {
	return f.positions, nil
}

type fakePrices struct {
	quotes map[string]domain.PriceQuote
}

func (f *fakePrices) PriceFor(symbol string, date time.Time) (domain.PriceQuote, error) {
	quote, ok := f.quotes[symbol]
	if !ok {
		return domain.PriceQuote{}, domain.ErrPriceNotFound
	}
	return quote, nil
}

type recordingSnapshotter struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingSnapshotter) Snapshot(userID, symbol string, valuationDate time.Time, quote domain.PriceQuote) (domain.DailyPnLSnapshot, error) {
	if r.fail[symbol] {
		return domain.DailyPnLSnapshot{}, errors.New("write failed")
	}
	r.calls = append(r.calls, userID+"/"+symbol)
	return domain.DailyPnLSnapshot{UserID: userID, Symbol: symbol}, nil
}

func TestSnapshotJobValuesAllActivePositions(t *testing.T) {
	positions := &fakePositions{positions: []domain.Position{
		{UserID: "acct-1", Symbol: "AAPL", Quantity: 10, IsActive: true},
		{UserID: "acct-1", Symbol: "MSFT", Quantity: 5, IsActive: true},
		{UserID: "acct-2", Symbol: "AAPL", Quantity: 3, IsActive: true},
	}}
	prices := &fakePrices{quotes: map[string]domain.PriceQuote{
		"AAPL": {Symbol: "AAPL", Price: 170, ObservedDate: time.Now()},
		"MSFT": {Symbol: "MSFT", Price: 410, ObservedDate: time.Now()},
	}}
	sink := &recordingSnapshotter{}

	job := NewSnapshotJob(positions, prices, sink, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, job.Run())

	assert.ElementsMatch(t, []string{"acct-1/AAPL", "acct-1/MSFT", "acct-2/AAPL"}, sink.calls)
}

func TestSnapshotJobSkipsMissingPrices(t *testing.T) {
	positions := &fakePositions{positions: []domain.Position{
		{UserID: "acct-1", Symbol: "AAPL", Quantity: 10, IsActive: true},
		{UserID: "acct-1", Symbol: "DELISTED", Quantity: 5, IsActive: true},
	}}
	prices := &fakePrices{quotes: map[string]domain.PriceQuote{
		"AAPL": {Symbol: "AAPL", Price: 170, ObservedDate: time.Now()},
	}}
	sink := &recordingSnapshotter{}

	job := NewSnapshotJob(positions, prices, sink, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, job.Run())

	// A missing price skips one position without failing the run
	assert.Equal(t, []string{"acct-1/AAPL"}, sink.calls)
}

func TestSnapshotJobContinuesPastWriteFailures(t *testing.T) {
	positions := &fakePositions{positions: []domain.Position{
		{UserID: "acct-1", Symbol: "AAPL", Quantity: 10, IsActive: true},
		{UserID: "acct-1", Symbol: "MSFT", Quantity: 5, IsActive: true},
	}}
	prices := &fakePrices{quotes: map[string]domain.PriceQuote{
		"AAPL": {Symbol: "AAPL", Price: 170, ObservedDate: time.Now()},
		"MSFT": {Symbol: "MSFT", Price: 410, ObservedDate: time.Now()},
	}}
	sink := &recordingSnapshotter{fail: map[string]bool{"AAPL": true}}

	job := NewSnapshotJob(positions, prices, sink, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, job.Run())

	assert.Equal(t, []string{"acct-1/MSFT"}, sink.calls)
}
