package ledger

import (
	"bytes"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/lotkeeper/internal/database"
	"github.com/aristath/lotkeeper/internal/domain"
	"github.com/aristath/lotkeeper/internal/modules/allocation"
	"github.com/aristath/lotkeeper/internal/modules/portfolio"
)

type testHarness struct {
	service   *Service
	ledgerDB  *sql.DB
	lotRepo   *LotRepository
	txRepo    *TransactionRepository
	allocRepo *AllocationRepository
	positions *portfolio.Service
}

func openTestDB(t *testing.T, schemaName string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, ok := database.Schema(schemaName)
	require.True(t, ok)
	_, err = db.Exec(schema)
	require.NoError(t, err)

	return db
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ledgerDB := openTestDB(t, "ledger")
	portfolioDB := openTestDB(t, "portfolio")
	log := zerolog.New(nil).Level(zerolog.Disabled)

	txRepo := NewTransactionRepository(ledgerDB, log)
	lotRepo := NewLotRepository(ledgerDB, log)
	allocRepo := NewAllocationRepository(ledgerDB, log)
	engine := allocation.NewEngine(nil, log)

	positionRepo := portfolio.NewPositionRepository(portfolioDB, log)
	positions := portfolio.NewService(lotRepo, txRepo, positionRepo, log)

	return &testHarness{
		service:   NewService(ledgerDB, txRepo, lotRepo, allocRepo, engine, positions, log),
		ledgerDB:  ledgerDB,
		lotRepo:   lotRepo,
		txRepo:    txRepo,
		allocRepo: allocRepo,
		positions: positions,
	}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(domain.DateFormat, s)
	require.NoError(t, err)
	return parsed
}

func buyReq(symbol string, qty, price, commission float64, date string) RecordRequest {
	return RecordRequest{
		UserID:          "acct-1",
		Symbol:          symbol,
		Side:            "BUY",
		Quantity:        qty,
		Price:           price,
		Commission:      commission,
		TransactionDate: date,
	}
}

func sellReq(symbol string, qty, price, commission float64, date string) RecordRequest {
	req := buyReq(symbol, qty, price, commission, date)
	req.Side = "SELL"
	return req
}

func TestRecordBuyOpensLot(t *testing.T) {
	h := newTestHarness(t)

	result, err := h.service.RecordTransaction(buyReq("aapl", 100, 10, 1, "2024-01-02"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApplied, result.Status)
	assert.Equal(t, "AAPL", result.Transaction.Symbol)
	require.NotNil(t, result.Transaction.LotID)

	require.Len(t, result.LotsTouched, 1)
	lot := result.LotsTouched[0]
	assert.InDelta(t, 100.0, lot.RemainingQuantity, 1e-9)
	// (100*10 + 1) / 100
	assert.InDelta(t, 10.01, lot.CostBasis, 1e-9)

	assert.InDelta(t, 100.0, result.Position.Quantity, 1e-9)
	assert.True(t, result.Position.IsActive)
}

func TestRecordRejectsInvalidFields(t *testing.T) {
	h := newTestHarness(t)

	cases := []struct {
		name  string
		field string
		req   RecordRequest
	}{
		{"missing user", "user_id", RecordRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 1, TransactionDate: "2024-01-02"}},
		{"missing symbol", "symbol", RecordRequest{UserID: "a", Side: "BUY", Quantity: 1, Price: 1, TransactionDate: "2024-01-02"}},
		{"bad side", "side", RecordRequest{UserID: "a", Symbol: "AAPL", Side: "SHORT", Quantity: 1, Price: 1, TransactionDate: "2024-01-02"}},
		{"zero quantity", "quantity", RecordRequest{UserID: "a", Symbol: "AAPL", Side: "BUY", Quantity: 0, Price: 1, TransactionDate: "2024-01-02"}},
		{"negative price", "price", RecordRequest{UserID: "a", Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: -1, TransactionDate: "2024-01-02"}},
		{"negative commission", "commission", RecordRequest{UserID: "a", Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 1, Commission: -1, TransactionDate: "2024-01-02"}},
		{"bad date", "transaction_date", RecordRequest{UserID: "a", Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 1, TransactionDate: "01/02/2024"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.RecordTransaction(tc.req)
			var vErr domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}

	// Nothing should have been written
	var count int
	require.NoError(t, h.ledgerDB.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count))
	assert.Zero(t, count)
}

func TestRecordSellConsumesFIFO(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RecordTransaction(buyReq("AAPL", 100, 10, 0, "2024-01-02"))
	require.NoError(t, err)
	_, err = h.service.RecordTransaction(buyReq("AAPL", 50, 12, 0, "2024-01-10"))
	require.NoError(t, err)

	result, err := h.service.RecordTransaction(sellReq("AAPL", 120, 15, 0, "2024-02-01"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	// Oldest lot first: 100 from the Jan 2 lot, 20 from the Jan 10 lot
	assert.InDelta(t, 100.0, result.Allocations[0].QuantitySold, 1e-9)
	assert.InDelta(t, 20.0, result.Allocations[1].QuantitySold, 1e-9)
	// (15-10)*100 and (15-12)*20
	assert.InDelta(t, 500.0, result.Allocations[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 60.0, result.Allocations[1].RealizedPnL, 1e-9)

	assert.InDelta(t, 30.0, result.Position.Quantity, 1e-9)

	// Remaining open quantity in the ledger matches the position
	remaining, err := h.lotRepo.SumOpenRemaining("acct-1", "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, result.Position.Quantity, remaining, 1e-9)

	lots, err := h.lotRepo.GetBySymbol("acct-1", "AAPL")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].IsClosed)
	assert.InDelta(t, 0.0, lots[0].RemainingQuantity, 1e-9)
	assert.False(t, lots[1].IsClosed)
	assert.InDelta(t, 30.0, lots[1].RemainingQuantity, 1e-9)
}

func TestRecordSellInsufficientRollsBack(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RecordTransaction(buyReq("AAPL", 50, 10, 0, "2024-01-02"))
	require.NoError(t, err)

	_, err = h.service.RecordTransaction(sellReq("AAPL", 80, 15, 0, "2024-02-01"))
	var insErr domain.InsufficientLotsError
	require.ErrorAs(t, err, &insErr)
	assert.InDelta(t, 80.0, insErr.Requested, 1e-9)
	assert.InDelta(t, 50.0, insErr.Available, 1e-9)

	// The rejected sale must leave no trace: no transaction row, lots intact
	var count int
	require.NoError(t, h.ledgerDB.QueryRow(`SELECT COUNT(*) FROM transactions WHERE side = 'SELL'`).Scan(&count))
	assert.Zero(t, count)

	remaining, err := h.lotRepo.SumOpenRemaining("acct-1", "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, remaining, 1e-9)

	pos, err := h.positions.Get("acct-1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 50.0, pos.Quantity, 1e-9)
}

func TestRecordIdempotentReplay(t *testing.T) {
	h := newTestHarness(t)

	req := buyReq("AAPL", 100, 10, 1, "2024-01-02")
	req.ExternalID = "broker-txn-42"

	first, err := h.service.RecordTransaction(req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, first.Status)

	second, err := h.service.RecordTransaction(req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlreadyApplied, second.Status)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Len(t, second.LotsTouched, 1)
	assert.Equal(t, first.LotsTouched[0].ID, second.LotsTouched[0].ID)

	// Replay must not create a second lot or transaction
	var count int
	require.NoError(t, h.ledgerDB.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, h.ledgerDB.QueryRow(`SELECT COUNT(*) FROM position_lots`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordSellReplayReturnsAllocations(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RecordTransaction(buyReq("AAPL", 100, 10, 0, "2024-01-02"))
	require.NoError(t, err)

	req := sellReq("AAPL", 40, 15, 0, "2024-02-01")
	req.ExternalID = "broker-txn-7"

	first, err := h.service.RecordTransaction(req)
	require.NoError(t, err)
	require.Len(t, first.Allocations, 1)

	second, err := h.service.RecordTransaction(req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlreadyApplied, second.Status)
	require.Len(t, second.Allocations, 1)
	assert.Equal(t, first.Allocations[0].ID, second.Allocations[0].ID)

	remaining, err := h.lotRepo.SumOpenRemaining("acct-1", "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, remaining, 1e-9)
}

func TestRecordConflictingExternalID(t *testing.T) {
	h := newTestHarness(t)

	req := buyReq("AAPL", 100, 10, 0, "2024-01-02")
	req.ExternalID = "broker-txn-42"

	_, err := h.service.RecordTransaction(req)
	require.NoError(t, err)

	// Same external id, different payload
	conflicting := req
	conflicting.Quantity = 200

	_, err = h.service.RecordTransaction(conflicting)
	var dupErr domain.DuplicateTransactionError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "broker-txn-42", dupErr.ExternalID)
}

func TestExternalIDScopedPerAccount(t *testing.T) {
	h := newTestHarness(t)

	req := buyReq("AAPL", 100, 10, 0, "2024-01-02")
	req.ExternalID = "broker-txn-42"

	_, err := h.service.RecordTransaction(req)
	require.NoError(t, err)

	other := req
	other.UserID = "acct-2"
	result, err := h.service.RecordTransaction(other)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, result.Status)
}

func TestRealizedThroughAccumulates(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RecordTransaction(buyReq("AAPL", 100, 10, 0, "2024-01-02"))
	require.NoError(t, err)
	_, err = h.service.RecordTransaction(sellReq("AAPL", 20, 15, 0, "2024-02-01"))
	require.NoError(t, err)
	_, err = h.service.RecordTransaction(sellReq("AAPL", 10, 20, 0, "2024-03-01"))
	require.NoError(t, err)

	feb, err := h.allocRepo.RealizedThrough("acct-1", "AAPL", mustDate(t, "2024-02-15"))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, feb, 1e-9)

	mar, err := h.allocRepo.RealizedThrough("acct-1", "AAPL", mustDate(t, "2024-03-15"))
	require.NoError(t, err)
	assert.InDelta(t, 200.0, mar, 1e-9)
}

func TestPositionClosesAtZeroQuantity(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RecordTransaction(buyReq("AAPL", 50, 10, 0, "2024-01-02"))
	require.NoError(t, err)
	result, err := h.service.RecordTransaction(sellReq("AAPL", 50, 12, 0, "2024-02-01"))
	require.NoError(t, err)

	assert.Zero(t, result.Position.Quantity)
	assert.False(t, result.Position.IsActive)

	// The closed position row is retained
	pos, err := h.positions.Get("acct-1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.False(t, pos.IsActive)
	require.NotNil(t, pos.FirstBuyDate)
	assert.Equal(t, "2024-01-02", pos.FirstBuyDate.Format(domain.DateFormat))
}

// failingGetPositions delegates to the real aggregator but can be flipped
// to fail reads, simulating a portfolio store outage during a replay.
type failingGetPositions struct {
	inner *portfolio.Service
	fail  bool
}

func (f *failingGetPositions) Recompute(userID, symbol string) (domain.Position, error) {
	return f.inner.Recompute(userID, symbol)
}

func (f *failingGetPositions) Get(userID, symbol string) (*domain.Position, error) {
	if f.fail {
		return nil, errors.New("position store unavailable")
	}
	return f.inner.Get(userID, symbol)
}

func TestRecordReplaySurfacesLookupFailure(t *testing.T) {
	ledgerDB := openTestDB(t, "ledger")
	portfolioDB := openTestDB(t, "portfolio")

	var buf bytes.Buffer
	log := zerolog.New(&buf)

	txRepo := NewTransactionRepository(ledgerDB, log)
	lotRepo := NewLotRepository(ledgerDB, log)
	allocRepo := NewAllocationRepository(ledgerDB, log)
	positionRepo := portfolio.NewPositionRepository(portfolioDB, log)
	positions := &failingGetPositions{inner: portfolio.NewService(lotRepo, txRepo, positionRepo, log)}
	svc := NewService(ledgerDB, txRepo, lotRepo, allocRepo, allocation.NewEngine(nil, log), positions, log)

	req := buyReq("AAPL", 100, 10, 0, "2024-01-02")
	req.ExternalID = "broker-txn-91"

	first, err := svc.RecordTransaction(req)
	require.NoError(t, err)

	positions.fail = true
	buf.Reset()

	// The replay still answers from the ledger, with the failure logged
	// rather than swallowed.
	second, err := svc.RecordTransaction(req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAlreadyApplied, second.Status)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Len(t, second.LotsTouched, 1)
	assert.Zero(t, second.Position.Quantity)
	assert.Contains(t, buf.String(), "Replay position lookup failed")
	assert.Contains(t, buf.String(), "position store unavailable")
}
