package stooq

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/lotkeeper/internal/domain"
)

const dailyCSV = `Date,Open,High,Low,Close,Volume
2024-03-13,170.0,172.5,169.0,171.2,1000000
2024-03-14,171.5,173.0,170.5,172.8,900000
2024-03-15,172.0,174.0,171.0,173.5,1100000
`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, zerolog.New(nil).Level(zerolog.Disabled))
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(domain.DateFormat, s)
	require.NoError(t, err)
	return parsed
}

func TestPriceForExactDate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "aapl.us", r.URL.Query().Get("s"))
		assert.Equal(t, "d", r.URL.Query().Get("i"))
		w.Write([]byte(dailyCSV))
	})

	quote, err := client.PriceFor("AAPL", day(t, "2024-03-15"))
	require.NoError(t, err)

	assert.InDelta(t, 173.5, quote.Price, 1e-9)
	assert.Equal(t, "2024-03-15", quote.ObservedDate.Format(domain.DateFormat))
	assert.Equal(t, "AAPL", quote.Symbol)
}

func TestPriceForWeekendFallsBackToFriday(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(dailyCSV))
	})

	// Saturday: the freshest close is Friday the 15th
	quote, err := client.PriceFor("AAPL", day(t, "2024-03-16"))
	require.NoError(t, err)

	assert.InDelta(t, 173.5, quote.Price, 1e-9)
	assert.Equal(t, "2024-03-15", quote.ObservedDate.Format(domain.DateFormat))
}

func TestPriceForNoData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("No data\n"))
	})

	_, err := client.PriceFor("ZZZZ", day(t, "2024-03-15"))
	assert.ErrorIs(t, err, domain.ErrPriceNotFound)
}

func TestPriceForCachesResolvedQuotes(t *testing.T) {
	var requests int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.Write([]byte(dailyCSV))
	})

	date := day(t, "2024-03-15")
	_, err := client.PriceFor("AAPL", date)
	require.NoError(t, err)
	_, err = client.PriceFor("AAPL", date)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestPriceForUpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.PriceFor("AAPL", day(t, "2024-03-15"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPriceNotFound)
}

func TestStooqSymbolMapping(t *testing.T) {
	assert.Equal(t, "aapl.us", stooqSymbol("AAPL"))
	assert.Equal(t, "sap.de", stooqSymbol("SAP.DE"))
}
