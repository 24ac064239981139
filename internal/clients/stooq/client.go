// Package stooq provides daily close prices from the stooq.com CSV endpoint.
package stooq

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

// lookback window when resolving a price: weekends and holidays mean the
// freshest close can be several days before the requested date
const lookbackDays = 7

// Client fetches daily close prices from stooq.com
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]domain.PriceQuote // symbol|date -> resolved quote
}

// NewClient creates a new stooq client
func NewClient(baseURL string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://stooq.com/q/d/l/"
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "stooq").Logger(),
		cache:   make(map[string]domain.PriceQuote),
	}
}

// PriceFor returns the most recent close observed on or before the given
// date. Returns domain.ErrPriceNotFound when the window has no trading days.
func (c *Client) PriceFor(symbol string, date time.Time) (domain.PriceQuote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	cacheKey := symbol + "|" + date.Format(domain.DateFormat)

	c.mu.RLock()
	cached, ok := c.cache[cacheKey]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	quotes, err := c.fetchDaily(symbol, date.AddDate(0, 0, -lookbackDays), date)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	// Rows come oldest first; keep the latest one inside the window
	var best *domain.PriceQuote
	for i := range quotes {
		if quotes[i].ObservedDate.After(date) {
			continue
		}
		if best == nil || quotes[i].ObservedDate.After(best.ObservedDate) {
			best = &quotes[i]
		}
	}
	if best == nil {
		return domain.PriceQuote{}, fmt.Errorf("%w: %s as of %s", domain.ErrPriceNotFound, symbol, date.Format(domain.DateFormat))
	}

	c.mu.Lock()
	c.cache[cacheKey] = *best
	c.mu.Unlock()

	c.log.Debug().
		Str("symbol", symbol).
		Str("date", best.ObservedDate.Format(domain.DateFormat)).
		Float64("close", best.Price).
		Msg("Resolved price")

	return *best, nil
}

// fetchDaily downloads the daily CSV for a date window
func (c *Client) fetchDaily(symbol string, from, to time.Time) ([]domain.PriceQuote, error) {
	params := url.Values{}
	params.Set("s", stooqSymbol(symbol))
	params.Set("d1", from.Format("20060102"))
	params.Set("d2", to.Format("20060102"))
	params.Set("i", "d")

	requestURL := c.baseURL + "?" + params.Encode()

	resp, err := c.client.Get(requestURL)
	if err != nil {
		return nil, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price request returned status %d", resp.StatusCode)
	}

	quotes, err := parseDailyCSV(symbol, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price CSV for %s: %w", symbol, err)
	}

	return quotes, nil
}

// parseDailyCSV reads the Date,Open,High,Low,Close,Volume daily format
func parseDailyCSV(symbol string, r io.Reader) ([]domain.PriceQuote, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // volume column is absent for some instruments

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var quotes []domain.PriceQuote
	for i, record := range records {
		// Header row, and "No data" placeholder responses
		if i == 0 || len(record) < 5 {
			continue
		}

		observed, err := time.Parse(domain.DateFormat, record[0])
		if err != nil {
			continue
		}
		close, err := strconv.ParseFloat(record[4], 64)
		if err != nil || close <= 0 {
			continue
		}

		quotes = append(quotes, domain.PriceQuote{
			Symbol:       symbol,
			Price:        close,
			ObservedDate: observed,
		})
	}

	return quotes, nil
}

// stooqSymbol maps a ticker to stooq's notation. Plain US tickers carry a
// .us suffix; symbols that already name a market pass through.
func stooqSymbol(symbol string) string {
	s := strings.ToLower(symbol)
	if !strings.Contains(s, ".") {
		s += ".us"
	}
	return s
}
