// Package pricing defines the realized daily high/low price oracle consumed
// by the settlement engine, with an HTTP-backed source for production and a
// static source for development and tests.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
)

// HighLow is one symbol's realized daily price range. A nil High or Low
// means the oracle knows the symbol but has no price for that field.
type HighLow struct {
	High *decimal.Decimal `json:"high"`
	Low  *decimal.Decimal `json:"low"`
}

// Complete reports whether both the high and low are present.
func (hl HighLow) Complete() bool {
	return hl.High != nil && hl.Low != nil
}

// Oracle returns realized high/low prices for a symbol set on one date.
// A symbol absent from the result has no market data at all.
type Oracle interface {
	HighLowPrices(ctx context.Context, date string, mkt market.Market, symbols []string) (map[string]HighLow, error)
}

// HTTPOracle fetches prices from an external price service:
//
//	GET {base}/prices?date=YYYY-MM-DD&market=us&symbols=AAPL,MSFT
//
// responding with {"AAPL": {"high": 165.0, "low": 145.0}, ...}.
type HTTPOracle struct {
	base   string
	client *http.Client
}

// NewHTTPOracle creates an oracle client for the given base URL.
func NewHTTPOracle(base string) *HTTPOracle {
	return &HTTPOracle{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// HighLowPrices implements Oracle.
func (o *HTTPOracle) HighLowPrices(ctx context.Context, date string, mkt market.Market, symbols []string) (map[string]HighLow, error) {
	q := url.Values{}
	q.Set("date", date)
	q.Set("market", string(mkt))
	q.Set("symbols", strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+"/prices?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("pricing: build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: fetch %s %s: %w", mkt, date, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: price service returned %d for %s %s", resp.StatusCode, mkt, date)
	}

	prices := make(map[string]HighLow)
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return nil, fmt.Errorf("pricing: decode response: %w", err)
	}
	return prices, nil
}

// StaticOracle serves a fixed price table regardless of date. Used in tests
// and as the fallback when no price service is configured: every symbol
// resolves to no-market-data, so settlement still completes with Failed
// outcomes instead of crashing.
type StaticOracle struct {
	prices map[string]HighLow
}

// NewStaticOracle creates a static oracle over the given table. A nil map
// is valid and yields no data for any symbol.
func NewStaticOracle(prices map[string]HighLow) *StaticOracle {
	return &StaticOracle{prices: prices}
}

// HighLowPrices implements Oracle.
func (o *StaticOracle) HighLowPrices(_ context.Context, _ string, _ market.Market, symbols []string) (map[string]HighLow, error) {
	out := make(map[string]HighLow, len(symbols))
	for _, sym := range symbols {
		if hl, ok := o.prices[sym]; ok {
			out[sym] = hl
		}
	}
	return out, nil
}
