// Package fill implements the limit-order execution rules applied during
// daily settlement. It is pure computation over an in-memory working state —
// no I/O — so every rule is exhaustively table-testable.
//
// Rules:
//   - A buy fills iff its limit price is at or above the day low, and the
//     account can pay limit * amount in cash.
//   - A sell fills iff its limit price is at or below the day high, and the
//     sellable share count covers the amount. On T+1 markets shares bought
//     the same day are not sellable.
//   - Fills always execute at the submitted limit price. No price
//     improvement, no partial fills, no fees.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fill

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/model"
)

// State is the mutable working copy of an account's positions during a
// settlement replay. Later intents observe the cash and share effects of
// earlier ones, which is what makes the timestamp ordering load-bearing.
type State struct {
	Cash        decimal.Decimal
	Holdings    map[string]int64
	BoughtToday map[string]int64 // per-symbol T+1 lock-up counters
}

// NewState seeds a working state from the starting positions.
func NewState(start model.Positions) *State {
	working := start.Clone()
	return &State{
		Cash:        working.Cash,
		Holdings:    working.Holdings,
		BoughtToday: make(map[string]int64),
	}
}

// Positions returns the final positions after replay. Fully-sold symbols
// keep a zero entry.
func (s *State) Positions() model.Positions {
	return model.Positions{Cash: s.Cash, Holdings: s.Holdings}
}

// EvaluateBuy applies one buy intent against the day low. On a fill it
// debits cash, credits holdings, and bumps the T+1 counter for lock-up
// markets.
func (s *State) EvaluateBuy(in model.Intent, dayLow decimal.Decimal) model.TradeOutcome {
	out := baseOutcome(in)

	if in.LimitPrice.LessThan(dayLow) {
		low := dayLow
		out.Status = model.StatusNotFilledPrice
		out.DayLowPrice = &low
		out.Message = fmt.Sprintf("Limit price %s below day low %s", in.LimitPrice, dayLow)
		return out
	}

	cost := in.LimitPrice.Mul(decimal.NewFromInt(in.Amount))
	if s.Cash.LessThan(cost) {
		out.Status = model.StatusFailedCash
		out.Message = fmt.Sprintf("Insufficient cash: need %s, have %s", cost, s.Cash)
		return out
	}

	s.Cash = s.Cash.Sub(cost)
	s.Holdings[in.Symbol] += in.Amount
	if in.Market.TPlusOne() {
		s.BoughtToday[in.Symbol] += in.Amount
	}

	filled := in.LimitPrice
	out.Status = model.StatusFilled
	out.FilledPrice = &filled
	out.Message = fmt.Sprintf("Buy order filled at %s", in.LimitPrice)
	return out
}

// EvaluateSell applies one sell intent against the day high. Sellable shares
// exclude same-day buys on T+1 markets.
func (s *State) EvaluateSell(in model.Intent, dayHigh decimal.Decimal) model.TradeOutcome {
	out := baseOutcome(in)

	if in.LimitPrice.GreaterThan(dayHigh) {
		high := dayHigh
		out.Status = model.StatusNotFilledPrice
		out.DayHighPrice = &high
		out.Message = fmt.Sprintf("Limit price %s above day high %s", in.LimitPrice, dayHigh)
		return out
	}

	total := s.Holdings[in.Symbol]
	sellable := total
	if in.Market.TPlusOne() {
		sellable = total - s.BoughtToday[in.Symbol]
	}

	if sellable < in.Amount {
		reason := "Insufficient shares"
		if in.Market.TPlusOne() {
			reason = "T+1 restriction"
		}
		t, sl := total, sellable
		out.Status = model.StatusFailedShares
		out.TotalShares = &t
		out.SellableShares = &sl
		out.Message = fmt.Sprintf("%s: have %d, sellable %d, want %d", reason, total, sellable, in.Amount)
		return out
	}

	revenue := in.LimitPrice.Mul(decimal.NewFromInt(in.Amount))
	s.Holdings[in.Symbol] -= in.Amount
	s.Cash = s.Cash.Add(revenue)

	filled := in.LimitPrice
	out.Status = model.StatusFilled
	out.FilledPrice = &filled
	out.Message = fmt.Sprintf("Sell order filled at %s", in.LimitPrice)
	return out
}

// NoMarketData records an intent whose symbol had no oracle entry at all.
func NoMarketData(in model.Intent) model.TradeOutcome {
	out := baseOutcome(in)
	out.Status = model.StatusNoMarketData
	out.Message = fmt.Sprintf("No market data available for %s", in.Symbol)
	return out
}

// NoPriceData records an intent whose oracle entry was missing the high or
// low value.
func NoPriceData(in model.Intent) model.TradeOutcome {
	out := baseOutcome(in)
	out.Status = model.StatusNoPriceData
	out.Message = fmt.Sprintf("No price data available for %s", in.Symbol)
	return out
}

func baseOutcome(in model.Intent) model.TradeOutcome {
	return model.TradeOutcome{
		Timestamp:  in.Timestamp,
		Action:     in.Action,
		Symbol:     in.Symbol,
		Amount:     in.Amount,
		LimitPrice: in.LimitPrice,
	}
}
