// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for
// money. The JSON shapes match the persisted wire formats: one intent per
// line in the pending-order log, one snapshot per line in the position
// ledger.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
)

func init() {
	// The persisted formats carry prices and cash as bare JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// SettlementAction is the action name recorded on every settlement snapshot.
// Its presence for a date is the idempotency guard.
const SettlementAction = "daily_settlement"

// Intent is one submitted limit order, immutable once written to the
// pending-order log.
// Schema: {timestamp, action, symbol, amount, limit_price, market}
type Intent struct {
	ID         string          `json:"id"`
	Timestamp  float64         `json:"timestamp"` // seconds since epoch, sort key
	Action     market.Side     `json:"action"`
	Symbol     string          `json:"symbol"`
	Amount     int64           `json:"amount"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Market     market.Market   `json:"market"`
}

// Outcome statuses recorded per processed intent.
const (
	StatusFilled         = "Filled"
	StatusNotFilledPrice = "OrderNotFilled-Price"
	StatusFailedCash     = "Failed-Cash"
	StatusFailedShares   = "Failed-Shares/T+1"
	StatusNoMarketData   = "Failed-NoMarketData"
	StatusNoPriceData    = "Failed-NoPriceData"
)

// TradeOutcome is the per-intent settlement result. Context fields are only
// present for the statuses that produce them.
type TradeOutcome struct {
	Timestamp  float64         `json:"timestamp"`
	Action     market.Side     `json:"action"`
	Symbol     string          `json:"symbol"`
	Amount     int64           `json:"amount"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`

	FilledPrice    *decimal.Decimal `json:"filled_price,omitempty"`
	DayLowPrice    *decimal.Decimal `json:"day_low_price,omitempty"`
	DayHighPrice   *decimal.Decimal `json:"day_high_price,omitempty"`
	TotalShares    *int64           `json:"total_shares,omitempty"`
	SellableShares *int64           `json:"sellable_shares,omitempty"`
}

// Positions is the full holdings of the account: cash plus share counts.
// On the wire it is a single flat map with the reserved "CASH" key:
//
//	{"CASH": 8500.0, "AAPL": 10}
type Positions struct {
	Cash     decimal.Decimal
	Holdings map[string]int64
}

// NewPositions creates an empty position set with the given cash balance.
func NewPositions(cash decimal.Decimal) Positions {
	return Positions{Cash: cash, Holdings: make(map[string]int64)}
}

// Clone returns a deep copy safe to mutate during settlement replay.
func (p Positions) Clone() Positions {
	out := Positions{Cash: p.Cash, Holdings: make(map[string]int64, len(p.Holdings))}
	for sym, qty := range p.Holdings {
		out.Holdings[sym] = qty
	}
	return out
}

// cashKey is the reserved symbol for the cash balance in the flat map form.
const cashKey = "CASH"

// MarshalJSON flattens cash and holdings into the persisted map form.
func (p Positions) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(p.Holdings)+1)
	flat[cashKey] = json.RawMessage(p.Cash.String())
	for sym, qty := range p.Holdings {
		flat[sym] = json.RawMessage(fmt.Sprintf("%d", qty))
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat map form back into cash and holdings.
func (p *Positions) UnmarshalJSON(data []byte) error {
	var flat map[string]json.Number
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	p.Cash = decimal.Zero
	p.Holdings = make(map[string]int64, len(flat))
	for key, num := range flat {
		if key == cashKey {
			cash, err := decimal.NewFromString(num.String())
			if err != nil {
				return fmt.Errorf("model: bad CASH value %q: %w", num, err)
			}
			p.Cash = cash
			continue
		}
		qty, err := num.Int64()
		if err != nil {
			return fmt.Errorf("model: bad share count for %s: %w", key, err)
		}
		p.Holdings[key] = qty
	}
	return nil
}

// Action is the settlement action block embedded in a snapshot.
type Action struct {
	Action string         `json:"action"`
	Trades []TradeOutcome `json:"trades"`
}

// Snapshot is one immutable position-ledger record: the authoritative
// end-of-day state for an account plus the trade outcomes that produced it.
// ID values form a gap-free, strictly increasing chain per account.
// Schema: {date, id, this_action, positions}
type Snapshot struct {
	Date      string    `json:"date"` // YYYY-MM-DD
	ID        int64     `json:"id"`
	Action    Action    `json:"this_action"`
	Positions Positions `json:"positions"`
}

// IsSettlement reports whether this snapshot was produced by a daily
// settlement run (as opposed to a seed or migration record).
func (s Snapshot) IsSettlement() bool {
	return s.Action.Action == SettlementAction
}
