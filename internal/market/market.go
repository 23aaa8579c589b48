// Package market defines the supported equity markets and the intake
// validation rules for limit orders: known side, positive amounts, lot-size
// multiples, positive limit prices.
package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange an order trades on.
type Market string

// Supported markets.
const (
	US Market = "us" // US equities, T+0 in this model
	CN Market = "cn" // China A-shares, T+1, lot size 100
)

var (
	ErrUnknownMarket = errors.New("market: unknown market")
	ErrUnknownSide   = errors.New("market: order action must be buy or sell")
	ErrEmptySymbol   = errors.New("market: symbol must not be empty")
	ErrBadAmount     = errors.New("market: amount must be a positive integer")
	ErrBadLotSize    = errors.New("market: amount must be a multiple of the lot size")
	ErrBadLimitPrice = errors.New("market: limit price must be positive")
)

// Parse normalizes and validates a market identifier.
func Parse(s string) (Market, error) {
	switch Market(strings.ToLower(s)) {
	case US:
		return US, nil
	case CN:
		return CN, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, s)
	}
}

// TPlusOne reports whether shares bought today are locked until the next
// trading session.
func (m Market) TPlusOne() bool {
	return m == CN
}

// LotSize returns the minimum tradable unit. Orders must be exact multiples.
func (m Market) LotSize() int64 {
	if m == CN {
		return 100
	}
	return 1
}

// Side is the direction of a limit order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalizes and validates an order action.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrUnknownSide, s)
	}
}

// ValidateOrder applies the shared intake rules for both order sides.
// Buy and sell intents go through this single path so the rule sets
// cannot drift apart.
func ValidateOrder(mkt Market, side Side, symbol string, amount int64, limitPrice decimal.Decimal) error {
	if _, err := Parse(string(mkt)); err != nil {
		return err
	}
	if _, err := ParseSide(string(side)); err != nil {
		return err
	}
	if strings.TrimSpace(symbol) == "" {
		return ErrEmptySymbol
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrBadAmount, amount)
	}
	if lot := mkt.LotSize(); amount%lot != 0 {
		return fmt.Errorf("%w: market %s requires multiples of %d, got %d",
			ErrBadLotSize, mkt, lot, amount)
	}
	if limitPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: got %s", ErrBadLimitPrice, limitPrice)
	}
	return nil
}
