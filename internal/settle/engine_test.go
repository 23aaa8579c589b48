package settle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/settlement-engine/internal/market"
	"github.com/papertrade/settlement-engine/internal/model"
	"github.com/papertrade/settlement-engine/internal/pricing"
	"github.com/papertrade/settlement-engine/internal/store"
)

const (
	testAccount = "acct-1"
	testDate    = "2025-08-25"
	prevDate    = "2025-08-22"
)

// fixedCalendar always resolves to the same previous trading date.
type fixedCalendar struct{ prev string }

func (c fixedCalendar) PreviousTradingDate(string, market.Market) (string, error) {
	return c.prev, nil
}

// failingOracle simulates an unreachable price service.
type failingOracle struct{}

func (failingOracle) HighLowPrices(context.Context, string, market.Market, []string) (map[string]pricing.HighLow, error) {
	return nil, errors.New("price service unreachable")
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hl(high, low string) pricing.HighLow {
	h, l := d(high), d(low)
	return pricing.HighLow{High: &h, Low: &l}
}

func newTestEngine(mkt market.Market, cash string, prices map[string]pricing.HighLow) (*Engine, *store.MemoryStore) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, pricing.NewStaticOracle(prices), fixedCalendar{prev: prevDate}, nil, EngineConfig{
		Market:       mkt,
		StartingCash: d(cash),
	})
	return eng, st
}

func logIntent(t *testing.T, st *store.MemoryStore, ts float64, side market.Side, symbol string, amount int64, limit string, mkt market.Market) {
	t.Helper()
	err := st.AppendIntent(context.Background(), testAccount, testDate, model.Intent{
		ID:         fmt.Sprintf("intent-%v", ts),
		Timestamp:  ts,
		Action:     side,
		Symbol:     symbol,
		Amount:     amount,
		LimitPrice: d(limit),
		Market:     mkt,
	})
	require.NoError(t, err)
}

func settledSnapshot(t *testing.T, st *store.MemoryStore) model.Snapshot {
	t.Helper()
	snap, err := st.Latest(context.Background(), testAccount, "9999-12-31")
	require.NoError(t, err)
	require.NotNil(t, snap)
	return *snap
}

func TestSettle_USBuyThenSell(t *testing.T) {
	eng, st := newTestEngine(market.US, "10000", map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	})
	logIntent(t, st, 1.0, market.Buy, "AAPL", 10, "150", market.US)
	logIntent(t, st, 2.0, market.Sell, "AAPL", 5, "160", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	assert.Equal(t, testDate, snap.Date)
	assert.Equal(t, int64(1), snap.ID)
	assert.Equal(t, model.SettlementAction, snap.Action.Action)
	require.Len(t, snap.Action.Trades, 2)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[0].Status)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[1].Status)

	// 10000 - 10*150 + 5*160
	assert.True(t, snap.Positions.Cash.Equal(d("9300")), "cash = %s", snap.Positions.Cash)
	assert.Equal(t, int64(5), snap.Positions.Holdings["AAPL"])
}

func TestSettle_CNSameDaySellBlockedByTPlusOne(t *testing.T) {
	eng, st := newTestEngine(market.CN, "200000", map[string]pricing.HighLow{
		"600519.SH": hl("1510", "1490"),
	})
	logIntent(t, st, 1.0, market.Buy, "600519.SH", 100, "1500", market.CN)
	logIntent(t, st, 2.0, market.Sell, "600519.SH", 100, "1505", market.CN)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 2)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[0].Status)
	assert.Equal(t, model.StatusFailedShares, snap.Action.Trades[1].Status)
	assert.Contains(t, snap.Action.Trades[1].Message, "T+1 restriction")

	// The buy settled; the blocked sell left shares and cash alone.
	assert.True(t, snap.Positions.Cash.Equal(d("50000")))
	assert.Equal(t, int64(100), snap.Positions.Holdings["600519.SH"])
}

func TestSettle_Idempotent(t *testing.T) {
	eng, st := newTestEngine(market.US, "10000", map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	})
	logIntent(t, st, 1.0, market.Buy, "AAPL", 10, "150", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))
	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	history, err := st.History(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Len(t, history, 1, "second run must not append a second snapshot")
}

func TestSettle_NoIntentsCarriesPositionsForward(t *testing.T) {
	eng, st := newTestEngine(market.US, "10000", nil)

	// Seed an existing chain head for the previous session.
	prior := model.Snapshot{
		Date:      prevDate,
		ID:        1,
		Action:    model.Action{Action: model.SettlementAction, Trades: []model.TradeOutcome{}},
		Positions: model.Positions{Cash: d("7500"), Holdings: map[string]int64{"MSFT": 20}},
	}
	require.NoError(t, st.Append(context.Background(), testAccount, prior))

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	assert.Equal(t, int64(2), snap.ID)
	assert.Empty(t, snap.Action.Trades)
	assert.True(t, snap.Positions.Cash.Equal(d("7500")))
	assert.Equal(t, int64(20), snap.Positions.Holdings["MSFT"])
}

func TestSettle_InceptionUsesStartingCash(t *testing.T) {
	eng, st := newTestEngine(market.US, "25000", nil)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	assert.Equal(t, int64(1), snap.ID)
	assert.True(t, snap.Positions.Cash.Equal(d("25000")))
	assert.Empty(t, snap.Positions.Holdings)
}

func TestSettle_BuyBelowDayLowNotFilled(t *testing.T) {
	eng, st := newTestEngine(market.US, "10000", map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	})
	logIntent(t, st, 1.0, market.Buy, "AAPL", 10, "140", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 1)
	out := snap.Action.Trades[0]
	assert.Equal(t, model.StatusNotFilledPrice, out.Status)
	require.NotNil(t, out.DayLowPrice)
	assert.True(t, out.DayLowPrice.Equal(d("145")))

	// Nothing moved.
	assert.True(t, snap.Positions.Cash.Equal(d("10000")))
	assert.Empty(t, snap.Positions.Holdings)
}

func TestSettle_ReplayFollowsTimestampsNotLogOrder(t *testing.T) {
	eng, st := newTestEngine(market.US, "2000", map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	})
	// The sell is logged first but stamped later; sorting by timestamp lets
	// the buy provide the shares it needs.
	logIntent(t, st, 5.0, market.Sell, "AAPL", 5, "160", market.US)
	logIntent(t, st, 1.0, market.Buy, "AAPL", 10, "150", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 2)
	assert.Equal(t, 1.0, snap.Action.Trades[0].Timestamp)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[0].Status)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[1].Status)
	assert.Equal(t, int64(5), snap.Positions.Holdings["AAPL"])
}

func TestSettle_MissingMarketAndPriceData(t *testing.T) {
	low := d("90")
	partial := pricing.HighLow{High: nil, Low: &low}
	eng, st := newTestEngine(market.US, "10000", map[string]pricing.HighLow{
		"HALF": partial,
	})
	logIntent(t, st, 1.0, market.Buy, "GHOST", 10, "50", market.US)
	logIntent(t, st, 2.0, market.Buy, "HALF", 10, "100", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 2)
	assert.Equal(t, model.StatusNoMarketData, snap.Action.Trades[0].Status)
	assert.Equal(t, model.StatusNoPriceData, snap.Action.Trades[1].Status)
	assert.True(t, snap.Positions.Cash.Equal(d("10000")))
}

func TestSettle_SkipsInvalidLoggedIntent(t *testing.T) {
	eng, st := newTestEngine(market.US, "10000", map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	})
	// Hand-corrupted log entry: zero amount never passes intake, but the
	// replay must not fall over when it finds one.
	logIntent(t, st, 1.0, market.Buy, "AAPL", 0, "150", market.US)
	logIntent(t, st, 2.0, market.Buy, "AAPL", 10, "150", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 1)
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[0].Status)
	assert.Equal(t, int64(10), snap.Positions.Holdings["AAPL"])
}

func TestSettle_MixedMarketsShareCash(t *testing.T) {
	eng, st := newTestEngine(market.US, "200000", map[string]pricing.HighLow{
		"AAPL":      hl("165", "145"),
		"600519.SH": hl("1510", "1490"),
	})
	logIntent(t, st, 1.0, market.Buy, "600519.SH", 100, "1500", market.CN)
	logIntent(t, st, 2.0, market.Buy, "AAPL", 400, "150", market.US)

	require.NoError(t, eng.Settle(context.Background(), testAccount, testDate))

	snap := settledSnapshot(t, st)
	require.Len(t, snap.Action.Trades, 2)
	// The CN buy consumed 150000 first; the remaining 50000 cannot fund the
	// 60000 US buy.
	assert.Equal(t, model.StatusFilled, snap.Action.Trades[0].Status)
	assert.Equal(t, model.StatusFailedCash, snap.Action.Trades[1].Status)
	assert.True(t, snap.Positions.Cash.Equal(d("50000")))
	assert.Equal(t, int64(100), snap.Positions.Holdings["600519.SH"])
	assert.NotContains(t, snap.Positions.Holdings, "AAPL")
}

func TestSettle_OracleFailureLeavesLedgerUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewEngine(st, failingOracle{}, fixedCalendar{prev: prevDate}, nil, EngineConfig{
		Market:       market.US,
		StartingCash: d("10000"),
	})
	logIntent(t, st, 1.0, market.Buy, "AAPL", 10, "150", market.US)

	err := eng.Settle(context.Background(), testAccount, testDate)
	require.Error(t, err)

	var serr *SettlementError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, testAccount, serr.Account)
	assert.Equal(t, "price oracle", serr.Stage)

	history, herr := st.History(context.Background(), testAccount)
	require.NoError(t, herr)
	assert.Empty(t, history, "failed run must not append a snapshot")

	// A retry after the oracle recovers settles normally.
	eng2 := NewEngine(st, pricing.NewStaticOracle(map[string]pricing.HighLow{
		"AAPL": hl("165", "145"),
	}), fixedCalendar{prev: prevDate}, nil, EngineConfig{
		Market:       market.US,
		StartingCash: d("10000"),
	})
	require.NoError(t, eng2.Settle(context.Background(), testAccount, testDate))
	assert.Equal(t, int64(1), settledSnapshot(t, st).ID)
}
