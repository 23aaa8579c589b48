// Package settle implements daily settlement: replaying a day's order
// intents against realized high/low prices under the market's trading rules,
// and appending the resulting position snapshot to the ledger. It also
// provides the HTTP handlers for order intake and position queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/fill"
	"github.com/papertrade/settlement-engine/internal/market"
	"github.com/papertrade/settlement-engine/internal/metrics"
	"github.com/papertrade/settlement-engine/internal/model"
	"github.com/papertrade/settlement-engine/internal/pricing"
	"github.com/papertrade/settlement-engine/internal/store"
)

// Calendar resolves trading-session dates for a market.
type Calendar interface {
	PreviousTradingDate(date string, mkt market.Market) (string, error)
}

// SettlementError wraps unrecoverable infrastructure failures during a
// settlement run. The ledger is untouched when one is returned: the append
// is always the final step, so the caller can safely retry the whole call.
type SettlementError struct {
	Account string
	Date    string
	Stage   string
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement for %s on %s failed at %s: %v", e.Account, e.Date, e.Stage, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// EngineConfig holds the immutable account parameters, loaded once at
// process start.
type EngineConfig struct {
	// Market is the account's home market, used for session-date
	// arithmetic. Intents carry their own market for execution rules.
	Market market.Market

	// StartingCash seeds the inception state of an account with no
	// ledger history.
	StartingCash decimal.Decimal
}

// Engine performs daily settlement runs. Safe for concurrent use; the
// store's account-scoped lock serializes runs per account.
type Engine struct {
	store  store.Store
	oracle pricing.Oracle
	cal    Calendar
	hub    *WSHub // optional
	cfg    EngineConfig
}

// NewEngine creates a settlement engine wired with the given dependencies.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, oracle pricing.Oracle, cal Calendar, hub *WSHub, cfg EngineConfig) *Engine {
	return &Engine{store: st, oracle: oracle, cal: cal, hub: hub, cfg: cfg}
}

// Settle runs daily settlement for (account, date). It is idempotent: a
// second invocation for an already-settled date is a logged no-op. On
// success exactly one new snapshot has been appended; on error the ledger
// is exactly as it was before the call.
func (e *Engine) Settle(ctx context.Context, account, date string) error {
	begin := time.Now()
	var skipped bool

	err := e.store.WithAccountLock(ctx, account, func(ctx context.Context) error {
		var err error
		skipped, err = e.settleLocked(ctx, account, date)
		return err
	})

	switch {
	case err != nil:
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		return err
	case skipped:
		metrics.SettlementsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.SettlementsTotal.WithLabelValues("completed").Inc()
		metrics.SettlementDuration.Observe(time.Since(begin).Seconds())
	}
	return nil
}

// settleLocked runs the settlement algorithm inside the account lock.
// Returns skipped=true when the date was already settled.
func (e *Engine) settleLocked(ctx context.Context, account, date string) (bool, error) {
	fail := func(stage string, err error) (bool, error) {
		return false, &SettlementError{Account: account, Date: date, Stage: stage, Err: err}
	}

	// Idempotency guard: one settlement snapshot per (account, date).
	done, err := e.store.HasSettlement(ctx, account, date)
	if err != nil {
		return fail("idempotency check", err)
	}
	if done {
		slog.Warn("settlement already completed, skipping", "account", account, "date", date)
		return true, nil
	}

	// Starting state is the previous session's snapshot, or inception.
	prevDate, err := e.cal.PreviousTradingDate(date, e.cfg.Market)
	if err != nil {
		return fail("calendar", err)
	}
	last, err := e.store.Latest(ctx, account, prevDate)
	if err != nil {
		return fail("load starting snapshot", err)
	}
	startPos := model.NewPositions(e.cfg.StartingCash)
	var lastID int64
	if last != nil {
		startPos = last.Positions.Clone()
		lastID = last.ID
	}

	intents, err := e.store.Intents(ctx, account, date)
	if err != nil {
		return fail("load intents", err)
	}
	if len(intents) == 0 {
		// No orders: the day still gets its snapshot, equal to the
		// starting state.
		snap := newSnapshot(date, lastID+1, []model.TradeOutcome{}, startPos)
		if err := e.store.Append(ctx, account, snap); err != nil {
			return fail("ledger append", err)
		}
		e.broadcastSettled(account, snap)
		slog.Info("daily settlement completed", "account", account, "date", date,
			"snapshot_id", snap.ID, "intents", 0)
		return false, nil
	}

	// Timestamp order with stable ties: this ordering is load-bearing —
	// it is what lets a same-day buy fund or enable a later sell.
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].Timestamp < intents[j].Timestamp
	})

	prices, err := e.fetchPrices(ctx, date, intents)
	if err != nil {
		return fail("price oracle", err)
	}

	st := fill.NewState(startPos)
	outcomes := make([]model.TradeOutcome, 0, len(intents))
	for _, in := range intents {
		if err := market.ValidateOrder(in.Market, in.Action, in.Symbol, in.Amount, in.LimitPrice); err != nil {
			// Intake should have caught this; a bad logged entry is
			// skipped, never fatal.
			slog.Warn("skipping invalid intent log entry",
				"account", account, "date", date, "intent_id", in.ID, "err", err)
			continue
		}

		hl, ok := prices[in.Market][in.Symbol]
		switch {
		case !ok:
			outcomes = append(outcomes, fill.NoMarketData(in))
		case !hl.Complete():
			outcomes = append(outcomes, fill.NoPriceData(in))
		case in.Action == market.Buy:
			outcomes = append(outcomes, st.EvaluateBuy(in, *hl.Low))
		default:
			outcomes = append(outcomes, st.EvaluateSell(in, *hl.High))
		}
	}

	// The append is the last step and atomic: either the complete snapshot
	// lands or nothing does.
	snap := newSnapshot(date, lastID+1, outcomes, st.Positions())
	if err := e.store.Append(ctx, account, snap); err != nil {
		return fail("ledger append", err)
	}

	var filled int
	for _, out := range outcomes {
		metrics.TradeOutcomesTotal.WithLabelValues(out.Status).Inc()
		if out.Status == model.StatusFilled {
			filled++
		}
	}
	e.broadcastSettled(account, snap)
	slog.Info("daily settlement completed",
		"account", account,
		"date", date,
		"snapshot_id", snap.ID,
		"intents", len(intents),
		"filled", filled,
		"cash", snap.Positions.Cash.String(),
	)
	return false, nil
}

// fetchPrices makes one oracle call per distinct market in the batch and
// returns the results keyed by market then symbol. Intents are replayed in
// global timestamp order regardless of market, since cash is shared.
func (e *Engine) fetchPrices(ctx context.Context, date string, intents []model.Intent) (map[market.Market]map[string]pricing.HighLow, error) {
	symbols := make(map[market.Market][]string)
	seen := make(map[market.Market]map[string]bool)
	var order []market.Market
	for _, in := range intents {
		if seen[in.Market] == nil {
			seen[in.Market] = make(map[string]bool)
			order = append(order, in.Market)
		}
		if !seen[in.Market][in.Symbol] {
			seen[in.Market][in.Symbol] = true
			symbols[in.Market] = append(symbols[in.Market], in.Symbol)
		}
	}

	prices := make(map[market.Market]map[string]pricing.HighLow, len(order))
	for _, mkt := range order {
		data, err := e.oracle.HighLowPrices(ctx, date, mkt, symbols[mkt])
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mkt, err)
		}
		prices[mkt] = data
	}
	return prices, nil
}

func (e *Engine) broadcastSettled(account string, snap model.Snapshot) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(WSMessage{
		Type:       "settlement_completed",
		Account:    account,
		Date:       snap.Date,
		SnapshotID: snap.ID,
		Trades:     len(snap.Action.Trades),
		Cash:       snap.Positions.Cash.String(),
	})
}

func newSnapshot(date string, id int64, trades []model.TradeOutcome, pos model.Positions) model.Snapshot {
	return model.Snapshot{
		Date:      date,
		ID:        id,
		Action:    model.Action{Action: model.SettlementAction, Trades: trades},
		Positions: pos,
	}
}
