package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
	"github.com/papertrade/settlement-engine/internal/model"
)

const (
	testAccount = "alpha-1"
	testDate    = "2025-08-21"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stores builds one of each Store implementation against fresh state.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func testIntent(ts float64, side market.Side, symbol string, amount int64, limit float64) model.Intent {
	return model.Intent{
		ID:         "intent-" + symbol,
		Timestamp:  ts,
		Action:     side,
		Symbol:     symbol,
		Amount:     amount,
		LimitPrice: d(limit),
		Market:     market.US,
	}
}

func testSnapshot(id int64, date string, cash float64) model.Snapshot {
	return model.Snapshot{
		Date:      date,
		ID:        id,
		Action:    model.Action{Action: model.SettlementAction, Trades: []model.TradeOutcome{}},
		Positions: model.NewPositions(d(cash)),
	}
}

func TestIntentLog_RoundTripPreservesOrder(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := testIntent(2.0, market.Buy, "AAPL", 10, 150)
			second := testIntent(1.0, market.Sell, "MSFT", 5, 300)

			if err := st.AppendIntent(ctx, testAccount, testDate, first); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := st.AppendIntent(ctx, testAccount, testDate, second); err != nil {
				t.Fatalf("append: %v", err)
			}

			got, err := st.Intents(ctx, testAccount, testDate)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			// Log order, not timestamp order: sorting is the engine's job.
			if len(got) != 2 || got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
				t.Fatalf("unexpected intents: %+v", got)
			}
			if !got[0].LimitPrice.Equal(d(150)) {
				t.Errorf("limit price mangled: %s", got[0].LimitPrice)
			}
		})
	}
}

func TestIntentLog_DatesAreIsolated(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.AppendIntent(ctx, testAccount, testDate, testIntent(1, market.Buy, "AAPL", 10, 150)); err != nil {
				t.Fatal(err)
			}
			got, err := st.Intents(ctx, testAccount, "2025-08-22")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("expected no intents for other date, got %d", len(got))
			}
		})
	}
}

func TestLedger_AppendAndLatest(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Append(ctx, testAccount, testSnapshot(1, "2025-08-20", 10000)); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := st.Append(ctx, testAccount, testSnapshot(2, "2025-08-21", 8500)); err != nil {
				t.Fatalf("append: %v", err)
			}

			latest, err := st.Latest(ctx, testAccount, "2025-08-21")
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if latest == nil || latest.ID != 2 || !latest.Positions.Cash.Equal(d(8500)) {
				t.Fatalf("unexpected latest: %+v", latest)
			}

			// maxDate bounds the search.
			earlier, err := st.Latest(ctx, testAccount, "2025-08-20")
			if err != nil {
				t.Fatal(err)
			}
			if earlier == nil || earlier.ID != 1 {
				t.Fatalf("expected snapshot 1 at maxDate 08-20, got %+v", earlier)
			}

			none, err := st.Latest(ctx, testAccount, "2025-08-19")
			if err != nil {
				t.Fatal(err)
			}
			if none != nil {
				t.Fatalf("expected no snapshot before inception, got %+v", none)
			}
		})
	}
}

func TestLedger_AppendRejectsChainGap(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Append(ctx, testAccount, testSnapshot(1, "2025-08-20", 10000)); err != nil {
				t.Fatal(err)
			}
			if err := st.Append(ctx, testAccount, testSnapshot(3, "2025-08-21", 9000)); err == nil {
				t.Error("expected gap in ID chain to be rejected")
			}
			if err := st.Append(ctx, testAccount, testSnapshot(1, "2025-08-21", 9000)); err == nil {
				t.Error("expected duplicate ID to be rejected")
			}
		})
	}
}

func TestLedger_HasSettlement(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// A non-settlement record for the date must not trip the guard.
			seed := testSnapshot(1, testDate, 10000)
			seed.Action.Action = "account_seed"
			if err := st.Append(ctx, testAccount, seed); err != nil {
				t.Fatal(err)
			}

			has, err := st.HasSettlement(ctx, testAccount, testDate)
			if err != nil {
				t.Fatal(err)
			}
			if has {
				t.Error("seed record must not count as a settlement")
			}

			if err := st.Append(ctx, testAccount, testSnapshot(2, testDate, 10000)); err != nil {
				t.Fatal(err)
			}
			has, err = st.HasSettlement(ctx, testAccount, testDate)
			if err != nil {
				t.Fatal(err)
			}
			if !has {
				t.Error("expected settlement to be detected")
			}
		})
	}
}

func TestLedger_History(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := int64(1); i <= 3; i++ {
				if err := st.Append(ctx, testAccount, testSnapshot(i, testDate, 1000*float64(i))); err != nil {
					t.Fatal(err)
				}
			}
			chain, err := st.History(ctx, testAccount)
			if err != nil {
				t.Fatal(err)
			}
			if len(chain) != 3 {
				t.Fatalf("expected 3 snapshots, got %d", len(chain))
			}
			for i, snap := range chain {
				if snap.ID != int64(i+1) {
					t.Errorf("chain out of order at %d: id %d", i, snap.ID)
				}
			}
		})
	}
}

func TestWithAccountLock_Exclusive(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entered := make(chan struct{})
			release := make(chan struct{})

			go func() {
				_ = st.WithAccountLock(ctx, testAccount, func(context.Context) error {
					close(entered)
					<-release
					return nil
				})
			}()
			<-entered

			// Second acquisition must block until the holder releases.
			shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			err := st.WithAccountLock(shortCtx, testAccount, func(context.Context) error { return nil })
			if err == nil {
				t.Fatal("expected lock acquisition to time out while held")
			}

			close(release)

			// And succeed afterwards.
			if err := st.WithAccountLock(ctx, testAccount, func(context.Context) error { return nil }); err != nil {
				t.Fatalf("lock after release: %v", err)
			}
		})
	}
}

func TestWithAccountLock_OtherAccountUnaffected(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entered := make(chan struct{})
			release := make(chan struct{})
			go func() {
				_ = st.WithAccountLock(ctx, testAccount, func(context.Context) error {
					close(entered)
					<-release
					return nil
				})
			}()
			<-entered
			defer close(release)

			shortCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if err := st.WithAccountLock(shortCtx, "beta-2", func(context.Context) error { return nil }); err != nil {
				t.Fatalf("independent account should not block: %v", err)
			}
		})
	}
}

// --- File-store specifics ---

func TestFileStore_SkipsMalformedIntentLines(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := fs.AppendIntent(ctx, testAccount, testDate, testIntent(1, market.Buy, "AAPL", 10, 150)); err != nil {
		t.Fatal(err)
	}

	// Corrupt the log with garbage and a blank line.
	path := filepath.Join(dir, testAccount, "pending_orders", testDate+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := fs.AppendIntent(ctx, testAccount, testDate, testIntent(2, market.Sell, "AAPL", 5, 160)); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Intents(ctx, testAccount, testDate)
	if err != nil {
		t.Fatalf("malformed lines must not be fatal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 intents around the corrupt line, got %d", len(got))
	}
}

func TestFileStore_ReadsReferenceWireFormat(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	// A hand-written ledger line in the persisted wire format.
	line := `{"date": "2025-08-20", "id": 1, "this_action": {"action": "daily_settlement", "trades": []}, "positions": {"CASH": 9300.5, "AAPL": 5}}`
	path := filepath.Join(dir, testAccount, "position", "position.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := fs.Latest(context.Background(), testAccount, "2025-08-21")
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("expected snapshot")
	}
	if !snap.Positions.Cash.Equal(d(9300.5)) {
		t.Errorf("cash = %s, want 9300.5", snap.Positions.Cash)
	}
	if snap.Positions.Holdings["AAPL"] != 5 {
		t.Errorf("AAPL = %d, want 5", snap.Positions.Holdings["AAPL"])
	}
	if !snap.IsSettlement() {
		t.Error("expected daily_settlement action")
	}
}

func TestFileStore_WritesOneJSONObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := fs.Append(ctx, testAccount, testSnapshot(1, testDate, 10000)); err != nil {
		t.Fatal(err)
	}
	if err := fs.Append(ctx, testAccount, testSnapshot(2, "2025-08-22", 9000)); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, testAccount, "position", "position.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	// Cash must be a bare JSON number, not a quoted string.
	if strings.Contains(lines[0], `"CASH":"`) {
		t.Errorf("cash serialized as string: %s", lines[0])
	}
	if !strings.Contains(lines[0], `"CASH":10000`) {
		t.Errorf("missing numeric CASH entry: %s", lines[0])
	}
}
