// Package calendar provides trading-session date arithmetic for the
// supported markets: previous trading day and trading-day checks, skipping
// weekends and exchange holidays.
package calendar

import (
	"fmt"
	"time"

	"github.com/papertrade/settlement-engine/internal/market"
)

// DateLayout is the date format used throughout the ledger and intent log.
const DateLayout = "2006-01-02"

// usHolidays are NYSE full-day closures.
var usHolidays = dateSet(
	// 2024
	"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
	"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
	// 2025
	"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
	"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
	"2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
)

// cnHolidays are SSE/SZSE closures (weekday portions of the holiday weeks).
var cnHolidays = dateSet(
	// 2024
	"2024-01-01", "2024-02-12", "2024-02-13", "2024-02-14", "2024-02-15",
	"2024-02-16", "2024-04-04", "2024-04-05", "2024-05-01", "2024-05-02",
	"2024-05-03", "2024-06-10", "2024-09-16", "2024-09-17", "2024-10-01",
	"2024-10-02", "2024-10-03", "2024-10-04", "2024-10-07",
	// 2025
	"2025-01-01", "2025-01-28", "2025-01-29", "2025-01-30", "2025-01-31",
	"2025-02-03", "2025-02-04", "2025-04-04", "2025-05-01", "2025-05-02",
	"2025-05-05", "2025-06-02", "2025-10-01", "2025-10-02", "2025-10-03",
	"2025-10-06", "2025-10-07", "2025-10-08",
	// 2026
	"2026-01-01", "2026-01-02", "2026-02-16", "2026-02-17", "2026-02-18",
	"2026-02-19", "2026-02-20", "2026-04-06", "2026-05-01", "2026-05-04",
	"2026-05-05", "2026-06-19", "2026-09-25", "2026-10-01", "2026-10-02",
	"2026-10-05", "2026-10-06", "2026-10-07",
)

func dateSet(dates ...string) map[string]bool {
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return set
}

// Calendar answers session-date queries for a market.
type Calendar struct{}

// New creates a Calendar.
func New() *Calendar {
	return &Calendar{}
}

// IsTradingDay reports whether date (YYYY-MM-DD) is a trading session for
// the given market.
func (c *Calendar) IsTradingDay(date string, mkt market.Market) (bool, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return false, fmt.Errorf("calendar: bad date %q: %w", date, err)
	}
	return c.isTradingDay(t, mkt), nil
}

func (c *Calendar) isTradingDay(t time.Time, mkt market.Market) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	holidays := usHolidays
	if mkt == market.CN {
		holidays = cnHolidays
	}
	return !holidays[t.Format(DateLayout)]
}

// PreviousTradingDate returns the trading session immediately before date
// for the given market.
func (c *Calendar) PreviousTradingDate(date string, mkt market.Market) (string, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("calendar: bad date %q: %w", date, err)
	}
	// Holiday tables only cover a bounded window; refuse to walk past it.
	for i := 0; i < 30; i++ {
		t = t.AddDate(0, 0, -1)
		if c.isTradingDay(t, mkt) {
			return t.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("calendar: no trading day found within 30 days before %s (%s)", date, mkt)
}
