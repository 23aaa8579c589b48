// Package store defines persistence for the intent log and the position
// ledger. Implementations include PostgreSQL (source of truth, advisory
// locks), append-only JSONL files (single-process deployments), in-memory
// (for testing), and a Redis read-through cache for ledger queries.
package store

import (
	"context"
	"errors"

	"github.com/papertrade/settlement-engine/internal/model"
)

// ErrLockTimeout is returned when the account settlement lock cannot be
// acquired before the caller's context expires.
var ErrLockTimeout = errors.New("store: timed out waiting for account settlement lock")

// IntentLog is the append-only, per-account, per-day record of submitted
// order intents. Written by intake, read by the settlement engine.
type IntentLog interface {
	// AppendIntent appends one intent to the log for (account, date).
	AppendIntent(ctx context.Context, account, date string, in model.Intent) error

	// Intents returns the day's intents in original log order. Malformed
	// entries are skipped, not fatal.
	Intents(ctx context.Context, account, date string) ([]model.Intent, error)
}

// Ledger is the append-only, per-account sequence of settlement snapshots —
// the single source of truth for holdings.
type Ledger interface {
	// Append atomically writes one complete snapshot. The snapshot ID must
	// be exactly one past the account's current head; anything else is an
	// error, which keeps the chain gap-free.
	Append(ctx context.Context, account string, snap model.Snapshot) error

	// Latest returns the most recent snapshot with date <= maxDate, or
	// (nil, nil) when the account has none.
	Latest(ctx context.Context, account, maxDate string) (*model.Snapshot, error)

	// HasSettlement reports whether a daily_settlement snapshot exists for
	// (account, date). This is the idempotency guard.
	HasSettlement(ctx context.Context, account, date string) (bool, error)

	// History returns all snapshots for the account in ID order.
	History(ctx context.Context, account string) ([]model.Snapshot, error)

	// WithAccountLock runs fn while holding the account's exclusive
	// settlement lock. The lock covers the full read-modify-append sequence
	// and is released on every exit path. Acquisition honors ctx deadlines
	// and returns ErrLockTimeout when they expire first.
	WithAccountLock(ctx context.Context, account string, fn func(ctx context.Context) error) error
}

// Store combines the intent log and the ledger.
type Store interface {
	IntentLog
	Ledger
}
