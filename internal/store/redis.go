package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/settlement-engine/internal/model"
)

// CachedLedger wraps a primary Ledger with a Redis read-through cache for
// Latest queries (the hot path behind the positions endpoint). Appends go
// to the primary and bump a per-account version key, which invalidates
// every cached read for that account at once; stale keys age out via TTL.
//
// Settlement runs should use the primary ledger directly — the engine's
// correctness depends on reads inside the account lock, not on a cache.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedLedger) Append(ctx context.Context, account string, snap model.Snapshot) error {
	if err := s.primary.Append(ctx, account, snap); err != nil {
		return err
	}
	s.rdb.Incr(ctx, versionKey(account))
	return nil
}

func (s *CachedLedger) Latest(ctx context.Context, account, maxDate string) (*model.Snapshot, error) {
	key := s.latestKey(ctx, account, maxDate)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.Latest(ctx, account, maxDate)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if data, err := json.Marshal(snap); err == nil {
			s.rdb.Set(ctx, key, data, s.ttl)
		}
	}
	return snap, nil
}

// --- Passthrough (must always be accurate) ---

func (s *CachedLedger) HasSettlement(ctx context.Context, account, date string) (bool, error) {
	return s.primary.HasSettlement(ctx, account, date)
}

func (s *CachedLedger) History(ctx context.Context, account string) ([]model.Snapshot, error) {
	return s.primary.History(ctx, account)
}

func (s *CachedLedger) WithAccountLock(ctx context.Context, account string, fn func(ctx context.Context) error) error {
	return s.primary.WithAccountLock(ctx, account, fn)
}

// --- Cache keys ---

func (s *CachedLedger) latestKey(ctx context.Context, account, maxDate string) string {
	ver, err := s.rdb.Get(ctx, versionKey(account)).Result()
	if err != nil {
		ver = "0"
	}
	return fmt.Sprintf("ledger:%s:v%s:latest:%s", account, ver, maxDate)
}

func versionKey(account string) string { return fmt.Sprintf("ledger:%s:ver", account) }
