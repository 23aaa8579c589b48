package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/papertrade/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]map[string][]model.Intent // account → date → log order
	ledgers map[string][]model.Snapshot          // account → ID order
	locks   *keyedLock
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]map[string][]model.Intent),
		ledgers: make(map[string][]model.Snapshot),
		locks:   newKeyedLock(),
	}
}

func (s *MemoryStore) AppendIntent(_ context.Context, account, date string, in model.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	days, ok := s.intents[account]
	if !ok {
		days = make(map[string][]model.Intent)
		s.intents[account] = days
	}
	days[date] = append(days[date], in)
	return nil
}

func (s *MemoryStore) Intents(_ context.Context, account, date string) ([]model.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.intents[account][date]
	out := make([]model.Intent, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, account string, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.ledgers[account]
	var head int64
	if len(chain) > 0 {
		head = chain[len(chain)-1].ID
	}
	if snap.ID != head+1 {
		return fmt.Errorf("store: snapshot id %d breaks chain for %s (head %d)", snap.ID, account, head)
	}
	s.ledgers[account] = append(chain, snap)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, account, maxDate string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.ledgers[account]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Date <= maxDate {
			snap := chain[i]
			return &snap, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) HasSettlement(_ context.Context, account, date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.ledgers[account] {
		if snap.Date == date && snap.IsSettlement() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) History(_ context.Context, account string) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.ledgers[account]
	out := make([]model.Snapshot, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *MemoryStore) WithAccountLock(ctx context.Context, account string, fn func(ctx context.Context) error) error {
	return s.locks.with(ctx, account, fn)
}
