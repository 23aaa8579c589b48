package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/papertrade/settlement-engine/internal/model"
)

// FileStore implements Store on append-only JSONL files, one record per
// line, matching the persisted wire formats:
//
//	<root>/<account>/pending_orders/<date>.jsonl
//	<root>/<account>/position/position.jsonl
//
// Appends are a single O_APPEND write followed by fsync so a reader never
// observes a half-written record. Locking is process-local; deployments
// with multiple writer processes should use the Postgres store.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks *keyedLock
}

// NewFileStore ensures the data root exists and returns a store instance.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data root: %w", err)
	}
	return &FileStore{root: root, locks: newKeyedLock()}, nil
}

func (s *FileStore) intentPath(account, date string) string {
	return filepath.Join(s.root, account, "pending_orders", date+".jsonl")
}

func (s *FileStore) ledgerPath(account string) string {
	return filepath.Join(s.root, account, "position", "position.jsonl")
}

func (s *FileStore) AppendIntent(_ context.Context, account, date string, in model.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("store: marshal intent: %w", err)
	}
	return appendLine(s.intentPath(account, date), data)
}

func (s *FileStore) Intents(_ context.Context, account, date string) ([]model.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var intents []model.Intent
	err := scanLines(s.intentPath(account, date), func(line []byte) {
		var in model.Intent
		if err := json.Unmarshal(line, &in); err != nil {
			slog.Warn("skipping malformed intent log entry",
				"account", account, "date", date, "err", err)
			return
		}
		intents = append(intents, in)
	})
	if err != nil {
		return nil, fmt.Errorf("store: read intents for %s/%s: %w", account, date, err)
	}
	return intents, nil
}

func (s *FileStore) Append(_ context.Context, account string, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.readLedger(account)
	if err != nil {
		return err
	}
	var head int64
	if len(chain) > 0 {
		head = chain[len(chain)-1].ID
	}
	if snap.ID != head+1 {
		return fmt.Errorf("store: snapshot id %d breaks chain for %s (head %d)", snap.ID, account, head)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return appendLine(s.ledgerPath(account), data)
}

func (s *FileStore) Latest(_ context.Context, account, maxDate string) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.readLedger(account)
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Date <= maxDate {
			return &chain[i], nil
		}
	}
	return nil, nil
}

func (s *FileStore) HasSettlement(_ context.Context, account, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.readLedger(account)
	if err != nil {
		return false, err
	}
	for _, snap := range chain {
		if snap.Date == date && snap.IsSettlement() {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) History(_ context.Context, account string) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLedger(account)
}

func (s *FileStore) WithAccountLock(ctx context.Context, account string, fn func(ctx context.Context) error) error {
	return s.locks.with(ctx, account, fn)
}

func (s *FileStore) readLedger(account string) ([]model.Snapshot, error) {
	var chain []model.Snapshot
	err := scanLines(s.ledgerPath(account), func(line []byte) {
		var snap model.Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			slog.Warn("skipping malformed ledger entry", "account", account, "err", err)
			return
		}
		chain = append(chain, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("store: read ledger for %s: %w", account, err)
	}
	return chain, nil
}

// appendLine durably appends one record: single write, then fsync.
func appendLine(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: fsync %s: %w", path, err)
	}
	return nil
}

// scanLines streams non-empty lines of a JSONL file. A missing file is an
// empty log, not an error.
func scanLines(path string, visit func(line []byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		visit(line)
	}
	return scanner.Err()
}
