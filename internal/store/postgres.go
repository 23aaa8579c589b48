package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
	"github.com/papertrade/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision;
// snapshots are stored whole as JSONB so the ledger record is exactly what
// readers get back. The account settlement lock is a transaction-scoped
// advisory lock, so it works across processes and is released on every
// exit path including connection loss.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the intent log and ledger tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS intents (
			seq         BIGSERIAL PRIMARY KEY,
			account     TEXT NOT NULL,
			trade_date  DATE NOT NULL,
			id          TEXT NOT NULL,
			ts          DOUBLE PRECISION NOT NULL,
			action      TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			amount      BIGINT NOT NULL,
			limit_price NUMERIC NOT NULL,
			market      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS intents_account_date_idx
			ON intents (account, trade_date, seq);

		CREATE TABLE IF NOT EXISTS snapshots (
			account    TEXT NOT NULL,
			id         BIGINT NOT NULL,
			trade_date DATE NOT NULL,
			record     JSONB NOT NULL,
			PRIMARY KEY (account, id)
		);
		CREATE INDEX IF NOT EXISTS snapshots_account_date_idx
			ON snapshots (account, trade_date);
	`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendIntent(ctx context.Context, account, date string, in model.Intent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intents (account, trade_date, id, ts, action, symbol, amount, limit_price, market)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)`,
		account, date, in.ID, in.Timestamp, string(in.Action), in.Symbol,
		in.Amount, in.LimitPrice.String(), string(in.Market),
	)
	if err != nil {
		return fmt.Errorf("store: append intent for %s/%s: %w", account, date, err)
	}
	return nil
}

func (s *PostgresStore) Intents(ctx context.Context, account, date string) ([]model.Intent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, action, symbol, amount, limit_price::TEXT, market
		 FROM intents
		 WHERE account = $1 AND trade_date = $2
		 ORDER BY seq`,
		account, date)
	if err != nil {
		return nil, fmt.Errorf("store: read intents for %s/%s: %w", account, date, err)
	}
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		var in model.Intent
		var action, mkt, limitPrice string
		if err := rows.Scan(&in.ID, &in.Timestamp, &action, &in.Symbol,
			&in.Amount, &limitPrice, &mkt); err != nil {
			return nil, err
		}
		in.Action = market.Side(action)
		in.Market = market.Market(mkt)
		in.LimitPrice, err = decimal.NewFromString(limitPrice)
		if err != nil {
			return nil, fmt.Errorf("store: bad limit_price %q: %w", limitPrice, err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, account string, snap model.Snapshot) error {
	record, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	// The guarded insert only succeeds when the ID extends the chain by
	// exactly one, keeping the per-account sequence gap-free even under
	// concurrent writers.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (account, id, trade_date, record)
		 SELECT $1, $2, $3, $4
		 WHERE $2 = (SELECT COALESCE(MAX(id), 0) + 1 FROM snapshots WHERE account = $1)`,
		account, snap.ID, snap.Date, record)
	if err != nil {
		return fmt.Errorf("store: append snapshot for %s: %w", account, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: snapshot id %d breaks chain for %s", snap.ID, account)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, account, maxDate string) (*model.Snapshot, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM snapshots
		 WHERE account = $1 AND trade_date <= $2
		 ORDER BY id DESC LIMIT 1`,
		account, maxDate).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshot for %s: %w", account, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(record, &snap); err != nil {
		return nil, fmt.Errorf("store: decode snapshot for %s: %w", account, err)
	}
	return &snap, nil
}

func (s *PostgresStore) HasSettlement(ctx context.Context, account, date string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM snapshots
			WHERE account = $1 AND trade_date = $2
			  AND record->'this_action'->>'action' = 'daily_settlement'
		 )`,
		account, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: settlement check for %s/%s: %w", account, date, err)
	}
	return exists, nil
}

func (s *PostgresStore) History(ctx context.Context, account string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM snapshots WHERE account = $1 ORDER BY id`,
		account)
	if err != nil {
		return nil, fmt.Errorf("store: ledger history for %s: %w", account, err)
	}
	defer rows.Close()

	var chain []model.Snapshot
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var snap model.Snapshot
		if err := json.Unmarshal(record, &snap); err != nil {
			return nil, fmt.Errorf("store: decode snapshot for %s: %w", account, err)
		}
		chain = append(chain, snap)
	}
	return chain, rows.Err()
}

// WithAccountLock holds pg_advisory_xact_lock(hashtext(account)) for the
// duration of fn. The lock blocks until granted or ctx expires.
func (s *PostgresStore) WithAccountLock(ctx context.Context, account string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin lock transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, account); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: account %s: %v", ErrLockTimeout, account, ctx.Err())
		}
		return fmt.Errorf("store: acquire settlement lock for %s: %w", account, err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
