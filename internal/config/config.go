// Package config builds the process configuration from environment
// variables. Loaded once at startup and immutable thereafter; everything
// downstream receives it explicitly.
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
)

// Config captures the runtime tunables of the settlement service.
type Config struct {
	Port        string
	DatabaseURL string // empty → JSONL file store at DataDir
	RedisURL    string // empty → no ledger cache
	DataDir     string
	OracleURL   string // empty → static oracle with no data

	Account      string
	Market       market.Market
	StartingCash decimal.Decimal

	SettleCron string // cron spec for the nightly run; empty disables
	LogLevel   string
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		DataDir:     getEnv("DATA_DIR", "./data"),
		OracleURL:   os.Getenv("ORACLE_URL"),
		Account:     getEnv("ACCOUNT_ID", "default"),
		SettleCron:  getEnv("SETTLE_CRON", "0 17 * * *"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	mkt, err := market.Parse(getEnv("MARKET", "us"))
	if err != nil {
		return Config{}, fmt.Errorf("config: MARKET: %w", err)
	}
	cfg.Market = mkt

	cash, err := decimal.NewFromString(getEnv("STARTING_CASH", "10000"))
	if err != nil {
		return Config{}, fmt.Errorf("config: STARTING_CASH: %w", err)
	}
	if cash.IsNegative() {
		return Config{}, fmt.Errorf("config: STARTING_CASH must not be negative, got %s", cash)
	}
	cfg.StartingCash = cash

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
