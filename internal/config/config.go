// Package config loads the exchange-core configuration from environment
// variables. Every setting has a workable default except the external
// endpoints, which disable their subsystem when unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration.
type Config struct {
	Port     string
	NodeID   string
	NodeAddr string // advertised host:port for leader proxying

	DatabaseURL        string
	DatabaseReplicaURL string
	RedisURL           string

	LockTTL time.Duration

	// Chain / reconciliation. Empty RPCURL disables the reconciler.
	RPCURL             string
	SettlementContract string
	ReconcileInterval  time.Duration
	ReconcileStart     int64
	MaxBlocksPerPass   int64
	AutoFix            bool

	// Matching.
	MakerFeeBps         int64
	TakerFeeBps         int64
	MinOrderAmount      decimal.Decimal
	MaxOrderAmount      decimal.Decimal
	MaxLongExposure     decimal.Decimal
	MaxShortExposure    decimal.Decimal
	MaxTotalExposure    decimal.Decimal
	SelfTradeProtection bool
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:               envOr("PORT", "8080"),
		NodeID:             os.Getenv("NODE_ID"),
		NodeAddr:           os.Getenv("NODE_ADDR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DatabaseReplicaURL: os.Getenv("DATABASE_REPLICA_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		RPCURL:             os.Getenv("RPC_URL"),
		SettlementContract: os.Getenv("SETTLEMENT_CONTRACT"),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.New().String()[:8]
	}
	if cfg.NodeAddr == "" {
		host, _ := os.Hostname()
		cfg.NodeAddr = host + ":" + cfg.Port
	}

	var err error
	if cfg.LockTTL, err = durationOr("LOCK_TTL", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReconcileInterval, err = durationOr("RECONCILE_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.ReconcileStart, err = int64Or("RECONCILE_START_BLOCK", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxBlocksPerPass, err = int64Or("RECONCILE_MAX_BLOCKS", 1000); err != nil {
		return cfg, err
	}
	cfg.AutoFix = os.Getenv("RECONCILE_AUTO_FIX") == "true"

	if cfg.MakerFeeBps, err = int64Or("MAKER_FEE_BPS", 0); err != nil {
		return cfg, err
	}
	if cfg.TakerFeeBps, err = int64Or("TAKER_FEE_BPS", 0); err != nil {
		return cfg, err
	}
	if cfg.MinOrderAmount, err = decimalOr("MIN_ORDER_AMOUNT", "0"); err != nil {
		return cfg, err
	}
	if cfg.MaxOrderAmount, err = decimalOr("MAX_ORDER_AMOUNT", "0"); err != nil {
		return cfg, err
	}
	if cfg.MaxLongExposure, err = decimalOr("MAX_LONG_EXPOSURE", "0"); err != nil {
		return cfg, err
	}
	if cfg.MaxShortExposure, err = decimalOr("MAX_SHORT_EXPOSURE", "0"); err != nil {
		return cfg, err
	}
	if cfg.MaxTotalExposure, err = decimalOr("MAX_TOTAL_EXPOSURE", "0"); err != nil {
		return cfg, err
	}
	cfg.SelfTradeProtection = os.Getenv("SELF_TRADE_PROTECTION") != "false"

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func int64Or(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func decimalOr(key, def string) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
