// Package config defines the top-level configuration for the trading bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYBOT_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Feed       FeedConfig       `toml:"feed"`
	Execution  ExecutionConfig  `toml:"execution"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// RateLimitConfig holds the token-bucket parameters applied to order
// submission. MinuteLimit adds a second, longer-horizon tier when positive.
type RateLimitConfig struct {
	BurstCapacity float64 `toml:"burst_capacity"`
	RefillPerSec  float64 `toml:"refill_per_sec"`
	MinuteLimit   float64 `toml:"minute_limit"`
}

// FeedConfig holds websocket market-feed parameters.
type FeedConfig struct {
	HeartbeatTimeout duration `toml:"heartbeat_timeout"`
	PingInterval     duration `toml:"ping_interval"`
	BackoffBase      duration `toml:"backoff_base"`
	BackoffMax       duration `toml:"backoff_max"`
	BatchSize        int      `toml:"batch_size"`
	TickBuffer       int      `toml:"tick_buffer"`
}

// ExecutionConfig holds order submission and coordination parameters.
type ExecutionConfig struct {
	SubmitTimeout duration `toml:"submit_timeout"`
	LegTimeout    duration `toml:"leg_timeout"`
	LateGrace     duration `toml:"late_grace"`
	TickSize      float64  `toml:"tick_size"`
	MaxExitTries  int      `toml:"max_exit_tries"`
	ExitInterval  duration `toml:"exit_interval"`
	DedupTTL      duration `toml:"dedup_ttl"`
}

// StrategyConfig holds trading strategy parameters.
type StrategyConfig struct {
	// Active is the list of strategy names to run concurrently.
	Active []string `toml:"active"`

	ExtremePrice ExtremePriceConfig `toml:"extreme_price"`
	SpreadPair   SpreadPairConfig   `toml:"spread_pair"`
}

// ExtremePriceConfig holds config for the extreme_price strategy.
type ExtremePriceConfig struct {
	Tokens        []string `toml:"tokens"`
	MaxEntryPrice float64  `toml:"max_entry_price"`
	MinEntryPrice float64  `toml:"min_entry_price"`
	Size          float64  `toml:"size"`
	TargetProfit  float64  `toml:"target_profit"`
	EstimatedFee  float64  `toml:"estimated_fee"`
	MaxPositions  int      `toml:"max_positions"`
}

// SpreadPairConfig holds config for the spread_pair strategy.
type SpreadPairConfig struct {
	Pairs        []PairConfig `toml:"pairs"`
	MinEdge      float64      `toml:"min_edge"`
	Size         float64      `toml:"size"`
	MaxPositions int          `toml:"max_positions"`
}

// PairConfig names the YES and NO tokens of one binary market.
type PairConfig struct {
	Yes string `toml:"yes"`
	No  string `toml:"no"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	Events         []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:       137,
			SignatureType: 1,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		RateLimit: RateLimitConfig{
			BurstCapacity: 10,
			RefillPerSec:  2,
			MinuteLimit:   60,
		},
		Feed: FeedConfig{
			HeartbeatTimeout: duration{30 * time.Second},
			PingInterval:     duration{10 * time.Second},
			BackoffBase:      duration{1 * time.Second},
			BackoffMax:       duration{30 * time.Second},
			BatchSize:        100,
			TickBuffer:       1024,
		},
		Execution: ExecutionConfig{
			SubmitTimeout: duration{10 * time.Second},
			LegTimeout:    duration{15 * time.Second},
			LateGrace:     duration{30 * time.Second},
			TickSize:      0.01,
			MaxExitTries:  3,
			ExitInterval:  duration{1 * time.Second},
			DedupTTL:      duration{2 * time.Minute},
		},
		Strategy: StrategyConfig{
			Active: []string{"extreme_price"},
			ExtremePrice: ExtremePriceConfig{
				MaxEntryPrice: 0.10,
				MinEntryPrice: 0.01,
				Size:          10.0,
				TargetProfit:  0.02,
				EstimatedFee:  0.0,
				MaxPositions:  5,
			},
			SpreadPair: SpreadPairConfig{
				MinEdge:      0.02,
				Size:         10.0,
				MaxPositions: 4,
			},
		},
		Notify: NotifyConfig{
			Events: []string{"execution", "position_opened", "position_closed", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — trading mode needs a key source; monitor mode does not sign.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Rate limit
	if c.RateLimit.BurstCapacity <= 0 {
		errs = append(errs, "ratelimit: burst_capacity must be > 0")
	}
	if c.RateLimit.RefillPerSec <= 0 {
		errs = append(errs, "ratelimit: refill_per_sec must be > 0")
	}
	if c.RateLimit.MinuteLimit < 0 {
		errs = append(errs, "ratelimit: minute_limit must be >= 0")
	}

	// Feed
	if c.Feed.BatchSize < 1 || c.Feed.BatchSize > 100 {
		errs = append(errs, fmt.Sprintf("feed: batch_size must be 1-100, got %d", c.Feed.BatchSize))
	}
	if c.Feed.HeartbeatTimeout.Duration <= 0 {
		errs = append(errs, "feed: heartbeat_timeout must be positive")
	}
	if c.Feed.BackoffBase.Duration <= 0 || c.Feed.BackoffMax.Duration < c.Feed.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_base must be positive and no greater than backoff_max")
	}

	// Execution
	if c.Execution.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "execution: submit_timeout must be positive")
	}
	if c.Execution.LegTimeout.Duration <= 0 {
		errs = append(errs, "execution: leg_timeout must be positive")
	}
	if c.Execution.TickSize <= 0 || c.Execution.TickSize >= 0.5 {
		errs = append(errs, fmt.Sprintf("execution: tick_size must be in (0, 0.5), got %v", c.Execution.TickSize))
	}
	if c.Execution.MaxExitTries < 1 {
		errs = append(errs, "execution: max_exit_tries must be >= 1")
	}

	// Strategy
	for _, name := range c.Strategy.Active {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "strategy: active must not contain empty names")
		}
	}
	if containsName(c.Strategy.Active, "extreme_price") {
		ep := c.Strategy.ExtremePrice
		if ep.Size <= 0 {
			errs = append(errs, "strategy.extreme_price: size must be > 0")
		}
		if ep.MaxEntryPrice <= 0 || ep.MaxEntryPrice >= 1 {
			errs = append(errs, "strategy.extreme_price: max_entry_price must be in (0, 1)")
		}
		if ep.MinEntryPrice < 0 || ep.MinEntryPrice >= ep.MaxEntryPrice {
			errs = append(errs, "strategy.extreme_price: min_entry_price must be >= 0 and below max_entry_price")
		}
		if ep.MaxPositions < 1 {
			errs = append(errs, "strategy.extreme_price: max_positions must be >= 1")
		}
	}

	if containsName(c.Strategy.Active, "spread_pair") {
		sp := c.Strategy.SpreadPair
		if sp.Size <= 0 {
			errs = append(errs, "strategy.spread_pair: size must be > 0")
		}
		if sp.MinEdge <= 0 || sp.MinEdge >= 1 {
			errs = append(errs, "strategy.spread_pair: min_edge must be in (0, 1)")
		}
		if sp.MaxPositions < 1 {
			errs = append(errs, "strategy.spread_pair: max_positions must be >= 1")
		}
		for i, p := range sp.Pairs {
			if p.Yes == "" || p.No == "" {
				errs = append(errs, fmt.Sprintf("strategy.spread_pair: pair %d must name both yes and no tokens", i))
			}
		}
	}

	// Notify — both Telegram fields set together, or neither.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
