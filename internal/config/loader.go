package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYBOT_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYBOT_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYBOT_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYBOT_POLYMARKET_SIGNATURE_TYPE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYBOT_REDIS_TLS_ENABLED")

	// ── Rate limit ──
	setFloat64(&cfg.RateLimit.BurstCapacity, "POLYBOT_RATELIMIT_BURST_CAPACITY")
	setFloat64(&cfg.RateLimit.RefillPerSec, "POLYBOT_RATELIMIT_REFILL_PER_SEC")
	setFloat64(&cfg.RateLimit.MinuteLimit, "POLYBOT_RATELIMIT_MINUTE_LIMIT")

	// ── Feed ──
	setDuration(&cfg.Feed.HeartbeatTimeout, "POLYBOT_FEED_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Feed.PingInterval, "POLYBOT_FEED_PING_INTERVAL")
	setDuration(&cfg.Feed.BackoffBase, "POLYBOT_FEED_BACKOFF_BASE")
	setDuration(&cfg.Feed.BackoffMax, "POLYBOT_FEED_BACKOFF_MAX")
	setInt(&cfg.Feed.BatchSize, "POLYBOT_FEED_BATCH_SIZE")
	setInt(&cfg.Feed.TickBuffer, "POLYBOT_FEED_TICK_BUFFER")

	// ── Execution ──
	setDuration(&cfg.Execution.SubmitTimeout, "POLYBOT_EXECUTION_SUBMIT_TIMEOUT")
	setDuration(&cfg.Execution.LegTimeout, "POLYBOT_EXECUTION_LEG_TIMEOUT")
	setDuration(&cfg.Execution.LateGrace, "POLYBOT_EXECUTION_LATE_GRACE")
	setFloat64(&cfg.Execution.TickSize, "POLYBOT_EXECUTION_TICK_SIZE")
	setInt(&cfg.Execution.MaxExitTries, "POLYBOT_EXECUTION_MAX_EXIT_TRIES")
	setDuration(&cfg.Execution.ExitInterval, "POLYBOT_EXECUTION_EXIT_INTERVAL")
	setDuration(&cfg.Execution.DedupTTL, "POLYBOT_EXECUTION_DEDUP_TTL")

	// ── Strategy ──
	setStringSlice(&cfg.Strategy.Active, "POLYBOT_STRATEGY_ACTIVE")
	setStringSlice(&cfg.Strategy.ExtremePrice.Tokens, "POLYBOT_STRATEGY_EXTREME_PRICE_TOKENS")
	setFloat64(&cfg.Strategy.ExtremePrice.MaxEntryPrice, "POLYBOT_STRATEGY_EXTREME_PRICE_MAX_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.ExtremePrice.MinEntryPrice, "POLYBOT_STRATEGY_EXTREME_PRICE_MIN_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.ExtremePrice.Size, "POLYBOT_STRATEGY_EXTREME_PRICE_SIZE")
	setFloat64(&cfg.Strategy.ExtremePrice.TargetProfit, "POLYBOT_STRATEGY_EXTREME_PRICE_TARGET_PROFIT")
	setFloat64(&cfg.Strategy.ExtremePrice.EstimatedFee, "POLYBOT_STRATEGY_EXTREME_PRICE_ESTIMATED_FEE")
	setInt(&cfg.Strategy.ExtremePrice.MaxPositions, "POLYBOT_STRATEGY_EXTREME_PRICE_MAX_POSITIONS")
	setFloat64(&cfg.Strategy.SpreadPair.MinEdge, "POLYBOT_STRATEGY_SPREAD_PAIR_MIN_EDGE")
	setFloat64(&cfg.Strategy.SpreadPair.Size, "POLYBOT_STRATEGY_SPREAD_PAIR_SIZE")
	setInt(&cfg.Strategy.SpreadPair.MaxPositions, "POLYBOT_STRATEGY_SPREAD_PAIR_MAX_POSITIONS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "POLYBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYBOT_MODE")
	setStr(&cfg.LogLevel, "POLYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
