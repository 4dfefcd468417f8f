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
// built-in defaults, applies SPREADBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPREADBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SPREADBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeyfilePath, "SPREADBOT_WALLET_KEYFILE_PATH")
	setStr(&cfg.Wallet.KeyfilePassword, "SPREADBOT_WALLET_KEYFILE_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "SPREADBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "SPREADBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "SPREADBOT_POLYMARKET_WS_HOST")
	setInt64(&cfg.Polymarket.ChainID, "SPREADBOT_POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.ApiKey, "SPREADBOT_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "SPREADBOT_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "SPREADBOT_POLYMARKET_API_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SPREADBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SPREADBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPREADBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPREADBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPREADBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPREADBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPREADBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SPREADBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SPREADBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SPREADBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPREADBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPREADBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPREADBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPREADBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SPREADBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SPREADBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SPREADBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SPREADBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SPREADBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPREADBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPREADBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SPREADBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPREADBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SPREADBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SPREADBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.ArchiveRetentionDays, "SPREADBOT_S3_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, "SPREADBOT_S3_ARCHIVE_INTERVAL")

	// ── Stream ──
	setInt(&cfg.Stream.BatchSize, "SPREADBOT_STREAM_BATCH_SIZE")
	setDuration(&cfg.Stream.RefreshInterval, "SPREADBOT_STREAM_REFRESH_INTERVAL")
	setDuration(&cfg.Stream.AckTimeout, "SPREADBOT_STREAM_ACK_TIMEOUT")
	setDuration(&cfg.Stream.ReadTimeout, "SPREADBOT_STREAM_READ_TIMEOUT")
	setInt(&cfg.Stream.StallReads, "SPREADBOT_STREAM_STALL_READS")
	setDuration(&cfg.Stream.PingInterval, "SPREADBOT_STREAM_PING_INTERVAL")
	setInt(&cfg.Stream.MaxRetries, "SPREADBOT_STREAM_MAX_RETRIES")
	setDuration(&cfg.Stream.MaxBufferedAge, "SPREADBOT_STREAM_MAX_BUFFERED_AGE")

	// ── Discovery ──
	setDuration(&cfg.Discovery.PollInterval, "SPREADBOT_DISCOVERY_POLL_INTERVAL")
	setInt(&cfg.Discovery.PageSize, "SPREADBOT_DISCOVERY_PAGE_SIZE")
	setInt(&cfg.Discovery.MaxMarkets, "SPREADBOT_DISCOVERY_MAX_MARKETS")

	// ── Detector ──
	setDuration(&cfg.Detector.ScanInterval, "SPREADBOT_DETECTOR_SCAN_INTERVAL")
	setDuration(&cfg.Detector.MaxAge, "SPREADBOT_DETECTOR_MAX_AGE")
	setFloat64(&cfg.Detector.MinNetProfit, "SPREADBOT_DETECTOR_MIN_NET_PROFIT")
	setFloat64(&cfg.Detector.MinTradableSize, "SPREADBOT_DETECTOR_MIN_TRADABLE_SIZE")
	setDuration(&cfg.Detector.KeyWindow, "SPREADBOT_DETECTOR_KEY_WINDOW")
	setStringSlice(&cfg.Detector.AllowedAssets, "SPREADBOT_DETECTOR_ALLOWED_ASSETS")
	setDuration(&cfg.Detector.MaxTimeToExpiry, "SPREADBOT_DETECTOR_MAX_TIME_TO_EXPIRY")
	setFloat64(&cfg.Detector.FeeRate, "SPREADBOT_DETECTOR_FEE_RATE")

	// ── Executor ──
	setBool(&cfg.Executor.DryRun, "SPREADBOT_EXECUTOR_DRY_RUN")
	setFloat64(&cfg.Executor.StartingBalance, "SPREADBOT_EXECUTOR_STARTING_BALANCE")
	setFloat64(&cfg.Executor.MaxPositionSize, "SPREADBOT_EXECUTOR_MAX_POSITION_SIZE")
	setFloat64(&cfg.Executor.MaxTotalExposure, "SPREADBOT_EXECUTOR_MAX_TOTAL_EXPOSURE")
	setDuration(&cfg.Executor.OrderTimeout, "SPREADBOT_EXECUTOR_ORDER_TIMEOUT")
	setInt(&cfg.Executor.SubmitRetries, "SPREADBOT_EXECUTOR_SUBMIT_RETRIES")
	setDuration(&cfg.Executor.RetryBackoff, "SPREADBOT_EXECUTOR_RETRY_BACKOFF")
	setDuration(&cfg.Executor.DedupTTL, "SPREADBOT_EXECUTOR_DEDUP_TTL")
	setDuration(&cfg.Executor.LockTTL, "SPREADBOT_EXECUTOR_LOCK_TTL")
	setDuration(&cfg.Executor.SettleInterval, "SPREADBOT_EXECUTOR_SETTLE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SPREADBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPREADBOT_NOTIFY_TELEGRAM_CHAT_ID")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPREADBOT_MODE")
	setStr(&cfg.LogLevel, "SPREADBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
