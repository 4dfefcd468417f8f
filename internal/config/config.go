// Package config defines the top-level configuration for the spread bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SPREADBOT_* environment
// variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Stream     StreamConfig     `toml:"stream"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Detector   DetectorConfig   `toml:"detector"`
	Executor   ExecutorConfig   `toml:"executor"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the trading wallet credential sources.
type WalletConfig struct {
	PrivateKey      string `toml:"private_key"`
	KeyfilePath     string `toml:"keyfile_path"`
	KeyfilePassword string `toml:"keyfile_password"`
}

// PolymarketConfig holds API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
	ChainID   int64  `toml:"chain_id"`

	// Pre-derived API credentials. When empty they are derived from the
	// wallet key at startup.
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
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

// RedisConfig holds Redis connection parameters. Redis is optional: when
// disabled the engine falls back to in-process locking and skips snapshot
// publication.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for archival. Optional.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`

	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// StreamConfig tunes the websocket pool.
type StreamConfig struct {
	BatchSize       int      `toml:"batch_size"`
	RefreshInterval duration `toml:"refresh_interval"`
	AckTimeout      duration `toml:"ack_timeout"`
	ReadTimeout     duration `toml:"read_timeout"`
	StallReads      int      `toml:"stall_reads"`
	PingInterval    duration `toml:"ping_interval"`
	MaxRetries      int      `toml:"max_retries"`
	MaxBufferedAge  duration `toml:"max_buffered_age"`
}

// DiscoveryConfig tunes the market universe poller.
type DiscoveryConfig struct {
	PollInterval duration `toml:"poll_interval"`
	PageSize     int      `toml:"page_size"`
	MaxMarkets   int      `toml:"max_markets"`
}

// DetectorConfig tunes opportunity detection.
type DetectorConfig struct {
	ScanInterval    duration `toml:"scan_interval"`
	MaxAge          duration `toml:"max_age"`
	MinNetProfit    float64  `toml:"min_net_profit"`
	MinTradableSize float64  `toml:"min_tradable_size"`
	KeyWindow       duration `toml:"key_window"`
	AllowedAssets   []string `toml:"allowed_assets"`
	MaxTimeToExpiry duration `toml:"max_time_to_expiry"`
	FeeRate         float64  `toml:"fee_rate"`
}

// ExecutorConfig tunes position execution and settlement.
type ExecutorConfig struct {
	DryRun           bool     `toml:"dry_run"`
	StartingBalance  float64  `toml:"starting_balance"`
	MaxPositionSize  float64  `toml:"max_position_size"`
	MaxTotalExposure float64  `toml:"max_total_exposure"`
	OrderTimeout     duration `toml:"order_timeout"`
	SubmitRetries    int      `toml:"submit_retries"`
	RetryBackoff     duration `toml:"retry_backoff"`
	DedupTTL         duration `toml:"dedup_ttl"`
	LockTTL          duration `toml:"lock_ttl"`
	SettleInterval   duration `toml:"settle_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like "5m"
// or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with production default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:   137,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spreadbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:              false,
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "spreadbot-data",
			ForcePathStyle:       true,
			ArchiveRetentionDays: 90,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Stream: StreamConfig{
			BatchSize:       100,
			RefreshInterval: duration{20 * time.Second},
			AckTimeout:      duration{5 * time.Second},
			ReadTimeout:     duration{5 * time.Second},
			StallReads:      6,
			PingInterval:    duration{10 * time.Second},
			MaxRetries:      0,
			MaxBufferedAge:  duration{5 * time.Second},
		},
		Discovery: DiscoveryConfig{
			PollInterval: duration{time.Minute},
			PageSize:     100,
		},
		Detector: DetectorConfig{
			ScanInterval:    duration{time.Second},
			MaxAge:          duration{2 * time.Second},
			MinNetProfit:    0.01,
			MinTradableSize: 1,
			KeyWindow:       duration{time.Minute},
			FeeRate:         0.001,
		},
		Executor: ExecutorConfig{
			DryRun:           true,
			StartingBalance:  1000,
			MaxPositionSize:  100,
			MaxTotalExposure: 500,
			OrderTimeout:     duration{10 * time.Second},
			SubmitRetries:    2,
			RetryBackoff:     duration{500 * time.Millisecond},
			DedupTTL:         duration{2 * time.Minute},
			LockTTL:          duration{30 * time.Second},
			SettleInterval:   duration{time.Minute},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":  true, // discover, stream, detect, execute, settle
	"scan":   true, // discover, stream, detect; never execute
	"stream": true, // discover, stream; publish snapshots only
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, scan, stream)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: live trading needs a key source.
	if strings.ToLower(c.Mode) == "trade" && !c.Executor.DryRun {
		if c.Wallet.PrivateKey == "" && c.Wallet.KeyfilePath == "" {
			errs = append(errs, "wallet: either private_key or keyfile_path must be set for live trading")
		}
		if c.Wallet.KeyfilePath != "" && c.Wallet.KeyfilePassword == "" {
			errs = append(errs, "wallet: keyfile_password is required when keyfile_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

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

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
		if c.S3.ArchiveRetentionDays < 1 {
			errs = append(errs, "s3: archive_retention_days must be >= 1")
		}
	}

	if c.Stream.BatchSize < 1 {
		errs = append(errs, "stream: batch_size must be >= 1")
	}
	if c.Stream.RefreshInterval.Duration <= 0 {
		errs = append(errs, "stream: refresh_interval must be positive")
	}
	if c.Stream.AckTimeout.Duration <= 0 {
		errs = append(errs, "stream: ack_timeout must be positive")
	}
	if c.Stream.ReadTimeout.Duration <= 0 {
		errs = append(errs, "stream: read_timeout must be positive")
	}
	if c.Stream.StallReads < 1 {
		errs = append(errs, "stream: stall_reads must be >= 1")
	}
	if c.Stream.MaxRetries < 0 {
		errs = append(errs, "stream: max_retries must be >= 0 (0 retries forever)")
	}
	// A refresh that fires before a fresh pool can even acknowledge its
	// subscriptions would tear connections down forever.
	if c.Stream.RefreshInterval.Duration > 0 && c.Stream.AckTimeout.Duration > 0 &&
		c.Stream.RefreshInterval.Duration < 2*c.Stream.AckTimeout.Duration {
		errs = append(errs, "stream: refresh_interval must be at least twice ack_timeout")
	}

	if c.Discovery.PollInterval.Duration <= 0 {
		errs = append(errs, "discovery: poll_interval must be positive")
	}
	if c.Discovery.PageSize < 1 {
		errs = append(errs, "discovery: page_size must be >= 1")
	}

	if c.Detector.ScanInterval.Duration <= 0 {
		errs = append(errs, "detector: scan_interval must be positive")
	}
	if c.Detector.MaxAge.Duration <= 0 {
		errs = append(errs, "detector: max_age must be positive")
	}
	if c.Detector.MinNetProfit < 0 {
		errs = append(errs, "detector: min_net_profit must be >= 0")
	}
	if c.Detector.MinTradableSize <= 0 {
		errs = append(errs, "detector: min_tradable_size must be positive")
	}
	if c.Detector.FeeRate < 0 || c.Detector.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("detector: fee_rate must be in [0, 1), got %g", c.Detector.FeeRate))
	}

	if c.Executor.MaxPositionSize <= 0 {
		errs = append(errs, "executor: max_position_size must be positive")
	}
	if c.Executor.MaxTotalExposure < c.Executor.MaxPositionSize {
		errs = append(errs, "executor: max_total_exposure must be >= max_position_size")
	}
	if c.Executor.OrderTimeout.Duration <= 0 {
		errs = append(errs, "executor: order_timeout must be positive")
	}
	if c.Executor.SubmitRetries < 0 {
		errs = append(errs, "executor: submit_retries must be >= 0")
	}

	nt := c.Notify.TelegramToken != ""
	nc := c.Notify.TelegramChatID != ""
	if nt != nc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
