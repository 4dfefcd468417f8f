package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/aubit/spreadbot/internal/blob/s3"
	"github.com/aubit/spreadbot/internal/book"
	"github.com/aubit/spreadbot/internal/cache/redis"
	"github.com/aubit/spreadbot/internal/config"
	"github.com/aubit/spreadbot/internal/crypto"
	"github.com/aubit/spreadbot/internal/detect"
	"github.com/aubit/spreadbot/internal/discovery"
	"github.com/aubit/spreadbot/internal/domain"
	"github.com/aubit/spreadbot/internal/engine"
	"github.com/aubit/spreadbot/internal/notify"
	"github.com/aubit/spreadbot/internal/platform/polymarket"
	"github.com/aubit/spreadbot/internal/store/postgres"
	"github.com/aubit/spreadbot/internal/stream"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Markets       domain.MarketStore
	Positions     domain.PositionStore
	Trades        domain.TradeStore
	Opportunities domain.OpportunityStore
	Sessions      domain.SessionStore

	// In-memory orderbook state shared by the stream sink and the detector.
	Books *book.Store

	// Optional infrastructure. Nil when the corresponding section is
	// disabled in the config.
	Locks     domain.LockManager
	Snapshots domain.SnapshotCache
	Blobs     domain.BlobWriter
	Archiver  domain.Archiver
	Notifier  *notify.Notifier

	// Platform clients
	Gamma *polymarket.GammaClient
	Clob  *polymarket.ClobClient

	// Pipeline components
	Poller      *discovery.Poller
	Multiplexer *stream.Multiplexer
	Detector    *detect.Detector
	Engine      *engine.Engine
}

// Wire constructs the concrete dependency graph from the configuration and
// returns it with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	marketStore := postgres.NewMarketStore(pool)
	positionStore := postgres.NewPositionStore(pool)
	tradeStore := postgres.NewTradeStore(pool)
	deps.Markets = marketStore
	deps.Positions = positionStore
	deps.Trades = tradeStore
	deps.Opportunities = postgres.NewOpportunityStore(pool)
	deps.Sessions = postgres.NewSessionStore(pool)

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Snapshots = redis.NewSnapshotCache(redisClient)
	}

	// --- S3 (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		writer := s3blob.NewWriter(s3Client)
		deps.Blobs = writer
		deps.Archiver = s3blob.NewArchiver(writer, tradeStore, positionStore)
	}

	// --- Notifications (optional) ---
	if cfg.Notify.TelegramToken != "" {
		deps.Notifier = notify.NewNotifier([]notify.Sender{
			notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID),
		}, logger)
	}

	// --- Orderbook state ---
	deps.Books = book.NewStore()

	// --- Platform clients ---
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	signer, creds, err := buildCredentials(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, creds)
	if signer != nil && creds == nil {
		if err := deps.Clob.DeriveCreds(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: derive api credentials: %w", err)
		}
	}

	// --- Discovery ---
	deps.Poller = discovery.NewPoller(discovery.Config{
		PollInterval:  cfg.Discovery.PollInterval.Duration,
		PageSize:      cfg.Discovery.PageSize,
		MaxMarkets:    cfg.Discovery.MaxMarkets,
		AllowedAssets: cfg.Detector.AllowedAssets,
	}, deps.Gamma, deps.Markets, deps.Books, logger)

	// --- Stream ---
	wsDialer := &polymarket.WSDialer{URL: cfg.Polymarket.WsHost}
	dialer := stream.DialerFunc(func(ctx context.Context) (stream.Conn, error) {
		return wsDialer.Dial(ctx)
	})
	deps.Multiplexer = stream.NewMultiplexer(stream.Config{
		BatchSize:       cfg.Stream.BatchSize,
		RefreshInterval: cfg.Stream.RefreshInterval.Duration,
		AckTimeout:      cfg.Stream.AckTimeout.Duration,
		ReadTimeout:     cfg.Stream.ReadTimeout.Duration,
		StallReads:      cfg.Stream.StallReads,
		PingInterval:    cfg.Stream.PingInterval.Duration,
		MaxRetries:      cfg.Stream.MaxRetries,
		MaxBufferedAge:  cfg.Stream.MaxBufferedAge.Duration,
	}, dialer, polymarket.NewDecoder(), deps.Poller.Subscriptions, deps.Books, logger)

	// --- Detection ---
	var fees detect.FeeModel
	if cfg.Detector.FeeRate > 0 {
		fees = detect.ProportionalFee{Rate: cfg.Detector.FeeRate}
	}
	deps.Detector = detect.NewDetector(detect.Config{
		MaxAge:          cfg.Detector.MaxAge.Duration,
		MinNetProfit:    cfg.Detector.MinNetProfit,
		MinTradableSize: cfg.Detector.MinTradableSize,
		KeyWindow:       cfg.Detector.KeyWindow.Duration,
		AllowedAssets:   cfg.Detector.AllowedAssets,
		MaxTimeToExpiry: cfg.Detector.MaxTimeToExpiry.Duration,
	}, deps.Books, deps.Markets, fees, logger)

	// --- Execution ---
	var alerter engine.Alerter
	if deps.Notifier != nil {
		alerter = deps.Notifier
	}
	deps.Engine = engine.NewEngine(engine.Config{
		DryRun:           cfg.Executor.DryRun,
		MaxPositionSize:  cfg.Executor.MaxPositionSize,
		MaxTotalExposure: cfg.Executor.MaxTotalExposure,
		OrderTimeout:     cfg.Executor.OrderTimeout.Duration,
		SubmitRetries:    cfg.Executor.SubmitRetries,
		RetryBackoff:     cfg.Executor.RetryBackoff.Duration,
		DedupTTL:         cfg.Executor.DedupTTL.Duration,
		LockTTL:          cfg.Executor.LockTTL.Duration,
	}, deps.Clob, deps.Positions, deps.Trades, deps.Opportunities, deps.Locks, alerter, logger)

	return deps, cleanup, nil
}

// buildCredentials resolves the wallet key and API credentials for live
// trading. Dry-run and non-trading modes require neither, so both returns may
// be nil.
func buildCredentials(cfg *config.Config) (*crypto.Signer, *crypto.APICreds, error) {
	needsSigner := strings.ToLower(cfg.Mode) == "trade" && !cfg.Executor.DryRun
	if !needsSigner {
		return nil, nil, nil
	}

	keyHex, err := crypto.ResolveKey(crypto.KeySource{
		RawHex:        cfg.Wallet.PrivateKey,
		KeyfilePath:   cfg.Wallet.KeyfilePath,
		KeyfileSecret: cfg.Wallet.KeyfilePassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: resolve wallet key: %w", err)
	}

	signer, err := crypto.NewSigner(keyHex, int(cfg.Polymarket.ChainID))
	if err != nil {
		return nil, nil, fmt.Errorf("wire: wallet signer: %w", err)
	}

	// Pre-derived credentials skip the L1 derive round-trip at startup.
	if cfg.Polymarket.ApiKey != "" {
		return signer, &crypto.APICreds{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}, nil
	}
	return signer, nil, nil
}
