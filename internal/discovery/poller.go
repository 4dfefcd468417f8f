// Package discovery keeps the tradable market universe current. A poller
// pages the catalog API on an interval, persists the results, retires expired
// markets, and exposes the active set as the stream layer's subscription
// source.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
	"github.com/aubit/spreadbot/internal/stream"
)

// Catalog is the slice of the markets API the poller needs.
type Catalog interface {
	ListOpenMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error)
}

// BookPruner drops orderbook state for markets that left the active set.
type BookPruner interface {
	Retain(active map[string]struct{}) int
}

// Config tunes the discovery poller.
type Config struct {
	// PollInterval is how often the catalog is re-paged.
	PollInterval time.Duration
	// PageSize is the catalog page size per request.
	PageSize int
	// MaxMarkets caps the universe; zero means unlimited.
	MaxMarkets int
	// AllowedAssets restricts discovery to these underlying assets. Empty
	// means every asset is accepted.
	AllowedAssets []string
}

// DefaultConfig returns production discovery settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		PageSize:     100,
	}
}

// Poller refreshes the market universe from the catalog into the market
// store and prunes books for retired markets.
type Poller struct {
	cfg     Config
	catalog Catalog
	markets domain.MarketStore
	books   BookPruner
	allowed map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// NewPoller creates a Poller. books may be nil when no in-memory book store
// needs pruning (e.g. in the scan-only mode before streaming starts).
func NewPoller(cfg Config, catalog Catalog, markets domain.MarketStore, books BookPruner, logger *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedAssets) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedAssets))
		for _, a := range cfg.AllowedAssets {
			allowed[a] = struct{}{}
		}
	}
	return &Poller{
		cfg:     cfg,
		catalog: catalog,
		markets: markets,
		books:   books,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "discovery")),
		now:     time.Now,
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Poll(ctx); err != nil {
		p.logger.ErrorContext(ctx, "initial discovery poll failed",
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.ErrorContext(ctx, "discovery poll failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Poll pages the catalog once, upserts every usable market, retires expired
// ones, and prunes book state for markets no longer active.
func (p *Poller) Poll(ctx context.Context) error {
	discovered, err := p.fetchAll(ctx)
	if err != nil {
		return err
	}

	if len(discovered) > 0 {
		if err := p.markets.UpsertBatch(ctx, discovered); err != nil {
			return fmt.Errorf("discovery: persist markets: %w", err)
		}
	}

	expired, err := p.markets.DeactivateExpired(ctx, p.now())
	if err != nil {
		return fmt.Errorf("discovery: deactivate expired: %w", err)
	}

	pruned := 0
	if p.books != nil {
		active, err := p.activeSet(ctx)
		if err != nil {
			return err
		}
		pruned = p.books.Retain(active)
	}

	p.logger.InfoContext(ctx, "discovery poll complete",
		slog.Int("discovered", len(discovered)),
		slog.Int64("expired", expired),
		slog.Int("books_pruned", pruned),
	)
	return nil
}

// Subscriptions returns the current active universe as stream subscriptions.
// It is the multiplexer's SubscriptionSource.
func (p *Poller) Subscriptions(ctx context.Context) ([]stream.Subscription, error) {
	markets, err := p.markets.ListActive(ctx, domain.ListOpts{Limit: p.cfg.MaxMarkets})
	if err != nil {
		return nil, fmt.Errorf("discovery: list active markets: %w", err)
	}

	subs := make([]stream.Subscription, 0, len(markets))
	for _, m := range markets {
		subs = append(subs, stream.Subscription{
			MarketID:   m.ID,
			YesTokenID: m.YesTokenID,
			NoTokenID:  m.NoTokenID,
		})
	}
	return subs, nil
}

func (p *Poller) fetchAll(ctx context.Context) ([]domain.Market, error) {
	var all []domain.Market
	offset := 0
	for {
		page, err := p.catalog.ListOpenMarkets(ctx, p.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("discovery: list markets at offset %d: %w", offset, err)
		}

		for _, m := range page {
			if p.allowed != nil {
				if _, ok := p.allowed[m.Asset]; !ok {
					continue
				}
			}
			if m.Expired(p.now()) {
				continue
			}
			all = append(all, m)
			if p.cfg.MaxMarkets > 0 && len(all) >= p.cfg.MaxMarkets {
				return all, nil
			}
		}

		if len(page) < p.cfg.PageSize {
			return all, nil
		}
		offset += p.cfg.PageSize
	}
}

func (p *Poller) activeSet(ctx context.Context) (map[string]struct{}, error) {
	markets, err := p.markets.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("discovery: list active markets: %w", err)
	}
	active := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		active[m.ID] = struct{}{}
	}
	return active, nil
}
