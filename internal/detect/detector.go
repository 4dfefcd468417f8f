// Package detect scans the order-book store for spread-arbitrage
// opportunities: markets where buying one YES and one NO share at the top
// asks costs less than the guaranteed $1 payout.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// BookReader is the detector's view of the order-book store. *book.Store
// satisfies it.
type BookReader interface {
	Read(marketID string) (domain.MarketBookEntry, bool)
}

// MarketLister supplies the active market universe.
type MarketLister interface {
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
}

// Config tunes detection thresholds.
type Config struct {
	// MaxAge is the per-side freshness budget. A market qualifies only when
	// BOTH sides were updated within MaxAge; one stale side disqualifies the
	// market no matter how fresh the other is.
	MaxAge time.Duration

	// MinNetProfit is the minimum net profit per share pair.
	MinNetProfit float64

	// MinTradableSize is the minimum of the two top-ask sizes required for a
	// market to be actionable. The smaller side bounds what both legs can
	// fill, so the minimum is the comparison value, never the sum.
	MinTradableSize float64

	// KeyWindow buckets detection timestamps when deriving opportunity keys.
	KeyWindow time.Duration

	// AllowedAssets restricts detection to these assets when non-empty.
	AllowedAssets []string

	// MaxTimeToExpiry skips markets ending further out than this when > 0.
	MaxTimeToExpiry time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxAge:          2 * time.Second,
		MinNetProfit:    0.01,
		MinTradableSize: 1,
		KeyWindow:       time.Minute,
	}
}

// Detector evaluates the market universe against the current books.
type Detector struct {
	cfg     Config
	books   BookReader
	markets MarketLister
	fees    FeeModel
	logger  *slog.Logger
	now     func() time.Time

	allowed map[string]struct{}
}

// NewDetector wires a detector. A nil fee model disables fee estimation.
func NewDetector(cfg Config, books BookReader, markets MarketLister, fees FeeModel, logger *slog.Logger) *Detector {
	if fees == nil {
		fees = NoFee{}
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedAssets) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedAssets))
		for _, a := range cfg.AllowedAssets {
			allowed[a] = struct{}{}
		}
	}
	return &Detector{
		cfg:     cfg,
		books:   books,
		markets: markets,
		fees:    fees,
		logger:  logger.With(slog.String("component", "detector")),
		now:     time.Now,
		allowed: allowed,
	}
}

// Scan evaluates every active market once and returns the qualifying
// opportunities ranked by net profit, most profitable first; ties order by
// market id so equal-profit scans are deterministic.
func (d *Detector) Scan(ctx context.Context) ([]domain.Opportunity, error) {
	markets, err := d.markets.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("detect: list markets: %w", err)
	}

	now := d.now()
	var opps []domain.Opportunity
	for _, m := range markets {
		if opp, ok := d.evaluate(m, now); ok {
			opps = append(opps, opp)
		}
	}

	sort.Slice(opps, func(i, j int) bool {
		if opps[i].NetProfit != opps[j].NetProfit {
			return opps[i].NetProfit > opps[j].NetProfit
		}
		return opps[i].MarketID < opps[j].MarketID
	})

	if len(opps) > 0 {
		d.logger.Info("scan found opportunities",
			slog.Int("count", len(opps)),
			slog.String("best_market", opps[0].MarketID),
			slog.Float64("best_net", opps[0].NetProfit))
	}
	return opps, nil
}

func (d *Detector) evaluate(m domain.Market, now time.Time) (domain.Opportunity, bool) {
	if d.allowed != nil {
		if _, ok := d.allowed[m.Asset]; !ok {
			return domain.Opportunity{}, false
		}
	}
	if m.Expired(now) {
		return domain.Opportunity{}, false
	}
	if d.cfg.MaxTimeToExpiry > 0 && !m.EndTime.IsZero() && m.EndTime.Sub(now) > d.cfg.MaxTimeToExpiry {
		return domain.Opportunity{}, false
	}

	entry, ok := d.books.Read(m.ID)
	if !ok {
		return domain.Opportunity{}, false
	}

	// Both sides must be fresh; a never-updated side has a zero timestamp
	// and always fails.
	if !d.freshSide(entry.Yes, now) || !d.freshSide(entry.No, now) {
		return domain.Opportunity{}, false
	}

	yesAsk, noAsk := entry.Yes.BestAsk, entry.No.BestAsk
	if yesAsk <= 0 || noAsk <= 0 {
		return domain.Opportunity{}, false
	}

	total := yesAsk + noAsk
	if total >= 1.0 {
		return domain.Opportunity{}, false
	}

	minLiq := entry.Yes.TopAskSize()
	if s := entry.No.TopAskSize(); s < minLiq {
		minLiq = s
	}
	if minLiq < d.cfg.MinTradableSize {
		return domain.Opportunity{}, false
	}

	gross := 1.0 - total
	net := gross - d.fees.PairFee(yesAsk, noAsk)
	if net < d.cfg.MinNetProfit {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		Key:          domain.OpportunityKey(m.ID, now, d.cfg.KeyWindow),
		MarketID:     m.ID,
		Asset:        m.Asset,
		YesTokenID:   m.YesTokenID,
		NoTokenID:    m.NoTokenID,
		YesAsk:       yesAsk,
		NoAsk:        noAsk,
		TotalCost:    total,
		GrossProfit:  gross,
		NetProfit:    net,
		MinLiquidity: minLiq,
		EndTime:      m.EndTime,
		DetectedAt:   now,
	}, true
}

func (d *Detector) freshSide(sb domain.SideBook, now time.Time) bool {
	if sb.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(sb.UpdatedAt) <= d.cfg.MaxAge
}
