// Package engine turns detected opportunities into executed positions. Every
// execution is idempotent on the opportunity key: an in-memory dedup window
// and an optional distributed lock cut off cheap repeats, and the unique key
// on the positions table is the final arbiter that survives crashes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aubit/spreadbot/internal/domain"
)

// OrderPlacer submits orders to the exchange and reports fill state.
type OrderPlacer interface {
	Place(ctx context.Context, sub domain.OrderSubmission) (domain.OrderAck, error)
	Status(ctx context.Context, orderID string) (domain.OrderAck, error)
}

// Alerter receives risk-condition notifications. Optional.
type Alerter interface {
	Alert(ctx context.Context, title, body string)
}

// Resolution is a market's settlement outcome.
type Resolution struct {
	Closed bool
	YesWon bool
}

// ResolutionSource reports settlement state for a market.
type ResolutionSource interface {
	Resolution(ctx context.Context, marketID string) (Resolution, error)
}

// Outcome classifies an Execute call.
type Outcome string

const (
	OutcomeExecuted       Outcome = "executed"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeSkipped        Outcome = "skipped"
)

// Result describes what Execute did with an opportunity.
type Result struct {
	Outcome  Outcome
	Reason   string
	Position domain.Position
	Trades   []domain.Trade
}

// Config tunes execution behaviour.
type Config struct {
	// DryRun simulates perfect fills instead of touching the exchange.
	DryRun bool

	// MaxPositionSize caps shares per leg; 0 means uncapped.
	MaxPositionSize float64

	// MaxTotalExposure caps the sum of invested capital across open
	// positions; 0 means uncapped.
	MaxTotalExposure float64

	// OrderTimeout bounds each submission attempt.
	OrderTimeout time.Duration

	// SubmitRetries is the number of re-submissions after a failed attempt.
	// Retries are safe: the client order id pins the same exchange order.
	SubmitRetries int
	RetryBackoff  time.Duration

	// DedupTTL is how long handled opportunity keys are remembered in
	// memory.
	DedupTTL time.Duration

	// LockTTL bounds the distributed lock held during execution.
	LockTTL time.Duration
}

// DefaultConfig returns the production execution tuning.
func DefaultConfig() Config {
	return Config{
		OrderTimeout:  10 * time.Second,
		SubmitRetries: 2,
		RetryBackoff:  500 * time.Millisecond,
		DedupTTL:      2 * time.Minute,
		LockTTL:       30 * time.Second,
	}
}

// Engine executes opportunities and reconciles the resulting positions.
type Engine struct {
	cfg       Config
	placer    OrderPlacer
	positions domain.PositionStore
	trades    domain.TradeStore
	opps      domain.OpportunityStore
	locks     domain.LockManager // optional
	alerter   Alerter            // optional
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	handled map[string]time.Time
}

// NewEngine wires an engine. locks and alerter may be nil.
func NewEngine(
	cfg Config,
	placer OrderPlacer,
	positions domain.PositionStore,
	trades domain.TradeStore,
	opps domain.OpportunityStore,
	locks domain.LockManager,
	alerter Alerter,
	logger *slog.Logger,
) *Engine {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig().OrderTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Engine{
		cfg:       cfg,
		placer:    placer,
		positions: positions,
		trades:    trades,
		opps:      opps,
		locks:     locks,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		handled:   make(map[string]time.Time),
	}
}

// Execute attempts to take both legs of an opportunity. Calling it twice
// with the same opportunity key yields exactly one execution; the duplicate
// reports OutcomeAlreadyHandled.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) (Result, error) {
	if e.markHandled(opp.Key) {
		return Result{Outcome: OutcomeAlreadyHandled, Reason: "key seen this window"}, nil
	}

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "exec:"+opp.Key, e.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return Result{Outcome: OutcomeAlreadyHandled, Reason: "another executor holds the key"}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("engine: acquire lock: %w", err)
		}
		defer unlock()
	}

	size := opp.MinLiquidity
	if e.cfg.MaxPositionSize > 0 && size > e.cfg.MaxPositionSize {
		size = e.cfg.MaxPositionSize
	}
	size = roundShares(size)
	if size <= 0 {
		return Result{Outcome: OutcomeSkipped, Reason: "no tradable size"}, nil
	}

	planned := size * opp.TotalCost
	if skip, reason, err := e.exposureExceeded(ctx, planned); err != nil {
		return Result{}, err
	} else if skip {
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	now := e.now()
	pos := domain.Position{
		ID:             uuid.NewString(),
		MarketID:       opp.MarketID,
		OpportunityKey: opp.Key,
		YesRequested:   size,
		NoRequested:    size,
		DryRun:         e.cfg.DryRun,
		Status:         domain.PositionStatusOpen,
		OpenedAt:       now,
	}
	if err := e.positions.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return Result{Outcome: OutcomeAlreadyHandled, Reason: "position exists for key"}, nil
		}
		return Result{}, fmt.Errorf("engine: create position: %w", err)
	}

	e.recordOpportunity(ctx, opp)

	yesTrade := e.executeLeg(ctx, pos, opp, domain.SideYes, size)
	noTrade := e.executeLeg(ctx, pos, opp, domain.SideNo, size)

	pos.YesFilled = yesTrade.FilledSize
	pos.NoFilled = noTrade.FilledSize
	pos.Invested = roundShares(yesTrade.FilledSize*yesTrade.FilledPrice + noTrade.FilledSize*noTrade.FilledPrice)

	// Both legs are terminal here. The position closes only when it is also
	// hedged; an unbalanced position stays open for explicit reconciliation
	// and is never auto-cancelled or auto-hedged.
	if pos.Hedged() {
		closed := e.now()
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &closed
	} else {
		e.alert(ctx, "unhedged position",
			fmt.Sprintf("market %s: yes filled %.2f, no filled %.2f (key %s)",
				pos.MarketID, pos.YesFilled, pos.NoFilled, pos.OpportunityKey))
	}

	if err := e.positions.Update(ctx, pos); err != nil {
		return Result{}, fmt.Errorf("engine: update position: %w", err)
	}

	e.logger.Info("opportunity executed",
		slog.String("market_id", pos.MarketID),
		slog.String("key", pos.OpportunityKey),
		slog.Float64("size", size),
		slog.Float64("invested", pos.Invested),
		slog.String("status", string(pos.Status)),
		slog.Bool("dry_run", pos.DryRun))

	return Result{
		Outcome:  OutcomeExecuted,
		Position: pos,
		Trades:   []domain.Trade{yesTrade, noTrade},
	}, nil
}

// executeLeg submits one leg and drives its trade record to a terminal
// status. It never returns a pending trade.
func (e *Engine) executeLeg(ctx context.Context, pos domain.Position, opp domain.Opportunity, side domain.Side, size float64) domain.Trade {
	price, tokenID := opp.YesAsk, opp.YesTokenID
	if side == domain.SideNo {
		price, tokenID = opp.NoAsk, opp.NoTokenID
	}

	trade := domain.Trade{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		MarketID:      pos.MarketID,
		TokenID:       tokenID,
		Side:          side,
		Action:        domain.TradeActionBuy,
		Price:         price,
		Size:          size,
		ClientOrderID: domain.ClientOrderID(opp.Key, side),
		Status:        domain.TradeStatusPending,
		SubmittedAt:   e.now(),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		e.logger.Error("create trade record", slog.String("error", err.Error()))
	}

	if e.cfg.DryRun {
		resolved := e.now()
		trade.FilledSize = size
		trade.FilledPrice = price
		trade.Status = domain.TradeStatusFilled
		trade.ResolvedAt = &resolved
		e.updateTrade(ctx, trade)
		return trade
	}

	ack, err := e.submitWithRetry(ctx, domain.OrderSubmission{
		MarketID:      pos.MarketID,
		TokenID:       tokenID,
		Side:          side,
		Action:        domain.TradeActionBuy,
		Price:         price,
		Size:          size,
		ClientOrderID: trade.ClientOrderID,
	})

	resolved := e.now()
	trade.ResolvedAt = &resolved
	if err != nil {
		trade.Status = domain.TradeStatusFailed
		e.logger.Error("leg failed",
			slog.String("market_id", pos.MarketID),
			slog.String("side", string(side)),
			slog.String("error", err.Error()))
		e.updateTrade(ctx, trade)
		return trade
	}

	trade.OrderID = ack.OrderID
	// Placement acks are not authoritative for fill amounts: a FAK order
	// can match partially. Unless the ack already reports a full fill, read
	// the order back before classifying the leg.
	if ack.OrderID != "" && ack.FilledSize < size {
		st, serr := e.lookupFill(ctx, ack.OrderID)
		if serr != nil {
			e.logger.Warn("order fill lookup failed, classifying from placement ack",
				slog.String("order_id", ack.OrderID),
				slog.String("error", serr.Error()))
		} else {
			ack.FilledSize = st.FilledSize
			if st.FilledPrice > 0 {
				ack.FilledPrice = st.FilledPrice
			}
		}
	}
	trade.FilledSize = ack.FilledSize
	trade.FilledPrice = ack.FilledPrice
	switch {
	case ack.FilledSize >= size:
		trade.Status = domain.TradeStatusFilled
	case ack.FilledSize > 0:
		trade.Status = domain.TradeStatusPartial
	default:
		trade.Status = domain.TradeStatusCancelled
	}
	e.updateTrade(ctx, trade)
	return trade
}

// lookupFill reads an order's current fill state from the exchange.
func (e *Engine) lookupFill(ctx context.Context, orderID string) (domain.OrderAck, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return e.placer.Status(lookupCtx, orderID)
}

// submitWithRetry places an order with bounded retries. The deterministic
// client order id makes re-submission safe: the exchange sees the same order.
func (e *Engine) submitWithRetry(ctx context.Context, sub domain.OrderSubmission) (domain.OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.OrderAck{}, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		ack, err := e.placer.Place(attemptCtx, sub)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if errors.Is(err, domain.ErrInvalidOrder) || ctx.Err() != nil {
			break
		}
		e.logger.Warn("order submission failed, retrying",
			slog.String("client_order_id", sub.ClientOrderID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return domain.OrderAck{}, fmt.Errorf("%w: %v", domain.ErrRetryExhausted, lastErr)
}

// Settle sweeps unsettled positions whose markets have resolved, crediting
// the payout: a hedged pair pays $1 per share, an unbalanced position pays
// $1 per share on the winning side only. onSettled, when non-nil, is invoked
// for every position successfully settled.
func (e *Engine) Settle(ctx context.Context, src ResolutionSource, onSettled func(domain.Position)) (int, error) {
	positions, err := e.positions.ListUnsettled(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: list unsettled: %w", err)
	}

	settled := 0
	for _, pos := range positions {
		res, err := src.Resolution(ctx, pos.MarketID)
		if err != nil {
			e.logger.Warn("resolution lookup failed",
				slog.String("market_id", pos.MarketID),
				slog.String("error", err.Error()))
			continue
		}
		if !res.Closed {
			continue
		}

		payout := pos.NoFilled
		if res.YesWon {
			payout = pos.YesFilled
		}
		if pos.Hedged() {
			payout = pos.YesFilled
		}

		now := e.now()
		pos.Payout = &payout
		if pos.Status == domain.PositionStatusOpen {
			pos.ClosedAt = &now
		}
		pos.Status = domain.PositionStatusSettled
		pos.SettledAt = &now

		if err := e.positions.Update(ctx, pos); err != nil {
			e.logger.Error("settle update failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			continue
		}
		settled++
		if onSettled != nil {
			onSettled(pos)
		}
		e.logger.Info("position settled",
			slog.String("market_id", pos.MarketID),
			slog.Float64("invested", pos.Invested),
			slog.Float64("payout", payout))
	}
	return settled, nil
}

// exposureExceeded checks whether opening a position worth planned dollars
// would break the exposure cap.
func (e *Engine) exposureExceeded(ctx context.Context, planned float64) (bool, string, error) {
	if e.cfg.MaxTotalExposure <= 0 {
		return false, "", nil
	}
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return false, "", fmt.Errorf("engine: list open positions: %w", err)
	}
	total := planned
	for _, p := range open {
		total += p.Invested
	}
	if total > e.cfg.MaxTotalExposure {
		return true, fmt.Sprintf("exposure %.2f would exceed cap %.2f", total, e.cfg.MaxTotalExposure), nil
	}
	return false, "", nil
}

// markHandled records the key and reports whether it was already present
// within the dedup window.
func (e *Engine) markHandled(key string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, at := range e.handled {
		if now.Sub(at) > e.cfg.DedupTTL {
			delete(e.handled, k)
		}
	}
	if _, ok := e.handled[key]; ok {
		return true
	}
	e.handled[key] = now
	return false
}

// RecordOnly logs a detection without executing it. Scan-only deployments
// use it to keep the opportunity history flowing while trading stays off.
func (e *Engine) RecordOnly(ctx context.Context, opp domain.Opportunity) {
	if e.opps == nil {
		return
	}
	if err := e.opps.Insert(ctx, opp); err != nil {
		e.logger.Warn("record opportunity", slog.String("error", err.Error()))
	}
}

// recordOpportunity persists detection telemetry. Failures are logged only:
// execution never depends on the opportunity log.
func (e *Engine) recordOpportunity(ctx context.Context, opp domain.Opportunity) {
	if e.opps == nil {
		return
	}
	if err := e.opps.Insert(ctx, opp); err != nil {
		e.logger.Warn("record opportunity", slog.String("error", err.Error()))
		return
	}
	if err := e.opps.MarkExecuted(ctx, opp.Key); err != nil {
		e.logger.Warn("mark opportunity executed", slog.String("error", err.Error()))
	}
}

func (e *Engine) updateTrade(ctx context.Context, trade domain.Trade) {
	if err := e.trades.Update(ctx, trade); err != nil {
		e.logger.Error("update trade record",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) alert(ctx context.Context, title, body string) {
	if e.alerter == nil {
		return
	}
	e.alerter.Alert(ctx, title, body)
}

// roundShares trims float drift on share arithmetic to 6 decimals, matching
// the exchange's size precision.
func roundShares(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
