package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubit/spreadbot/internal/domain"
)

// --------------------------------------------------------------------------
// in-memory fakes
// --------------------------------------------------------------------------

type memPositions struct {
	mu    sync.Mutex
	byKey map[string]domain.Position
	byID  map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{byKey: map[string]domain.Position{}, byID: map[string]domain.Position{}}
}

func (s *memPositions) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[pos.OpportunityKey]; ok {
		return domain.ErrAlreadyExists
	}
	s.byKey[pos.OpportunityKey] = pos
	s.byID[pos.ID] = pos
	return nil
}

func (s *memPositions) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[pos.OpportunityKey] = pos
	s.byID[pos.ID] = pos
	return nil
}

func (s *memPositions) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) GetByOpportunityKey(ctx context.Context, key string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) ListOpen(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositions) ListUnsettled(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status != domain.PositionStatusSettled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositions) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

type memTrades struct {
	mu     sync.Mutex
	trades map[string]domain.Trade
}

func newMemTrades() *memTrades { return &memTrades{trades: map[string]domain.Trade{}} }

func (s *memTrades) Create(ctx context.Context, tr domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[tr.ID] = tr
	return nil
}

func (s *memTrades) Update(ctx context.Context, tr domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[tr.ID] = tr
	return nil
}

func (s *memTrades) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, tr := range s.trades {
		if tr.PositionID == positionID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *memTrades) ListRecent(ctx context.Context, limit int) ([]domain.Trade, error) {
	return nil, nil
}

func (s *memTrades) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return nil, nil
}

type memOpps struct {
	mu       sync.Mutex
	inserted []domain.Opportunity
	executed []string
}

func (s *memOpps) Insert(ctx context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, opp)
	return nil
}

func (s *memOpps) MarkExecuted(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, key)
	return nil
}

func (s *memOpps) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	return nil, nil
}

// fakePlacer scripts per-token acknowledgements and per-order fill lookups.
type fakePlacer struct {
	mu      sync.Mutex
	acks    map[string]domain.OrderAck // keyed by token id
	fills   map[string]domain.OrderAck // keyed by order id, served by Status
	errs    map[string]error
	placed  []domain.OrderSubmission
	lookups []string
}

func (p *fakePlacer) Place(ctx context.Context, sub domain.OrderSubmission) (domain.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, sub)
	if err, ok := p.errs[sub.TokenID]; ok {
		return domain.OrderAck{}, err
	}
	if ack, ok := p.acks[sub.TokenID]; ok {
		return ack, nil
	}
	return domain.OrderAck{OrderID: "ord-" + sub.TokenID, FilledSize: sub.Size, FilledPrice: sub.Price}, nil
}

func (p *fakePlacer) Status(ctx context.Context, orderID string) (domain.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, orderID)
	if ack, ok := p.fills[orderID]; ok {
		return ack, nil
	}
	for _, ack := range p.acks {
		if ack.OrderID == orderID {
			return ack, nil
		}
	}
	return domain.OrderAck{OrderID: orderID}, nil
}

type recordAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordAlerter) Alert(ctx context.Context, title, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, title)
}

type fakeResolutions map[string]Resolution

func (f fakeResolutions) Resolution(ctx context.Context, marketID string) (Resolution, error) {
	res, ok := f[marketID]
	if !ok {
		return Resolution{}, domain.ErrNotFound
	}
	return res, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpportunity() domain.Opportunity {
	now := time.Now()
	return domain.Opportunity{
		Key:          domain.OpportunityKey("m1", now, time.Minute),
		MarketID:     "m1",
		Asset:        "BTC",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		YesAsk:       0.45,
		NoAsk:        0.50,
		TotalCost:    0.95,
		GrossProfit:  0.05,
		NetProfit:    0.049,
		MinLiquidity: 150,
		DetectedAt:   now,
	}
}

func newTestEngine(cfg Config, placer OrderPlacer, positions *memPositions, alerter Alerter) (*Engine, *memTrades, *memOpps) {
	trades := newMemTrades()
	opps := &memOpps{}
	e := NewEngine(cfg, placer, positions, trades, opps, nil, alerter, testLogger())
	return e, trades, opps
}

// --------------------------------------------------------------------------
// tests
// --------------------------------------------------------------------------

func TestExecuteLiveBothLegsFilled(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{}
	e, trades, opps := newTestEngine(Config{}, placer, positions, nil)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)

	pos := res.Position
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, 150.0, pos.YesFilled)
	assert.Equal(t, 150.0, pos.NoFilled)
	assert.InDelta(t, 150*0.95, pos.Invested, 1e-9)
	require.NotNil(t, pos.ClosedAt)

	stored, err := positions.GetByOpportunityKey(context.Background(), pos.OpportunityKey)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)

	legs, err := trades.ListByPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		assert.Equal(t, domain.TradeStatusFilled, leg.Status)
		assert.True(t, leg.Status.Terminal())
		assert.NotEmpty(t, leg.ClientOrderID)
	}

	assert.Len(t, opps.inserted, 1)
	assert.Equal(t, []string{pos.OpportunityKey}, opps.executed)
}

func TestExecuteIdempotentOnKey(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{}
	e, _, _ := newTestEngine(Config{}, placer, positions, nil)
	opp := testOpportunity()

	res1, err := e.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res1.Outcome)

	res2, err := e.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyHandled, res2.Outcome)

	// Only one pair of orders ever reached the exchange.
	assert.Len(t, placer.placed, 2)
}

func TestExecuteDuplicateAcrossRestart(t *testing.T) {
	// A second engine with an empty dedup map still refuses the key because
	// the position row exists.
	positions := newMemPositions()
	opp := testOpportunity()

	e1, _, _ := newTestEngine(Config{}, &fakePlacer{}, positions, nil)
	res, err := e1.Execute(context.Background(), opp)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	placer2 := &fakePlacer{}
	e2, _, _ := newTestEngine(Config{}, placer2, positions, nil)
	res2, err := e2.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyHandled, res2.Outcome)
	assert.Empty(t, placer2.placed)
}

func TestExecuteDryRunPerfectFills(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{}
	e, trades, _ := newTestEngine(Config{DryRun: true}, placer, positions, nil)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	assert.Empty(t, placer.placed, "dry run must not touch the exchange")
	assert.True(t, res.Position.DryRun)
	assert.Equal(t, domain.PositionStatusClosed, res.Position.Status)
	assert.Equal(t, res.Position.YesRequested, res.Position.YesFilled)
	assert.Equal(t, res.Position.NoRequested, res.Position.NoFilled)

	legs, _ := trades.ListByPosition(context.Background(), res.Position.ID)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		assert.Equal(t, domain.TradeStatusFilled, leg.Status)
		assert.Equal(t, leg.Size, leg.FilledSize)
	}
}

func TestExecutePartialLegKeepsPositionOpen(t *testing.T) {
	positions := newMemPositions()
	alerter := &recordAlerter{}
	placer := &fakePlacer{acks: map[string]domain.OrderAck{
		"tok-yes": {OrderID: "o1", FilledSize: 150, FilledPrice: 0.45},
		"tok-no":  {OrderID: "o2", FilledSize: 80, FilledPrice: 0.50},
	}}
	e, trades, _ := newTestEngine(Config{}, placer, positions, alerter)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	pos := res.Position
	assert.Equal(t, domain.PositionStatusOpen, pos.Status, "unbalanced legs must not close the position")
	assert.Equal(t, 150.0, pos.YesFilled)
	assert.Equal(t, 80.0, pos.NoFilled)
	assert.Nil(t, pos.ClosedAt)

	legs, _ := trades.ListByPosition(context.Background(), pos.ID)
	require.Len(t, legs, 2)
	byToken := map[string]domain.Trade{}
	for _, leg := range legs {
		byToken[leg.TokenID] = leg
	}
	assert.Equal(t, domain.TradeStatusFilled, byToken["tok-yes"].Status)
	assert.Equal(t, domain.TradeStatusPartial, byToken["tok-no"].Status)

	// No cancellation was attempted on the filled leg: the exchange sees
	// the two submissions and a fill lookup for the short leg.
	assert.Len(t, placer.placed, 2)
	assert.Equal(t, []string{"o2"}, placer.lookups)
	assert.Equal(t, []string{"unhedged position"}, alerter.alerts)
}

func TestExecuteReconcilesFillFromOrderLookup(t *testing.T) {
	// Placement acks report the order id but no matched amounts; the
	// authoritative fills come from the order lookup, which reveals a
	// partial match on the NO leg.
	positions := newMemPositions()
	alerter := &recordAlerter{}
	placer := &fakePlacer{
		acks: map[string]domain.OrderAck{
			"tok-yes": {OrderID: "o1"},
			"tok-no":  {OrderID: "o2"},
		},
		fills: map[string]domain.OrderAck{
			"o1": {OrderID: "o1", FilledSize: 150, FilledPrice: 0.45},
			"o2": {OrderID: "o2", FilledSize: 80, FilledPrice: 0.50},
		},
	}
	e, trades, _ := newTestEngine(Config{}, placer, positions, alerter)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	pos := res.Position
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, 150.0, pos.YesFilled)
	assert.Equal(t, 80.0, pos.NoFilled)

	legs, _ := trades.ListByPosition(context.Background(), pos.ID)
	byToken := map[string]domain.Trade{}
	for _, leg := range legs {
		byToken[leg.TokenID] = leg
	}
	assert.Equal(t, domain.TradeStatusFilled, byToken["tok-yes"].Status)
	assert.Equal(t, 150.0, byToken["tok-yes"].FilledSize)
	assert.Equal(t, domain.TradeStatusPartial, byToken["tok-no"].Status)
	assert.Equal(t, 80.0, byToken["tok-no"].FilledSize)

	assert.ElementsMatch(t, []string{"o1", "o2"}, placer.lookups)
}

func TestExecuteFailedLegNeverCancelsSibling(t *testing.T) {
	positions := newMemPositions()
	alerter := &recordAlerter{}
	placer := &fakePlacer{errs: map[string]error{"tok-no": errors.New("exchange 500")}}

	cfg := Config{SubmitRetries: 1, RetryBackoff: time.Millisecond}
	e, trades, _ := newTestEngine(cfg, placer, positions, alerter)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	pos := res.Position
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, 150.0, pos.YesFilled)
	assert.Equal(t, 0.0, pos.NoFilled)

	legs, _ := trades.ListByPosition(context.Background(), pos.ID)
	byToken := map[string]domain.Trade{}
	for _, leg := range legs {
		byToken[leg.TokenID] = leg
	}
	assert.Equal(t, domain.TradeStatusFilled, byToken["tok-yes"].Status)
	assert.Equal(t, domain.TradeStatusFailed, byToken["tok-no"].Status)

	// 1 yes submission + 2 no attempts, nothing else.
	assert.Len(t, placer.placed, 3)
}

func TestExecuteRetriesWithSameClientOrderID(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{errs: map[string]error{"tok-yes": errors.New("flaky")}}
	cfg := Config{SubmitRetries: 2, RetryBackoff: time.Millisecond}
	e, _, _ := newTestEngine(cfg, placer, positions, nil)

	_, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)

	var yesIDs []string
	for _, sub := range placer.placed {
		if sub.TokenID == "tok-yes" {
			yesIDs = append(yesIDs, sub.ClientOrderID)
		}
	}
	require.Len(t, yesIDs, 3)
	assert.Equal(t, yesIDs[0], yesIDs[1])
	assert.Equal(t, yesIDs[1], yesIDs[2])
}

func TestExecuteSizingCapsAndExposure(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{}
	cfg := Config{MaxPositionSize: 100}
	e, _, _ := newTestEngine(cfg, placer, positions, nil)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Position.YesRequested, "size capped below available liquidity")

	// Exposure cap: next opportunity would push total invested past the cap.
	cfg2 := Config{MaxTotalExposure: 50}
	e2, _, _ := newTestEngine(cfg2, placer, positions, nil)
	opp2 := testOpportunity()
	opp2.MarketID = "m2"
	opp2.Key = domain.OpportunityKey("m2", time.Now(), time.Minute)

	res2, err := e2.Execute(context.Background(), opp2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res2.Outcome)
	assert.Contains(t, res2.Reason, "exposure")
}

func TestSettle(t *testing.T) {
	positions := newMemPositions()
	placer := &fakePlacer{acks: map[string]domain.OrderAck{
		"tok-yes": {OrderID: "o1", FilledSize: 150, FilledPrice: 0.45},
		"tok-no":  {OrderID: "o2", FilledSize: 80, FilledPrice: 0.50},
	}}
	e, _, _ := newTestEngine(Config{}, placer, positions, nil)

	// Unbalanced position stays open.
	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusOpen, res.Position.Status)

	// Not resolved yet: nothing settles.
	n, err := e.Settle(context.Background(), fakeResolutions{"m1": {Closed: false}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Resolved with YES winning: payout is the YES side's 150 shares.
	n, err = e.Settle(context.Background(), fakeResolutions{"m1": {Closed: true, YesWon: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pos, err := positions.GetByOpportunityKey(context.Background(), res.Position.OpportunityKey)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusSettled, pos.Status)
	require.NotNil(t, pos.Payout)
	assert.Equal(t, 150.0, *pos.Payout)
	assert.NotNil(t, pos.ClosedAt)
	assert.NotNil(t, pos.SettledAt)

	// Idempotent: settled positions are not swept again.
	n, err = e.Settle(context.Background(), fakeResolutions{"m1": {Closed: true, YesWon: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSettleHedgedPaysSharesOnce(t *testing.T) {
	positions := newMemPositions()
	e, _, _ := newTestEngine(Config{DryRun: true}, &fakePlacer{}, positions, nil)

	res, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusClosed, res.Position.Status)

	n, err := e.Settle(context.Background(), fakeResolutions{"m1": {Closed: true, YesWon: false}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pos, _ := positions.GetByOpportunityKey(context.Background(), res.Position.OpportunityKey)
	require.NotNil(t, pos.Payout)
	assert.Equal(t, 150.0, *pos.Payout, "hedged pair pays $1 per share regardless of winner")
}

func TestSessionTracker(t *testing.T) {
	store := &memSessions{}
	tracker, err := StartSession(context.Background(), store, true, 1000, testLogger())
	require.NoError(t, err)

	tracker.RecordScan(context.Background(), 2)

	positions := newMemPositions()
	e, _, _ := newTestEngine(Config{DryRun: true}, &fakePlacer{}, positions, nil)
	opp := testOpportunity()
	res, err := e.Execute(context.Background(), opp)
	require.NoError(t, err)

	tracker.RecordExecution(context.Background(), res, opp)

	sess := tracker.Snapshot()
	assert.Equal(t, 2, sess.TotalOpportunities)
	assert.Equal(t, 2, sess.TotalTrades)
	assert.Equal(t, 1, sess.PositionsOpened)
	assert.Equal(t, 1, sess.PositionsClosed)
	assert.InDelta(t, 1000-150*0.95, sess.CurrentBalance, 1e-9)

	payout := 150.0
	pos := res.Position
	pos.Payout = &payout
	tracker.RecordSettlement(context.Background(), pos)

	sess = tracker.Snapshot()
	assert.Equal(t, 1, sess.PositionsSettled)
	assert.InDelta(t, 1000+150*0.05, sess.CurrentBalance, 1e-9)
	assert.InDelta(t, 150*0.05, sess.GrossProfit, 1e-9)

	require.NoError(t, tracker.Close(context.Background()))
	assert.NotNil(t, tracker.Snapshot().EndedAt)
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]domain.Session
}

func (s *memSessions) Create(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = map[string]domain.Session{}
	}
	s.rows[sess.ID] = sess
	return nil
}

func (s *memSessions) Update(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sess.ID] = sess
	return nil
}

func (s *memSessions) GetByID(ctx context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return sess, nil
}
