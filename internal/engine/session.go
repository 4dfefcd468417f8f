package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aubit/spreadbot/internal/domain"
)

// SessionTracker accumulates one run's accounting and keeps the persisted
// session row current. Dry-run and live sessions carry the flag on the row
// so their figures are never mixed.
type SessionTracker struct {
	store  domain.SessionStore
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	sess domain.Session
}

// StartSession creates the session row and returns its tracker.
func StartSession(ctx context.Context, store domain.SessionStore, dryRun bool, startingBalance float64, logger *slog.Logger) (*SessionTracker, error) {
	t := &SessionTracker{
		store:  store,
		logger: logger.With(slog.String("component", "session")),
		now:    time.Now,
	}
	t.sess = domain.Session{
		ID:              uuid.NewString(),
		DryRun:          dryRun,
		StartingBalance: startingBalance,
		CurrentBalance:  startingBalance,
		StartedAt:       t.now(),
	}
	if err := store.Create(ctx, t.sess); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordScan counts opportunities surfaced by a detector pass.
func (t *SessionTracker) RecordScan(ctx context.Context, found int) {
	if found == 0 {
		return
	}
	t.mu.Lock()
	t.sess.TotalOpportunities += found
	t.mu.Unlock()
	t.flush(ctx)
}

// RecordExecution folds an Execute result into the session. opp supplies the
// fee estimate baked into the detection figures.
func (t *SessionTracker) RecordExecution(ctx context.Context, res Result, opp domain.Opportunity) {
	if res.Outcome != OutcomeExecuted {
		return
	}

	t.mu.Lock()
	t.sess.TotalTrades += len(res.Trades)
	t.sess.PositionsOpened++
	if res.Position.Status == domain.PositionStatusClosed {
		t.sess.PositionsClosed++
	}
	t.sess.CurrentBalance -= res.Position.Invested
	t.sess.FeesPaid += (opp.GrossProfit - opp.NetProfit) * res.Position.YesFilled
	t.mu.Unlock()
	t.flush(ctx)
}

// RecordSettlement credits a settled position's payout.
func (t *SessionTracker) RecordSettlement(ctx context.Context, pos domain.Position) {
	if pos.Payout == nil {
		return
	}
	t.mu.Lock()
	t.sess.PositionsSettled++
	t.sess.CurrentBalance += *pos.Payout
	t.sess.GrossProfit += *pos.Payout - pos.Invested
	t.sess.NetProfit = t.sess.GrossProfit - t.sess.FeesPaid
	t.mu.Unlock()
	t.flush(ctx)
}

// Snapshot returns a copy of the current session figures.
func (t *SessionTracker) Snapshot() domain.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Close stamps the session end time and persists the final row.
func (t *SessionTracker) Close(ctx context.Context) error {
	t.mu.Lock()
	ended := t.now()
	t.sess.EndedAt = &ended
	sess := t.sess
	t.mu.Unlock()
	return t.store.Update(ctx, sess)
}

// flush persists the current figures; accounting is telemetry, so failures
// are logged and dropped.
func (t *SessionTracker) flush(ctx context.Context) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if err := t.store.Update(ctx, sess); err != nil {
		t.logger.Warn("session update failed", slog.String("error", err.Error()))
	}
}
