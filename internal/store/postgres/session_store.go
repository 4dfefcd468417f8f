package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubit/spreadbot/internal/domain"
)

// SessionStore implements domain.SessionStore.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, dry_run, starting_balance, current_balance,
			total_opportunities, total_trades,
			positions_opened, positions_closed, positions_settled,
			gross_profit, fees_paid, net_profit, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.ID, sess.DryRun, sess.StartingBalance, sess.CurrentBalance,
		sess.TotalOpportunities, sess.TotalTrades,
		sess.PositionsOpened, sess.PositionsClosed, sess.PositionsSettled,
		sess.GrossProfit, sess.FeesPaid, sess.NetProfit, sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

// Update rewrites the running aggregates of an existing session.
func (s *SessionStore) Update(ctx context.Context, sess domain.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			current_balance = $2,
			total_opportunities = $3, total_trades = $4,
			positions_opened = $5, positions_closed = $6, positions_settled = $7,
			gross_profit = $8, fees_paid = $9, net_profit = $10, ended_at = $11
		WHERE id = $1`,
		sess.ID, sess.CurrentBalance,
		sess.TotalOpportunities, sess.TotalTrades,
		sess.PositionsOpened, sess.PositionsClosed, sess.PositionsSettled,
		sess.GrossProfit, sess.FeesPaid, sess.NetProfit, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one session.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, dry_run, starting_balance, current_balance,
			total_opportunities, total_trades,
			positions_opened, positions_closed, positions_settled,
			gross_profit, fees_paid, net_profit, started_at, ended_at
		FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.DryRun, &sess.StartingBalance, &sess.CurrentBalance,
		&sess.TotalOpportunities, &sess.TotalTrades,
		&sess.PositionsOpened, &sess.PositionsClosed, &sess.PositionsSettled,
		&sess.GrossProfit, &sess.FeesPaid, &sess.NetProfit, &sess.StartedAt, &sess.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}
