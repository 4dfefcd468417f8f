package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubit/spreadbot/internal/domain"
)

// PositionStore implements domain.PositionStore. The UNIQUE constraint on
// opportunity_key is what makes Create the final idempotency arbiter: two
// processes racing on the same opportunity get exactly one row between them.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, opportunity_key,
	yes_requested, no_requested, yes_filled, no_filled,
	invested, payout, dry_run, status, opened_at, closed_at, settled_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.MarketID, &p.OpportunityKey,
		&p.YesRequested, &p.NoRequested, &p.YesFilled, &p.NoFilled,
		&p.Invested, &p.Payout, &p.DryRun, &p.Status,
		&p.OpenedAt, &p.ClosedAt, &p.SettledAt,
	)
	return p, err
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position. A unique violation on opportunity_key is
// reported as domain.ErrAlreadyExists so callers can treat it as "someone
// already handled this opportunity" rather than a storage failure.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			id, market_id, opportunity_key,
			yes_requested, no_requested, yes_filled, no_filled,
			invested, payout, dry_run, status, opened_at, closed_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.MarketID, p.OpportunityKey,
		p.YesRequested, p.NoRequested, p.YesFilled, p.NoFilled,
		p.Invested, p.Payout, p.DryRun, p.Status, p.OpenedAt, p.ClosedAt, p.SettledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			yes_requested = $2, no_requested = $3,
			yes_filled = $4, no_filled = $5,
			invested = $6, payout = $7, status = $8,
			closed_at = $9, settled_at = $10, updated_at = NOW()
		WHERE id = $1`,
		p.ID,
		p.YesRequested, p.NoRequested,
		p.YesFilled, p.NoFilled,
		p.Invested, p.Payout, p.Status,
		p.ClosedAt, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByOpportunityKey returns the position created for an opportunity key.
func (s *PositionStore) GetByOpportunityKey(ctx context.Context, key string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE opportunity_key = $1`
	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by key %s: %w", key, err)
	}
	return p, nil
}

// ListOpen returns positions still in the open state, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = $1 ORDER BY opened_at`
	rows, err := s.pool.Query(ctx, query, domain.PositionStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return scanPositionRows(rows)
}

// ListUnsettled returns positions the settlement sweep still needs to visit.
func (s *PositionStore) ListUnsettled(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status != $1 ORDER BY opened_at`
	rows, err := s.pool.Query(ctx, query, domain.PositionStatusSettled)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled positions: %w", err)
	}
	return scanPositionRows(rows)
}

// ListByMarket returns positions for one market, newest first.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE market_id = $1 ORDER BY opened_at DESC`
	args := []any{marketID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for market %s: %w", marketID, err)
	}
	return scanPositionRows(rows)
}

// ListClosedBefore returns closed or settled positions opened before the
// cutoff. The archiver uses this to pick rows eligible for cold storage.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status != $1 AND opened_at < $2 ORDER BY opened_at`
	rows, err := s.pool.Query(ctx, query, domain.PositionStatusOpen, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return scanPositionRows(rows)
}
