package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubit/spreadbot/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, platform, question, slug, asset, timeframe,
	yes_token_id, no_token_id, end_time, active, created_at, updated_at`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var endTime *time.Time
	err := row.Scan(
		&m.ID, &m.Platform, &m.Question, &m.Slug, &m.Asset, &m.Timeframe,
		&m.YesTokenID, &m.NoTokenID, &endTime, &m.Active,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if endTime != nil {
		m.EndTime = *endTime
	}
	return m, nil
}

const marketUpsert = `
	INSERT INTO markets (
		id, platform, question, slug, asset, timeframe,
		yes_token_id, no_token_id, end_time, active, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	ON CONFLICT (id) DO UPDATE SET
		question     = EXCLUDED.question,
		slug         = EXCLUDED.slug,
		asset        = EXCLUDED.asset,
		timeframe    = EXCLUDED.timeframe,
		yes_token_id = EXCLUDED.yes_token_id,
		no_token_id  = EXCLUDED.no_token_id,
		end_time     = EXCLUDED.end_time,
		active       = EXCLUDED.active,
		updated_at   = NOW()`

// Upsert inserts or refreshes one market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	_, err := s.pool.Exec(ctx, marketUpsert,
		m.ID, m.Platform, m.Question, m.Slug, m.Asset, m.Timeframe,
		m.YesTokenID, m.NoTokenID, nullableTime(m.EndTime), m.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// UpsertBatch refreshes a page of markets inside one transaction so a
// discovery poll either lands fully or not at all.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range markets {
		if _, err := tx.Exec(ctx, marketUpsert,
			m.ID, m.Platform, m.Question, m.Slug, m.Asset, m.Timeframe,
			m.YesTokenID, m.NoTokenID, nullableTime(m.EndTime), m.Active,
		); err != nil {
			return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit upsert batch: %w", err)
	}
	return nil
}

// GetByID returns one market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1`
	m, err := scanMarketRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByTokenID resolves a market from either of its token ids.
func (s *MarketStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets
		WHERE yes_token_id = $1 OR no_token_id = $1`
	m, err := scanMarketRow(s.pool.QueryRow(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by token %s: %w", tokenID, err)
	}
	return m, nil
}

// ListActive returns active markets ordered by end time, soonest first.
func (s *MarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets
		WHERE active ORDER BY end_time NULLS LAST, id`
	args := []any{}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Deactivate flags one market inactive.
func (s *MarketStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deactivate market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeactivateExpired flags every active market whose end time has passed and
// returns how many were flipped.
func (s *MarketStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET active = FALSE, updated_at = NOW()
		WHERE active AND end_time IS NOT NULL AND end_time < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivate expired markets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the total number of markets tracked.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// nullableTime maps the zero time onto SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
