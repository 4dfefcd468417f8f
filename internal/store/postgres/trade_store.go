package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubit/spreadbot/internal/domain"
)

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, market_id, token_id, side, action,
	price, size, filled_size, filled_price,
	client_order_id, order_id, status, submitted_at, resolved_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	err := row.Scan(
		&t.ID, &t.PositionID, &t.MarketID, &t.TokenID, &t.Side, &t.Action,
		&t.Price, &t.Size, &t.FilledSize, &t.FilledPrice,
		&t.ClientOrderID, &t.OrderID, &t.Status, &t.SubmittedAt, &t.ResolvedAt,
	)
	return t, err
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Create inserts a new trade row.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			id, position_id, market_id, token_id, side, action,
			price, size, filled_size, filled_price,
			client_order_id, order_id, status, submitted_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.PositionID, t.MarketID, t.TokenID, t.Side, t.Action,
		t.Price, t.Size, t.FilledSize, t.FilledPrice,
		t.ClientOrderID, t.OrderID, t.Status, t.SubmittedAt, t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

// Update rewrites the fill and status fields of an existing trade.
func (s *TradeStore) Update(ctx context.Context, t domain.Trade) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			filled_size = $2, filled_price = $3,
			order_id = $4, status = $5, resolved_at = $6
		WHERE id = $1`,
		t.ID, t.FilledSize, t.FilledPrice, t.OrderID, t.Status, t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByPosition returns the trades belonging to one position in submission
// order.
func (s *TradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE position_id = $1 ORDER BY submitted_at`
	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for position %s: %w", positionID, err)
	}
	return scanTradeRows(rows)
}

// ListRecent returns the most recently submitted trades.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		ORDER BY submitted_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	return scanTradeRows(rows)
}

// ListBefore returns trades submitted before the cutoff, oldest first. Used
// by the archiver to page history into cold storage.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE submitted_at < $1 ORDER BY submitted_at`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return scanTradeRows(rows)
}
