package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubit/spreadbot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore. Records here are
// telemetry for post-hoc analysis; the positions table, not this one, decides
// whether an opportunity has been executed.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunitySelectCols = `key, market_id, asset, yes_token_id, no_token_id,
	yes_ask, no_ask, total_cost, gross_profit, net_profit, min_liquidity,
	end_time, detected_at`

func scanOpportunityRow(row pgx.Row) (domain.Opportunity, error) {
	var o domain.Opportunity
	var endTime *time.Time
	err := row.Scan(
		&o.Key, &o.MarketID, &o.Asset, &o.YesTokenID, &o.NoTokenID,
		&o.YesAsk, &o.NoAsk, &o.TotalCost, &o.GrossProfit, &o.NetProfit,
		&o.MinLiquidity, &endTime, &o.DetectedAt,
	)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if endTime != nil {
		o.EndTime = *endTime
	}
	return o, nil
}

// Insert records a detected opportunity. Re-detection of the same key within
// a window is expected and silently ignored.
func (s *OpportunityStore) Insert(ctx context.Context, o domain.Opportunity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			key, market_id, asset, yes_token_id, no_token_id,
			yes_ask, no_ask, total_cost, gross_profit, net_profit,
			min_liquidity, end_time, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (key) DO NOTHING`,
		o.Key, o.MarketID, o.Asset, o.YesTokenID, o.NoTokenID,
		o.YesAsk, o.NoAsk, o.TotalCost, o.GrossProfit, o.NetProfit,
		o.MinLiquidity, nullableTime(o.EndTime), o.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", o.Key, err)
	}
	return nil
}

// MarkExecuted flags an opportunity as having triggered an execution.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET executed = TRUE WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the most recently detected opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + opportunitySelectCols + ` FROM opportunities
		ORDER BY detected_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunityRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}
