package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata from the discovery feed.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Deactivate(ctx context.Context, id string) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// OpportunityStore records detected opportunities for later analysis. Inserts
// are best-effort telemetry: execution correctness never depends on them.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkExecuted(ctx context.Context, key string) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
}

// PositionStore persists positions. Create must enforce uniqueness on the
// opportunity key and return ErrAlreadyExists on conflict: the persisted
// position row is the single source of truth for "has this opportunity been
// handled", surviving a crash mid-execution.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetByOpportunityKey(ctx context.Context, key string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	// ListUnsettled returns positions still awaiting settlement: open or
	// closed, but not settled.
	ListUnsettled(ctx context.Context) ([]Position, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Position, error)
}

// TradeStore persists individual order attempts.
type TradeStore interface {
	Create(ctx context.Context, trade Trade) error
	Update(ctx context.Context, trade Trade) error
	ListByPosition(ctx context.Context, positionID string) ([]Trade, error)
	ListRecent(ctx context.Context, limit int) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// SessionStore persists session aggregates.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Update(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id string) (Session, error)
}
