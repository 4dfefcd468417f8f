package domain

import "time"

// PositionStatus is the position lifecycle state. Transitions are linear:
// open -> closed -> settled, no backward moves.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusSettled PositionStatus = "settled"
)

// Position is the aggregate exposure for one market. Requested and filled
// share counts are tracked per side so a partially-hedged position is visible
// in persisted state.
type Position struct {
	ID             string
	MarketID       string
	OpportunityKey string

	YesRequested float64
	NoRequested  float64
	YesFilled    float64
	NoFilled     float64

	Invested float64
	Payout   *float64
	DryRun   bool
	Status   PositionStatus

	OpenedAt  time.Time
	ClosedAt  *time.Time
	SettledAt *time.Time
}

// Hedged reports whether the two legs carry equal filled share counts. An
// unhedged position after both legs are terminal is a risk condition that
// requires explicit reconciliation, so it stays open.
func (p Position) Hedged() bool {
	return p.YesFilled == p.NoFilled && p.YesFilled > 0
}
