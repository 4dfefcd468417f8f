package domain

import "time"

// Session aggregates one run of the engine: balances, trade counts and
// realized figures. Figures from dry-run sessions must never be mixed into
// live aggregates, so the flag is carried on the record itself.
type Session struct {
	ID     string
	DryRun bool

	StartingBalance float64
	CurrentBalance  float64

	TotalOpportunities int
	TotalTrades        int
	PositionsOpened    int
	PositionsClosed    int
	PositionsSettled   int

	GrossProfit float64
	FeesPaid    float64
	NetProfit   float64

	StartedAt time.Time
	EndedAt   *time.Time
}
