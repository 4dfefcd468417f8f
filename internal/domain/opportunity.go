package domain

import (
	"fmt"
	"time"
)

// Opportunity is an immutable spread-arbitrage candidate detected at a point
// in time. All prices are snapshot copies taken at detection; profit figures
// are reproducible from the struct alone and are never re-read live.
type Opportunity struct {
	// Key deterministically identifies this opportunity for idempotent
	// execution: the same market within the same detection window always
	// yields the same key.
	Key string

	MarketID   string
	Asset      string
	YesTokenID string
	NoTokenID  string

	YesAsk       float64
	NoAsk        float64
	TotalCost    float64 // YesAsk + NoAsk
	GrossProfit  float64 // 1 - TotalCost
	NetProfit    float64 // GrossProfit - estimated fees
	MinLiquidity float64 // min size at top ask across both legs

	EndTime    time.Time
	DetectedAt time.Time
}

// OpportunityKey builds the deterministic idempotency key for a market and
// detection time: the detection timestamp is bucketed by window so repeated
// scans within one window key to the same execution attempt.
func OpportunityKey(marketID string, detectedAt time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Minute
	}
	bucket := detectedAt.UTC().Truncate(window).Unix()
	return fmt.Sprintf("%s:%d", marketID, bucket)
}
