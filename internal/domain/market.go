package domain

import "time"

// Market identifies one binary-outcome tradable instrument. A market is
// immutable after discovery except for Active transitions, which are owned by
// the discovery poller.
type Market struct {
	ID         string
	Platform   string // e.g. "polymarket"
	Question   string
	Slug       string
	Asset      string // underlying asset/category, e.g. "BTC"
	Timeframe  string // e.g. "1h", "1d"
	YesTokenID string
	NoTokenID  string
	EndTime    time.Time
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the market's end time has passed.
func (m Market) Expired(now time.Time) bool {
	return !m.EndTime.IsZero() && now.After(m.EndTime)
}

// TokenSide maps a platform token identifier to the market side it
// represents. ok is false when the token does not belong to this market.
func (m Market) TokenSide(tokenID string) (side Side, ok bool) {
	switch tokenID {
	case m.YesTokenID:
		return SideYes, true
	case m.NoTokenID:
		return SideNo, true
	default:
		return "", false
	}
}
