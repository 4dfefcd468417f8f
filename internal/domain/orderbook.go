package domain

import "time"

// Side is one of the two complementary outcomes of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookUpdate carries one side's book change as decoded from a stream message.
// When Replace is true, Bids and Asks fully replace the side's depth.
// Otherwise each level is a delta: Size > 0 sets the level, Size == 0 removes
// it.
type BookUpdate struct {
	Bids    []PriceLevel
	Asks    []PriceLevel
	Replace bool
}

// SideBook is one side's (YES or NO) current order-book state for one market.
// Bids are ordered best (highest) first, asks best (lowest) first. UpdatedAt
// is attributed to this side alone; the two sides of a market age
// independently.
type SideBook struct {
	BestBid   float64
	BestAsk   float64
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// TopAskSize returns the size resting at the best ask, or 0 when the side has
// no asks.
func (b SideBook) TopAskSize() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Size
}

// MarketBookEntry pairs a market with its two side books. CapturedAt is the
// earlier of the two side timestamps: the entry as a whole is only as fresh
// as its stalest half.
type MarketBookEntry struct {
	MarketID   string
	Yes        SideBook
	No         SideBook
	CapturedAt time.Time
}

// SideBook returns the book for the given side.
func (e MarketBookEntry) SideBook(side Side) SideBook {
	if side == SideYes {
		return e.Yes
	}
	return e.No
}

// BookEvent is a single decoded stream message scoped to one token: a full
// snapshot or a delta for the token's book, stamped with the exchange event
// time.
type BookEvent struct {
	TokenID   string
	Update    BookUpdate
	EventTime time.Time
}
