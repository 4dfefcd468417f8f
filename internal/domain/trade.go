package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TradeAction indicates whether a trade buys or sells.
type TradeAction string

const (
	TradeActionBuy  TradeAction = "buy"
	TradeActionSell TradeAction = "sell"
)

// TradeStatus tracks the order lifecycle. pending is the only non-terminal
// state.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusPartial   TradeStatus = "partial"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusFailed    TradeStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s != TradeStatusPending && s != ""
}

// Trade is one order attempt belonging to a Position. Price and Size are the
// requested values; FilledSize and FilledPrice are set from exchange
// acknowledgements. A trade is immutable once in a terminal status.
type Trade struct {
	ID         string
	PositionID string
	MarketID   string
	TokenID    string
	Side       Side
	Action     TradeAction

	Price float64
	Size  float64

	FilledSize  float64
	FilledPrice float64

	// ClientOrderID is deterministically derived from the opportunity key and
	// side so a retried submission is idempotent at the exchange.
	ClientOrderID string
	OrderID       string
	Status        TradeStatus

	SubmittedAt time.Time
	ResolvedAt  *time.Time
}

// ClientOrderID derives the deterministic exchange-level idempotency id for a
// leg of an opportunity.
func ClientOrderID(opportunityKey string, side Side) string {
	sum := sha256.Sum256([]byte(opportunityKey + ":" + string(side)))
	return hex.EncodeToString(sum[:16])
}

// OrderSubmission is the request shape handed to the order-placement
// collaborator.
type OrderSubmission struct {
	MarketID      string
	TokenID       string
	Side          Side
	Action        TradeAction
	Price         float64
	Size          float64
	ClientOrderID string
}

// OrderAck is the order-placement collaborator's acknowledgement for a
// submission. FilledSize may be less than the requested size (partial fill)
// or zero (order resting).
type OrderAck struct {
	OrderID     string
	FilledSize  float64
	FilledPrice float64
}
