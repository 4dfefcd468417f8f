package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// flexBool accepts JSON bool or string ("true"/"false"/"1"): the Gamma API is
// not consistent about which it sends.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsLevel is one price level as carried on the wire: decimal strings.
type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookMessage is a full book snapshot for one asset, sent after subscribing
// and whenever the exchange resyncs.
type bookMessage struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
	Timestamp string    `json:"timestamp"` // unix milliseconds, decimal string
	Hash      string    `json:"hash"`
}

// priceChangeMessage carries incremental level updates for one asset. A
// change with size "0" removes the level.
type priceChangeMessage struct {
	EventType string        `json:"event_type"`
	AssetID   string        `json:"asset_id"`
	Market    string        `json:"market"`
	Changes   []priceChange `json:"changes"`
	Timestamp string        `json:"timestamp"`
}

type priceChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // "BUY" or "SELL"
	Size  string `json:"size"`
}

// subscribeCommand is the payload sent to the market channel to subscribe to
// a batch of asset ids.
type subscribeCommand struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // always "market"
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// apiOrderResult is the response from POST /order.
type apiOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// apiOrder is an order as returned by GET /order/{id}.
type apiOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// apiMarket is a market as returned by the Gamma discovery API.
type apiMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       bool     `json:"closed"`
	EndDateISO   string   `json:"endDateIso"`
	ClobTokenIDs string   `json:"clobTokenIds"` // JSON-encoded: "[\"yes\",\"no\"]"
	Outcomes     string   `json:"outcomes"`     // JSON-encoded: "[\"Yes\",\"No\"]"
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
}

// toDomainMarket converts a Gamma market into the domain shape. ok is false
// when the market does not carry exactly two CLOB token ids; such markets
// cannot be traded as a YES/NO pair.
func (m *apiMarket) toDomainMarket() (domain.Market, bool) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) != 2 {
		return domain.Market{}, false
	}

	dm := domain.Market{
		ID:         m.ID,
		Platform:   "polymarket",
		Question:   m.Question,
		Slug:       m.Slug,
		Asset:      inferAsset(m.Slug, m.Question),
		Timeframe:  inferTimeframe(m.Slug),
		YesTokenID: tokenIDs[0],
		NoTokenID:  tokenIDs[1],
		Active:     bool(m.Active) && !m.Closed,
	}

	// Outcomes occasionally arrive reversed; honor the declared order.
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil && len(outcomes) == 2 {
		if strings.EqualFold(outcomes[0], "no") {
			dm.YesTokenID, dm.NoTokenID = tokenIDs[1], tokenIDs[0]
		}
	}

	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		dm.EndTime = t
	}
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}

	return dm, true
}

// assetKeywords maps slug/question substrings to the canonical asset symbol.
// Longer keywords are listed first so "bitcoin" wins over "btc" containment
// accidents.
var assetKeywords = []struct {
	kw    string
	asset string
}{
	{"bitcoin", "BTC"},
	{"ethereum", "ETH"},
	{"solana", "SOL"},
	{"dogecoin", "DOGE"},
	{"btc", "BTC"},
	{"eth", "ETH"},
	{"sol", "SOL"},
	{"xrp", "XRP"},
	{"doge", "DOGE"},
}

func inferAsset(slug, question string) string {
	haystack := strings.ToLower(slug + " " + question)
	for _, e := range assetKeywords {
		if strings.Contains(haystack, e.kw) {
			return e.asset
		}
	}
	return ""
}

var timeframeKeywords = []struct {
	kw string
	tf string
}{
	{"15m", "15m"},
	{"hourly", "1h"},
	{"-1h-", "1h"},
	{"daily", "1d"},
	{"weekly", "1w"},
}

func inferTimeframe(slug string) string {
	s := strings.ToLower(slug)
	for _, e := range timeframeKeywords {
		if strings.Contains(s, e.kw) {
			return e.tf
		}
	}
	return ""
}

// parseLevels converts wire levels to domain levels, dropping unparseable
// entries.
func parseLevels(in []wsLevel) []domain.PriceLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		s, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// parseMillis parses the exchange timestamp: unix milliseconds as a decimal
// string, with a seconds fallback for older message shapes. Returns zero time
// when unparseable.
func parseMillis(ts string) time.Time {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
