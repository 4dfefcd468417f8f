package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// Decoder turns raw market-channel frames into book events. The exchange
// sends either a JSON array (the snapshot batch after a subscribe) or a
// single object. Unknown event types are skipped, not errors: the channel
// also carries trade prints and tick-size notices we do not consume.
type Decoder struct {
	// now supplies the fallback event time for frames without a parseable
	// timestamp. Override in tests.
	now func() time.Time
}

// NewDecoder creates a Decoder using the wall clock for fallback timestamps.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode parses one websocket frame into zero or more book events.
func (d *Decoder) Decode(raw []byte) ([]domain.BookEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("PONG")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("polymarket: decode frame batch: %w", err)
		}
		var events []domain.BookEvent
		for _, item := range items {
			evs, err := d.decodeOne(item)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
		}
		return events, nil
	}

	return d.decodeOne(trimmed)
}

func (d *Decoder) decodeOne(raw []byte) ([]domain.BookEvent, error) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("polymarket: decode envelope: %w", err)
	}

	switch envelope.EventType {
	case "book":
		var msg bookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("polymarket: decode book: %w", err)
		}
		return []domain.BookEvent{{
			TokenID: msg.AssetID,
			Update: domain.BookUpdate{
				Bids:    parseLevels(msg.Bids),
				Asks:    parseLevels(msg.Asks),
				Replace: true,
			},
			EventTime: d.eventTime(msg.Timestamp),
		}}, nil

	case "price_change":
		var msg priceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("polymarket: decode price_change: %w", err)
		}
		upd := domain.BookUpdate{}
		for _, ch := range msg.Changes {
			lvl, ok := parseLevel(ch)
			if !ok {
				continue
			}
			switch ch.Side {
			case "BUY":
				upd.Bids = append(upd.Bids, lvl)
			case "SELL":
				upd.Asks = append(upd.Asks, lvl)
			}
		}
		if len(upd.Bids) == 0 && len(upd.Asks) == 0 {
			return nil, nil
		}
		return []domain.BookEvent{{
			TokenID:   msg.AssetID,
			Update:    upd,
			EventTime: d.eventTime(msg.Timestamp),
		}}, nil

	default:
		return nil, nil
	}
}

func (d *Decoder) eventTime(ts string) time.Time {
	if t := parseMillis(ts); !t.IsZero() {
		return t
	}
	return d.now()
}

func parseLevel(ch priceChange) (domain.PriceLevel, bool) {
	p, err := strconv.ParseFloat(ch.Price, 64)
	if err != nil {
		return domain.PriceLevel{}, false
	}
	s, err := strconv.ParseFloat(ch.Size, 64)
	if err != nil {
		return domain.PriceLevel{}, false
	}
	return domain.PriceLevel{Price: p, Size: s}, true
}
