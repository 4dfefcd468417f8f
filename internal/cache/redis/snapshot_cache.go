package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aubit/spreadbot/internal/domain"
)

// tobTTL bounds how long a stale snapshot can linger after a market drops out
// of the active set.
const tobTTL = 5 * time.Minute

// SnapshotCache implements domain.SnapshotCache using Redis hashes. Each
// market's top-of-book is stored at "tob:{marketID}" with one field per best
// price and a capture timestamp in Unix nanoseconds.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func tobKey(marketID string) string {
	return "tob:" + marketID
}

// SetTopOfBook stores the latest top-of-book snapshot for a market.
func (sc *SnapshotCache) SetTopOfBook(ctx context.Context, tob domain.TopOfBook) error {
	key := tobKey(tob.MarketID)
	fields := map[string]interface{}{
		"yes_bid": formatPrice(tob.YesBid),
		"yes_ask": formatPrice(tob.YesAsk),
		"no_bid":  formatPrice(tob.NoBid),
		"no_ask":  formatPrice(tob.NoAsk),
		"ts":      strconv.FormatInt(tob.CapturedAt.UnixNano(), 10),
	}

	pipe := sc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, tobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set top-of-book %s: %w", tob.MarketID, err)
	}
	return nil
}

// GetTopOfBook retrieves the latest snapshot for a market, or
// domain.ErrNotFound when none has been published.
func (sc *SnapshotCache) GetTopOfBook(ctx context.Context, marketID string) (domain.TopOfBook, error) {
	vals, err := sc.rdb.HGetAll(ctx, tobKey(marketID)).Result()
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: get top-of-book %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return domain.TopOfBook{}, domain.ErrNotFound
	}

	tob := domain.TopOfBook{MarketID: marketID}
	if tob.YesBid, err = parsePrice(vals, "yes_bid"); err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top-of-book %s: %w", marketID, err)
	}
	if tob.YesAsk, err = parsePrice(vals, "yes_ask"); err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top-of-book %s: %w", marketID, err)
	}
	if tob.NoBid, err = parsePrice(vals, "no_bid"); err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top-of-book %s: %w", marketID, err)
	}
	if tob.NoAsk, err = parsePrice(vals, "no_ask"); err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top-of-book %s: %w", marketID, err)
	}

	if tsStr, ok := vals["ts"]; ok {
		tsNano, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return domain.TopOfBook{}, fmt.Errorf("redis: top-of-book %s: parse ts: %w", marketID, err)
		}
		tob.CapturedAt = time.Unix(0, tsNano)
	}
	return tob, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parsePrice(vals map[string]string, field string) (float64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
