// Package stream maintains the pool of websocket connections that feeds the
// order-book store. Token subscriptions are partitioned into fixed-size
// batches, one connection per batch; each connection reconnects
// independently with backoff, and the whole pool is rebuilt when the
// subscription set changes.
package stream

import (
	"context"
	"sort"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// Conn is one live market-data connection.
type Conn interface {
	Subscribe(ctx context.Context, tokenIDs []string) error
	ReadMessage(deadline time.Time) ([]byte, error)
	Ping(deadline time.Time) error
	Close() error
}

// Dialer opens connections for the pool.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Decoder parses raw frames into book events.
type Decoder interface {
	Decode(raw []byte) ([]domain.BookEvent, error)
}

// Sink receives routed book updates. *book.Store satisfies it.
type Sink interface {
	UpsertSide(marketID string, side domain.Side, upd domain.BookUpdate, eventTime time.Time)
}

// Subscription binds one market to its YES and NO token ids.
type Subscription struct {
	MarketID   string
	YesTokenID string
	NoTokenID  string
}

// SubscriptionSource supplies the current subscription set. The multiplexer
// polls it on every refresh tick.
type SubscriptionSource func(ctx context.Context) ([]Subscription, error)

// Config tunes the connection pool.
type Config struct {
	// BatchSize is the number of token ids subscribed per connection.
	BatchSize int

	// RefreshInterval is how often the subscription set is re-fetched and
	// the pool rebuilt if it changed.
	RefreshInterval time.Duration

	// AckTimeout bounds the wait for the first frame after subscribing.
	// Expiry closes the connection and redials immediately.
	AckTimeout time.Duration

	// ReadTimeout is the per-read deadline. StallReads consecutive timeouts
	// mark the connection stalled and force a reconnect.
	ReadTimeout time.Duration
	StallReads  int

	// PingInterval is the keep-alive cadence.
	PingInterval time.Duration

	// MaxRetries caps consecutive failed connection attempts per batch;
	// zero means retry forever.
	MaxRetries int

	// MaxBufferedAge drops decoded events older than this at apply time, so
	// a burst drained from the read buffer after a stall cannot publish
	// stale prices. Events with a negative age (producer clock ahead of
	// ours) always pass.
	MaxBufferedAge time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		RefreshInterval: 20 * time.Second,
		AckTimeout:      5 * time.Second,
		ReadTimeout:     5 * time.Second,
		StallReads:      6,
		PingInterval:    10 * time.Second,
		MaxRetries:      0,
		MaxBufferedAge:  5 * time.Second,
	}
}

// withDefaults fills zero fields so a partially-populated config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.StallReads <= 0 {
		c.StallReads = def.StallReads
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.MaxBufferedAge <= 0 {
		c.MaxBufferedAge = def.MaxBufferedAge
	}
	return c
}

// target is a resolved token route.
type target struct {
	marketID string
	side     domain.Side
}

// buildIndex maps each token id to its market and side.
func buildIndex(subs []Subscription) map[string]target {
	idx := make(map[string]target, len(subs)*2)
	for _, s := range subs {
		idx[s.YesTokenID] = target{marketID: s.MarketID, side: domain.SideYes}
		idx[s.NoTokenID] = target{marketID: s.MarketID, side: domain.SideNo}
	}
	return idx
}

// batchTokens partitions the index's token ids into slices of at most size,
// in a deterministic order so identical subscription sets batch identically.
func batchTokens(idx map[string]target, size int) [][]string {
	tokens := make([]string, 0, len(idx))
	for tok := range idx {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	var batches [][]string
	for len(tokens) > 0 {
		n := size
		if n > len(tokens) {
			n = len(tokens)
		}
		batches = append(batches, tokens[:n])
		tokens = tokens[n:]
	}
	return batches
}
