package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

const (
	// backoffBase and backoffMax bound the reconnect backoff schedule.
	backoffBase = 2 * time.Second
	backoffMax  = 60 * time.Second
)

// worker owns one connection's lifecycle: dial, subscribe, wait for the ack
// snapshot, then pump frames into the sink until the connection stalls or
// drops, at which point it redials with exponential backoff. A worker that
// exhausts its retry budget parks until the pool generation is torn down.
type worker struct {
	id      int
	cfg     Config
	dialer  Dialer
	decoder Decoder
	sink    Sink
	index   map[string]target
	tokens  []string
	logger  *slog.Logger
}

func (w *worker) run(ctx context.Context) error {
	delay := backoffBase
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := w.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that outlived the refresh interval was healthy; start
		// the backoff schedule over.
		if time.Since(started) >= w.cfg.RefreshInterval {
			delay = backoffBase
			attempts = 0
		}

		if errors.Is(err, domain.ErrSubscribeTimeout) {
			// The server accepted the dial but never sent the snapshot;
			// redial immediately rather than waiting out backoff.
			w.logger.Warn("subscribe not acknowledged, redialing")
			continue
		}

		attempts++
		if w.cfg.MaxRetries > 0 && attempts >= w.cfg.MaxRetries {
			// Giving up on one connection must not take down the rest of
			// the pool. Its markets go stale (the detector's freshness gate
			// skips them) until the next scheduled rebuild replaces the
			// worker.
			w.logger.Error("retry budget exhausted, parking until next rebuild",
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()))
			<-ctx.Done()
			return ctx.Err()
		}

		w.logger.Warn("connection lost, backing off",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
			slog.Int("attempts", attempts))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

// runConn runs a single connection session and reports why it ended.
func (w *worker) runConn(ctx context.Context) error {
	conn, err := w.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, w.tokens); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// The exchange acknowledges a subscription by streaming one snapshot per
	// token. Treat the first frame as the ack.
	raw, err := conn.ReadMessage(time.Now().Add(w.cfg.AckTimeout))
	if err != nil {
		if isTimeout(err) {
			return domain.ErrSubscribeTimeout
		}
		return fmt.Errorf("await ack: %w", err)
	}
	w.dispatch(raw)
	w.logger.Info("subscribed", slog.Int("tokens", len(w.tokens)))

	stalls := 0
	lastPing := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastPing) >= w.cfg.PingInterval {
			if err := conn.Ping(time.Now().Add(w.cfg.ReadTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			lastPing = time.Now()
		}

		raw, err := conn.ReadMessage(time.Now().Add(w.cfg.ReadTimeout))
		if err != nil {
			if isTimeout(err) {
				stalls++
				if stalls >= w.cfg.StallReads {
					return fmt.Errorf("stalled after %d silent reads: %w", stalls, domain.ErrWSDisconnect)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		stalls = 0
		w.dispatch(raw)
	}
}

// dispatch decodes a frame and routes each event to its market side,
// dropping events for unknown tokens and events that sat in the read buffer
// past the staleness budget.
func (w *worker) dispatch(raw []byte) {
	events, err := w.decoder.Decode(raw)
	if err != nil {
		w.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for _, ev := range events {
		tgt, ok := w.index[ev.TokenID]
		if !ok {
			continue
		}
		// A negative age (exchange clock ahead) still counts as fresh.
		if age := now.Sub(ev.EventTime); age > w.cfg.MaxBufferedAge {
			w.logger.Debug("dropping buffered stale event",
				slog.String("market_id", tgt.marketID),
				slog.String("side", string(tgt.side)),
				slog.Duration("age", age))
			continue
		}
		w.sink.UpsertSide(tgt.marketID, tgt.side, ev.Update, ev.EventTime)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
