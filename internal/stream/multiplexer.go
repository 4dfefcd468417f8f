package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Multiplexer owns the connection pool. Run blocks until the context is
// cancelled; connection failures are handled internally and never bubble up.
// A batch that exhausts its retry budget sits dead until the next scheduled
// pool rebuild replaces it.
type Multiplexer struct {
	cfg     Config
	dialer  Dialer
	decoder Decoder
	sink    Sink
	source  SubscriptionSource
	logger  *slog.Logger
}

// NewMultiplexer wires a multiplexer. source supplies the subscription set;
// sink receives every routed update.
func NewMultiplexer(cfg Config, dialer Dialer, decoder Decoder, source SubscriptionSource, sink Sink, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		decoder: decoder,
		sink:    sink,
		source:  source,
		logger:  logger.With(slog.String("component", "stream")),
	}
}

// Run fetches the subscription set, spins up one connection per token batch,
// and tears the pool down and rebuilds it every RefreshInterval with a
// freshly derived set. The scheduled rebuild is what revives batches that
// went dead between refreshes. Run returns when ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) error {
	subs, err := m.source(ctx)
	if err != nil {
		return fmt.Errorf("stream: initial subscriptions: %w", err)
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		generr := make(chan error, 1)
		genCtx, cancel := context.WithCancel(ctx)
		go func() {
			generr <- m.runGeneration(genCtx, subs)
		}()

		// Hold this generation until the next scheduled rebuild.
		var next []Subscription
	wait:
		for {
			select {
			case <-ctx.Done():
				cancel()
				<-generr
				return ctx.Err()

			case err := <-generr:
				cancel()
				if err != nil && ctx.Err() == nil {
					return err
				}
				return ctx.Err()

			case <-ticker.C:
				fresh, err := m.source(ctx)
				if err != nil {
					// Keep the current generation running on the old set
					// rather than rebuilding from a failed fetch.
					m.logger.Warn("subscription refresh failed", slog.String("error", err.Error()))
					continue
				}
				next = fresh
				break wait
			}
		}

		m.logger.Info("rebuilding pool",
			slog.Int("markets", len(next)),
			slog.Bool("changed", !subscriptionsEqual(subs, next)))
		cancel()
		<-generr
		subs = next
	}
}

// runGeneration runs one pool generation: a fixed subscription set split
// across connections. It returns when ctx is cancelled.
func (m *Multiplexer) runGeneration(ctx context.Context, subs []Subscription) error {
	if len(subs) == 0 {
		m.logger.Info("no subscriptions, pool idle")
		<-ctx.Done()
		return nil
	}

	idx := buildIndex(subs)
	batches := batchTokens(idx, m.cfg.BatchSize)
	m.logger.Info("starting pool generation",
		slog.Int("markets", len(subs)),
		slog.Int("tokens", len(idx)),
		slog.Int("connections", len(batches)))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		w := &worker{
			id:      i,
			cfg:     m.cfg,
			dialer:  m.dialer,
			decoder: m.decoder,
			sink:    m.sink,
			index:   idx,
			tokens:  batch,
			logger:  m.logger.With(slog.Int("conn", i)),
		}
		g.Go(func() error { return w.run(gctx) })
	}
	return g.Wait()
}

func subscriptionsEqual(a, b []Subscription) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[Subscription]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}
