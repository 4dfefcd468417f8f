package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aubit/spreadbot/internal/domain"
	"github.com/aubit/spreadbot/internal/engine"
)

// gammaResolutions adapts the catalog client to the engine's settlement
// lookup.
type gammaResolutions struct {
	deps *Dependencies
}

func (g gammaResolutions) Resolution(ctx context.Context, marketID string) (engine.Resolution, error) {
	res, err := g.deps.Gamma.GetResolution(ctx, marketID)
	if err != nil {
		return engine.Resolution{}, err
	}
	return engine.Resolution{Closed: res.Closed, YesWon: res.YesWon}, nil
}

// TradeMode runs the full pipeline: discovery, streaming, detection,
// execution, settlement, snapshot publication, and archival.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	tracker, err := engine.StartSession(ctx, deps.Sessions, a.cfg.Executor.DryRun, a.cfg.Executor.StartingBalance, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		// The run context is already cancelled on the way out.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracker.Close(closeCtx); err != nil {
			a.logger.Error("session close failed", slog.String("error", err.Error()))
		}
		a.uploadSessionSnapshot(closeCtx, deps, tracker.Snapshot())
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Poller.Run(gctx) })
	g.Go(func() error { return deps.Multiplexer.Run(gctx) })
	g.Go(func() error { return a.scanLoop(gctx, deps, tracker, true) })
	g.Go(func() error { return a.settleLoop(gctx, deps, tracker) })
	if deps.Snapshots != nil {
		g.Go(func() error { return a.snapshotLoop(gctx, deps) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(gctx, deps) })
	}
	return g.Wait()
}

// ScanMode runs the read-only pipeline: opportunities are detected, logged,
// and recorded, but never executed.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Poller.Run(gctx) })
	g.Go(func() error { return deps.Multiplexer.Run(gctx) })
	g.Go(func() error { return a.scanLoop(gctx, deps, nil, false) })
	if deps.Snapshots != nil {
		g.Go(func() error { return a.snapshotLoop(gctx, deps) })
	}
	return g.Wait()
}

// StreamMode only maintains orderbook state and publishes snapshots.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Poller.Run(gctx) })
	g.Go(func() error { return deps.Multiplexer.Run(gctx) })
	if deps.Snapshots != nil {
		g.Go(func() error { return a.snapshotLoop(gctx, deps) })
	}
	return g.Wait()
}

// scanLoop runs the detector on every tick. With execute set, each surfaced
// opportunity is handed to the engine; the engine's own idempotency layers
// collapse repeated detections of the same key.
func (a *App) scanLoop(ctx context.Context, deps *Dependencies, tracker *engine.SessionTracker, execute bool) error {
	ticker := time.NewTicker(a.cfg.Detector.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		opps, err := deps.Detector.Scan(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
			continue
		}
		if tracker != nil {
			tracker.RecordScan(ctx, len(opps))
		}
		if !execute {
			for _, opp := range opps {
				deps.Engine.RecordOnly(ctx, opp)
			}
			continue
		}

		for _, opp := range opps {
			res, err := deps.Engine.Execute(ctx, opp)
			if err != nil {
				a.logger.ErrorContext(ctx, "execution failed",
					slog.String("opportunity_key", opp.Key),
					slog.String("error", err.Error()))
				continue
			}
			if res.Outcome != engine.OutcomeExecuted {
				continue
			}
			if tracker != nil {
				tracker.RecordExecution(ctx, res, opp)
			}
			if deps.Notifier != nil {
				deps.Notifier.Alert(ctx, "opportunity executed", fmt.Sprintf(
					"market %s: cost %.4f, net %.4f/share, %d trades",
					opp.MarketID, opp.TotalCost, opp.NetProfit, len(res.Trades)))
			}
		}
	}
}

// uploadSessionSnapshot publishes the final session figures to blob storage.
// The snapshot duplicates the session row, so failures are only logged.
func (a *App) uploadSessionSnapshot(ctx context.Context, deps *Dependencies, sess domain.Session) {
	if deps.Blobs == nil {
		return
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		a.logger.Error("session snapshot encode failed", slog.String("error", err.Error()))
		return
	}
	path := fmt.Sprintf("sessions/%s.json", sess.ID)
	if err := deps.Blobs.Put(ctx, path, &buf, "application/json"); err != nil {
		a.logger.Error("session snapshot upload failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	a.logger.Info("session snapshot uploaded", slog.String("path", path))
}

// settleLoop periodically sweeps resolved markets and credits payouts.
func (a *App) settleLoop(ctx context.Context, deps *Dependencies, tracker *engine.SessionTracker) error {
	ticker := time.NewTicker(a.cfg.Executor.SettleInterval.Duration)
	defer ticker.Stop()

	src := gammaResolutions{deps: deps}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := deps.Engine.Settle(ctx, src, func(pos domain.Position) {
			if tracker != nil {
				tracker.RecordSettlement(ctx, pos)
			}
		})
		if err != nil {
			a.logger.ErrorContext(ctx, "settlement sweep failed", slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "settlement sweep complete", slog.Int("settled", n))
		}
	}
}

// snapshotLoop publishes top-of-book state for every active market.
func (a *App) snapshotLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Detector.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		markets, err := deps.Markets.ListActive(ctx, domain.ListOpts{})
		if err != nil {
			a.logger.ErrorContext(ctx, "snapshot market list failed", slog.String("error", err.Error()))
			continue
		}
		for _, m := range markets {
			entry, ok := deps.Books.Read(m.ID)
			if !ok {
				continue
			}
			tob := domain.TopOfBook{
				MarketID:   m.ID,
				YesBid:     entry.Yes.BestBid,
				YesAsk:     entry.Yes.BestAsk,
				NoBid:      entry.No.BestBid,
				NoAsk:      entry.No.BestAsk,
				CapturedAt: entry.CapturedAt,
			}
			if err := deps.Snapshots.SetTopOfBook(ctx, tob); err != nil {
				a.logger.WarnContext(ctx, "snapshot publish failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// archiveLoop moves aged trades and positions into blob storage.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.S3.ArchiveInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().AddDate(0, 0, -a.cfg.S3.ArchiveRetentionDays)
		trades, err := deps.Archiver.ArchiveTrades(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "trade archival failed", slog.String("error", err.Error()))
		}
		positions, err := deps.Archiver.ArchivePositions(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "position archival failed", slog.String("error", err.Error()))
		}
		if trades > 0 || positions > 0 {
			a.logger.InfoContext(ctx, "archival complete",
				slog.Int64("trades", trades),
				slog.Int64("positions", positions))
		}
	}
}
