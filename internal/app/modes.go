package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/optledger/optledger/internal/feed"
)

// positionEventsChannel is the Pub/Sub channel the accounting service
// publishes lifecycle events to.
const positionEventsChannel = "positions"

// resubscribeDelay is how long the event watcher waits before re-subscribing
// after the subscription drops.
var resubscribeDelay = 2 * time.Second

// EngineMode runs the accounting engine standalone. The engine itself is
// request-driven, so this mode subscribes to position lifecycle events for
// observability and blocks until shutdown.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "engine mode: accounting service ready")
	return a.watchEvents(ctx, deps)
}

// FeedMode runs only the market-data quote feed, keeping the price cache
// warm for engines running elsewhere.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Feed.Enabled {
		a.logger.WarnContext(ctx, "feed mode selected but feed.enabled is false, idling")
		<-ctx.Done()
		return ctx.Err()
	}
	qf := feed.NewQuoteFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Series, deps.PriceCache, a.logger)
	return qf.Run(ctx)
}

// ArchiveMode runs only the closed-lineage archival loop.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Archive.Enabled {
		a.logger.WarnContext(ctx, "archive mode selected but archive.enabled is false, idling")
		<-ctx.Done()
		return ctx.Err()
	}
	return a.archiveLoop(ctx, deps)
}

// FullMode runs the engine, the quote feed, and the archival loop together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.watchEvents(gctx, deps)
	})

	if a.cfg.Feed.Enabled {
		qf := feed.NewQuoteFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Series, deps.PriceCache, a.logger)
		g.Go(func() error {
			return qf.Run(gctx)
		})
	}

	if a.cfg.Archive.Enabled {
		g.Go(func() error {
			return a.archiveLoop(gctx, deps)
		})
	}

	return g.Wait()
}

// watchEvents subscribes to position lifecycle events and logs them. A
// dropped subscription (failed subscribe or closed channel) is re-established
// after a short delay, like the quote feed's reconnect loop; only context
// cancellation ends the watch.
func (a *App) watchEvents(ctx context.Context, deps *Dependencies) error {
	for {
		events, err := deps.SignalBus.Subscribe(ctx, positionEventsChannel)
		if err != nil {
			a.logger.WarnContext(ctx, "event subscription unavailable", "error", err)
		} else if err := a.consumeEvents(ctx, events); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribeDelay):
			a.logger.InfoContext(ctx, "resubscribing to position events")
		}
	}
}

// consumeEvents drains one subscription. It returns nil when the channel
// closes, signalling the caller to resubscribe, and ctx.Err() on cancellation.
func (a *App) consumeEvents(ctx context.Context, events <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				a.logger.InfoContext(ctx, "event channel closed")
				return nil
			}
			a.logger.InfoContext(ctx, "position event", "payload", string(payload))
		}
	}
}

// archiveLoop periodically moves lineages closed before the retention window
// to cold storage. The first sweep runs immediately on startup.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.runArchiveSweep(ctx, deps)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runArchiveSweep(ctx, deps)
		}
	}
}

func (a *App) runArchiveSweep(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	count, err := deps.Archiver.ArchiveClosed(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive sweep failed", "error", err)
		return
	}
	a.logger.InfoContext(ctx, "archive sweep complete",
		"archived", count,
		"cutoff", cutoff.Format(time.RFC3339),
	)
}
