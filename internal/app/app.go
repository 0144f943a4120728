// Package app wires the engine together and runs its long-lived loops.
package app

import (
	"context"
	"fmt"
	"time"

	"klinefeed/internal/cache"
	"klinefeed/internal/config"
	"klinefeed/internal/feed"
	"klinefeed/internal/gate"
	"klinefeed/internal/logger"
	"klinefeed/internal/market"
	"klinefeed/internal/scheduler"
	"klinefeed/internal/stream"
	"klinefeed/internal/transport/http/feedhttp"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg    *config.Config
	source market.Source
	gate   *gate.Gate
	store  *cache.Store
	engine *feed.Engine
	hub    *stream.Hub
	http   *feedhttp.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the HTTP server, the periodic cache prune, and the watch-list
// warmup, then blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			logger.Infof("http listening on %s", a.http.Addr())
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		pruner := scheduler.NewPeriodic(time.Duration(a.cfg.Cache.PruneIntervalMinutes) * time.Minute)
		pruner.Start(ctx, "cache-prune", func() {
			removed, preserved := a.store.Prune()
			if removed > 0 {
				logger.Infof("cache prune: removed %d, preserved %d", removed, preserved)
			}
		})
		return nil
	})

	if a.cfg.Watch.Warmup && len(a.cfg.Watch.Symbols) > 0 {
		group.Go(func() error {
			a.warmup(ctx)
			return nil
		})
	}

	defer a.Close()
	return group.Wait()
}

// warmup pre-fills the cache for the watch list and brings the stream up.
// Failures are logged, never fatal; the engine can serve on demand.
func (a *App) warmup(ctx context.Context) {
	w := a.cfg.Watch
	res, err := a.engine.FetchAll(ctx, w.Symbols, w.Intervals, feed.BatchOptions{
		BrickSize:       w.BrickSize,
		ExtendToCurrent: w.ExtendToCurrent,
		FallbackToCache: true,
	})
	if err != nil {
		logger.Warnf("warmup aborted: %v", err)
		return
	}
	logger.Infof("warmup done: %d symbols, %d failed items", len(res.Data), len(res.Errors))

	if a.hub != nil {
		if err := a.hub.EnsureSubscribed(ctx, w.Symbols, w.Intervals); err != nil {
			logger.Warnf("warmup subscribe failed: %v", err)
		}
	}
}

// Engine exposes the feed engine (for testing harnesses).
func (a *App) Engine() *feed.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			logger.Warnf("source close: %v", err)
		}
	}
}
