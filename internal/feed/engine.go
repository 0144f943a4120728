// Package feed is the read surface of the engine: cache-first candle lookup,
// extend-to-current incremental refresh, live-stream reads with a gated REST
// fallback, and concurrent batch acquisition.
package feed

import (
	"context"
	"fmt"
	"time"

	"klinefeed/internal/cache"
	"klinefeed/internal/logger"
	"klinefeed/internal/lookback"
	"klinefeed/internal/market"
	symbolpkg "klinefeed/internal/pkg/symbol"
	"klinefeed/internal/scheduler"
)

// Fetcher is the admitted REST history path.
type Fetcher interface {
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error)
}

// LiveHub is the subset of the stream hub the feed reads through.
type LiveHub interface {
	EnsureSubscribed(ctx context.Context, symbols, intervals []string) error
	WaitLatest(ctx context.Context, symbol, interval string, timeout time.Duration) (market.Candle, error)
}

type Config struct {
	// DefaultBrickSize applies when a caller passes 0.
	DefaultBrickSize int
	// StreamWaitTimeout bounds LatestCandle's wait before the REST fallback.
	StreamWaitTimeout time.Duration

	BatchSize       int
	InterBatchDelay time.Duration
	MaxWorkers      int64
}

func (c Config) withDefaults() Config {
	final := c
	if final.DefaultBrickSize <= 0 {
		final.DefaultBrickSize = 500
	}
	if final.StreamWaitTimeout <= 0 {
		final.StreamWaitTimeout = 5 * time.Second
	}
	if final.BatchSize <= 0 {
		final.BatchSize = 10
	}
	if final.InterBatchDelay <= 0 {
		final.InterBatchDelay = 100 * time.Millisecond
	}
	if final.MaxWorkers <= 0 {
		final.MaxWorkers = 30
	}
	return final
}

type Engine struct {
	fetcher Fetcher
	store   *cache.Store
	hub     LiveHub
	cfg     Config

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewEngine(fetcher Fetcher, store *cache.Store, hub LiveHub, cfg Config) *Engine {
	return &Engine{
		fetcher: fetcher,
		store:   store,
		hub:     hub,
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
		sleepFn: sleepContext,
	}
}

// GetSymbolData returns candles for the pair. Fresh and useful artifacts are
// served from cache, extended to the present first when extendToCurrent is
// set; a miss refetches the full lookback window. A cached series also acts
// as a fallback when its extension fails.
func (e *Engine) GetSymbolData(ctx context.Context, symbol, interval string, brickSize int, extendToCurrent bool) ([]market.Candle, error) {
	symbol = symbolpkg.Normalize(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if brickSize <= 0 {
		brickSize = e.cfg.DefaultBrickSize
	}
	key := cache.Key{Symbol: symbol, Interval: interval, BrickSize: brickSize}

	res := e.store.Resolve(key)
	switch res.State {
	case cache.StateFresh, cache.StateUseful:
		if len(res.Candles) == 0 {
			break
		}
		// A fresh artifact can still trail the clock when the interval is
		// longer than its validity window, so the extension runs on fresh
		// hits too; the no-growth guard keeps it from rewriting the file.
		if extendToCurrent {
			extended, err := e.extendToCurrent(ctx, key, res.Candles)
			if err != nil {
				logger.Warnf("[feed] extend failed for %s, serving %s cache: %v", key, res.State, err)
				return res.Candles, nil
			}
			return extended, nil
		}
		return res.Candles, nil
	}
	return e.refetch(ctx, key)
}

// refetch pulls the full lookback window for the key and writes it through.
func (e *Engine) refetch(ctx context.Context, key cache.Key) ([]market.Candle, error) {
	days := lookback.RequiredDays(key.Interval, key.BrickSize)
	now := e.nowFn()
	start := now.AddDate(0, 0, -days).UnixMilli()
	candles, err := e.fetcher.FetchRange(ctx, key.Symbol, key.Interval, start, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		logger.Infof("[feed] %s has no data in the last %dd", key, days)
		return nil, nil
	}
	if err := e.store.Put(key, candles); err != nil {
		logger.Warnf("[feed] cache write failed for %s: %v", key, err)
	}
	return candles, nil
}

// extendToCurrent brings a cached series up to now. A series at least one
// full interval behind fetches only the gap; a series within the current
// interval probes the open bar and dedups by open time, last write wins. The
// cache is rewritten only when the merge actually added rows.
func (e *Engine) extendToCurrent(ctx context.Context, key cache.Key, cached []market.Candle) ([]market.Candle, error) {
	d, err := scheduler.ParseIntervalDuration(key.Interval)
	if err != nil {
		return nil, err
	}
	last := market.LastOpenTime(cached)
	now := e.nowFn().UnixMilli()
	behind := (now - last) / d.Milliseconds()

	var start int64
	if behind >= 1 {
		start = last + d.Milliseconds()
	} else {
		start = last
	}
	fetched, err := e.fetcher.FetchRange(ctx, key.Symbol, key.Interval, start, now)
	if err != nil {
		return nil, err
	}
	merged := market.Merge(cached, fetched)
	if len(merged) > len(cached) {
		if err := e.store.Put(key, merged); err != nil {
			logger.Warnf("[feed] cache write failed for %s: %v", key, err)
		}
	}
	return merged, nil
}

// LatestCandle reads the newest closed candle through the stream hub,
// registering the pair if needed. When no closed candle arrives within the
// configured wait, it falls back to an admitted REST fetch of the recent
// window.
func (e *Engine) LatestCandle(ctx context.Context, symbol, interval string) (market.Candle, error) {
	symbol = symbolpkg.Normalize(symbol)
	if e.hub != nil {
		if err := e.hub.EnsureSubscribed(ctx, []string{symbol}, []string{interval}); err != nil {
			logger.Warnf("[feed] subscribe %s %s failed, using REST: %v", symbol, interval, err)
		} else {
			c, err := e.hub.WaitLatest(ctx, symbol, interval, e.cfg.StreamWaitTimeout)
			if err == nil {
				return c, nil
			}
			logger.Debugf("[feed] stream wait for %s %s: %v", symbol, interval, err)
		}
	}
	return e.latestViaREST(ctx, symbol, interval)
}

func (e *Engine) latestViaREST(ctx context.Context, symbol, interval string) (market.Candle, error) {
	d, err := scheduler.ParseIntervalDuration(interval)
	if err != nil {
		return market.Candle{}, err
	}
	now := e.nowFn().UnixMilli()
	start := now - 3*d.Milliseconds()
	candles, err := e.fetcher.FetchRange(ctx, symbol, interval, start, now)
	if err != nil {
		return market.Candle{}, err
	}
	// the newest row may still be the open bar; prefer the last closed one
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].CloseTime <= now {
			return candles[i], nil
		}
	}
	if len(candles) > 0 {
		return candles[len(candles)-1], nil
	}
	return market.Candle{}, fmt.Errorf("no recent candles for %s %s", symbol, interval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
