package feed

import (
	"context"
	"sync"
	"time"

	"klinefeed/internal/cache"
	"klinefeed/internal/logger"
	"klinefeed/internal/market"
	symbolpkg "klinefeed/internal/pkg/symbol"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchOptions tunes one FetchAll run. Zero values take the engine defaults.
type BatchOptions struct {
	BatchSize       int
	InterBatchDelay time.Duration
	BrickSize       int
	ExtendToCurrent bool
	// FallbackToCache serves any cached artifact, regardless of freshness,
	// for items whose fetch fails.
	FallbackToCache bool
}

// BatchResult holds whatever FetchAll could acquire. Failed items never fail
// the run and are never dropped from Data: they appear as empty series with
// the cause recorded in Errors.
type BatchResult struct {
	Data   map[string]map[string][]market.Candle
	Errors map[string]error
}

func (r *BatchResult) set(symbol, interval string, candles []market.Candle) {
	if r.Data[symbol] == nil {
		r.Data[symbol] = make(map[string][]market.Candle)
	}
	r.Data[symbol][interval] = candles
}

// FetchAll acquires candles for every symbol x interval pair, working through
// symbols in batches with a pause between batches and a global worker
// ceiling. Only context cancellation aborts the run; per-item failures are
// recorded and, when FallbackToCache is set, served from any cached artifact.
func (e *Engine) FetchAll(ctx context.Context, symbols, intervals []string, opts BatchOptions) (*BatchResult, error) {
	symbols = symbolpkg.NormalizeAll(symbols)
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.BatchSize
	}
	if opts.InterBatchDelay <= 0 {
		opts.InterBatchDelay = e.cfg.InterBatchDelay
	}
	if opts.BrickSize <= 0 {
		opts.BrickSize = e.cfg.DefaultBrickSize
	}

	runID := uuid.NewString()[:8]
	result := &BatchResult{
		Data:   make(map[string]map[string][]market.Candle),
		Errors: make(map[string]error),
	}
	var mu sync.Mutex
	sem := semaphore.NewWeighted(e.cfg.MaxWorkers)

	total := len(symbols) * len(intervals)
	logger.Infof("[batch %s] fetching %d pairs (%d symbols x %d intervals, batch %d)",
		runID, total, len(symbols), len(intervals), opts.BatchSize)
	startedAt := time.Now()

	for i := 0; i < len(symbols); i += opts.BatchSize {
		endIdx := i + opts.BatchSize
		if endIdx > len(symbols) {
			endIdx = len(symbols)
		}
		batch := symbols[i:endIdx]

		g, gctx := errgroup.WithContext(ctx)
		for _, sym := range batch {
			for _, iv := range intervals {
				sym, iv := sym, iv
				g.Go(func() error {
					if err := sem.Acquire(gctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)
					candles, err := e.GetSymbolData(gctx, sym, iv, opts.BrickSize, opts.ExtendToCurrent)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						itemKey := sym + "@" + iv
						if opts.FallbackToCache {
							key := cache.Key{Symbol: sym, Interval: iv, BrickSize: opts.BrickSize}
							if cached, ok := e.store.GetAny(key); ok {
								logger.Warnf("[batch %s] %s failed, served stale cache (%d rows): %v",
									runID, itemKey, len(cached), err)
								result.set(sym, iv, cached)
								return nil
							}
						}
						logger.Warnf("[batch %s] %s failed: %v", runID, itemKey, err)
						// failed items stay visible in the map as empty series
						result.set(sym, iv, []market.Candle{})
						result.Errors[itemKey] = err
						return nil
					}
					result.set(sym, iv, candles)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		if endIdx < len(symbols) {
			if err := e.sleepFn(ctx, opts.InterBatchDelay); err != nil {
				return result, err
			}
		}
	}
	logger.Infof("[batch %s] done: %d ok, %d failed in %s",
		runID, total-len(result.Errors), len(result.Errors), time.Since(startedAt).Round(time.Millisecond))
	return result, nil
}
