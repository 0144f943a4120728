// Package fetch is the admitted, retrying REST history path. Every upstream
// request passes the gate first; retry policy is a function of the typed
// error class, never of message text.
package fetch

import (
	"context"
	"errors"
	"net"
	"time"

	"klinefeed/internal/logger"
	"klinefeed/internal/market"
)

type Config struct {
	MaxRetries        int
	ServerRetryDelay  time.Duration
	ConnRetryDelay    time.Duration
	UnknownRetryDelay time.Duration
	PageLimit         int
}

func (c Config) withDefaults() Config {
	final := c
	if final.MaxRetries <= 0 {
		final.MaxRetries = 3
	}
	if final.ServerRetryDelay <= 0 {
		final.ServerRetryDelay = 5 * time.Second
	}
	if final.ConnRetryDelay <= 0 {
		final.ConnRetryDelay = 3 * time.Second
	}
	if final.UnknownRetryDelay <= 0 {
		final.UnknownRetryDelay = 2 * time.Second
	}
	if final.PageLimit <= 0 {
		final.PageLimit = 1500
	}
	return final
}

// Gate is the admission surface the fetcher needs. Admit blocks until a
// request slot is free; ReportBan is called when the exchange rate limits us.
type Gate interface {
	Admit(ctx context.Context) error
	ReportBan()
}

type Fetcher struct {
	src  market.Source
	gate Gate
	cfg  Config

	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(src market.Source, gate Gate, cfg Config) *Fetcher {
	return &Fetcher{
		src:     src,
		gate:    gate,
		cfg:     cfg.withDefaults(),
		sleepFn: sleepContext,
	}
}

// FetchRange retrieves all candles with open times in [start, end], paging
// through the source one admitted request at a time. An empty result with a
// nil error means the range has no data, which callers must treat as valid.
func (f *Fetcher) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	var out []market.Candle
	cursor := start
	for cursor <= end {
		rows, err := f.fetchPage(ctx, symbol, interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		out = append(out, rows...)
		if len(rows) < f.cfg.PageLimit {
			break
		}
		next := rows[len(rows)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return market.SortDedup(out), nil
}

// fetchPage runs one admitted request with the retry policy: rate limits ban
// the gate and abort, invalid symbols abort, transient and unknown errors
// retry up to MaxRetries with class-specific delays.
func (f *Fetcher) fetchPage(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.gate.Admit(ctx); err != nil {
			return nil, err
		}
		rows, err := f.src.FetchRange(ctx, symbol, interval, start, end, f.cfg.PageLimit)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		class := market.ClassOf(err)
		switch class {
		case market.ClassRateLimited:
			logger.Warnf("[fetch] rate limited on %s %s, reporting ban: %v", symbol, interval, err)
			f.gate.ReportBan()
			return nil, err
		case market.ClassInvalidSymbol:
			logger.Warnf("[fetch] invalid symbol %s: %v", symbol, err)
			return nil, err
		}
		if attempt == f.cfg.MaxRetries {
			break
		}
		delay := f.retryDelay(err, class)
		logger.Warnf("[fetch] %s %s attempt %d/%d failed (%s), retrying in %s: %v",
			symbol, interval, attempt, f.cfg.MaxRetries, class, delay, err)
		if err := f.sleepFn(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) retryDelay(err error, class market.ErrorClass) time.Duration {
	if class == market.ClassTransient {
		var nerr net.Error
		if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
			return f.cfg.ConnRetryDelay
		}
		return f.cfg.ServerRetryDelay
	}
	return f.cfg.UnknownRetryDelay
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
