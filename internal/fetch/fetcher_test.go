package fetch

import (
	"context"
	"testing"
	"time"

	"klinefeed/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	admits int
	bans   int
}

func (g *fakeGate) Admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.admits++
	return nil
}

func (g *fakeGate) ReportBan() { g.bans++ }

type call struct {
	start, end int64
}

type fakeSource struct {
	calls   []call
	respond func(n int, start, end int64, limit int) ([]market.Candle, error)
}

func (s *fakeSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	s.calls = append(s.calls, call{start, end})
	return s.respond(len(s.calls), start, end, limit)
}

func (s *fakeSource) Subscribe(ctx context.Context, symbols, intervals []string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	return nil, nil
}

func (s *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }
func (s *fakeSource) Close() error              { return nil }

func candles(openTimes ...int64) []market.Candle {
	out := make([]market.Candle, 0, len(openTimes))
	for _, ot := range openTimes {
		out = append(out, market.Candle{OpenTime: ot, CloseTime: ot + 59_999, Close: 1})
	}
	return out
}

func newTestFetcher(src market.Source, gate Gate, cfg Config) (*Fetcher, *[]time.Duration) {
	f := New(src, gate, cfg)
	var slept []time.Duration
	f.sleepFn = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return f, &slept
}

func TestFetchRangeSinglePage(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return candles(100, 200, 300), nil
	}}
	gate := &fakeGate{}
	f, _ := newTestFetcher(src, gate, Config{})

	got, err := f.FetchRange(context.Background(), "BTCUSDT", "1m", 100, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, gate.admits)
}

func TestFetchRangePaginates(t *testing.T) {
	// first page full, second page short
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		if n == 1 {
			full := make([]market.Candle, 0, limit)
			for i := 0; i < limit; i++ {
				full = append(full, market.Candle{OpenTime: start + int64(i), Close: 1})
			}
			return full, nil
		}
		return candles(start, start+1), nil
	}}
	gate := &fakeGate{}
	f, _ := newTestFetcher(src, gate, Config{PageLimit: 4})

	got, err := f.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 100)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	require.Len(t, src.calls, 2)
	assert.Equal(t, int64(4), src.calls[1].start, "second page starts past last open time")
	assert.Equal(t, 2, gate.admits, "each page is admitted separately")
}

func TestFetchRangeEmptyIsValid(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return nil, nil
	}}
	f, _ := newTestFetcher(src, &fakeGate{}, Config{})

	got, err := f.FetchRange(context.Background(), "NEWUSDT", "1h", 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRateLimitReportsBanAndAborts(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return nil, &market.FetchError{Class: market.ClassRateLimited, Err: assert.AnError}
	}}
	gate := &fakeGate{}
	f, slept := newTestFetcher(src, gate, Config{})

	_, err := f.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 1000)
	require.Error(t, err)
	assert.Equal(t, market.ClassRateLimited, market.ClassOf(err))
	assert.Equal(t, 1, gate.bans)
	assert.Len(t, src.calls, 1, "no retry after a rate limit")
	assert.Empty(t, *slept)
}

func TestInvalidSymbolAborts(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return nil, &market.FetchError{Class: market.ClassInvalidSymbol, Err: assert.AnError}
	}}
	gate := &fakeGate{}
	f, _ := newTestFetcher(src, gate, Config{})

	_, err := f.FetchRange(context.Background(), "NOPEUSDT", "1m", 0, 1000)
	require.Error(t, err)
	assert.Len(t, src.calls, 1)
	assert.Zero(t, gate.bans)
}

func TestTransientRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		if n < 3 {
			return nil, &market.FetchError{Class: market.ClassTransient, Err: assert.AnError}
		}
		return candles(100), nil
	}}
	gate := &fakeGate{}
	f, slept := newTestFetcher(src, gate, Config{})

	got, err := f.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, src.calls, 3)
	assert.Equal(t, 3, gate.admits, "each retry is admitted separately")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *slept)
}

func TestRetriesExhausted(t *testing.T) {
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return nil, &market.FetchError{Class: market.ClassUnknown, Err: assert.AnError}
	}}
	f, slept := newTestFetcher(src, &fakeGate{}, Config{MaxRetries: 3})

	_, err := f.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 1000)
	require.Error(t, err)
	assert.Len(t, src.calls, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *slept, "unknown errors use the short delay")
}

func TestConnectionDelayForNetErrors(t *testing.T) {
	f, _ := newTestFetcher(&fakeSource{}, &fakeGate{}, Config{})
	fe := &market.FetchError{Class: market.ClassTransient, Err: context.DeadlineExceeded}
	assert.Equal(t, 3*time.Second, f.retryDelay(fe, market.ClassTransient))

	api := &market.FetchError{Class: market.ClassTransient, Err: assert.AnError}
	assert.Equal(t, 5*time.Second, f.retryDelay(api, market.ClassTransient))
}

func TestContextCancelStopsFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{respond: func(n int, start, end int64, limit int) ([]market.Candle, error) {
		return candles(100), nil
	}}
	f, _ := newTestFetcher(src, &fakeGate{}, Config{})

	_, err := f.FetchRange(ctx, "BTCUSDT", "1m", 0, 1000)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.calls)
}
