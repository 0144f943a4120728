// Package binance implements market.Source on the go-binance futures SDK.
// It is the only package that knows the exchange wire format.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"klinefeed/internal/logger"
	"klinefeed/internal/market"
	symbolpkg "klinefeed/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

// maxKlineLimit is the exchange's per-request row ceiling.
const maxKlineLimit = 1500

type Source struct {
	cfg    Config
	client *futures.Client

	mu           sync.Mutex
	streamCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{cfg: final, client: client}, nil
}

// FetchRange issues one /fapi/v1/klines request for the range. Callers page
// through longer ranges themselves so each upstream request can be admitted
// individually. Errors carry a market.ErrorClass; an empty range is an empty
// slice, not an error.
func (s *Source) FetchRange(ctx context.Context, sym, interval string, start, end int64, limit int) ([]market.Candle, error) {
	sym = symbolpkg.Normalize(sym)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	svc := s.client.NewKlinesService().
		Symbol(sym).
		Interval(interval).
		StartTime(start).
		EndTime(end).
		Limit(limit)
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err, sym, interval)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, convertKline(kl))
	}
	logger.Debugf("[binance] fetched %d candles %s %s [%d, %d]", len(out), sym, interval, start, end)
	return out, nil
}

// Subscribe opens one combined multi-interval kline stream for the cross
// product of symbols and intervals, replacing any previous stream. The loop
// redials with exponential backoff until ctx is cancelled.
func (s *Source) Subscribe(ctx context.Context, symbols, intervals []string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	mapping := buildSymbolIntervals(symbols, intervals)
	if len(mapping) == 0 {
		return nil, fmt.Errorf("no valid symbols or intervals for subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.streamCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runKlineLoop(subCtx, mapping, out, opts)
	}()
	return out, nil
}

func (s *Source) runKlineLoop(ctx context.Context, mapping map[string][]string, out chan<- market.CandleEvent, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			ce, ok := convertKlineEvent(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- ce:
			default:
				logger.Warnf("[binance] kline channel full, drop %s %s", ce.Symbol, ce.Interval)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(mapping, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	return nil
}

func buildSymbolIntervals(symbols, intervals []string) map[string][]string {
	out := make(map[string][]string)
	for _, sym := range symbolpkg.NormalizeAll(symbols) {
		for _, iv := range intervals {
			interval := strings.TrimSpace(iv)
			if interval == "" {
				continue
			}
			out[sym] = appendUnique(out[sym], interval)
		}
	}
	return out
}

func appendUnique(target []string, val string) []string {
	for _, existing := range target {
		if existing == val {
			return target
		}
	}
	return append(target, val)
}

func convertKline(kl *futures.Kline) market.Candle {
	return market.Candle{
		OpenTime:  kl.OpenTime,
		CloseTime: kl.CloseTime,
		Open:      parseFloat(kl.Open),
		High:      parseFloat(kl.High),
		Low:       parseFloat(kl.Low),
		Close:     parseFloat(kl.Close),
		Volume:    parseFloat(kl.Volume),
		Trades:    kl.TradeNum,
	}
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil {
		return market.CandleEvent{}, false
	}
	sym := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.TrimSpace(ev.Kline.Interval)
	if sym == "" || interval == "" {
		return market.CandleEvent{}, false
	}
	c := market.Candle{
		OpenTime:  ev.Kline.StartTime,
		CloseTime: ev.Kline.EndTime,
		Open:      parseFloat(ev.Kline.Open),
		High:      parseFloat(ev.Kline.High),
		Low:       parseFloat(ev.Kline.Low),
		Close:     parseFloat(ev.Kline.Close),
		Volume:    parseFloat(ev.Kline.Volume),
		Trades:    ev.Kline.TradeNum,
	}
	return market.CandleEvent{Symbol: sym, Interval: interval, Candle: c, Closed: ev.Kline.IsFinal}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
