// Package stream maintains the live kline subscription set and a buffer of
// the most recent closed candle per (symbol, interval).
package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"klinefeed/internal/logger"
	"klinefeed/internal/market"
	symbolpkg "klinefeed/internal/pkg/symbol"
)

type subKey struct {
	Symbol   string
	Interval string
}

func (k subKey) String() string { return k.Symbol + "@" + k.Interval }

type Stats struct {
	Connected bool               `json:"connected"`
	Symbols   int                `json:"symbols"`
	Intervals int                `json:"intervals"`
	Committed int64              `json:"committed"`
	Restarts  int64              `json:"restarts"`
	Source    market.SourceStats `json:"source"`
}

// Hub owns one subscription against the source at a time. Changing the
// registered set replaces the stream; only closed candles for registered
// pairs are committed to the buffer. The stream's lifetime belongs to the
// hub, never to the context of whoever registered a pair.
type Hub struct {
	src    market.Source
	buffer int

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu        sync.Mutex
	pairs     map[subKey]struct{}
	latest    map[subKey]market.Candle
	waiters   map[subKey][]chan struct{}
	cancel    context.CancelFunc
	gen       uint64
	live      bool
	connected bool
	committed int64
	restarts  int64
}

func NewHub(src market.Source, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 512
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Hub{
		src:        src,
		buffer:     buffer,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		pairs:      make(map[subKey]struct{}),
		latest:     make(map[subKey]market.Candle),
		waiters:    make(map[subKey][]chan struct{}),
	}
}

// EnsureSubscribed registers every (symbol, interval) pair and, when the set
// grew or the stream is down, replaces the upstream subscription with the
// union of all registered pairs. Already-covered pairs with a live stream are
// a no-op. ctx covers only this registration call; the stream itself runs on
// the hub's lifecycle.
func (h *Hub) EnsureSubscribed(ctx context.Context, symbols, intervals []string) error {
	syms := symbolpkg.NormalizeAll(symbols)
	h.mu.Lock()
	changed := false
	for _, sym := range syms {
		for _, iv := range intervals {
			if iv == "" {
				continue
			}
			key := subKey{Symbol: sym, Interval: iv}
			if _, ok := h.pairs[key]; !ok {
				h.pairs[key] = struct{}{}
				changed = true
			}
		}
	}
	if !changed && h.live {
		h.mu.Unlock()
		return nil
	}
	unionSyms, unionIvs := h.union()
	h.mu.Unlock()

	if len(unionSyms) == 0 || len(unionIvs) == 0 {
		return fmt.Errorf("nothing to subscribe: %d symbols, %d intervals", len(unionSyms), len(unionIvs))
	}
	return h.resubscribe(unionSyms, unionIvs)
}

// Unsubscribe removes one registered pair, drops its buffered candle, and
// replaces the upstream subscription with the shrunk union. Removing the last
// pair tears the stream down. Unknown pairs are a no-op.
func (h *Hub) Unsubscribe(symbol, interval string) error {
	key := subKey{Symbol: symbolpkg.Normalize(symbol), Interval: interval}
	h.mu.Lock()
	if _, ok := h.pairs[key]; !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.pairs, key)
	delete(h.latest, key)
	for _, w := range h.waiters[key] {
		close(w)
	}
	delete(h.waiters, key)

	if len(h.pairs) == 0 {
		if h.cancel != nil {
			h.cancel()
			h.cancel = nil
		}
		h.live = false
		h.connected = false
		h.mu.Unlock()
		logger.Infof("[stream] unsubscribed %s, no pairs left, stream torn down", key)
		return nil
	}
	unionSyms, unionIvs := h.union()
	h.mu.Unlock()

	logger.Infof("[stream] unsubscribed %s", key)
	return h.resubscribe(unionSyms, unionIvs)
}

// union returns the distinct symbols and intervals across registered pairs.
// Callers hold the lock.
func (h *Hub) union() ([]string, []string) {
	syms := make(map[string]struct{})
	ivs := make(map[string]struct{})
	for key := range h.pairs {
		syms[key.Symbol] = struct{}{}
		ivs[key.Interval] = struct{}{}
	}
	return keys(syms), keys(ivs)
}

func (h *Hub) resubscribe(symbols, intervals []string) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	streamCtx, cancel := context.WithCancel(h.lifeCtx)
	h.cancel = cancel
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	opts := market.SubscribeOptions{
		Buffer: h.buffer,
		OnConnect: func() {
			h.mu.Lock()
			h.connected = true
			h.mu.Unlock()
			logger.Infof("[stream] connected: %d symbols x %d intervals", len(symbols), len(intervals))
		},
		OnDisconnect: func(err error) {
			h.mu.Lock()
			h.connected = false
			h.mu.Unlock()
			if err != nil {
				logger.Warnf("[stream] disconnected: %v", err)
			}
		},
	}
	ch, err := h.src.Subscribe(streamCtx, symbols, intervals, opts)
	if err != nil {
		cancel()
		h.mu.Lock()
		if h.gen == gen {
			h.cancel = nil
			h.live = false
		}
		h.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}
	h.mu.Lock()
	if h.gen == gen {
		h.live = true
	}
	h.mu.Unlock()
	go h.consume(ch, gen)
	return nil
}

// consume commits closed candles for registered pairs until the channel
// closes. A closed channel marks the stream dead so the next EnsureSubscribed
// resubscribes instead of assuming coverage.
func (h *Hub) consume(ch <-chan market.CandleEvent, gen uint64) {
	for ev := range ch {
		if !ev.Closed {
			continue
		}
		key := subKey{Symbol: ev.Symbol, Interval: ev.Interval}
		h.mu.Lock()
		if _, ok := h.pairs[key]; !ok {
			h.mu.Unlock()
			continue
		}
		h.latest[key] = ev.Candle
		h.committed++
		for _, w := range h.waiters[key] {
			close(w)
		}
		delete(h.waiters, key)
		h.mu.Unlock()
	}
	h.mu.Lock()
	if h.gen == gen {
		h.live = false
		h.connected = false
	}
	h.mu.Unlock()
}

// Latest returns the most recent closed candle committed for the pair.
func (h *Hub) Latest(symbol, interval string) (market.Candle, bool) {
	key := subKey{Symbol: symbolpkg.Normalize(symbol), Interval: interval}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.latest[key]
	return c, ok
}

// WaitLatest returns the buffered candle immediately if present, otherwise
// blocks until one is committed, the timeout elapses, or ctx is cancelled.
func (h *Hub) WaitLatest(ctx context.Context, symbol, interval string, timeout time.Duration) (market.Candle, error) {
	key := subKey{Symbol: symbolpkg.Normalize(symbol), Interval: interval}
	h.mu.Lock()
	if c, ok := h.latest[key]; ok {
		h.mu.Unlock()
		return c, nil
	}
	notify := make(chan struct{})
	h.waiters[key] = append(h.waiters[key], notify)
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		h.dropWaiter(key, notify)
		return market.Candle{}, ctx.Err()
	case <-timer.C:
		h.dropWaiter(key, notify)
		return market.Candle{}, fmt.Errorf("no closed candle for %s within %s", key, timeout)
	case <-notify:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.latest[key]
	if !ok {
		return market.Candle{}, fmt.Errorf("candle for %s vanished after notify", key)
	}
	return c, nil
}

func (h *Hub) dropWaiter(key subKey, notify chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[key]
	for i, w := range ws {
		if w == notify {
			h.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(h.waiters[key]) == 0 {
		delete(h.waiters, key)
	}
}

// ActiveSubscriptions lists the registered symbol@interval pairs, sorted.
func (h *Hub) ActiveSubscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pairs))
	for key := range h.pairs {
		out = append(out, key.String())
	}
	sort.Strings(out)
	return out
}

// Restart tears the stream down and empties the registry and buffer. Nothing
// resubscribes automatically; callers register pairs again afterwards.
func (h *Hub) Restart() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.pairs = make(map[subKey]struct{})
	h.latest = make(map[subKey]market.Candle)
	for _, ws := range h.waiters {
		for _, w := range ws {
			close(w)
		}
	}
	h.waiters = make(map[subKey][]chan struct{})
	h.live = false
	h.connected = false
	h.restarts++
	h.mu.Unlock()
	logger.Infof("[stream] hub restarted, state cleared")
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	syms := make(map[string]struct{})
	ivs := make(map[string]struct{})
	for key := range h.pairs {
		syms[key.Symbol] = struct{}{}
		ivs[key.Interval] = struct{}{}
	}
	return Stats{
		Connected: h.connected,
		Symbols:   len(syms),
		Intervals: len(ivs),
		Committed: h.committed,
		Restarts:  h.restarts,
		Source:    h.src.Stats(),
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.live = false
	h.mu.Unlock()
	h.lifeCancel()
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
