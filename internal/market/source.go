package market

import "context"

// CandleEvent is one streamed kline update. Closed reports whether the
// exchange marked the bar as final; only closed bars are safe to persist.
type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
	Closed   bool
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Source abstracts the exchange transports: bounded-range REST history and a
// multiplexed websocket kline stream. Implementations classify transport
// failures into the FetchError taxonomy so retry policy never inspects
// message text.
type Source interface {
	// FetchRange returns candles with open times in [start, end] (unix
	// milliseconds), oldest first, as a single upstream request returning at
	// most limit rows. Callers page through longer ranges so every request can
	// be admitted individually. An empty slice with a nil error means the
	// range genuinely has no data.
	FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)

	// Subscribe replaces any previous subscription with a combined stream
	// over the given symbol/interval cross product. The returned channel is
	// closed when ctx is cancelled.
	Subscribe(ctx context.Context, symbols, intervals []string, opts SubscribeOptions) (<-chan CandleEvent, error)

	Stats() SourceStats

	Close() error
}
