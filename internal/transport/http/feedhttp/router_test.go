package feedhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"klinefeed/internal/feed"
	"klinefeed/internal/gate"
	"klinefeed/internal/market"
	"klinefeed/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubEngine struct {
	candles []market.Candle
	err     error
}

func (e *stubEngine) GetSymbolData(ctx context.Context, symbol, interval string, brickSize int, extend bool) ([]market.Candle, error) {
	return e.candles, e.err
}

func (e *stubEngine) LatestCandle(ctx context.Context, symbol, interval string) (market.Candle, error) {
	if e.err != nil {
		return market.Candle{}, e.err
	}
	return market.Candle{OpenTime: 1, Close: 2}, nil
}

func (e *stubEngine) FetchAll(ctx context.Context, symbols, intervals []string, opts feed.BatchOptions) (*feed.BatchResult, error) {
	res := &feed.BatchResult{
		Data:   map[string]map[string][]market.Candle{},
		Errors: map[string]error{},
	}
	for _, s := range symbols {
		res.Data[s] = map[string][]market.Candle{}
		for _, iv := range intervals {
			res.Data[s][iv] = e.candles
		}
	}
	return res, nil
}

type stubHub struct {
	active       []string
	unsubscribed []string
}

func (h *stubHub) ActiveSubscriptions() []string { return h.active }

func (h *stubHub) EnsureSubscribed(ctx context.Context, symbols, intervals []string) error {
	return nil
}

func (h *stubHub) Unsubscribe(symbol, interval string) error {
	h.unsubscribed = append(h.unsubscribed, symbol+"@"+interval)
	return nil
}

func (h *stubHub) Restart() {}

func (h *stubHub) Stats() stream.Stats { return stream.Stats{} }

func newTestServer(t *testing.T, engine Engine) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Addr:   ":0",
		Engine: engine,
		Gate:   gate.New(gate.Config{}),
	})
	require.NoError(t, err)
	return srv.Handler()
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	w := doRequest(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestKlinesRequiresSymbol(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	w := doRequest(h, http.MethodGet, "/api/feed/klines", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKlinesReturnsSeries(t *testing.T) {
	h := newTestServer(t, &stubEngine{candles: []market.Candle{{OpenTime: 1}, {OpenTime: 2}}})
	w := doRequest(h, http.MethodGet, "/api/feed/klines?symbol=btcusdt&interval=1h", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "BTCUSDT", gjson.Get(body, "symbol").String())
	assert.EqualValues(t, 2, gjson.Get(body, "count").Int())
}

func TestErrorClassMapsToStatus(t *testing.T) {
	invalid := &stubEngine{err: &market.FetchError{Class: market.ClassInvalidSymbol, Err: assert.AnError}}
	w := doRequest(newTestServer(t, invalid), http.MethodGet, "/api/feed/klines?symbol=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	limited := &stubEngine{err: &market.FetchError{Class: market.ClassRateLimited, Err: assert.AnError}}
	w = doRequest(newTestServer(t, limited), http.MethodGet, "/api/feed/klines?symbol=x", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBatchEndpoint(t *testing.T) {
	h := newTestServer(t, &stubEngine{candles: []market.Candle{{OpenTime: 1}}})
	w := doRequest(h, http.MethodPost, "/api/feed/batch",
		`{"symbols":["BTCUSDT"],"intervals":["1h"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "counts.BTCUSDT.1h").Int())
}

func TestBatchRejectsMissingFields(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	w := doRequest(h, http.MethodPost, "/api/feed/batch", `{"symbols":["BTCUSDT"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnsubscribeEndpoint(t *testing.T) {
	hub := &stubHub{active: []string{"ETHUSDT@1m"}}
	srv, err := NewServer(ServerConfig{
		Addr:   ":0",
		Engine: &stubEngine{},
		Gate:   gate.New(gate.Config{}),
		Hub:    hub,
	})
	require.NoError(t, err)
	h := srv.Handler()

	w := doRequest(h, http.MethodDelete, "/api/feed/subscriptions?symbol=BTCUSDT&interval=1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"BTCUSDT@1m"}, hub.unsubscribed)
	assert.Equal(t, "ETHUSDT@1m", gjson.Get(w.Body.String(), "subscriptions.0").String())

	w = doRequest(h, http.MethodDelete, "/api/feed/subscriptions?symbol=BTCUSDT", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsIncludesGate(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	w := doRequest(h, http.MethodGet, "/api/feed/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "gate").Exists())
}
