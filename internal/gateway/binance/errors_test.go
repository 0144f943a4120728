package binance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"klinefeed/internal/market"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAPIErrorCodes(t *testing.T) {
	cases := []struct {
		code int64
		want market.ErrorClass
	}{
		{codeTooManyRequests, market.ClassRateLimited},
		{429, market.ClassRateLimited},
		{418, market.ClassRateLimited},
		{codeInvalidSymbol, market.ClassInvalidSymbol},
		{codeInternalError, market.ClassTransient},
		{codeDisconnected, market.ClassTransient},
		{codeServerBusy, market.ClassTransient},
		{-9999, market.ClassUnknown},
	}
	for _, tc := range cases {
		err := classify(&common.APIError{Code: tc.code, Message: "x"}, "BTCUSDT", "1h")
		assert.Equal(t, tc.want, market.ClassOf(err), "code %d", tc.code)
	}
}

func TestClassifyWrappedAPIError(t *testing.T) {
	inner := &common.APIError{Code: codeTooManyRequests, Message: "Too many requests"}
	err := classify(fmt.Errorf("klines: %w", inner), "ETHUSDT", "4h")
	assert.Equal(t, market.ClassRateLimited, market.ClassOf(err))

	var fe *market.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "ETHUSDT", fe.Symbol)
	assert.Equal(t, "4h", fe.Interval)
}

func TestClassifyContextAndNetwork(t *testing.T) {
	err := classify(context.DeadlineExceeded, "BTCUSDT", "1m")
	assert.Equal(t, market.ClassTransient, market.ClassOf(err))
}

func TestClassifyJSONBody(t *testing.T) {
	// some transport paths surface the raw body inside a plain error string
	raw := errors.New(`request failed: {"code":-1003,"msg":"Way too many requests"}`)
	err := classify(raw, "BTCUSDT", "1h")
	assert.Equal(t, market.ClassRateLimited, market.ClassOf(err))

	noJSON := errors.New("request failed: something odd")
	err = classify(noJSON, "BTCUSDT", "1h")
	assert.Equal(t, market.ClassUnknown, market.ClassOf(err))
}

func TestBuildSymbolIntervals(t *testing.T) {
	m := buildSymbolIntervals([]string{"btcusdt", "BTC/USDT", "ethusdt"}, []string{"1h", "1h", " 4h "})
	require.Len(t, m, 2)
	assert.ElementsMatch(t, []string{"1h", "4h"}, m["BTCUSDT"])
	assert.ElementsMatch(t, []string{"1h", "4h"}, m["ETHUSDT"])
}

func TestNextDelayCaps(t *testing.T) {
	d := nextDelay(0)
	for i := 0; i < 10; i++ {
		d = nextDelay(d)
	}
	assert.LessOrEqual(t, d.Seconds(), 30.0)
}
