package binance

import (
	"context"
	"errors"
	"net"
	"strings"

	"klinefeed/internal/market"

	"github.com/adshao/go-binance/v2/common"
	"github.com/tidwall/gjson"
)

// Exchange error codes that matter to retry policy.
const (
	codeInternalError   = -1000
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeServerBusy      = -3044
	codeInvalidSymbol   = -1121
)

// classify wraps a transport error with its taxonomy class so retry policy
// is a function of the class, never of message text.
func classify(err error, sym, interval string) *market.FetchError {
	return &market.FetchError{
		Class:    classOf(err),
		Symbol:   sym,
		Interval: interval,
		Err:      err,
	}
}

func classOf(err error) market.ErrorClass {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return classOfCode(apiErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return market.ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return market.ClassTransient
	}

	// Some failure paths surface the raw exchange body instead of a decoded
	// APIError; pull the code out of the JSON rather than matching message
	// substrings.
	if msg := err.Error(); strings.Contains(msg, `"code"`) {
		if idx := strings.Index(msg, "{"); idx >= 0 {
			if code := gjson.Get(msg[idx:], "code"); code.Exists() {
				return classOfCode(code.Int())
			}
		}
	}
	return market.ClassUnknown
}

func classOfCode(code int64) market.ErrorClass {
	switch code {
	case codeTooManyRequests:
		return market.ClassRateLimited
	case codeInvalidSymbol:
		return market.ClassInvalidSymbol
	case codeInternalError, codeDisconnected, codeServerBusy:
		return market.ClassTransient
	}
	// HTTP-level throttle statuses occasionally arrive as positive codes.
	if code == 429 || code == 418 {
		return market.ClassRateLimited
	}
	return market.ClassUnknown
}
