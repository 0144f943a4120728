package market

import (
	"errors"
	"fmt"
)

// ErrorClass partitions transport failures by how the caller must react.
type ErrorClass int

const (
	// ClassUnknown covers anything not recognized; retried conservatively.
	ClassUnknown ErrorClass = iota
	// ClassRateLimited means the exchange signalled throttling or an IP ban.
	// Never retried locally; the request gate absorbs the penalty.
	ClassRateLimited
	// ClassInvalidSymbol is terminal; the symbol does not trade upstream.
	ClassInvalidSymbol
	// ClassTransient covers network and server-side errors worth a bounded
	// local retry.
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassInvalidSymbol:
		return "invalid_symbol"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether a bounded local retry is allowed for this class.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassUnknown
}

// FetchError wraps a transport failure with its classification.
type FetchError struct {
	Class    ErrorClass
	Symbol   string
	Interval string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %s: %v", e.Symbol, e.Interval, e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClassOf extracts the classification from err, defaulting to ClassUnknown
// for errors that did not pass through the gateway.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassUnknown
}
