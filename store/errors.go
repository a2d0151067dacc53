package store

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
)

// Sentinels used as marks on errors crossing the store boundary. Test with
// errors.Is or Classify, never by message.
var (
	ErrRateLimited = errors.New("store: rate limited")
	ErrTransient   = errors.New("store: transient failure")
	ErrFatal       = errors.New("store: persistence failure")
	ErrNotFound    = errors.New("store: record not found")
)

// Kind is the retry class of an error.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimited
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RateLimited marks err as a rate-limit rejection.
func RateLimited(err error) error { return errors.Mark(err, ErrRateLimited) }

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error { return errors.Mark(err, ErrTransient) }

// Fatal marks err as non-retryable.
func Fatal(err error) error { return errors.Mark(err, ErrFatal) }

// Classify returns the retry class of err. Explicit marks win; otherwise
// deadlines and network errors are transient and anything else is fatal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether a failed write should be attempted again later.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

func errDuplicateKey(key string) error {
	return errors.Newf("store: record for key %q already exists", key)
}
