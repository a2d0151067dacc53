package store

import (
	"context"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"rate limited", RateLimited(errors.New("slow down")), KindRateLimited},
		{"wrapped rate limited", errors.Wrap(RateLimited(errors.New("slow down")), "upsert"), KindRateLimited},
		{"transient mark", Transient(errors.New("flaky")), KindTransient},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "filter"), KindTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient},
		{"fatal mark wins over deadline", Fatal(context.DeadlineExceeded), KindFatal},
		{"unknown", errors.New("schema rejected"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(RateLimited(errors.New("x"))))
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limited", KindRateLimited.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
