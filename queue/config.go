package queue

import (
	"math"
	"time"
)

// OverflowPolicy decides which write is lost when a new key arrives at a full queue.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to admit the new write.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming write.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	}
	return "unknown"
}

// Config controls admission and draining.
type Config struct {
	// Capacity bounds pending plus in-flight writes.
	Capacity int
	// BatchSize is the most writes attempted per drain cycle.
	BatchSize int
	// Interval is the drain timer period.
	Interval time.Duration
	// MinWriteInterval is the minimum time between the last successful write
	// and the start of the next cycle.
	MinWriteInterval time.Duration
	// WriteDelay separates consecutive writes within a batch.
	WriteDelay time.Duration
	// ErrorCeiling is the consecutive error count at which backoff starts.
	ErrorCeiling int
	// BaseRetryDelay is the backoff at the ceiling; it doubles per further error.
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps the backoff. Zero means uncapped.
	MaxRetryDelay time.Duration
	// Overflow picks the victim when the queue is full.
	Overflow OverflowPolicy
}

// DefaultConfig returns the stock limits: 50 pending writes, drain every 5s
// in batches of 5 spaced 200ms apart, at least 3s after the last success.
func DefaultConfig() Config {
	return Config{
		Capacity:         50,
		BatchSize:        5,
		Interval:         5 * time.Second,
		MinWriteInterval: 3 * time.Second,
		WriteDelay:       200 * time.Millisecond,
		ErrorCeiling:     3,
		BaseRetryDelay:   5 * time.Second,
		MaxRetryDelay:    5 * time.Minute,
		Overflow:         DropOldest,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ErrorCeiling <= 0 {
		c.ErrorCeiling = def.ErrorCeiling
	}
	return c
}

// Backoff returns how long draining pauses after the last failure when
// consecutiveErrors retryable failures have accumulated:
// BaseRetryDelay * 2^(consecutiveErrors - ErrorCeiling), or zero below the ceiling.
func (c Config) Backoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < c.ErrorCeiling || c.BaseRetryDelay <= 0 {
		return 0
	}
	d := c.BaseRetryDelay
	for exp := consecutiveErrors - c.ErrorCeiling; exp > 0; exp-- {
		if c.MaxRetryDelay > 0 && d >= c.MaxRetryDelay {
			break
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if c.MaxRetryDelay > 0 && d > c.MaxRetryDelay {
		return c.MaxRetryDelay
	}
	return d
}
