package cache

import (
	"strings"
	"time"

	"github.com/agentuity/tiercache/store"
)

// DefaultTTL is the lifetime of an entry set without an explicit TTL.
const DefaultTTL = 24 * time.Hour

// DefaultCacheType labels entries set without an explicit type.
const DefaultCacheType = "General"

// Priority is an advisory label persisted with an entry.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
)

// ParsePriority accepts a priority name in any case.
func ParsePriority(s string) (Priority, bool) {
	switch {
	case s == "":
		return PriorityNormal, true
	case strings.EqualFold(s, string(PriorityLow)):
		return PriorityLow, true
	case strings.EqualFold(s, string(PriorityNormal)):
		return PriorityNormal, true
	case strings.EqualFold(s, string(PriorityHigh)):
		return PriorityHigh, true
	}
	return "", false
}

// EntryOptions controls how Set stores a value. Zero fields take the
// defaults: DefaultTTL, DefaultCacheType and PriorityNormal.
type EntryOptions struct {
	TTL       time.Duration
	CacheType string
	Priority  Priority
}

func (o EntryOptions) withDefaults(ttl time.Duration) EntryOptions {
	if o.TTL <= 0 {
		o.TTL = ttl
	}
	if o.CacheType == "" {
		o.CacheType = DefaultCacheType
	}
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	return o
}

// Entry is a cached value together with its bookkeeping.
type Entry[T any] struct {
	Key       string
	Value     T
	ExpiresAt time.Time
	CacheType string
	Priority  Priority
	// SizeBytes is the length of the encoded value.
	SizeBytes int
	HitCount  int
	LastHitAt time.Time
}

// Expired reports whether the entry is dead at now. An entry dies at the
// instant ExpiresAt, not after it.
func (e Entry[T]) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e Entry[T]) record(payload []byte) store.Record {
	return store.Record{
		Key:       e.Key,
		Payload:   payload,
		ExpiresAt: e.ExpiresAt,
		CacheType: e.CacheType,
		Priority:  string(e.Priority),
		SizeBytes: e.SizeBytes,
		HitCount:  e.HitCount,
		LastHitAt: e.LastHitAt,
	}
}

func entryFromRecord[T any](rec store.Record, value T) Entry[T] {
	return Entry[T]{
		Key:       rec.Key,
		Value:     value,
		ExpiresAt: rec.ExpiresAt,
		CacheType: rec.CacheType,
		Priority:  Priority(rec.Priority),
		SizeBytes: rec.SizeBytes,
		HitCount:  rec.HitCount,
		LastHitAt: rec.LastHitAt,
	}
}
