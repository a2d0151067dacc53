package store

import (
	"context"
	"time"
)

// Record is the persisted form of a cache entry. Payload holds the encoded
// value; ID is assigned by the remote store on Create.
type Record struct {
	ID        string    `msgpack:"id" json:"id"`
	Key       string    `msgpack:"cache_key" json:"cache_key"`
	Payload   []byte    `msgpack:"payload" json:"payload"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at"`
	CacheType string    `msgpack:"cache_type" json:"cache_type"`
	Priority  string    `msgpack:"priority" json:"priority"`
	SizeBytes int       `msgpack:"size_bytes" json:"size_bytes"`
	HitCount  int       `msgpack:"hit_count" json:"hit_count"`
	LastHitAt time.Time `msgpack:"last_hit_at" json:"last_hit_at"`
}

// Expired reports whether the record is dead at now, counting ExpiresAt
// itself as dead.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PersistedCache is the remote entity store holding cache records. Each
// method may fail with an error marked ErrRateLimited when the remote
// throttles the caller.
type PersistedCache interface {
	// Filter returns the records whose cache key equals key; at most one.
	Filter(ctx context.Context, key string) ([]Record, error)
	// Create stores a new record and returns it with its assigned ID.
	Create(ctx context.Context, rec Record) (Record, error)
	// Update replaces the record with the given id. Returns ErrNotFound if
	// no such record exists.
	Update(ctx context.Context, id string, rec Record) (Record, error)
	// Delete removes the record with the given id. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases resources owned by the store.
	Close() error
}

// Purger is implemented by stores that can bulk-delete expired records.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
