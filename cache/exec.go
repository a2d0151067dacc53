package cache

import "context"

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Key is the cache key. Required.
	Key string
	// Options controls how a computed value is stored.
	Options EntryOptions
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value (e.g. sql.ErrNoRows scenarios).
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. It checks c for config.Key first.
// On a hit, it returns the cached value with found=true.
// On a miss, it calls invoke to produce the value. If invoke returns
// found=true, the value is stored in c and returned with found=true.
// If invoke returns found=false, nothing is cached and found=false is returned.
// An error from invoke is returned unchanged.
func Exec[T any](ctx context.Context, config CacheConfig, c *Tiered[T], invoke Invoker[T]) (bool, T, error) {
	if val, ok := c.Get(ctx, config.Key); ok {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	c.Set(ctx, config.Key, result, config.Options)
	return true, result, nil
}
