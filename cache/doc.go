// Package cache provides a two-tier cache: a process-local memory tier in
// front of a rate-limited persistent store.
//
// # Tiers
//
// [Memory] is an in-process map guarded by a mutex. Writes are visible to
// every goroutine as soon as [Memory.Write] returns. Entries are checked for
// expiry when read; [WithMemorySweep] adds a background purge.
//
// The persistent tier is any [store.PersistedCache] wrapped in a
// [store.Adapter]. The adapter classifies failures as rate-limited, transient
// or fatal so the write queue can decide whether to retry.
//
// # Tiered
//
// [Tiered] composes the two. [Tiered.Get] answers from memory when it can and
// falls back to the store, copying live records into memory. [Tiered.Set]
// writes memory synchronously and hands the durable write to a
// [queue.Queue], which coalesces writes per key, drains them in small spaced
// batches and backs off when the store throttles. Only the last value per key
// is guaranteed to be persisted.
//
//	c := cache.New[User](store.NewAdapter(remote), cache.WithLogger(log))
//	c.Start(ctx)
//	defer c.Stop()
//
//	user, err := c.WithCache(ctx, cache.DeriveKey("user", map[string]any{"id": 42}),
//	    func(ctx context.Context) (User, error) {
//	        return db.LoadUser(ctx, 42)
//	    }, cache.EntryOptions{TTL: time.Hour})
//
// Store failures never reach the caller: reads degrade to misses and writes
// are retried, delayed or dropped. The only error [Tiered.WithCache] returns
// is the one from the compute function.
//
// # Payloads
//
// Values are encoded for the store with a [Codec]. [MsgpackCodec] is the
// default; [JSONCodec] is available through [WithCodec].
//
// # Keys
//
// [DeriveKey] builds stable keys from a name and a parameter map, so that the
// same query issued with parameters in a different order hits the same entry.
//
// # Exec
//
// [Exec] is the functional cache-aside form. Its invoker can report "not
// found" to skip caching a zero value:
//
//	found, user, err := cache.Exec(ctx, cache.CacheConfig{Key: "user:123"}, c,
//	    func(ctx context.Context) (User, bool, error) {
//	        u, err := db.FindUser(ctx, 123)
//	        if errors.Is(err, sql.ErrNoRows) {
//	            return User{}, false, nil
//	        }
//	        return u, err == nil, err
//	    })
package cache
