package cache

import (
	"context"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/queue"
	"github.com/agentuity/tiercache/store"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	tierMemory     = "memory"
	tierPersistent = "persistent"
	tierMiss       = "miss"
)

// Stats is a read-only snapshot of a Tiered cache.
type Stats struct {
	MemorySize        int
	QueueSize         int
	IsDraining        bool
	ConsecutiveErrors int
	LastWriteTime     time.Time
}

// Tiered is a two-tier cache: a process-local Memory tier in front of a
// persistent store reached through a store.Adapter. Reads fall through from
// memory to the store; writes land in memory synchronously and reach the
// store later through a coalescing write queue. Store failures never reach
// the caller.
//
// A Tiered built with a nil adapter caches in memory only.
type Tiered[T any] struct {
	memory  *Memory[T]
	adapter *store.Adapter
	queue   *queue.Queue
	codec   Codec[T]

	defaultTTL time.Duration
	sweep      time.Duration
	clock      clock.Clock
	logger     logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	group      singleflight.Group
}

// New returns a Tiered cache persisting through adapter. Call Start to run
// the write queue and Stop to shut it down.
func New[T any](adapter *store.Adapter, opts ...Option) *Tiered[T] {
	cfg := applyOptions(opts)
	var codec Codec[T] = MsgpackCodec[T]{}
	if cfg.codec != nil {
		c, ok := cfg.codec.(Codec[T])
		if !ok {
			panic("cache: codec does not match the cache value type")
		}
		codec = c
	}
	t := &Tiered[T]{
		memory:     NewMemory[T](cfg.clock),
		adapter:    adapter,
		codec:      codec,
		defaultTTL: cfg.defaultTTL,
		sweep:      cfg.sweep,
		clock:      cfg.clock,
		logger:     cfg.logger.WithPrefix("[cache]"),
		metrics:    cfg.metrics,
		tracer:     cfg.tracer,
	}
	if adapter != nil {
		qopts := []queue.Option{
			queue.WithClock(cfg.clock),
			queue.WithLogger(cfg.logger),
			queue.WithMetrics(cfg.metrics),
		}
		if cfg.queueSet {
			qopts = append(qopts, queue.WithConfig(cfg.queue))
		}
		t.queue = queue.New(adapter, qopts...)
	}
	return t
}

// Start runs the write queue's drain loop and, if configured, the memory
// sweep. Both stop when ctx is cancelled or Stop is called.
func (t *Tiered[T]) Start(ctx context.Context) {
	if t.sweep > 0 {
		t.memory.StartSweep(ctx, t.sweep)
	}
	if t.queue != nil {
		t.queue.Start(ctx)
	}
}

// Stop halts background work and waits for an in-progress drain cycle.
// Pending writes are not persisted; call Flush first for that.
func (t *Tiered[T]) Stop() error {
	if t.queue != nil {
		t.queue.Stop()
	}
	t.memory.Close()
	return nil
}

// Flush writes every pending entry to the store, returning early with an
// error wrapping queue.ErrStopped if ctx ends first.
func (t *Tiered[T]) Flush(ctx context.Context) error {
	if t.queue == nil {
		return nil
	}
	return t.queue.Flush(ctx)
}

// Memory exposes the memory tier.
func (t *Tiered[T]) Memory() *Memory[T] { return t.memory }

// Queue exposes the write queue. It is nil for a memory-only cache.
func (t *Tiered[T]) Queue() *queue.Queue { return t.queue }

// Get returns the live value for key. A memory hit involves no I/O. On a
// memory miss the persistent tier is consulted and a live record found there
// is copied into memory. Store errors are logged and reported as a miss.
func (t *Tiered[T]) Get(ctx context.Context, key string) (T, bool) {
	ctx, span := t.tracer.Start(ctx, "tiercache.Get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	e, tier := t.get(ctx, key)
	span.SetAttributes(attribute.String("cache.tier", tier))
	t.countRead(tier)
	if tier == tierMiss {
		var zero T
		return zero, false
	}
	return e.Value, true
}

func (t *Tiered[T]) get(ctx context.Context, key string) (Entry[T], string) {
	if e, ok := t.memory.Read(key); ok {
		if !t.memory.IsExpired(e) {
			return e, tierMemory
		}
		t.memory.removeIfExpired(key)
	}
	if t.adapter == nil {
		return Entry[T]{}, tierMiss
	}

	gen := t.memory.generation(key)
	rec, found, err := t.adapter.ReadByKey(ctx, key)
	if err != nil {
		t.logger.Warn("persistent read for %q failed, treating as miss: %s", key, err)
		if t.metrics != nil {
			t.metrics.ReadErrors.Inc()
		}
		return Entry[T]{}, tierMiss
	}
	now := t.clock.Now()
	if !found || rec.Expired(now) {
		return Entry[T]{}, tierMiss
	}
	value, err := t.codec.Unmarshal(rec.Payload)
	if err != nil {
		t.logger.Error("discarding undecodable record for %q: %s", key, err)
		return Entry[T]{}, tierMiss
	}

	rec.HitCount++
	rec.LastHitAt = now
	e := entryFromRecord(rec, value)
	if !t.memory.fill(key, e, gen) {
		// key was set or invalidated during the read
		if cur, ok := t.memory.Read(key); ok && !t.memory.IsExpired(cur) {
			return cur, tierMemory
		}
		return e, tierPersistent
	}
	// a pending write for key is at least as fresh as this copy
	t.queue.EnqueueIfAbsent(rec)
	return e, tierPersistent
}

// Set stores v under key. The memory tier is updated before Set returns; the
// persistent write is queued and happens later, or not at all if the queue
// sheds it. A value that fails to encode is cached in memory only.
func (t *Tiered[T]) Set(ctx context.Context, key string, v T, opts EntryOptions) {
	opts = opts.withDefaults(t.defaultTTL)
	e := Entry[T]{
		Key:       key,
		Value:     v,
		ExpiresAt: t.clock.Now().Add(opts.TTL),
		CacheType: opts.CacheType,
		Priority:  opts.Priority,
	}
	payload, err := t.codec.Marshal(v)
	if err != nil {
		t.memory.Write(key, e)
		t.logger.Error("not persisting %q: %s", key, err)
		return
	}
	e.SizeBytes = len(payload)
	t.memory.Write(key, e)
	if t.queue != nil {
		t.queue.Enqueue(e.record(payload))
	}
}

// WithCache returns the cached value for key, or calls compute, caches its
// result and returns it. Concurrent misses on the same key share a single
// compute call. An error from compute is returned unchanged and nothing is
// cached.
//
// The shared compute call keeps the first caller's context values but not its
// cancellation, so one caller giving up does not fail the others. A caller
// whose own ctx ends stops waiting and gets ctx.Err().
func (t *Tiered[T]) WithCache(ctx context.Context, key string, compute func(ctx context.Context) (T, error), opts EntryOptions) (T, error) {
	ctx, span := t.tracer.Start(ctx, "tiercache.WithCache", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if e, tier := t.get(ctx, key); tier != tierMiss {
		span.SetAttributes(attribute.String("cache.tier", tier))
		t.countRead(tier)
		return e.Value, nil
	}
	span.SetAttributes(attribute.String("cache.tier", tierMiss))
	t.countRead(tierMiss)

	flight := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (any, error) {
		v, err := compute(flight)
		if err != nil {
			t.countCompute("error")
			return nil, err
		}
		t.countCompute("ok")
		t.Set(flight, key, v, opts)
		return v, nil
	})
	var res any
	var err error
	select {
	case r := <-ch:
		res, err = r.Val, r.Err
		span.SetAttributes(attribute.Bool("cache.shared", r.Shared))
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// Invalidate removes key from memory, drops any pending write for it and
// deletes the persisted copy. Store failures are logged, not returned. It is
// safe to call for a key that exists nowhere.
func (t *Tiered[T]) Invalidate(ctx context.Context, key string) {
	t.memory.Remove(key)
	if t.queue == nil {
		return
	}
	t.queue.Remove(key)
	t.adapter.DeleteByKey(ctx, key)
}

// ClearAll empties the memory tier and drops every pending write. Records
// already persisted are left alone.
func (t *Tiered[T]) ClearAll() {
	n := t.memory.Clear()
	var dropped int
	if t.queue != nil {
		dropped = t.queue.Clear()
	}
	t.logger.Debug("cleared %d entries and %d pending writes", n, dropped)
}

// Stats returns a snapshot of both tiers. It has no side effects.
func (t *Tiered[T]) Stats() Stats {
	s := Stats{MemorySize: t.memory.Len()}
	if t.queue != nil {
		qs := t.queue.Stats()
		s.QueueSize = qs.Size
		s.IsDraining = qs.Draining
		s.ConsecutiveErrors = qs.ConsecutiveErrors
		s.LastWriteTime = qs.LastWriteTime
	}
	return s
}

func (t *Tiered[T]) countRead(tier string) {
	if t.metrics != nil {
		t.metrics.Reads.WithLabelValues(tier).Inc()
	}
}

func (t *Tiered[T]) countCompute(result string) {
	if t.metrics != nil {
		t.metrics.Computes.WithLabelValues(result).Inc()
	}
}
