// Package queue implements a bounded, deduplicating queue of pending
// persistent-tier writes and the rate-aware loop that drains it.
//
// The queue keeps at most one pending write per key: enqueuing a key that is
// already waiting replaces the queued record in place, so only the last value
// per key is guaranteed to reach the store. A background loop drains small
// batches on a fixed period, spacing writes apart and backing off
// exponentially when the store reports rate limiting.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/store"
	"github.com/benbjohnson/clock"
)

// Writer persists one record. *store.Adapter satisfies it.
type Writer interface {
	Upsert(ctx context.Context, rec store.Record) error
}

// Deleter is implemented by writers that can remove a persisted key. When a
// write lands for a key that was removed while the write was in flight, the
// queue deletes the key again so the removal wins.
type Deleter interface {
	DeleteByKey(ctx context.Context, key string)
}

// Admission is the outcome of an enqueue.
type Admission int

const (
	// Enqueued appended a new key.
	Enqueued Admission = iota
	// Coalesced replaced a pending write for the same key in place.
	Coalesced
	// Evicted appended the key after evicting the oldest pending write.
	Evicted
	// Dropped rejected the write because the queue is full.
	Dropped
	// Skipped left an existing pending or in-flight write untouched.
	Skipped
)

func (a Admission) String() string {
	switch a {
	case Enqueued:
		return "enqueued"
	case Coalesced:
		return "coalesced"
	case Evicted:
		return "evicted"
	case Dropped:
		return "dropped"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Size              int
	InFlight          int
	Draining          bool
	ConsecutiveErrors int
	LastWriteTime     time.Time
	LastErrorTime     time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg     Config
	writer  Writer
	clock   clock.Clock
	logger  logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	items     []store.Record
	inflight  map[string]bool // false once removed while being written
	retracted map[string]struct{}
	draining  bool
	lastWrite time.Time
	lastError time.Time
	errors    int
	cancel    context.CancelFunc
	started   bool

	kick     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

// WithConfig replaces the default limits. Zero sizes fall back to defaults.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(l logger.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics records queue activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New returns a Queue draining into w. Call Start to run the drain loop.
func New(w Writer, opts ...Option) *Queue {
	q := &Queue{
		cfg:       DefaultConfig(),
		writer:    w,
		inflight:  make(map[string]bool),
		retracted: make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cfg = q.cfg.withDefaults()
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.logger == nil {
		q.logger = logger.NewConsoleLogger()
	}
	q.logger = q.logger.WithPrefix("[queue]")
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue admits rec for persistence. A pending write for the same key is
// replaced in place. When the queue is full the overflow policy decides
// whether the oldest pending write or rec itself is lost.
func (q *Queue) Enqueue(rec store.Record) Admission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(rec.Key); i >= 0 {
		q.items[i] = rec
		q.countLocked(Coalesced)
		return Coalesced
	}
	return q.appendLocked(rec)
}

// EnqueueIfAbsent admits rec only when no write for its key is pending or in
// flight. Bookkeeping updates use it so they never overwrite a newer value.
func (q *Queue) EnqueueIfAbsent(rec store.Record) Admission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[rec.Key]; busy || q.indexLocked(rec.Key) >= 0 {
		q.countLocked(Skipped)
		return Skipped
	}
	return q.appendLocked(rec)
}

func (q *Queue) appendLocked(rec store.Record) Admission {
	result := Enqueued
	if len(q.items)+len(q.inflight) >= q.cfg.Capacity {
		if q.cfg.Overflow == DropNewest || len(q.items) == 0 {
			q.logger.Warn("queue full (%d), dropping write for %q", q.cfg.Capacity, rec.Key)
			q.countLocked(Dropped)
			return Dropped
		}
		victim := q.items[0]
		q.items = q.items[1:]
		q.logger.Warn("queue full (%d), evicted pending write for %q", q.cfg.Capacity, victim.Key)
		result = Evicted
	}
	q.items = append(q.items, rec)
	q.countLocked(result)
	return result
}

// Remove discards the pending write for key. A write for key that is in
// flight is not requeued if it fails, and is deleted again if it succeeds.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[key]; ok {
		q.inflight[key] = false
		q.retracted[key] = struct{}{}
	}
	i := q.indexLocked(key)
	if i < 0 {
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.gaugeLocked()
	return true
}

// Clear discards every pending write. In-flight writes still complete.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	for key := range q.inflight {
		q.inflight[key] = false
	}
	q.gaugeLocked()
	return n
}

// Len returns the number of pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending reports whether a write for key is waiting to drain.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(key) >= 0
}

// Keys returns the pending keys in drain order.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, len(q.items))
	for i, rec := range q.items {
		keys[i] = rec.Key
	}
	return keys
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:              len(q.items),
		InFlight:          len(q.inflight),
		Draining:          q.draining,
		ConsecutiveErrors: q.errors,
		LastWriteTime:     q.lastWrite,
		LastErrorTime:     q.lastError,
	}
}

func (q *Queue) indexLocked(key string) int {
	for i := range q.items {
		if q.items[i].Key == key {
			return i
		}
	}
	return -1
}

func (q *Queue) countLocked(a Admission) {
	if q.metrics != nil {
		q.metrics.QueueEvents.WithLabelValues(a.String()).Inc()
	}
	q.gaugeLocked()
}

func (q *Queue) gaugeLocked() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.items)))
		q.metrics.ConsecutiveErrors.Set(float64(q.errors))
	}
}
