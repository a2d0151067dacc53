package queue

import (
	"context"
	"time"

	"github.com/agentuity/tiercache/store"
	"github.com/cockroachdb/errors"
)

// Gate names why a drain cycle did not run.
type Gate string

const (
	GateOpen     Gate = ""
	GateDraining Gate = "draining"
	GateEmpty    Gate = "empty"
	GateSpacing  Gate = "min-write-interval"
	GateBackoff  Gate = "backoff"
)

// ErrStopped is returned by Flush when its context ends before the queue empties.
var ErrStopped = errors.New("queue: flush interrupted")

// Cycle reports what one drain cycle did.
type Cycle struct {
	// Gate is non-empty when the cycle was skipped.
	Gate      Gate
	Attempted int
	Written   int
	// Dropped counts writes lost to non-retryable failures.
	Dropped int
	// Requeued counts writes returned to the head of the queue.
	Requeued int
	// Failure is the retry class that ended the batch early, if any.
	Failure store.Kind
}

// Start runs the drain loop until ctx is cancelled or Stop is called. The loop
// attempts a cycle every Interval and whenever Kick is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop halts the drain loop and waits for an in-progress cycle to finish.
// Pending writes stay queued; call Flush first to persist them.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		cancel := q.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		q.wg.Wait()
	})
}

// Kick asks the loop for an early cycle. The cycle is still subject to every
// gate, so kicking never bypasses spacing or backoff.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := q.clock.Ticker(q.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		q.DrainOnce(ctx)
	}
}

// DrainOnce runs a single drain cycle if every gate allows it: no other cycle
// is running, writes are pending, MinWriteInterval has passed since the last
// successful write, and any backoff window has elapsed.
func (q *Queue) DrainOnce(ctx context.Context) Cycle {
	return q.drain(ctx, false)
}

// Flush drains until the queue is empty, ignoring the drain period and
// MinWriteInterval but still spacing writes and honouring backoff. It returns
// ErrStopped if ctx ends first.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		cycle := q.drain(ctx, true)
		if q.idle() {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Mark(errors.Wrapf(ctx.Err(), "queue: %d writes pending", q.Len()), ErrStopped)
		}
		if cycle.Written > 0 {
			continue
		}
		if !q.sleep(ctx, q.retryIn()) {
			return errors.Mark(errors.Wrapf(ctx.Err(), "queue: %d writes pending", q.Len()), ErrStopped)
		}
	}
}

func (q *Queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && len(q.inflight) == 0
}

// retryIn is how long Flush waits after a cycle that wrote nothing.
func (q *Queue) retryIn() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	wait := q.cfg.WriteDelay
	if b := q.cfg.Backoff(q.errors); b > 0 {
		if remaining := b - q.clock.Since(q.lastError); remaining > wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (q *Queue) gateLocked(now time.Time, force bool) Gate {
	switch {
	case q.draining:
		return GateDraining
	case len(q.items) == 0:
		return GateEmpty
	case !force && !q.lastWrite.IsZero() && now.Sub(q.lastWrite) < q.cfg.MinWriteInterval:
		return GateSpacing
	case q.errors >= q.cfg.ErrorCeiling && now.Sub(q.lastError) < q.cfg.Backoff(q.errors):
		return GateBackoff
	}
	return GateOpen
}

func (q *Queue) drain(ctx context.Context, force bool) Cycle {
	start := q.clock.Now()
	q.mu.Lock()
	if gate := q.gateLocked(start, force); gate != GateOpen {
		q.mu.Unlock()
		return Cycle{Gate: gate}
	}
	n := min(q.cfg.BatchSize, len(q.items))
	batch := append([]store.Record(nil), q.items[:n]...)
	q.items = append([]store.Record(nil), q.items[n:]...)
	for _, rec := range batch {
		q.inflight[rec.Key] = true
	}
	q.draining = true
	q.gaugeLocked()
	q.mu.Unlock()

	var cycle Cycle
	for i, rec := range batch {
		if i > 0 && !q.sleep(ctx, q.cfg.WriteDelay) {
			cycle.Requeued += q.requeue(batch[i:])
			break
		}
		if !q.wanted(rec.Key) {
			q.finish(rec.Key)
			continue
		}
		cycle.Attempted++
		err := q.writer.Upsert(ctx, rec)
		if err != nil && ctx.Err() != nil {
			cycle.Requeued += q.requeue(batch[i:])
			break
		}
		kind := store.Classify(err)
		q.observe(kind)
		switch kind {
		case store.KindNone:
			cycle.Written++
			q.mu.Lock()
			q.lastWrite = q.clock.Now()
			_, retracted := q.retracted[rec.Key]
			q.mu.Unlock()
			if retracted {
				q.retract(ctx, rec.Key)
			}
			q.finish(rec.Key)
		case store.KindRateLimited, store.KindTransient:
			cycle.Failure = kind
			q.mu.Lock()
			q.errors++
			q.lastError = q.clock.Now()
			errs := q.errors
			q.mu.Unlock()
			cycle.Requeued += q.requeue(batch[i:])
			q.logger.Warn("write for %q failed (%s), requeued %d, consecutive errors %d, backoff %s: %s",
				rec.Key, kind, len(batch)-i, errs, q.cfg.Backoff(errs), err)
		default:
			cycle.Dropped++
			q.finish(rec.Key)
			q.logger.Error("dropping write for %q: %s", rec.Key, err)
		}
		if cycle.Failure != store.KindNone {
			break
		}
	}

	q.mu.Lock()
	if cycle.Written > 0 && q.errors > 0 {
		q.errors--
	}
	q.draining = false
	q.gaugeLocked()
	q.mu.Unlock()

	if cycle.Written > 0 {
		if q.metrics != nil {
			q.metrics.DrainDuration.Observe(q.clock.Since(start).Seconds())
		}
		q.logger.Debug("drained %d of %d writes, %d pending", cycle.Written, len(batch), q.Len())
	}
	return cycle
}

// requeue puts recs back at the head of the queue in their original order,
// skipping keys that were removed while in flight or that received a newer
// write meanwhile. It returns how many were requeued.
func (q *Queue) requeue(recs []store.Record) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := make([]store.Record, 0, len(recs))
	for _, rec := range recs {
		wanted := q.inflight[rec.Key]
		delete(q.inflight, rec.Key)
		delete(q.retracted, rec.Key)
		if !wanted || q.indexLocked(rec.Key) >= 0 {
			continue
		}
		front = append(front, rec)
	}
	q.items = append(front, q.items...)
	if q.metrics != nil && len(front) > 0 {
		q.metrics.QueueEvents.WithLabelValues("requeued").Add(float64(len(front)))
	}
	return len(front)
}

func (q *Queue) wanted(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[key]
}

func (q *Queue) finish(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, key)
	delete(q.retracted, key)
}

// retract deletes key from the store after a write for it landed despite a
// Remove issued while the write was in flight.
func (q *Queue) retract(ctx context.Context, key string) {
	d, ok := q.writer.(Deleter)
	if !ok {
		q.logger.Warn("write for removed key %q persisted and cannot be deleted", key)
		return
	}
	d.DeleteByKey(ctx, key)
	q.logger.Debug("deleted %q removed during its write", key)
	if q.metrics != nil {
		q.metrics.QueueEvents.WithLabelValues("retracted").Inc()
	}
}

func (q *Queue) observe(kind store.Kind) {
	if q.metrics == nil {
		return
	}
	result := kind.String()
	if kind == store.KindNone {
		result = "ok"
	}
	q.metrics.Writes.WithLabelValues(result).Inc()
}

// sleep waits d on the queue clock. It reports false if ctx ended first.
func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := q.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
