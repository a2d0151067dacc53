package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// maxTombstones bounds how many removed keys keep their generation before
// the whole set is forgotten at once.
const maxTombstones = 1024

// Memory is the process-local tier: a mutex-guarded map of entries. Writes
// are visible to every reader as soon as Write returns. Expired entries are
// detected lazily by the reader; StartSweep adds a background purge.
//
// Every Write, Remove and Clear advances the key's generation. A reader that
// fetched a value elsewhere copies it in with fill, which refuses if the key
// changed since the reader took its generation.
type Memory[T any] struct {
	mutex   sync.RWMutex
	entries map[string]Entry[T]
	clock   clock.Clock

	gens    map[string]uint64
	version uint64
	// floor is the generation of every key missing from gens.
	floor uint64

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	started   bool
}

// NewMemory returns an empty Memory using clk for expiry checks. A nil clk
// means the wall clock.
func NewMemory[T any](clk clock.Clock) *Memory[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory[T]{
		entries: make(map[string]Entry[T]),
		gens:    make(map[string]uint64),
		clock:   clk,
	}
}

// Read returns the entry for key, expired or not.
func (m *Memory[T]) Read(key string) (Entry[T], bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Write stores e under key, replacing any previous entry.
func (m *Memory[T]) Write(key string, e Entry[T]) {
	m.mutex.Lock()
	m.entries[key] = e
	m.touchLocked(key)
	m.mutex.Unlock()
}

// Remove deletes key and reports whether it was present.
func (m *Memory[T]) Remove(key string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	m.touchLocked(key)
	m.pruneLocked()
	return ok
}

// generation returns the current generation of key.
func (m *Memory[T]) generation(key string) uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.generationLocked(key)
}

// fill stores e under key only if key is still at generation gen and holds
// no live entry. It reports whether e was stored.
func (m *Memory[T]) fill(key string, e Entry[T], gen uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.generationLocked(key) != gen {
		return false
	}
	if cur, ok := m.entries[key]; ok && !cur.Expired(m.clock.Now()) {
		return false
	}
	m.entries[key] = e
	m.touchLocked(key)
	return true
}

func (m *Memory[T]) generationLocked(key string) uint64 {
	if g, ok := m.gens[key]; ok {
		return g
	}
	return m.floor
}

func (m *Memory[T]) touchLocked(key string) {
	m.version++
	m.gens[key] = m.version
}

func (m *Memory[T]) pruneLocked() {
	if len(m.gens)-len(m.entries) > maxTombstones {
		m.forgetLocked()
	}
}

// forgetLocked drops the generations of absent keys. Raising the floor makes
// any generation taken before this point stale.
func (m *Memory[T]) forgetLocked() {
	for key := range m.gens {
		if _, ok := m.entries[key]; !ok {
			delete(m.gens, key)
		}
	}
	m.version++
	m.floor = m.version
}

// removeIfExpired deletes key only if the stored entry is still expired, so a
// concurrent Write of a fresh value is not lost.
func (m *Memory[T]) removeIfExpired(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if e, ok := m.entries[key]; ok && e.Expired(m.clock.Now()) {
		delete(m.entries, key)
		m.pruneLocked()
	}
}

// Clear deletes every entry and returns how many there were.
func (m *Memory[T]) Clear() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]Entry[T])
	m.gens = make(map[string]uint64)
	m.version++
	m.floor = m.version
	return n
}

// Len returns the number of entries, including expired ones not yet purged.
func (m *Memory[T]) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.entries)
}

// IsExpired reports whether e is past its expiry on the tier's clock.
func (m *Memory[T]) IsExpired(e Entry[T]) bool {
	return e.Expired(m.clock.Now())
}

// Sweep deletes every expired entry and returns how many were removed.
func (m *Memory[T]) Sweep() int {
	now := m.clock.Now()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var n int
	for key, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, key)
			n++
		}
	}
	m.pruneLocked()
	return n
}

// StartSweep purges expired entries every interval until ctx is cancelled
// or Close is called. Calling it more than once has no effect.
func (m *Memory[T]) StartSweep(parent context.Context, interval time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.started || interval <= 0 {
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.waitGroup.Add(1)
	go m.run(ctx, interval)
}

func (m *Memory[T]) run(ctx context.Context, interval time.Duration) {
	defer m.waitGroup.Done()
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops the sweep goroutine, if any. Entries are kept.
func (m *Memory[T]) Close() {
	m.once.Do(func() {
		m.mutex.Lock()
		cancel := m.cancel
		m.mutex.Unlock()
		if cancel != nil {
			cancel()
		}
		m.waitGroup.Wait()
	})
}
