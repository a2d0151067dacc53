package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/queue"
	"github.com/agentuity/tiercache/store"
	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type user struct {
	Name string `msgpack:"name" json:"name"`
}

type fixture struct {
	cache  *Tiered[user]
	remote *store.Memory
	clock  *clock.Mock
	log    *logger.TestLogger
}

func testQueueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.WriteDelay = 0
	return cfg
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{remote: store.NewMemory(), clock: clock.NewMock(), log: logger.NewTestLogger()}
	adapter := store.NewAdapter(f.remote, store.WithLogger(f.log))
	opts = append([]Option{WithClock(f.clock), WithLogger(f.log), WithQueueConfig(testQueueConfig())}, opts...)
	f.cache = New[user](adapter, opts...)
	t.Cleanup(func() { f.cache.Stop() })
	return f
}

// gatedStore holds the first call to op after arm until release is closed.
// A held Filter has already read the store; a held Create has not written.
type gatedStore struct {
	*store.Memory
	op      store.Op
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() { g.armed.Store(true) }

func (g *gatedStore) hold(op store.Op) {
	if op == g.op && g.armed.CompareAndSwap(true, false) {
		close(g.reached)
		<-g.release
	}
}

func (g *gatedStore) Filter(ctx context.Context, key string) ([]store.Record, error) {
	recs, err := g.Memory.Filter(ctx, key)
	g.hold(store.OpFilter)
	return recs, err
}

func (g *gatedStore) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	g.hold(store.OpCreate)
	return g.Memory.Create(ctx, rec)
}

func newGatedFixture(t *testing.T, op store.Op) (*fixture, *gatedStore) {
	t.Helper()
	f := &fixture{remote: store.NewMemory(), clock: clock.NewMock(), log: logger.NewTestLogger()}
	gate := &gatedStore{Memory: f.remote, op: op, reached: make(chan struct{}), release: make(chan struct{})}
	adapter := store.NewAdapter(gate, store.WithLogger(f.log))
	f.cache = New[user](adapter, WithClock(f.clock), WithLogger(f.log), WithQueueConfig(testQueueConfig()))
	t.Cleanup(func() { f.cache.Stop() })
	return f, gate
}

func (f *fixture) persist(t *testing.T, key string, v user, ttl time.Duration) {
	t.Helper()
	payload, err := msgpack.Marshal(v)
	require.NoError(t, err)
	_, err = f.remote.Create(context.Background(), store.Record{
		Key:       key,
		Payload:   payload,
		ExpiresAt: f.clock.Now().Add(ttl),
		CacheType: "Report",
		Priority:  "High",
		SizeBytes: len(payload),
		HitCount:  4,
	})
	require.NoError(t, err)
}

func TestSetThenGetHitsMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, "user_42", user{Name: "A"}, EntryOptions{TTL: time.Hour})
	v, ok := f.cache.Get(ctx, "user_42")
	assert.True(t, ok)
	assert.Equal(t, user{Name: "A"}, v)
	assert.Equal(t, store.Calls{}, f.remote.Calls())
}

func TestSetOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "v1"}, EntryOptions{})
	f.cache.Set(ctx, "k", user{Name: "v2"}, EntryOptions{})
	v, ok := f.cache.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v.Name)
}

func TestSetDefaults(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(context.Background(), "k", user{Name: "v"}, EntryOptions{})
	e, ok := f.cache.Memory().Read("k")
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(DefaultTTL), e.ExpiresAt)
	assert.Equal(t, DefaultCacheType, e.CacheType)
	assert.Equal(t, PriorityNormal, e.Priority)
	assert.Greater(t, e.SizeBytes, 0)
}

func TestGetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "v"}, EntryOptions{TTL: time.Hour})

	f.clock.Add(time.Hour - time.Nanosecond)
	_, ok := f.cache.Get(ctx, "k")
	assert.True(t, ok)

	f.clock.Add(time.Nanosecond)
	_, ok = f.cache.Get(ctx, "k")
	assert.False(t, ok, "dead at exactly now+ttl")
	assert.Equal(t, 0, f.cache.Memory().Len())
}

func TestSetDuringPersistentReadWins(t *testing.T) {
	f, gate := newGatedFixture(t, store.OpFilter)
	ctx := context.Background()
	f.persist(t, "k", user{Name: "old"}, time.Hour)

	gate.arm()
	got := make(chan user)
	go func() {
		v, _ := f.cache.Get(ctx, "k")
		got <- v
	}()
	<-gate.reached
	f.cache.Set(ctx, "k", user{Name: "new"}, EntryOptions{})
	close(gate.release)
	assert.Equal(t, "new", (<-got).Name)

	v, ok := f.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "new", v.Name)

	f.cache.Queue().DrainOnce(ctx)
	recs, err := f.remote.Filter(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var persisted user
	require.NoError(t, msgpack.Unmarshal(recs[0].Payload, &persisted))
	assert.Equal(t, "new", persisted.Name)
}

func TestInvalidateDuringPersistentReadWins(t *testing.T) {
	f, gate := newGatedFixture(t, store.OpFilter)
	ctx := context.Background()
	f.persist(t, "k", user{Name: "old"}, time.Hour)

	gate.arm()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.cache.Get(ctx, "k")
	}()
	<-gate.reached
	f.cache.Invalidate(ctx, "k")
	close(gate.release)
	<-done

	_, ok := f.cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, f.cache.Memory().Len())
	assert.False(t, f.cache.Queue().Pending("k"), "no hit count write for an invalidated key")
	assert.Equal(t, 0, f.remote.Len())
}

func TestCoalescedWritesPersistLastValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		f.cache.Set(ctx, "user_42", user{Name: fmt.Sprintf("v%d", i)}, EntryOptions{TTL: time.Hour})
	}
	assert.Equal(t, 1, f.cache.Stats().QueueSize)

	cycle := f.cache.Queue().DrainOnce(ctx)
	assert.Equal(t, 1, cycle.Written)
	written := f.remote.Written()
	require.Len(t, written, 1)
	var got user
	require.NoError(t, msgpack.Unmarshal(written[0].Payload, &got))
	assert.Equal(t, "v6", got.Name)
	assert.Equal(t, 1, f.remote.Calls().Writes())
}

func TestGetFallsBackToPersistentTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.persist(t, "k", user{Name: "stored"}, time.Hour)

	v, ok := f.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "stored", v.Name)

	e, ok := f.cache.Memory().Read("k")
	require.True(t, ok)
	assert.Equal(t, "Report", e.CacheType)
	assert.Equal(t, PriorityHigh, e.Priority)
	assert.Equal(t, 5, e.HitCount)
	assert.Equal(t, f.clock.Now(), e.LastHitAt)

	// hit count update goes through the queue
	assert.Equal(t, 1, f.cache.Stats().QueueSize)
	filters := f.remote.Calls().Filter

	_, ok = f.cache.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, filters, f.remote.Calls().Filter, "second read is served from memory")

	f.cache.Queue().DrainOnce(ctx)
	recs, err := f.remote.Filter(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 5, recs[0].HitCount)
}

func TestHitCountDoesNotReplacePendingWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.persist(t, "k", user{Name: "stored"}, time.Hour)

	f.cache.Set(ctx, "k", user{Name: "fresh"}, EntryOptions{})
	f.cache.Memory().Remove("k")
	_, ok := f.cache.Get(ctx, "k")
	require.True(t, ok)

	f.cache.Queue().DrainOnce(ctx)
	recs, _ := f.remote.Filter(ctx, "k")
	require.Len(t, recs, 1)
	var got user
	require.NoError(t, msgpack.Unmarshal(recs[0].Payload, &got))
	assert.Equal(t, "fresh", got.Name)
}

func TestGetIgnoresExpiredPersistedRecord(t *testing.T) {
	f := newFixture(t)
	f.persist(t, "k", user{Name: "stale"}, time.Minute)
	f.clock.Add(2 * time.Minute)

	_, ok := f.cache.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 0, f.cache.Memory().Len())
}

func TestGetTreatsStoreErrorAsMiss(t *testing.T) {
	f := newFixture(t)
	f.persist(t, "k", user{Name: "stored"}, time.Hour)
	f.remote.SetFault(func(op store.Op, key string) error {
		return errors.New("connection reset")
	})

	_, ok := f.cache.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.True(t, f.log.Contains("WARNING", `persistent read for "k" failed`))
}

func TestGetDiscardsUndecodableRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.remote.Create(context.Background(), store.Record{Key: "k", Payload: []byte{0xc1}, ExpiresAt: f.clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, ok := f.cache.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.True(t, f.log.Contains("ERROR", `undecodable record for "k"`))
}

func TestWithCacheMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls int
	compute := func(ctx context.Context) (user, error) {
		calls++
		return user{Name: "computed"}, nil
	}

	v, err := f.cache.WithCache(ctx, "k", compute, EntryOptions{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "computed", v.Name)

	v, err = f.cache.WithCache(ctx, "k", compute, EntryOptions{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "computed", v.Name)
	assert.Equal(t, 1, calls)

	f.cache.Queue().DrainOnce(ctx)
	assert.Equal(t, 1, f.remote.Len())
}

func TestWithCacheComputeErrorPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("upstream failed")

	_, err := f.cache.WithCache(ctx, "k", func(context.Context) (user, error) {
		return user{}, boom
	}, EntryOptions{})
	assert.Equal(t, boom, err)
	assert.Equal(t, 0, f.cache.Stats().MemorySize)
	assert.Equal(t, 0, f.cache.Stats().QueueSize)
}

func TestWithCacheSharesConcurrentCompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (user, error) {
		calls.Add(1)
		<-release
		return user{Name: "once"}, nil
	}

	var wg sync.WaitGroup
	results := make([]user, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.cache.WithCache(ctx, "k", compute, EntryOptions{})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "once", v.Name)
	}
}

func TestWithCacheCallerCancelDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (user, error) {
		close(started)
		<-release
		return user{Name: "shared"}, ctx.Err()
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error)
	go func() {
		_, err := f.cache.WithCache(first, "k", compute, EntryOptions{})
		firstErr <- err
	}()
	<-started
	second := make(chan user)
	go func() {
		v, err := f.cache.WithCache(context.Background(), "k", compute, EntryOptions{})
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)
	assert.Equal(t, "shared", (<-second).Name)
	v, ok := f.cache.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, "shared", v.Name)
}

func TestInvalidateClearsBothTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "v1"}, EntryOptions{})
	f.cache.Queue().DrainOnce(ctx)
	require.Equal(t, 1, f.remote.Len())

	f.clock.Add(time.Minute)
	f.cache.Set(ctx, "k", user{Name: "v2"}, EntryOptions{})
	require.True(t, f.cache.Queue().Pending("k"))

	f.cache.Invalidate(ctx, "k")
	_, ok := f.cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, f.cache.Queue().Pending("k"))
	assert.Equal(t, 0, f.remote.Len())
}

func TestInvalidateDuringInFlightWrite(t *testing.T) {
	f, gate := newGatedFixture(t, store.OpCreate)
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "v"}, EntryOptions{})

	gate.arm()
	drained := make(chan queue.Cycle)
	go func() { drained <- f.cache.Queue().DrainOnce(ctx) }()
	<-gate.reached
	f.cache.Invalidate(ctx, "k")
	close(gate.release)
	assert.Equal(t, 1, (<-drained).Written)

	_, ok := f.cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, f.remote.Len())
}

func TestInvalidateMissingKey(t *testing.T) {
	f := newFixture(t)
	f.cache.Invalidate(context.Background(), "nothing")
	assert.Equal(t, 0, f.cache.Stats().MemorySize)
}

func TestInvalidateSwallowsStoreErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "v"}, EntryOptions{})
	f.remote.SetFault(func(store.Op, string) error { return errors.New("down") })

	f.cache.Invalidate(ctx, "k")
	assert.Equal(t, 0, f.cache.Stats().MemorySize)
	assert.True(t, f.log.Contains("WARNING", `failed to look up "k" for delete`))
}

func TestClearAllKeepsPersistedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(ctx, "a", user{Name: "a"}, EntryOptions{})
	f.cache.Queue().DrainOnce(ctx)
	f.cache.Set(ctx, "b", user{Name: "b"}, EntryOptions{})

	f.cache.ClearAll()
	stats := f.cache.Stats()
	assert.Equal(t, 0, stats.MemorySize)
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 1, f.remote.Len())

	v, ok := f.cache.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "a", v.Name)
}

func TestStatsReflectRateLimiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SetFault(func(op store.Op, key string) error {
		if op == store.OpCreate {
			return store.RateLimited(errors.New("429"))
		}
		return nil
	})
	f.cache.Set(ctx, "k", user{Name: "v"}, EntryOptions{})
	before := f.cache.Stats()
	assert.Equal(t, 1, before.MemorySize)
	assert.Equal(t, 1, before.QueueSize)
	assert.False(t, before.IsDraining)

	f.cache.Queue().DrainOnce(ctx)
	stats := f.cache.Stats()
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 1, stats.ConsecutiveErrors)
	assert.True(t, stats.LastWriteTime.IsZero())

	f.remote.SetFault(nil)
	f.clock.Add(time.Minute)
	f.cache.Queue().DrainOnce(ctx)
	stats = f.cache.Stats()
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 0, stats.ConsecutiveErrors)
	assert.Equal(t, f.clock.Now(), stats.LastWriteTime)
}

func TestStartDrainsInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Start(ctx)
	f.cache.Set(ctx, "k", user{Name: "v"}, EntryOptions{})

	assert.Eventually(t, func() bool {
		f.clock.Add(5 * time.Second)
		return f.remote.Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, f.cache.Stop())
}

func TestFlushPersistsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.cache.Set(ctx, fmt.Sprintf("k%d", i), user{Name: "v"}, EntryOptions{})
	}
	require.NoError(t, f.cache.Flush(ctx))
	assert.Equal(t, 12, f.remote.Len())
}

func TestMemoryOnly(t *testing.T) {
	c := New[string](nil, WithLogger(logger.NewTestLogger()))
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	c.Set(ctx, "k", "v", EntryOptions{})
	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	e, _ := c.Memory().Read("k")
	assert.Greater(t, e.SizeBytes, 0, "size comes from the encoded value")
	assert.Nil(t, c.Queue())
	assert.NoError(t, c.Flush(ctx))

	c.Invalidate(ctx, "k")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestWithCodec(t *testing.T) {
	f := newFixture(t, WithCodec[user](JSONCodec[user]{}))
	ctx := context.Background()
	f.cache.Set(ctx, "k", user{Name: "json"}, EntryOptions{})
	f.cache.Queue().DrainOnce(ctx)
	assert.JSONEq(t, `{"name":"json"}`, string(f.remote.Written()[0].Payload))

	assert.Panics(t, func() {
		New[int](nil, WithCodec[string](JSONCodec[string]{}), WithLogger(f.log))
	})
}

func TestReadMetrics(t *testing.T) {
	m := metrics.New(nil)
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()
	f.persist(t, "p", user{Name: "p"}, time.Hour)

	f.cache.Get(ctx, "missing")
	f.cache.Get(ctx, "p")
	f.cache.Get(ctx, "p")
	_, _ = f.cache.WithCache(ctx, "c", func(context.Context) (user, error) { return user{}, nil }, EntryOptions{})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reads.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reads.WithLabelValues("persistent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reads.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Computes.WithLabelValues("ok")))
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("high")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)
	p, ok = ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityNormal, p)
	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}
