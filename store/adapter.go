package store

import (
	"context"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/resilience"
	"github.com/cockroachdb/errors"
)

// DefaultQueryTimeout bounds each remote call made by the Adapter.
const DefaultQueryTimeout = 5 * time.Second

// Adapter is the gateway between the cache and a PersistedCache. It is the
// only component that performs remote I/O, and it translates backend errors
// into the RateLimited / Transient / Fatal taxonomy the write queue relies on.
type Adapter struct {
	remote  PersistedCache
	logger  logger.Logger
	metrics *metrics.Metrics
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(l logger.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithMetrics records remote call outcomes into m.
func WithMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// WithBreaker guards reads with cb. While the circuit is open ReadByKey fails
// fast with a transient error instead of calling the remote.
func WithBreaker(cb *resilience.CircuitBreaker) AdapterOption {
	return func(a *Adapter) { a.breaker = cb }
}

// WithQueryTimeout sets the per-call timeout. Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// NewAdapter wraps remote.
func NewAdapter(remote PersistedCache, opts ...AdapterOption) *Adapter {
	a := &Adapter{remote: remote, timeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.NewConsoleLogger()
	}
	a.logger = a.logger.WithPrefix("[store]")
	return a
}

func (a *Adapter) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, a.timeout)
}

func (a *Adapter) observe(op string, err error) {
	if a.metrics != nil {
		a.metrics.StoreCalls.WithLabelValues(op, Classify(err).String()).Inc()
	}
}

// ReadByKey returns the persisted record for key. A missing record is not an
// error. Failures are marked transient, or rate-limited when the remote
// throttled the read.
func (a *Adapter) ReadByKey(ctx context.Context, key string) (Record, bool, error) {
	var recs []Record
	read := func(ctx context.Context) error {
		qctx, cancel := a.queryCtx(ctx)
		defer cancel()
		var err error
		recs, err = a.remote.Filter(qctx, key)
		return err
	}
	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(ctx, read)
	} else {
		err = read(ctx)
	}
	a.observe("filter", err)
	if err != nil {
		wrapped := errors.Wrapf(err, "store: read %q", key)
		if Classify(err) == KindRateLimited {
			return Record{}, false, wrapped
		}
		return Record{}, false, Transient(wrapped)
	}
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[0], true, nil
}

// Upsert updates the persisted record for rec.Key, or creates one when none
// exists. Errors are classified so the caller can tell retryable failures
// (rate limit, transient) from fatal ones.
func (a *Adapter) Upsert(ctx context.Context, rec Record) error {
	qctx, cancel := a.queryCtx(ctx)
	defer cancel()

	existing, err := a.remote.Filter(qctx, rec.Key)
	a.observe("filter", err)
	if err != nil {
		return classifyWrite(err, "lookup", rec.Key)
	}
	if len(existing) > 0 {
		rec.ID = existing[0].ID
		_, err = a.remote.Update(qctx, rec.ID, rec)
		a.observe("update", err)
		if !errors.Is(err, ErrNotFound) {
			return classifyWrite(err, "update", rec.Key)
		}
		// deleted between lookup and update
		rec.ID = ""
	}
	_, err = a.remote.Create(qctx, rec)
	a.observe("create", err)
	return classifyWrite(err, "create", rec.Key)
}

// DeleteByKey removes every persisted record for key. Failures are logged and
// swallowed: invalidation must never block or fail the caller.
func (a *Adapter) DeleteByKey(ctx context.Context, key string) {
	qctx, cancel := a.queryCtx(ctx)
	defer cancel()

	recs, err := a.remote.Filter(qctx, key)
	a.observe("filter", err)
	if err != nil {
		a.logger.Warn("failed to look up %q for delete: %s", key, err)
		return
	}
	for _, rec := range recs {
		err := a.remote.Delete(qctx, rec.ID)
		a.observe("delete", err)
		if err != nil {
			a.logger.Warn("failed to delete %q (id %s): %s", key, rec.ID, err)
		}
	}
}

// Close closes the underlying store.
func (a *Adapter) Close() error {
	return a.remote.Close()
}

func classifyWrite(err error, op, key string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "store: %s %q", op, key)
	if IsRetryable(err) {
		return wrapped
	}
	return Fatal(wrapped)
}
