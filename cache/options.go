package cache

import (
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/queue"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
)

// config holds the resolved configuration for a Tiered cache.
type config struct {
	defaultTTL time.Duration
	sweep      time.Duration
	queue      queue.Config
	queueSet   bool
	codec      any
	clock      clock.Clock
	logger     logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// Option configures a Tiered cache.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if cfg.tracer == nil {
		cfg.tracer = tracer
	}
	return cfg
}

// WithDefaultTTL sets the lifetime used when EntryOptions.TTL is zero.
// Defaults to DefaultTTL (24 hours).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithMemorySweep purges expired memory entries every d. Off by default.
func WithMemorySweep(d time.Duration) Option {
	return func(c *config) { c.sweep = d }
}

// WithQueueConfig sets the write queue limits. Defaults to queue.DefaultConfig.
func WithQueueConfig(qc queue.Config) Option {
	return func(c *config) {
		c.queue = qc
		c.queueSet = true
	}
}

// WithCodec sets the payload codec. Its type parameter must match the cache's
// value type. Defaults to MsgpackCodec.
func WithCodec[T any](codec Codec[T]) Option {
	return func(c *config) { c.codec = codec }
}

// WithClock sets the time source for expiry and the write queue.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithLogger sets the logger shared by the cache and its write queue.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics records reads, computes and queue activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithTracer sets the tracer for Get and WithCache spans. Defaults to the
// global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}
