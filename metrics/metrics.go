// Package metrics holds the Prometheus collectors shared by the cache,
// queue and store packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tiercache"

// Metrics is a set of collectors for one cache instance. Components accept a
// nil *Metrics and skip recording.
type Metrics struct {
	// Reads by tier that served them: memory, persistent, miss.
	Reads *prometheus.CounterVec
	// Computes counts WithCache compute invocations by outcome: ok, error.
	Computes *prometheus.CounterVec
	// ReadErrors counts persistent-tier read failures that degraded to a miss.
	ReadErrors prometheus.Counter

	// QueueEvents counts queue events by outcome: enqueued, coalesced,
	// dropped, evicted, requeued, skipped, retracted.
	QueueEvents *prometheus.CounterVec
	// QueueDepth is the number of writes waiting to drain.
	QueueDepth prometheus.Gauge
	// Writes counts drained writes by result: ok, rate_limited, transient, fatal.
	Writes *prometheus.CounterVec
	// ConsecutiveErrors mirrors the queue's error counter.
	ConsecutiveErrors prometheus.Gauge
	// DrainDuration observes the wall time of drain cycles that wrote anything.
	DrainDuration prometheus.Histogram

	// StoreCalls counts remote calls by operation and result.
	StoreCalls *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg yields
// unregistered collectors, which lets several isolated caches coexist.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Cache reads by the tier that served them",
		}, []string{"tier"}),
		Computes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computes_total",
			Help:      "WithCache compute invocations",
		}, []string{"result"}),
		ReadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistent_read_errors_total",
			Help:      "Persistent tier read failures treated as misses",
		}),
		QueueEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "events_total",
			Help:      "Write queue admission events",
		}, []string{"event"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending persistent writes",
		}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "writes_total",
			Help:      "Persistent writes attempted by the drain loop",
		}, []string{"result"}),
		ConsecutiveErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "consecutive_errors",
			Help:      "Consecutive retryable write failures",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain cycles",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		StoreCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "calls_total",
			Help:      "Remote persisted-cache calls",
		}, []string{"op", "result"}),
	}
}
