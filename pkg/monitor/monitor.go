// Package monitor implements [MODULE C8]: atomic counters, per-operation
// latency histograms, rolling hit-rate windows, and sampled execution
// traces for the cache. Counters and histograms are exposed through
// Prometheus, namespace "cuenv" subsystem "cache", mirroring the
// metrics idiom in github.com/buildbarn/bb-storage's
// pkg/blobstore/local/local_blob_access.go (NewCounterVec/HistogramVec
// registered once via sync.Once, labeled by the hosting cache's name).
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var registerOnce sync.Once

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuenv",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total number of cache operations, by name and outcome.",
		},
		[]string{"name", "outcome"})

	bytesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuenv",
			Subsystem: "cache",
			Name:      "bytes_stored_total",
			Help:      "Total number of bytes committed to the content-addressed store.",
		},
		[]string{"name"})

	bytesEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuenv",
			Subsystem: "cache",
			Name:      "bytes_evicted_total",
			Help:      "Total number of bytes freed by eviction and garbage collection.",
		},
		[]string{"name"})

	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cuenv",
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Latency of cache operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		},
		[]string{"name", "stage"})
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(opsTotal, bytesStored, bytesEvicted, operationLatency)
	})
}

// Monitor aggregates the counters, rolling windows, and execution
// tracer for one named cache instance.
type Monitor struct {
	name string

	totalOps atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	writes   atomic.Int64
	errors   atomic.Int64

	windows *hitRateWindows
	noop    bool

	sampleRate     int
	tracerProvider *otrace.TracerProvider
	tracer         trace.Tracer
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithSampleRate overrides DefaultSampleRate for this Monitor's
// execution-trace sampler (spec.md §4.8's "sampled execution traces
// (1-in-N, default N=100)").
func WithSampleRate(n int) Option {
	return func(m *Monitor) { m.sampleRate = n }
}

// New creates a Monitor that publishes Prometheus metrics under the
// given instance name, with a SampledRateSampler-backed tracer for
// execution traces.
func New(name string, opts ...Option) *Monitor {
	registerMetrics()
	m := &Monitor{name: name, windows: newHitRateWindows(time.Now), sampleRate: DefaultSampleRate}
	for _, opt := range opts {
		opt(m)
	}
	m.tracerProvider = otrace.NewTracerProvider(otrace.WithSampler(NewSampledRateSampler(m.sampleRate)))
	m.tracer = m.tracerProvider.Tracer("github.com/cuenv/cuenv/pkg/orchestrator")
	return m
}

// NoOp returns a Monitor that tracks nothing and never touches
// Prometheus's default registry; used where no monitor was configured
// (orchestrator construction always passes a real one in practice, but
// sub-components default to this for standalone testability).
func NoOp() *Monitor {
	tp := otrace.NewTracerProvider(otrace.WithSampler(otrace.NeverSample()))
	return &Monitor{noop: true, windows: newHitRateWindows(time.Now), tracerProvider: tp, tracer: tp.Tracer("noop")}
}

// RecordHit records a cache hit.
func (m *Monitor) RecordHit() {
	m.totalOps.Add(1)
	m.hits.Add(1)
	m.windows.record(true)
	if !m.noop {
		opsTotal.WithLabelValues(m.name, "hit").Inc()
	}
}

// RecordMiss records a cache miss.
func (m *Monitor) RecordMiss() {
	m.totalOps.Add(1)
	m.misses.Add(1)
	m.windows.record(false)
	if !m.noop {
		opsTotal.WithLabelValues(m.name, "miss").Inc()
	}
}

// RecordWrite records a successful store of a new ActionResult or blob.
func (m *Monitor) RecordWrite() {
	m.writes.Add(1)
	if !m.noop {
		opsTotal.WithLabelValues(m.name, "write").Inc()
	}
}

// RecordError records an operation that failed.
func (m *Monitor) RecordError() {
	m.errors.Add(1)
	if !m.noop {
		opsTotal.WithLabelValues(m.name, "error").Inc()
	}
}

// RecordBytesStored accounts for newly committed blob bytes.
func (m *Monitor) RecordBytesStored(n int64) {
	if !m.noop {
		bytesStored.WithLabelValues(m.name).Add(float64(n))
	}
}

// RecordBytesEvicted accounts for freed blob bytes.
func (m *Monitor) RecordBytesEvicted(n int64) {
	if !m.noop {
		bytesEvicted.WithLabelValues(m.name).Add(float64(n))
	}
}

// ObserveLatency records how long stage of an operation took.
func (m *Monitor) ObserveLatency(stage string, d time.Duration) {
	if !m.noop {
		operationLatency.WithLabelValues(m.name, stage).Observe(d.Seconds())
	}
}

// StartStage begins an execution-trace span for stage, sampled by this
// Monitor's SampledRateSampler, and returns a context carrying it plus a
// function that ends the span and records the stage's latency. The
// returned function must be called exactly once, typically via defer;
// latency is recorded for every call regardless of whether the span
// itself was sampled.
func (m *Monitor) StartStage(ctx context.Context, stage string) (context.Context, func()) {
	spanCtx, span := m.tracer.Start(ctx, stage)
	start := time.Now()
	return spanCtx, func() {
		m.ObserveLatency(stage, time.Since(start))
		span.End()
	}
}

// Snapshot is a point-in-time read of the monitor's counters. Reading a
// Snapshot never takes a cache-wide lock: every field is an
// independently-loaded atomic.
type Snapshot struct {
	TotalOps int64
	Hits     int64
	Misses   int64
	Writes   int64
	Errors   int64

	HitRate1m, HitRate5m, HitRate1h float64
}

// Snapshot returns the current counter values and rolling hit rates.
func (m *Monitor) Snapshot() Snapshot {
	r1m, r5m, r1h := m.windows.rates()
	return Snapshot{
		TotalOps:  m.totalOps.Load(),
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Writes:    m.writes.Load(),
		Errors:    m.errors.Load(),
		HitRate1m: r1m,
		HitRate5m: r5m,
		HitRate1h: r1h,
	}
}
