// Package metrics exposes Prometheus collectors for emit, lock and verify
// runs. Each command owns a private registry; the CLI dumps it to a
// node-exporter textfile when asked.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reprolock"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	artifactsEmitted  prometheus.Counter
	artifactsLocked   prometheus.Counter
	artifactsRejected *prometheus.CounterVec
	bundleEntries     prometheus.Gauge
	lockDuration      prometheus.Histogram
	verifications     *prometheus.CounterVec
	producerDuration  prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		artifactsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_emitted_total",
			Help:      "Primary artifacts written by the emitter.",
		}),
		artifactsLocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_locked_total",
			Help:      "Artifacts that reached the Hashed state.",
		}),
		artifactsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_rejected_total",
			Help:      "Artifacts rejected during a lock build, by reason.",
		}, []string{"reason"}),
		bundleEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_entries",
			Help:      "Number of lock files in the last bundle built.",
		}),
		lockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_build_duration_seconds",
			Help:      "Wall-clock duration of lock bundle builds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification runs by outcome.",
		}, []string{"outcome"}),
		producerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "producer_duration_seconds",
			Help:      "Wall-clock duration of producer subprocesses.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (m *Metrics) ArtifactEmitted() {
	if m == nil {
		return
	}
	m.artifactsEmitted.Inc()
}

func (m *Metrics) ArtifactLocked() {
	if m == nil {
		return
	}
	m.artifactsLocked.Inc()
}

func (m *Metrics) ArtifactRejected(reason string) {
	if m == nil {
		return
	}
	m.artifactsRejected.WithLabelValues(reason).Inc()
}

// LockBuilt records the size and duration of a finished build.
func (m *Metrics) LockBuilt(entries int, d time.Duration) {
	if m == nil {
		return
	}
	m.bundleEntries.Set(float64(entries))
	m.lockDuration.Observe(d.Seconds())
}

func (m *Metrics) Verified(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProducerFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.producerDuration.Observe(d.Seconds())
}

// WriteTextfile atomically writes the registry in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
