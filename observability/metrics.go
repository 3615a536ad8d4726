// Package observability holds the process-wide metrics for the gateway's
// backing stores. They are registered on the default Prometheus registry the
// first time they are requested.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Nonce check outcomes.
const (
	NonceFresh    = "fresh"
	NonceReplayed = "replayed"
	NonceError    = "error"
)

// Credential fetch outcomes.
const (
	FetchFound   = "found"
	FetchMissing = "missing"
	FetchError   = "error"
	FetchCached  = "cached"
)

type dependencyMetrics struct {
	nonceChecks  *prometheus.CounterVec
	nonceLatency *prometheus.HistogramVec
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	cacheEntries prometheus.Gauge
}

var (
	dependencyOnce     sync.Once
	dependencyRegistry *dependencyMetrics
)

// Dependencies returns the lazily initialised store metrics.
func Dependencies() *dependencyMetrics {
	dependencyOnce.Do(func() {
		dependencyRegistry = &dependencyMetrics{
			nonceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yar",
				Subsystem: "nonce",
				Name:      "checks_total",
				Help:      "Nonce checks segmented by backend and outcome.",
			}, []string{"backend", "outcome"}),
			nonceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yar",
				Subsystem: "nonce",
				Name:      "check_duration_seconds",
				Help:      "Latency of nonce store round trips.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}, []string{"backend"}),
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yar",
				Subsystem: "keystore",
				Name:      "fetches_total",
				Help:      "Credential lookups segmented by outcome.",
			}, []string{"outcome"}),
			fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yar",
				Subsystem: "keystore",
				Name:      "fetch_duration_seconds",
				Help:      "Latency of credential store round trips.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yar",
				Subsystem: "keystore",
				Name:      "cache_entries",
				Help:      "Credentials currently held by the resolver cache.",
			}),
		}
		prometheus.MustRegister(
			dependencyRegistry.nonceChecks,
			dependencyRegistry.nonceLatency,
			dependencyRegistry.fetches,
			dependencyRegistry.fetchLatency,
			dependencyRegistry.cacheEntries,
		)
	})
	return dependencyRegistry
}

// ObserveNonceCheck records one guarded nonce check.
func (m *dependencyMetrics) ObserveNonceCheck(backend string, fresh bool, err error, d time.Duration) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	outcome := NonceReplayed
	switch {
	case err != nil:
		outcome = NonceError
	case fresh:
		outcome = NonceFresh
	}
	m.nonceChecks.WithLabelValues(backend, outcome).Inc()
	m.nonceLatency.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveFetch records one credential store round trip.
func (m *dependencyMetrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordCacheHit counts a lookup answered without a round trip.
func (m *dependencyMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(FetchCached).Inc()
}

// SetCacheEntries reports the resolver cache size.
func (m *dependencyMetrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}
