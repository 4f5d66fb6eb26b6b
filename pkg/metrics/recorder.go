// Package metrics exposes Prometheus instrumentation for the document
// acquisition pipeline. A nil *Recorder is a valid no-op so callers can
// leave metrics unwired in tests and small tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder provides a unified interface for recording pipeline metrics.
type Recorder struct {
	registry prometheus.Registerer

	// Fetcher metrics.
	fetchAttempts *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    prometheus.Counter

	// Cache ledger metrics.
	cacheLookups   *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	cacheBytes     prometheus.Gauge
	cacheEvictions *prometheus.CounterVec

	// Orchestrator metrics.
	documentsProcessed *prometheus.CounterVec
	extractionFailures prometheus.Counter
	batchDuration      prometheus.Histogram
}

// Config holds configuration for metrics recording.
type Config struct {
	Namespace string
	Subsystem string
	Registry  prometheus.Registerer
}

// NewRecorder creates a new metrics recorder.
func NewRecorder(config *Config) *Recorder {
	if config == nil {
		config = &Config{
			Namespace: "paperstore",
			Registry:  prometheus.DefaultRegisterer,
		}
	}

	if config.Namespace == "" {
		config.Namespace = "paperstore"
	}

	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	r := &Recorder{registry: config.Registry}
	r.initMetrics(config.Namespace, config.Subsystem)

	return r
}

// initMetrics initializes all Prometheus metrics.
func (r *Recorder) initMetrics(namespace, subsystem string) {
	r.fetchAttempts = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_attempts_total",
			Help:      "Total number of download attempts by outcome",
		},
		[]string{"outcome"},
	)

	r.fetchDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent downloading one document",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~102s
		},
		[]string{"outcome"},
	)

	r.fetchBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_bytes_total",
			Help:      "Total bytes downloaded into the byte store",
		},
	)

	r.cacheLookups = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Total number of ledger lookups by result",
		},
		[]string{"result"},
	)

	r.cacheEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_entries",
			Help:      "Number of complete entries in the ledger",
		},
	)

	r.cacheBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_bytes",
			Help:      "Total bytes held by complete ledger entries",
		},
	)

	r.cacheEvictions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_evictions_total",
			Help:      "Total number of evicted entries by reason",
		},
		[]string{"reason"},
	)

	r.documentsProcessed = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "documents_processed_total",
			Help:      "Total number of acquisition outcomes by result",
		},
		[]string{"outcome"},
	)

	r.extractionFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "extraction_failures_total",
			Help:      "Total number of tolerated structure extraction failures",
		},
	)

	r.batchDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_duration_seconds",
			Help:      "Wall time spent processing one acquisition batch",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~2048s
		},
	)
}

// RecordFetch records one completed fetch call.
func (r *Recorder) RecordFetch(outcome string, bytes int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(outcome).Inc()
	r.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if bytes > 0 {
		r.fetchBytes.Add(float64(bytes))
	}
}

// RecordCacheLookup records a ledger lookup result ("hit" or "miss").
func (r *Recorder) RecordCacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheSize updates the ledger size gauges.
func (r *Recorder) RecordCacheSize(entries int, bytes int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(entries))
	r.cacheBytes.Set(float64(bytes))
}

// RecordEviction records evicted entries for one reason ("age" or "size").
func (r *Recorder) RecordEviction(reason string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(reason).Add(float64(count))
}

// RecordDocument records one terminal acquisition outcome.
func (r *Recorder) RecordDocument(outcome string) {
	if r == nil {
		return
	}
	r.documentsProcessed.WithLabelValues(outcome).Inc()
}

// RecordExtractionFailure records one tolerated extractor failure.
func (r *Recorder) RecordExtractionFailure() {
	if r == nil {
		return
	}
	r.extractionFailures.Inc()
}

// RecordBatch records the wall time of one batch.
func (r *Recorder) RecordBatch(duration time.Duration) {
	if r == nil {
		return
	}
	r.batchDuration.Observe(duration.Seconds())
}
