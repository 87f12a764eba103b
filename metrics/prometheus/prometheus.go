// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"catlock/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Lock metrics
	lockAcquiredTotal    *prometheus.CounterVec
	lockConflictTotal    *prometheus.CounterVec
	lockReleasedTotal    *prometheus.CounterVec
	lockStoreFailedTotal *prometheus.CounterVec
	lockAcquireDuration  *prometheus.HistogramVec
	conflictQueryChunks  prometheus.Histogram

	// Publish metrics
	eventSentTotal        *prometheus.CounterVec
	eventSendFailedTotal  *prometheus.CounterVec
	eventDeliveredTotal   *prometheus.CounterVec
	sessionOpenedTotal    prometheus.Counter
	sessionCommittedTotal prometheus.Counter
	sessionRolledBack     prometheus.Counter
	sessionCommitFailed   prometheus.Counter
	sessionDuration       prometheus.Histogram
	openSessions          prometheus.Gauge

	// Consumer metrics
	recordProcessedTotal    *prometheus.CounterVec
	offsetCommitFailedTotal *prometheus.CounterVec
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "catlock")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "catlock",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &PrometheusMetrics{
		lockAcquiredTotal:    counterVec("lock_acquired_total", "Total number of locks acquired", "kind"),
		lockConflictTotal:    counterVec("lock_conflict_total", "Total number of acquisitions answered with a conflict", "kind"),
		lockReleasedTotal:    counterVec("lock_released_total", "Total number of locks released", "trigger"),
		lockStoreFailedTotal: counterVec("lock_store_failed_total", "Total number of lock store failures", "op"),
		lockAcquireDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquire_duration_seconds",
			Help:      "Time taken to acquire locks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}, []string{"kind"}),
		conflictQueryChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "conflict_query_chunks",
			Help:      "Number of chunked store lookups per conflict check",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		}),

		eventSentTotal:        counterVec("event_sent_total", "Total number of events handed to a broker session", "topic"),
		eventSendFailedTotal:  counterVec("event_send_failed_total", "Total number of events the broker rejected", "topic"),
		eventDeliveredTotal:   counterVec("event_delivered_total", "Total number of events acknowledged by the broker", "topic"),
		sessionOpenedTotal:    counter("session_opened_total", "Total number of broker sessions opened"),
		sessionCommittedTotal: counter("session_committed_total", "Total number of broker sessions committed"),
		sessionRolledBack:     counter("session_rolled_back_total", "Total number of broker sessions aborted"),
		sessionCommitFailed:   counter("session_commit_failed_total", "Total number of broker commits that failed after the commit decision"),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_duration_seconds",
			Help:      "Time from session start to broker commit in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "open_sessions",
			Help:      "Number of broker sessions currently registered",
		}),

		recordProcessedTotal:    counterVec("record_processed_total", "Total number of consumed records processed", "topic", "success"),
		offsetCommitFailedTotal: counterVec("offset_commit_failed_total", "Total number of failed consumer offset commits", "topic"),
	}
}

// Lock metrics

func (p *PrometheusMetrics) LockAcquired(kind string, duration time.Duration) {
	p.lockAcquiredTotal.WithLabelValues(kind).Inc()
	p.lockAcquireDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) LockConflict(kind string) {
	p.lockConflictTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusMetrics) LockReleased(trigger string) {
	p.lockReleasedTotal.WithLabelValues(trigger).Inc()
}

func (p *PrometheusMetrics) LockStoreFailed(op string) {
	p.lockStoreFailedTotal.WithLabelValues(op).Inc()
}

func (p *PrometheusMetrics) ConflictQueries(chunks int) {
	p.conflictQueryChunks.Observe(float64(chunks))
}

// Publish metrics

func (p *PrometheusMetrics) EventSent(topic string) {
	p.eventSentTotal.WithLabelValues(topic).Inc()
}

func (p *PrometheusMetrics) EventSendFailed(topic string) {
	p.eventSendFailedTotal.WithLabelValues(topic).Inc()
}

func (p *PrometheusMetrics) EventDelivered(topic string) {
	p.eventDeliveredTotal.WithLabelValues(topic).Inc()
}

func (p *PrometheusMetrics) SessionOpened() {
	p.sessionOpenedTotal.Inc()
}

func (p *PrometheusMetrics) SessionCommitted(duration time.Duration) {
	p.sessionCommittedTotal.Inc()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SessionRolledBack() {
	p.sessionRolledBack.Inc()
}

func (p *PrometheusMetrics) SessionCommitFailed() {
	p.sessionCommitFailed.Inc()
}

func (p *PrometheusMetrics) OpenSessions(n int) {
	p.openSessions.Set(float64(n))
}

// Consumer metrics

func (p *PrometheusMetrics) RecordProcessed(topic string, success bool) {
	p.recordProcessedTotal.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
}

func (p *PrometheusMetrics) OffsetCommitFailed(topic string) {
	p.offsetCommitFailedTotal.WithLabelValues(topic).Inc()
}
