// Package metrics tracks relay connection and message counters, exposes them to
// Prometheus and delivers periodic snapshots to subscribers.
package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "liverelay"

// Upstream attempt outcomes used as the "outcome" label value.
const (
	OutcomeOpened    = "opened"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
)

// ErrDisabled is returned when metrics are requested from a relay that was
// configured without them.
var ErrDisabled = errors.New("metrics are not enabled")

// Snapshot is a point-in-time copy of the relay counters.
type Snapshot struct {
	ActiveConnections int64     `json:"activeConnections"`
	MessagesProcessed uint64    `json:"messagesProcessed"`
	Errors            uint64    `json:"errors"`
	Timestamp         time.Time `json:"timestamp"`
}

// Collector holds the relay counters. Values are kept in atomics so Snapshot
// never blocks the session actors, and mirrored into Prometheus collectors.
type Collector struct {
	active    atomic.Int64
	processed atomic.Uint64
	errors    atomic.Uint64

	activeConnections prometheus.Gauge
	messagesProcessed prometheus.Counter
	errorsTotal       prometheus.Counter
	upstreamAttempts  *prometheus.CounterVec
	sessionDuration   prometheus.Histogram

	now func() time.Time
}

// NewCollector creates a Collector with unregistered Prometheus collectors.
// Use Collectors to register them or NewExporter to get a ready registry.
func NewCollector() *Collector {
	return &Collector{
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently connected relay clients",
			},
		),
		messagesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total number of upstream messages relayed to clients",
			},
		),
		errorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of relay errors",
			},
		),
		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Total number of upstream connection attempts by outcome",
			},
			[]string{"outcome"}, // opened, failed, exhausted, rejected
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Histogram of client session duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
		),
		now: time.Now,
	}
}

// Collectors returns the Prometheus collectors backing c.
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.activeConnections,
		c.messagesProcessed,
		c.errorsTotal,
		c.upstreamAttempts,
		c.sessionDuration,
	}
}

// ConnectionOpened records a new client connection.
func (c *Collector) ConnectionOpened() {
	c.active.Add(1)
	c.activeConnections.Inc()
}

// ConnectionClosed records a client disconnect after the given session lifetime.
func (c *Collector) ConnectionClosed(lifetime time.Duration) {
	c.active.Add(-1)
	c.activeConnections.Dec()
	c.sessionDuration.Observe(lifetime.Seconds())
}

// MessageProcessed records one upstream message relayed to a client.
func (c *Collector) MessageProcessed() {
	c.processed.Add(1)
	c.messagesProcessed.Inc()
}

// Error records one relay error.
func (c *Collector) Error() {
	c.errors.Add(1)
	c.errorsTotal.Inc()
}

// UpstreamAttempt records the outcome of one upstream connection attempt.
func (c *Collector) UpstreamAttempt(outcome string) {
	c.upstreamAttempts.WithLabelValues(outcome).Inc()
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: c.active.Load(),
		MessagesProcessed: c.processed.Load(),
		Errors:            c.errors.Load(),
		Timestamp:         c.now(),
	}
}
