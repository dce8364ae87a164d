// Package prom provides the Prometheus metrics sink.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// Metrics holds all Prometheus metrics for fangate and implements
// throttle.MetricsSink. Recording is fire and forget: it never blocks and
// never fails the caller.
type Metrics struct {
	MessagesProcessed   *prometheus.CounterVec
	RateLimitViolations *prometheus.CounterVec
	DecisionDurations   prometheus.Histogram
	ViolationDropsTotal prometheus.Counter
	RetryTasksScheduled prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		MessagesProcessed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fangate",
				Name:      "messages_processed_total",
				Help:      "Total send attempts allowed through the limiter",
			},
			[]string{"user", "action"},
		),
		RateLimitViolations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fangate",
				Name:      "rate_limit_violations_total",
				Help:      "Total send attempts denied by the limiter",
			},
			[]string{"user", "layer", "reason"},
		),
		DecisionDurations: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fangate",
				Name:      "decision_duration_seconds",
				Help:      "CheckAndConsume latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ViolationDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "fangate",
				Name:      "violation_drops_total",
				Help:      "Violation records dropped due to recorder backpressure",
			},
		),
		RetryTasksScheduled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "fangate",
				Name:      "retry_tasks_scheduled_total",
				Help:      "Delayed retry tasks handed to the scheduler",
			},
		),
	}
}

// MessageProcessed implements throttle.MetricsSink.
func (m *Metrics) MessageProcessed(userID, action string) {
	m.MessagesProcessed.WithLabelValues(userID, action).Inc()
}

// RateLimitViolation implements throttle.MetricsSink.
func (m *Metrics) RateLimitViolation(userID string, layer throttle.Layer, reason throttle.Reason) {
	m.RateLimitViolations.WithLabelValues(userID, string(layer), string(reason)).Inc()
}

// RetryScheduled implements throttle.MetricsSink.
func (m *Metrics) RetryScheduled() {
	m.RetryTasksScheduled.Inc()
}

// DecisionDuration implements throttle.MetricsSink.
func (m *Metrics) DecisionDuration(d time.Duration) {
	m.DecisionDurations.Observe(d.Seconds())
}

// Compile-time interface verification.
var _ throttle.MetricsSink = (*Metrics)(nil)
