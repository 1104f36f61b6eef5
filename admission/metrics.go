/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RejectionReason describes why a task has not been run to completion by the queue.
type RejectionReason string

// Rejection reasons.
const (
	RejectionReasonQueueFull    RejectionReason = "queue_full"
	RejectionReasonTimeout      RejectionReason = "timeout"
	RejectionReasonShuttingDown RejectionReason = "shutting_down"
	RejectionReasonCanceled     RejectionReason = "canceled"
)

// MetricsCollector represents a collector of admission queue metrics.
type MetricsCollector interface {
	// SetRunning sets the number of currently running tasks.
	SetRunning(int)

	// SetPending sets the number of tasks waiting for a free slot.
	SetPending(int)

	// ObserveWaitDuration observes how long a task has been waiting before it started.
	ObserveWaitDuration(time.Duration)

	// IncRejections increments the number of tasks rejected by the queue itself.
	IncRejections(RejectionReason)
}

// DefaultWaitDurationBuckets is the default histogram buckets (in seconds) for the wait duration metric.
var DefaultWaitDurationBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// WaitDurationBuckets is a list of buckets for the wait duration histogram.
	// DefaultWaitDurationBuckets is used if empty.
	WaitDurationBuckets []float64
}

// PrometheusMetrics represents Prometheus metrics for the admission queue.
type PrometheusMetrics struct {
	Running         prometheus.Gauge
	Pending         prometheus.Gauge
	WaitDuration    prometheus.Histogram
	RejectionsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.WaitDurationBuckets
	if len(buckets) == 0 {
		buckets = DefaultWaitDurationBuckets
	}
	return &PrometheusMetrics{
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_queue_running",
			Help:        "Number of tasks currently running.",
			ConstLabels: opts.ConstLabels,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_queue_pending",
			Help:        "Number of tasks waiting for a free slot.",
			ConstLabels: opts.ConstLabels,
		}),
		WaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_queue_wait_seconds",
			Help:        "Time spent by tasks in the pending sequence.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_queue_rejections_total",
			Help:        "Number of tasks rejected by the queue.",
			ConstLabels: opts.ConstLabels,
		}, []string{"reason"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Running, pm.Pending, pm.WaitDuration, pm.RejectionsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Running)
	prometheus.Unregister(pm.Pending)
	prometheus.Unregister(pm.WaitDuration)
	prometheus.Unregister(pm.RejectionsTotal)
}

// SetRunning sets the number of currently running tasks.
func (pm *PrometheusMetrics) SetRunning(n int) {
	pm.Running.Set(float64(n))
}

// SetPending sets the number of tasks waiting for a free slot.
func (pm *PrometheusMetrics) SetPending(n int) {
	pm.Pending.Set(float64(n))
}

// ObserveWaitDuration observes how long a task has been waiting before it started.
func (pm *PrometheusMetrics) ObserveWaitDuration(d time.Duration) {
	pm.WaitDuration.Observe(d.Seconds())
}

// IncRejections increments the number of tasks rejected by the queue itself.
func (pm *PrometheusMetrics) IncRejections(reason RejectionReason) {
	pm.RejectionsTotal.WithLabelValues(string(reason)).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetRunning(int)                    {}
func (disabledMetrics) SetPending(int)                    {}
func (disabledMetrics) ObserveWaitDuration(time.Duration) {}
func (disabledMetrics) IncRejections(RejectionReason)     {}

var disabledMetricsCollector = disabledMetrics{}
