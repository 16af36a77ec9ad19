// Package metrics registers relaypool's Prometheus series. Each component
// package imports the gauges/counters/histograms it owns rather than
// reaching into another component's state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend / SSR metrics
	BackendsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaypool_backends_total",
			Help: "Number of backends by status and role",
		},
		[]string{"status", "role"},
	)

	BackendReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaypool_backend_replication_lag",
			Help: "Replication lag last observed for a backend, in the unit recorded for it",
		},
		[]string{"backend_id", "unit"},
	)

	RequestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypool_request_queue_depth",
			Help: "Number of failover requests currently queued in the SSR",
		},
	)

	RequestsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypool_requests_enqueued_total",
			Help: "Total number of failover requests enqueued, by kind",
		},
		[]string{"kind"},
	)

	RequestsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaypool_requests_rejected_total",
			Help: "Total number of failover requests rejected because the queue was full",
		},
	)

	// Health checker metrics
	HealthCheckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypool_health_check_total",
			Help: "Total health check attempts by backend and outcome",
		},
		[]string{"backend_id", "outcome"},
	)

	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaypool_health_check_duration_seconds",
			Help:    "Health check verification connection duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend_id"},
	)

	// Failover engine metrics
	FailoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypool_failover_total",
			Help: "Total failover transitions processed, by request kind",
		},
		[]string{"kind"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaypool_failover_duration_seconds",
			Help:    "Time to process one failover request end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	PrimaryNodeID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypool_primary_node_id",
			Help: "Current primary backend id, or -1 if none",
		},
	)

	// Supervisor metrics
	SessionWorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaypool_session_workers_total",
			Help: "Number of session workers by status",
		},
		[]string{"status"},
	)

	// PCP metrics
	PCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypool_pcp_requests_total",
			Help: "Total PCP requests handled, by ToS code and outcome",
		},
		[]string{"tos", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BackendsTotal,
		BackendReplicationLag,
		RequestQueueDepth,
		RequestsEnqueuedTotal,
		RequestsRejectedTotal,
		HealthCheckTotal,
		HealthCheckDuration,
		FailoverTotal,
		FailoverDuration,
		PrimaryNodeID,
		SessionWorkersTotal,
		PCPRequestsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
