// Package observability defines the Prometheus metrics ctrlgate exposes on
// the /metrics endpoint of its public HTTP listener.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// All metrics live under the ctrlgate_ namespace.

var (
	// AdmissionsTotal counts controller admission attempts, labeled by
	// outcome: ok, invalid_path, missing_key, duplicate_key, auth_error,
	// auth_denied.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlgate_admissions_total",
			Help: "Total number of controller admission attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// ConnectedControllers reports the number of controllers currently in
	// the registry.
	ConnectedControllers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctrlgate_connected_controllers",
			Help: "Number of controller sessions currently registered.",
		},
	)

	// ForwardsTotal counts forwarded HTTP requests, labeled by outcome:
	// ok, no_key, no_device, body_too_large, id_exhausted, send_failed,
	// upstream_failure, cancelled.
	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlgate_forwards_total",
			Help: "Total number of forwarded HTTP requests, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// ForwardDurationSeconds measures the time between a forward frame
	// being sent and its response being resolved (by reply, cancellation,
	// or teardown).
	ForwardDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctrlgate_forward_duration_seconds",
			Help:    "Time between a forward frame being sent and its response being resolved.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PendingRequests reports the total number of in-flight pending
	// requests across all controller sessions.
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctrlgate_pending_requests",
			Help: "Number of forwarded requests awaiting a controller reply.",
		},
	)

	// LivenessEvictionsTotal counts sessions torn down because they missed
	// a pong.
	LivenessEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctrlgate_liveness_evictions_total",
			Help: "Total number of controller sessions torn down for failing to answer a ping.",
		},
	)

	// DiscardedFramesTotal counts inbound controller frames that were
	// logged and dropped, labeled by reason: malformed, unknown_id, binary.
	DiscardedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlgate_discarded_frames_total",
			Help: "Total number of inbound controller frames discarded without effect, labeled by reason.",
		},
		[]string{"reason"},
	)
)

// MustRegister registers every metric above with the default Prometheus
// registry. Call once at gateway startup.
func MustRegister() {
	prometheus.MustRegister(
		AdmissionsTotal,
		ConnectedControllers,
		ForwardsTotal,
		ForwardDurationSeconds,
		PendingRequests,
		LivenessEvictionsTotal,
		DiscardedFramesTotal,
	)
}
