// Package observability provides Prometheus metrics instrumentation for the
// control plane: the message bus, platform workers, and the reconciler.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// BUS METRICS
// =============================================================================

var (
	busMessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_bus_messages_published_total",
			Help: "Total number of messages published on the bus",
		},
		[]string{"channel"},
	)

	busRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_bus_requests_total",
			Help: "Total number of request/reply round trips over the bus",
		},
		[]string{"channel", "outcome"}, // outcome: success, timeout
	)

	busRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanceforge_bus_request_duration_seconds",
			Help:    "Request/reply round-trip duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)
)

// =============================================================================
// WORKER METRICS
// =============================================================================

var (
	workerCommandsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_worker_commands_processed_total",
			Help: "Total number of commands processed by platform workers",
		},
		[]string{"platform", "kind", "status"}, // status: success, error
	)

	workerCommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanceforge_worker_command_duration_seconds",
			Help:    "Command processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"platform", "kind"},
	)

	workerHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_worker_health_checks_total",
			Help: "Total number of health monitor checks run by platform workers",
		},
		[]string{"platform", "result"}, // result: healthy, crashed, unreachable
	)
)

// =============================================================================
// RECONCILER METRICS
// =============================================================================

var (
	reconciliationCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles run",
		},
		[]string{"trigger", "status"}, // trigger: periodic, event; status: success, error
	)

	reconciliationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanceforge_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"trigger"},
	)

	driftDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instanceforge_reconciliation_drift_detected_total",
			Help: "Total number of instances found drifted from declared configuration",
		},
	)

	statusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanceforge_instance_status_transitions_total",
			Help: "Total number of instance status transitions observed",
		},
		[]string{"old_status", "new_status"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordBusPublish records one publish on channel.
func RecordBusPublish(channel string) {
	busMessagesPublishedTotal.WithLabelValues(channel).Inc()
}

// RecordBusRequest records one request/reply round trip.
func RecordBusRequest(channel, outcome string, durationMS int64) {
	busRequestsTotal.WithLabelValues(channel, outcome).Inc()
	busRequestDurationSeconds.WithLabelValues(channel).Observe(float64(durationMS) / 1000.0)
}

// RecordCommandProcessed records one platform worker command dispatch.
func RecordCommandProcessed(platform, kind, status string, durationMS int64) {
	workerCommandsProcessedTotal.WithLabelValues(platform, kind, status).Inc()
	workerCommandDurationSeconds.WithLabelValues(platform, kind).Observe(float64(durationMS) / 1000.0)
}

// RecordHealthCheck records one health monitor pass for a platform.
func RecordHealthCheck(platform, result string) {
	workerHealthChecksTotal.WithLabelValues(platform, result).Inc()
}

// RecordReconciliationCycle records one reconciliation cycle.
func RecordReconciliationCycle(trigger, status string, durationMS int64) {
	reconciliationCyclesTotal.WithLabelValues(trigger, status).Inc()
	reconciliationDurationSeconds.WithLabelValues(trigger).Observe(float64(durationMS) / 1000.0)
}

// RecordDriftDetected records that an instance was found drifted during a
// reconciliation cycle.
func RecordDriftDetected() {
	driftDetectedTotal.Inc()
}

// RecordStatusTransition records an instance moving from oldStatus to
// newStatus.
func RecordStatusTransition(oldStatus, newStatus string) {
	statusTransitionsTotal.WithLabelValues(oldStatus, newStatus).Inc()
}
