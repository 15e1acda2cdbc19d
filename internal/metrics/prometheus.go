package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution latency histogram with percentile-friendly buckets
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_execution_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	nodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_node_executions_total",
			Help: "Total number of node executions by type and status",
		},
		[]string{"node_type", "status"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_dispatch_latency_seconds",
			Help:    "Node dispatch round-trip latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"node_type", "status"},
	)

	errorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_errors_total",
			Help: "Total number of errors by component and kind",
		},
		[]string{"component", "kind"},
	)

	redeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_redeliveries_total",
			Help: "Total number of duplicate or redelivered messages observed",
		},
		[]string{"queue"},
	)

	activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowmesh_active_executions",
			Help: "Current number of executions being scheduled by this instance",
		},
	)

	runningNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowmesh_running_nodes",
			Help: "Current number of in-flight node dispatches on this instance",
		},
	)
)

// RecordExecution records an execution's duration and final status.
func RecordExecution(durationSeconds float64, status string) {
	executionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordNodeExecution increments the node execution counter.
func RecordNodeExecution(nodeType, status string) {
	nodeExecutions.WithLabelValues(nodeType, status).Inc()
}

// RecordDispatchLatency records a dispatch round-trip.
func RecordDispatchLatency(nodeType string, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	dispatchLatency.WithLabelValues(nodeType, status).Observe(durationSeconds)
}

// RecordError increments the error counter.
func RecordError(component, kind string) {
	errorCount.WithLabelValues(component, kind).Inc()
}

// RecordRedelivery increments the redelivery counter for a queue.
func RecordRedelivery(queue string) {
	redeliveries.WithLabelValues(queue).Inc()
}

// IncActiveExecutions increments the active executions gauge.
func IncActiveExecutions() { activeExecutions.Inc() }

// DecActiveExecutions decrements the active executions gauge.
func DecActiveExecutions() { activeExecutions.Dec() }

// IncRunningNodes increments the in-flight node gauge.
func IncRunningNodes() { runningNodes.Inc() }

// DecRunningNodes decrements the in-flight node gauge.
func DecRunningNodes() { runningNodes.Dec() }

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
