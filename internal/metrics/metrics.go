// Package metrics provides Prometheus metrics for versionstore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nainya/versionstore/pkg/versioning"
)

// Metrics holds all Prometheus metrics for versionstore
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Database metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbKeysTotal         prometheus.Gauge

	// Versioning metrics
	SnapshotsTotal        *prometheus.CounterVec
	VersionConflictsTotal *prometheus.CounterVec
	UpdatesSanitizedTotal *prometheus.CounterVec
	AssignmentsStripped   *prometheus.CounterVec

	// Server metrics
	ServerStartTime time.Time
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}
	factory := promauto.With(reg)

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "versionstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "versionstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Database metrics
	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_db_operations_total",
			Help: "Total number of document store operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "versionstore_db_operation_duration_seconds",
			Help:    "Duration of document store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.DbKeysTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "versionstore_db_keys_total",
			Help: "Number of keys in the KV store",
		},
	)

	// Versioning metrics
	m.SnapshotsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_snapshots_total",
			Help: "Total number of snapshots recorded",
		},
		[]string{"collection", "action"},
	)

	m.VersionConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_version_conflicts_total",
			Help: "Total number of saves rejected for carrying an older version",
		},
		[]string{"collection"},
	)

	m.UpdatesSanitizedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_updates_sanitized_total",
			Help: "Total number of partial updates passed through the sanitizer",
		},
		[]string{"collection"},
	)

	m.AssignmentsStripped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_version_assignments_stripped_total",
			Help: "Total number of client version assignments removed from updates",
		},
		[]string{"collection"},
	)

	// Server metrics
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "versionstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDbOperation records a document store operation
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDbStats updates KV statistics
func (m *Metrics) UpdateDbStats(keys int) {
	m.DbKeysTotal.Set(float64(keys))
}

// SnapshotRecorded counts a stored snapshot
func (m *Metrics) SnapshotRecorded(collection string, action versioning.Action) {
	m.SnapshotsTotal.WithLabelValues(collection, string(action)).Inc()
}

// VersionConflict counts a rejected stale save
func (m *Metrics) VersionConflict(collection string) {
	m.VersionConflictsTotal.WithLabelValues(collection).Inc()
}

// UpdateSanitized counts a sanitized partial update
func (m *Metrics) UpdateSanitized(collection string, stripped int) {
	m.UpdatesSanitizedTotal.WithLabelValues(collection).Inc()
	if stripped > 0 {
		m.AssignmentsStripped.WithLabelValues(collection).Add(float64(stripped))
	}
}

var _ versioning.Recorder = (*Metrics)(nil)
