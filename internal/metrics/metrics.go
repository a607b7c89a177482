// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node store metrics
	nodeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellvault_node_ops_total",
			Help: "Total node store operations",
		},
		[]string{"op", "status"},
	)

	nodeTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellvault_node_tree_size",
			Help: "Number of nodes in the active namespace",
		},
	)

	// Persistence metrics
	persistOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellvault_persist_ops_total",
			Help: "Total backend save/delete operations",
		},
		[]string{"backend", "op", "status"},
	)

	persistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellvault_persist_failures_total",
			Help: "Total persistence failures swallowed and retried",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shellvault_flush_duration_seconds",
			Help:    "Batch coordinator flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	pendingOps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shellvault_pending_ops",
			Help: "Pending coalesced operations per namespace",
		},
		[]string{"namespace"},
	)

	// Version engine metrics
	versionsSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellvault_versions_saved_total",
			Help: "Total file versions saved",
		},
	)

	// Snapshot metrics
	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellvault_snapshots_total",
			Help: "Total snapshots created",
		},
		[]string{"kind"},
	)

	snapshotEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellvault_snapshot_evictions_total",
			Help: "Total snapshots deleted by retention enforcement",
		},
		[]string{"kind"},
	)

	// Merge/import metrics
	mergeFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellvault_merge_files_total",
			Help: "Total files handled by merge/import",
		},
		[]string{"outcome"},
	)

	// Event metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellvault_event_subscribers",
			Help: "Number of active change-event subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordNodeOp records a node store operation.
func RecordNodeOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	nodeOpsTotal.WithLabelValues(op, status).Inc()
}

// SetNodeTreeSize sets the active namespace's node count.
func SetNodeTreeSize(size int) {
	nodeTreeSize.Set(float64(size))
}

// RecordPersistOp records a backend save or delete.
func RecordPersistOp(backend, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	persistOpsTotal.WithLabelValues(backend, op, status).Inc()
}

// RecordPersistFailure counts a swallowed persistence failure.
func RecordPersistFailure() {
	persistFailuresTotal.Inc()
}

// RecordFlush records a flush duration.
func RecordFlush(duration time.Duration) {
	flushDuration.Observe(duration.Seconds())
}

// SetPendingOps sets the pending-operation gauge for a namespace.
func SetPendingOps(namespace string, n int) {
	pendingOps.WithLabelValues(namespace).Set(float64(n))
}

// RecordVersionSaved counts a saved file version.
func RecordVersionSaved() {
	versionsSavedTotal.Inc()
}

// RecordSnapshot counts a created snapshot.
func RecordSnapshot(auto bool) {
	kind := "manual"
	if auto {
		kind = "auto"
	}
	snapshotsTotal.WithLabelValues(kind).Inc()
}

// RecordSnapshotEviction counts a retention deletion.
func RecordSnapshotEviction(auto bool) {
	kind := "manual"
	if auto {
		kind = "auto"
	}
	snapshotEvictionsTotal.WithLabelValues(kind).Inc()
}

// RecordMergeFile counts a merge/import file outcome
// ("new", "merged", "skipped", "unchanged", "error").
func RecordMergeFile(outcome string) {
	mergeFilesTotal.WithLabelValues(outcome).Inc()
}

// SetEventSubscribers sets the subscriber gauge.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}
