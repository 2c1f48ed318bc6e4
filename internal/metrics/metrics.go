// Package metrics provides Prometheus metrics for lockstep.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_decisions_total",
			Help: "Total reconciliation decisions by action",
		},
		[]string{"action"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_conflicts_total",
			Help: "Total conflicts by state pair",
		},
		[]string{"pair"},
	)

	// Worker metrics
	syncAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockstep_sync_attempts",
			Help:    "Attempts needed to settle one path",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
	)

	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_path_syncs_total",
			Help: "Total path syncs by result",
		},
		[]string{"result"},
	)

	rejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_rejections_total",
			Help: "Total local items rejected after a conflict",
		},
	)

	fullSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockstep_full_sync_duration_seconds",
			Help:    "Full sync pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replica metrics
	localItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_local_items",
			Help: "Number of items in the local replica",
		},
	)

	pendingPaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_pending_paths",
			Help: "Number of paths waiting in the sync queue",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision records one reconciliation decision. pair is only used
// for conflicts.
func RecordDecision(action, pair string, conflict bool) {
	decisionsTotal.WithLabelValues(action).Inc()
	if conflict {
		conflictsTotal.WithLabelValues(pair).Inc()
	}
}

// RecordSync records the outcome of syncing one path.
func RecordSync(attempts int, rejected, success bool) {
	syncAttempts.Observe(float64(attempts))
	if rejected {
		rejectionsTotal.Inc()
	}
	result := "success"
	if !success {
		result = "error"
	}
	syncsTotal.WithLabelValues(result).Inc()
}

// RecordFullSync records a full sync pass duration.
func RecordFullSync(duration time.Duration) {
	fullSyncDuration.Observe(duration.Seconds())
}

// SetLocalItems sets the number of items in the local replica.
func SetLocalItems(count int) {
	localItems.Set(float64(count))
}

// SetPendingPaths sets the number of queued paths.
func SetPendingPaths(count int) {
	pendingPaths.Set(float64(count))
}
