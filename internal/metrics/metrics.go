// Package metrics holds the Prometheus vectors the orchestrator
// updates as it drives replication runs. Grounded on
// replication_logic.go's promSecsPerState/promBytesReplicated fields:
// same label shape (state, filesystem), same histogram-for-duration/
// counter-for-bytes split, registered once and passed down by
// reference rather than reached for via a global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Vectors bundles every metric the orchestrator and its subordinate
// packages report against.
type Vectors struct {
	SecsPerState    *prometheus.HistogramVec
	BytesReplicated *prometheus.CounterVec
	TransfersTotal  *prometheus.CounterVec
	PruneTotal      *prometheus.CounterVec
	LockWaitSeconds *prometheus.HistogramVec
}

// New constructs a fresh Vectors and registers it against reg. Passing
// a prometheus.NewRegistry() keeps tests isolated from the default
// global registry.
func New(reg prometheus.Registerer) *Vectors {
	v := &Vectors{
		SecsPerState: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapward",
			Name:      "pipeline_seconds_per_state",
			Help:      "Time spent in each transfer pipeline state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		BytesReplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapward",
			Name:      "bytes_replicated_total",
			Help:      "Bytes transferred per volume.",
		}, []string{"volume"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapward",
			Name:      "transfers_total",
			Help:      "Transfer outcomes per volume and status.",
		}, []string{"volume", "status"}),
		PruneTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapward",
			Name:      "snapshots_pruned_total",
			Help:      "Snapshots destroyed by the retention evaluator.",
		}, []string{"volume", "endpoint"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapward",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a per-volume lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"volume"}),
	}
	reg.MustRegister(v.SecsPerState, v.BytesReplicated, v.TransfersTotal, v.PruneTotal, v.LockWaitSeconds)
	return v
}
