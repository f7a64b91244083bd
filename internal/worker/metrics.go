// metrics.go - Prometheus instrumentation for the job runner.

package worker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/veilcash/veilcash/internal/transfer"
)

var (
	eventsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_events_inserted_total",
		Help: "Transfer events inserted into the event log",
	}, []string{"origin"})

	syncStallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_sync_stalls_total",
		Help: "Sync passes that caught up to the chain tip with a gap still open",
	}, []string{"origin"})

	contiguousIndexGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veilcash_contiguous_index",
		Help: "Highest gapless event index per origin",
	}, []string{"origin"})

	leavesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_leaves_ingested_total",
		Help: "Event leaves ingested into the transfer trees",
	}, []string{"origin"})

	treeSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veilcash_tree_size",
		Help: "Current transfer tree size per origin",
	}, []string{"origin"})

	stepsFoldedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_fold_steps_total",
		Help: "Root transition steps folded into proofs",
	}, []string{"origin"})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veilcash_compile_duration_seconds",
		Help:    "Time spent folding per compile pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_root_submissions_total",
		Help: "Root proofs accepted by the settlement layer",
	}, []string{"origin"})

	historyPrunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_tree_history_pruned_rows_total",
		Help: "Node update and snapshot rows removed by history pruning",
	}, []string{"origin"})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcash_global_broadcasts_total",
		Help: "Global aggregation roots broadcast",
	})

	aggSeqGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilcash_aggregation_seq",
		Help: "Latest broadcast aggregation sequence number",
	})

	jobErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_job_errors_total",
		Help: "Job passes that returned an error",
	}, []string{"job"})

	leaseSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcash_lease_skips_total",
		Help: "Job passes skipped because another worker held the lease",
	}, []string{"job"})
)

func originLabel(origin transfer.OriginID) string {
	return strconv.FormatUint(uint64(origin), 10)
}
