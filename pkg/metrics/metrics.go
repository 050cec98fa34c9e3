package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deduplication metrics
	EventsClassifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_events_classified_total",
			Help: "Total number of events classified by outcome (new, confirmed_duplicate, potential_duplicate, malformed).",
		},
		[]string{"topic", "classification"},
	)

	StoreOwnedPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_store_owned_partitions",
			Help: "Number of partitions this process currently owns a PartitionStore for.",
		},
	)

	StoreSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_store_size_bytes",
			Help: "On-disk size of a partition's store.",
		},
		[]string{"topic", "partition"},
	)

	CleanupEntriesRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_store_cleanup_entries_removed_total",
			Help: "Total number of retired Deduplication Keys removed by CleanupOldEntries.",
		},
		[]string{"topic"},
	)

	CleanupBytesFreedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_store_cleanup_bytes_freed_total",
			Help: "Total estimated bytes reclaimed by capacity-driven store cleanup.",
		},
		[]string{"topic"},
	)

	// Coordination KV / raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_coordkv_is_leader",
			Help: "Whether this node currently holds raft leadership of the coordination KV (1 = leader, 0 = follower).",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_coordkv_peers_total",
			Help: "Total number of raft peers in the coordination KV cluster.",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedupd_coordkv_commit_duration_seconds",
			Help:    "Time taken to commit one raft log entry to the coordination KV.",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaseExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupd_coordkv_lease_expirations_total",
			Help: "Total number of coordination KV leases expired (not explicitly revoked).",
		},
	)

	// Assignment coordinator metrics
	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_assignment_rebalances_total",
			Help: "Total number of assignment rebalance cycles by trigger.",
		},
		[]string{"trigger"},
	)

	RebalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedupd_assignment_rebalance_duration_seconds",
			Help:    "Time taken for one rebalance cycle, from plan to committed assignment.",
			Buckets: prometheus.DefBuckets,
		},
	)

	HandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_assignment_handoffs_total",
			Help: "Total number of partition handoffs completed, by outcome.",
		},
		[]string{"outcome"},
	)

	HandoffPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedupd_assignment_handoff_phase_duration_seconds",
			Help:    "Time spent in each handoff phase.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	PodsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupd_assignment_pods_registered",
			Help: "Number of pods currently registered with the assignment coordinator.",
		},
	)

	// Kafka client metrics
	KafkaRecordsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_kafka_records_consumed_total",
			Help: "Total number of Kafka records consumed, by topic.",
		},
		[]string{"topic"},
	)

	KafkaRecordsProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupd_kafka_records_produced_total",
			Help: "Total number of Kafka records produced, by topic and result.",
		},
		[]string{"topic", "result"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupd_kafka_consumer_lag",
			Help: "Consumer lag in records, by topic and partition.",
		},
		[]string{"topic", "partition"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsClassifiedTotal,
		StoreOwnedPartitions,
		StoreSizeBytes,
		CleanupEntriesRemovedTotal,
		CleanupBytesFreedTotal,
		RaftLeader,
		RaftPeers,
		RaftCommitDuration,
		LeaseExpirationsTotal,
		RebalancesTotal,
		RebalanceDuration,
		HandoffsTotal,
		HandoffPhaseDuration,
		PodsRegistered,
		KafkaRecordsConsumedTotal,
		KafkaRecordsProducedTotal,
		KafkaConsumerLag,
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
