package checkpoint

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedupd_checkpoint_attempt_duration_seconds",
		Help:    "Time taken to produce and export one checkpoint attempt.",
		Buckets: prometheus.DefBuckets,
	})

	attemptSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedupd_checkpoint_attempt_size_bytes",
		Help:    "Size in bytes of the local snapshot taken for one checkpoint attempt.",
		Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12),
	})

	attemptFileCount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedupd_checkpoint_attempt_file_count",
		Help:    "Number of data files referenced by one checkpoint attempt.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	fileUploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedupd_checkpoint_file_upload_bytes",
		Help:    "Size in bytes of each individual uploaded data file.",
		Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12),
	})

	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dedupd_checkpoint_attempts_total",
		Help: "Checkpoint attempts by mode and result.",
	}, []string{"mode", "result"})

	attemptFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dedupd_checkpoint_attempt_failures_total",
		Help: "Checkpoint attempt failures tagged by mode, result and cause.",
	}, []string{"mode", "result", "cause"})

	importAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dedupd_checkpoint_import_attempts_total",
		Help: "Checkpoint import attempts by result.",
	}, []string{"result"})

	importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedupd_checkpoint_import_duration_seconds",
		Help:    "Time taken to import the newest durable checkpoint for a partition.",
		Buckets: prometheus.DefBuckets,
	})

	localCheckpointsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dedupd_checkpoint_local_attempts",
		Help: "Local checkpoint attempt directories currently retained on disk.",
	})
)

func init() {
	prometheus.MustRegister(
		attemptDuration,
		attemptSizeBytes,
		attemptFileCount,
		fileUploadBytes,
		attemptsTotal,
		attemptFailuresTotal,
		importAttemptsTotal,
		importDuration,
		localCheckpointsTotal,
	)
}
