/*
Package metrics provides Prometheus metrics collection and exposition for
dedupd.

The metrics package defines and registers all dedupd metrics using the
Prometheus client library, exposes them via the /metrics HTTP handler, and
tracks component health for the /health and /ready endpoints.

# Core Components

Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Timer:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

HealthChecker:
  - Tracks per-component health (coordkv, storemanager, kafka_consumer,
    checkpoint_submit, checkpoint_cleanup)
  - /health flips to 503 if any background loop has died
  - /ready reports 503 until coordkv registers, and while any registered
    component is unhealthy

Collector:
  - Periodic refresh of process-wide gauges (leadership, owned
    partition count)

# Metrics Catalog

dedupd_events_classified_total{topic, classification}:
  - Type: Counter
  - Description: Events classified by outcome (new, confirmed_duplicate,
    potential_duplicate, malformed)

dedupd_store_owned_partitions:
  - Type: Gauge
  - Description: Partitions this process currently owns a store for

dedupd_store_size_bytes{topic, partition}:
  - Type: Gauge
  - Description: On-disk size of a partition's store

dedupd_store_cleanup_entries_removed_total{topic} /
dedupd_store_cleanup_bytes_freed_total{topic}:
  - Type: Counter
  - Description: Work done by retention and capacity cleanup

dedupd_checkpoint_attempts_total{mode, result} and friends:
  - Counters and histograms for attempt duration, size, file counts,
    per-file upload bytes, import outcomes (see pkg/checkpoint)

dedupd_coordkv_is_leader, dedupd_coordkv_peers_total,
dedupd_coordkv_commit_duration_seconds,
dedupd_coordkv_lease_expirations_total:
  - Raft-replicated coordination store health

dedupd_assignment_rebalances_total{trigger},
dedupd_assignment_rebalance_duration_seconds,
dedupd_assignment_handoffs_total{outcome},
dedupd_assignment_handoff_phase_duration_seconds{phase},
dedupd_assignment_pods_registered:
  - Assignment coordinator activity

dedupd_kafka_records_consumed_total{topic},
dedupd_kafka_records_produced_total{topic, result},
dedupd_kafka_consumer_lag{topic, partition}:
  - Broker-facing throughput; the franz-go client additionally exposes
    its own dedupd_kafka_client_* metrics via kprom

# Alerting

Unhealthy Pod:
  - Alert: /health returning 503
  - Description: A background loop (checkpoint submit/cleanup) died
  - Action: Restart the pod; the next owner's importer recovers from the
    most recent durable checkpoint

No Leader:
  - Alert: max(dedupd_coordkv_is_leader) == 0
  - Description: No coordinator holds leadership
  - Action: Check coordkv quorum and network partitions

Checkpoint Failures:
  - Alert: rate(dedupd_checkpoint_attempt_failures_total[10m]) > 0
  - Action: Check object store availability and credentials

Handoff Aborts:
  - Alert: increase(dedupd_assignment_handoffs_total{outcome="aborted"}[10m]) > 3
  - Action: Check warming latency and router ack participation

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
