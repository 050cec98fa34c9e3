// Package kafka is the broker-facing edge of the pipeline: a
// partition-aware consumer whose consumed partition set follows this pod's
// store ownership, a producer for the deduplicated output and duplicate
// audit topics, and the Processor that routes each partition's records
// through its PartitionStore.
//
// Consumption is driven by explicit partition assignment rather than a
// consumer group: the Assignment Coordinator (pkg/assignment) decides which
// partitions this pod owns, and the Processor reconciles the consumer's
// partition set against the storemanager registry. Resume offsets come
// from each store's recorded highest offset, not from broker-side group
// commits.
package kafka
