/*
Package store provides a crash-safe, ordered, metadata-aware key/value store
for Deduplication Keys within a single Kafka partition.

# Architecture

Each PartitionStore owns one bbolt database file with two buckets:

  - records: DeduplicationKey.Encode() -> JSON-encoded DuplicateMetadata
  - meta: small per-partition bookkeeping, currently the highest consumed
    Kafka offset

bbolt's single-writer, many-reader transactions give the store ACID
semantics without an external dependency, and Tx.WriteTo/CopyFile provide a
point-in-time, consistent snapshot for the checkpoint exporter to upload.

# Key Ordering

Keys are zero-padded so that byte-lexicographic order over the records
bucket matches ascending timestamp order. CleanupOldEntries relies on this
to walk the oldest calendar day of keys using a single bbolt cursor, without
a secondary index.

# See Also

  - pkg/types for DeduplicationKey and DuplicateMetadata
  - pkg/storemanager for the per-process registry of PartitionStores
  - pkg/checkpoint for snapshotting and exporting a PartitionStore
*/
package store
