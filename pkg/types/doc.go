/*
Package types defines the core data structures shared across dedupd's
deduplication, checkpoint, and assignment packages.

# Architecture

The types package is the foundation of dedupd's data model. It defines:

  - Event shape as it arrives from the input broker (RawEvent)
  - The deduplication primary key and its canonical on-disk encoding
  - Duplicate tracking metadata and similarity scoring
  - Classification outcomes for a single PutEvent call

# Core Types

Event and Key:
  - RawEvent: normalized ingestion event (uuid, event, distinct_id, token,
    timestamp, properties)
  - DeduplicationKey: (timestamp, distinct_id, token, event_name) tuple
  - KeyFromEvent: canonicalizes a RawEvent into a DeduplicationKey, applying
    the "unknown" fallback for absent fields

Duplicate Tracking:
  - DuplicateMetadata: versioned record stored alongside a key (original
    event, observation count, bounded UUID ring, similarity snapshot)
  - SimilaritySnapshot: field/property diff summary for the most recent
    duplicate observation
  - Classification: New, ConfirmedDuplicate, or PotentialDuplicate

# Usage

Classifying a later event against the metadata recorded for its key:

	meta := types.NewDuplicateMetadata(first, time.Now())
	class := meta.Observe(next, time.Now())

pkg/store's PartitionStore.PutEvent runs these steps against the record
stored under types.KeyFromEvent(ev, now) and returns the Classification.

# Key Encoding

DeduplicationKey.Encode zero-pads the Unix-seconds timestamp to a fixed
width so that byte-lexicographic order over encoded keys matches ascending
timestamp order. This lets the partition store use a single sorted key
space for both point lookups and day-bounded range cleanup
(DeduplicationKey.DayPrefix).

# Thread Safety

Values in this package carry no synchronization of their own; callers that
share a *DuplicateMetadata across goroutines are responsible for serializing
Observe calls. pkg/store does not share them: each call decodes its own copy
inside a bbolt transaction, under the store-wide mutex.

# See Also

  - pkg/store for persistence and classification
  - pkg/checkpoint for snapshotting partition state
  - pkg/assignment for partition-to-worker ownership
*/
package types
