/*
Package storemanager owns the mapping (topic, partition) -> *store.PartitionStore
for this process: a sharded, mutex-guarded registry with no external
dependency.

A store is created on first GetOrCreate for a partition this pod has been
assigned, and torn down by Revoke when the Assignment Coordinator (see
pkg/assignment) hands the partition to another pod.

# See Also

  - pkg/store for the PartitionStore itself
  - pkg/checkpoint for periodic snapshotting of every owned store
*/
package storemanager
