// Package checkpoint implements the Checkpoint Subsystem: periodic
// snapshotting of each owned PartitionStore to object storage, and
// restoring the newest usable snapshot when a partition is newly assigned.
//
// Path and Metadata describe where an attempt lives and the bit-exact
// metadata.json format. Worker performs one attempt (snapshot, then
// optional export). Exporter and Importer are the upload/download sides,
// with S3Exporter/S3Importer the ObjectStore-backed implementations.
// Manager runs the periodic submit and cleanup loops across every
// partition a process owns.
package checkpoint
