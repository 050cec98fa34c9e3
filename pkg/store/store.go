// Package store implements the Partition Store: a crash-safe, ordered,
// metadata-aware key/value store for Deduplication Keys within a single
// Kafka partition.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
)

const keyHighestOffset = "highest_offset"

// Config configures a single partition's on-disk store.
type Config struct {
	// DataDir is the directory containing this partition's database file.
	DataDir string
	// MaxCapacityBytes is the on-disk size above which CleanupIfOverCapacity
	// removes the oldest day of keys; zero or less disables that cleanup.
	// Writes are not refused above it.
	MaxCapacityBytes int64
}

// PartitionStore owns one bbolt database file holding every tracked
// Deduplication Key for one (topic, partition) pair.
type PartitionStore struct {
	mu               sync.Mutex
	db               *bolt.DB
	path             string
	topic            string
	partition        int32
	maxCapacityBytes int64
}

// Open creates or opens the partition store at cfg.DataDir/dedupd.db.
func Open(topic string, partition int32, cfg Config) (*PartitionStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "dedupd.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open partition store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("create records bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PartitionStore{
		db:               db,
		path:             dbPath,
		topic:            topic,
		partition:        partition,
		maxCapacityBytes: cfg.MaxCapacityBytes,
	}, nil
}

// Close closes the underlying database.
func (s *PartitionStore) Close() error {
	return s.db.Close()
}

// Path returns the on-disk database file path.
func (s *PartitionStore) Path() string {
	return s.path
}

// Topic returns the Kafka topic this store tracks.
func (s *PartitionStore) Topic() string { return s.topic }

// Partition returns the Kafka partition number this store tracks.
func (s *PartitionStore) Partition() int32 { return s.partition }

// PutEvent classifies and records a single event against the store. New
// keys are stored with fresh metadata; existing keys have their metadata
// updated in place via DuplicateMetadata.Observe.
func (s *PartitionStore) PutEvent(ev *types.RawEvent, now time.Time) (types.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := types.KeyFromEvent(ev, now)
	keyBytes := key.Encode()

	var classification types.Classification
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		existing := b.Get(keyBytes)
		if existing == nil {
			meta := types.NewDuplicateMetadata(ev, now)
			classification = types.ClassificationNew
			return putMetadata(b, keyBytes, meta)
		}

		meta, err := decodeMetadata(existing)
		if err != nil {
			return fmt.Errorf("decode metadata for key %s: %w", keyBytes, err)
		}
		classification = meta.Observe(ev, now)
		return putMetadata(b, keyBytes, meta)
	})
	if err != nil {
		return 0, err
	}
	return classification, nil
}

// BatchResult pairs one input event with the classification PutEvent
// assigned it.
type BatchResult struct {
	Event          *types.RawEvent
	Classification types.Classification
}

// BatchClassify applies PutEvent to every event in a batch inside a single
// bbolt transaction, so a batch either all lands or none does. Events
// sharing a Deduplication Key within the same batch are classified against
// each other in arrival order, matching single-event semantics.
func (s *PartitionStore) BatchClassify(events []*types.RawEvent, now time.Time) ([]BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]BatchResult, len(events))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for i, ev := range events {
			key := types.KeyFromEvent(ev, now).Encode()
			existing := b.Get(key)

			var class types.Classification
			if existing == nil {
				meta := types.NewDuplicateMetadata(ev, now)
				class = types.ClassificationNew
				if err := putMetadata(b, key, meta); err != nil {
					return err
				}
			} else {
				meta, err := decodeMetadata(existing)
				if err != nil {
					return fmt.Errorf("decode metadata for key %s: %w", key, err)
				}
				class = meta.Observe(ev, now)
				if err := putMetadata(b, key, meta); err != nil {
					return err
				}
			}
			results[i] = BatchResult{Event: ev, Classification: class}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Lookup returns the stored metadata for an already-computed key, if any.
func (s *PartitionStore) Lookup(key types.DeduplicationKey) (*types.DuplicateMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta *types.DuplicateMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get(key.Encode())
		if data == nil {
			return nil
		}
		decoded, err := decodeMetadata(data)
		if err != nil {
			return err
		}
		meta = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return meta, meta != nil, nil
}

// RecordOffset persists the highest Kafka offset observed by the caller for
// this partition, so a restart can resume consumption from the right place.
func (s *PartitionStore) RecordOffset(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte(keyHighestOffset), encodeOffset(offset))
	})
}

// HighestOffset returns the last offset recorded via RecordOffset, or -1 if
// none has been recorded yet.
func (s *PartitionStore) HighestOffset() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := int64(-1)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get([]byte(keyHighestOffset))
		if data == nil {
			return nil
		}
		offset = decodeOffset(data)
		return nil
	})
	return offset, err
}

// AbsentKeys is a read-only bulk existence check: it returns only the keys
// with no stored record, in input order. Insertion still goes through
// PutEvent/BatchClassify; this exists so batch pipelines can skip known
// duplicates without taking the write path.
func (s *PartitionStore) AbsentKeys(keys []types.DeduplicationKey) ([]types.DeduplicationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var absent []types.DeduplicationKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, k := range keys {
			if b.Get(k.Encode()) == nil {
				absent = append(absent, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return absent, nil
}

// SizeBytes returns the on-disk size of the store's database file.
func (s *PartitionStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat store file: %w", err)
	}
	return info.Size(), nil
}

// CleanupIfOverCapacity frees space when the store's on-disk size exceeds
// its configured maximum: the oldest calendar day of keys is range-deleted
// and the estimated bytes reclaimed returned. One day is removed per call;
// a store far over capacity converges over repeated calls. Returns 0 when
// under capacity or when no capacity is configured.
func (s *PartitionStore) CleanupIfOverCapacity() (int64, error) {
	if s.maxCapacityBytes <= 0 {
		return 0, nil
	}
	size, err := s.SizeBytes()
	if err != nil {
		return 0, err
	}
	if size <= s.maxCapacityBytes {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var freed int64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()

		k, v := c.First()
		if k == nil {
			return nil
		}
		_, dayEnd := dayBoundsFromEncodedKey(k)

		for k != nil && string(k) < string(dayEnd) {
			freed += int64(len(k) + len(v))
			nextK, nextV := c.Next()
			if err := b.Delete(k); err != nil {
				return err
			}
			k, v = nextK, nextV
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// CleanupOldEntries deletes every stored key whose calendar day (by
// timestamp) is strictly before cutoff's calendar day, processing one
// calendar day of keys per call so a store far over its retention window
// converges over several calls rather than blocking on one giant delete.
func (s *PartitionStore) CleanupOldEntries(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffKey := types.DeduplicationKey{TimestampUnixSeconds: uint64(cutoff.Unix())}
	cutoffDayStart, _ := cutoffKey.DayPrefix()

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()

		k, _ := c.First()
		if k == nil {
			return nil
		}

		// Only the oldest calendar day present is deleted per call; a
		// store several days past its retention window converges over
		// several CleanupOldEntries calls rather than one large delete.
		_, dayEnd := dayBoundsFromEncodedKey(k)
		if string(dayEnd) > string(cutoffDayStart) {
			return nil
		}

		for k != nil && string(k) < string(dayEnd) {
			next, _ := c.Next()
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
			k = next
		}
		return nil
	})
	return deleted, err
}

func dayBoundsFromEncodedKey(encoded []byte) (start, end []byte) {
	// The first keyTimestampWidth(=20)-digit segment before the first
	// colon is the zero-padded timestamp; reuse DeduplicationKey.DayPrefix
	// by parsing just that prefix back out.
	const width = 20
	if len(encoded) < width {
		return encoded, encoded
	}
	var ts uint64
	for i := 0; i < width; i++ {
		ts = ts*10 + uint64(encoded[i]-'0')
	}
	key := types.DeduplicationKey{TimestampUnixSeconds: ts}
	return key.DayPrefix()
}

// CreateSnapshot produces a point-in-time, consistent copy of the entire
// database file at destPath, suitable for the checkpoint exporter to upload
// as-is. bbolt's Tx.WriteTo copies inside a read transaction, so the snapshot
// is always consistent. The store mutex is held for the whole copy, so other
// calls on this store wait until it finishes.
func (s *PartitionStore) CreateSnapshot(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
}

func encodeOffset(offset int64) []byte {
	return []byte(fmt.Sprintf("%020d", offset))
}

func decodeOffset(data []byte) int64 {
	var v int64
	for _, c := range data {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v
}
