// Package storemanager owns the process-wide mapping from (topic, partition)
// to the PartitionStore this process currently owns.
package storemanager

import (
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"

	"github.com/PostHog/dedupd/pkg/store"
)

// ErrNotAssigned is returned by Get when the partition is not owned here.
var ErrNotAssigned = errors.New("storemanager: partition not assigned to this process")

// shardCount fixes the registry's shard fan-out: each shard is an
// ordinary map behind its own mutex.
const shardCount = 32

type key struct {
	topic     string
	partition int32
}

func (k key) dirName() string {
	return fmt.Sprintf("%s_%d", k.topic, k.partition)
}

type entry struct {
	mu    sync.Mutex
	ready bool
	store *store.PartitionStore
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// Manager is the process-wide registry of PartitionStores this pod owns.
type Manager struct {
	baseDir          string
	maxCapacityBytes int64
	shards           [shardCount]*shard
}

// Config configures a Manager.
type Config struct {
	// BaseDir is the root directory each partition's store is opened
	// under, at <BaseDir>/<topic>_<partition>/.
	BaseDir string
	// MaxCapacityBytes is passed through to each opened PartitionStore.
	MaxCapacityBytes int64
}

// New creates an empty store registry.
func New(cfg Config) *Manager {
	m := &Manager{baseDir: cfg.BaseDir, maxCapacityBytes: cfg.MaxCapacityBytes}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[key]*entry)}
	}
	return m
}

func (m *Manager) shardFor(k key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.topic))
	_, _ = h.Write([]byte{byte(k.partition), byte(k.partition >> 8), byte(k.partition >> 16), byte(k.partition >> 24)})
	return m.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the store for (topic, partition), opening it at
// <base_dir>/<topic>_<partition>/ if this is the first call for that key.
// Concurrent callers racing on the same key observe exactly one creation:
// the per-entry lock is held across the open, so late callers block on it
// and then see the already-opened store rather than racing bolt.Open.
func (m *Manager) GetOrCreate(topic string, partition int32) (*store.PartitionStore, error) {
	k := key{topic, partition}
	sh := m.shardFor(k)

	sh.mu.Lock()
	e, ok := sh.entries[k]
	if !ok {
		e = &entry{}
		sh.entries[k] = e
	}
	sh.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return e.store, nil
	}

	s, err := store.Open(topic, partition, store.Config{
		DataDir:          filepath.Join(m.baseDir, k.dirName()),
		MaxCapacityBytes: m.maxCapacityBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("open partition store %s: %w", k.dirName(), err)
	}
	e.store = s
	e.ready = true
	return s, nil
}

// Get returns the store for (topic, partition) iff currently assigned here.
func (m *Manager) Get(topic string, partition int32) (*store.PartitionStore, error) {
	k := key{topic, partition}
	sh := m.shardFor(k)

	sh.mu.Lock()
	e, ok := sh.entries[k]
	sh.mu.Unlock()
	if !ok {
		return nil, ErrNotAssigned
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, ErrNotAssigned
	}
	return e.store, nil
}

// Revoke flushes and closes the store for (topic, partition) and removes it
// from the registry. Callers of PutEvent/BatchClassify do not take the
// per-entry lock; bbolt's Close waits for an open write transaction to
// finish, and a caller that still holds the store pointer afterwards gets an
// error from the closed database. Get no longer finds the entry once Revoke
// has removed it.
func (m *Manager) Revoke(topic string, partition int32) error {
	k := key{topic, partition}
	sh := m.shardFor(k)

	sh.mu.Lock()
	e, ok := sh.entries[k]
	if ok {
		delete(sh.entries, k)
	}
	sh.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil
	}
	err := e.store.Close()
	e.ready = false
	e.store = nil
	return err
}

// Owned is a snapshot of one partition currently owned by this process.
type Owned struct {
	Topic     string
	Partition int32
	Store     *store.PartitionStore
}

// Stores returns a snapshot of every partition currently owned here. The
// snapshot is taken under each shard's lock but the slice itself is safe to
// range over without holding any lock afterward.
func (m *Manager) Stores() []Owned {
	var out []Owned
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			e.mu.Lock()
			if e.ready {
				out = append(out, Owned{Topic: k.topic, Partition: k.partition, Store: e.store})
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return out
}

// Count returns the number of partitions currently owned.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			e.mu.Lock()
			if e.ready {
				n++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return n
}
