package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures a Manager's submit and cleanup loops.
type Config struct {
	BaseDir string

	CheckpointInterval       time.Duration
	MaxConcurrentCheckpoints int
	FullUploadInterval       int // every Nth successful attempt per partition is Full
	CleanupInterval          time.Duration
	MaxCheckpointRetention   time.Duration
	MaxLocalCheckpoints      int
}

// Manager runs the periodic checkpoint submit and cleanup loops for every
// partition the local storemanager.Manager owns.
type Manager struct {
	cfg      Config
	stores   *storemanager.Manager
	exporter Exporter
	logger   zerolog.Logger

	sem chan struct{} // bounds MaxConcurrentCheckpoints in-flight attempts

	mu       sync.Mutex
	attempts map[partitionKey]*partitionState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type partitionKey struct {
	topic     string
	partition int32
}

type partitionState struct {
	mu            sync.Mutex
	inFlight      bool
	sequence      uint64
	sinceLastFull int
}

// NewManager builds a checkpoint Manager. exporter may be nil for a
// local-only deployment (attempts are produced but never uploaded).
func NewManager(cfg Config, stores *storemanager.Manager, exporter Exporter) *Manager {
	if cfg.MaxConcurrentCheckpoints <= 0 {
		cfg.MaxConcurrentCheckpoints = 4
	}
	if cfg.FullUploadInterval <= 0 {
		cfg.FullUploadInterval = 10
	}
	return &Manager{
		cfg:      cfg,
		stores:   stores,
		exporter: exporter,
		logger:   log.WithComponent("checkpoint_manager"),
		sem:      make(chan struct{}, cfg.MaxConcurrentCheckpoints),
		attempts: make(map[partitionKey]*partitionState),
	}
}

// Start launches the submit and cleanup loops. Calling Start twice without
// an intervening Stop is a programming error and panics.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		panic("checkpoint: Manager already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	metrics.RegisterComponent("checkpoint_submit", true, "")
	metrics.RegisterComponent("checkpoint_cleanup", true, "")

	m.wg.Add(2)
	go m.runSubmitLoop(ctx)
	go m.runCleanupLoop(ctx)
}

// Stop cancels both loops and waits for any in-flight attempt to observe
// cancellation and return.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

func (m *Manager) runSubmitLoop(ctx context.Context) {
	defer m.wg.Done()
	// The health endpoint reports this pod unhealthy if the loop ever
	// exits; the supervisor restarts the pod and the next owner's importer
	// recovers from the last durable checkpoint.
	defer metrics.UpdateComponent("checkpoint_submit", false, "submit loop exited")
	interval := m.cfg.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.submitRound(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// submitRound snapshots the owned-partition registry and spawns one Worker
// per partition not already mid-checkpoint, bounded by the semaphore.
func (m *Manager) submitRound(ctx context.Context) {
	owned := m.stores.Stores()
	for _, o := range owned {
		k := partitionKey{o.Topic, o.Partition}
		st := m.stateFor(k)

		st.mu.Lock()
		if st.inFlight {
			st.mu.Unlock()
			continue
		}
		st.inFlight = true
		st.sequence++
		mode := ModeIncremental
		if st.sinceLastFull >= m.cfg.FullUploadInterval-1 {
			mode = ModeFull
		}
		sequence := st.sequence
		st.mu.Unlock()

		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			st.mu.Lock()
			st.inFlight = false
			st.mu.Unlock()
			return
		}

		store := o.Store
		part := store.Topic()
		partNum := store.Partition()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			defer func() {
				st.mu.Lock()
				st.inFlight = false
				st.mu.Unlock()
			}()

			w := &Worker{
				Partition: types.Partition{Topic: part, Partition: partNum},
				Store:     store,
				BaseDir:   m.cfg.BaseDir,
				Exporter:  m.exporter,
				Sequence:  sequence,
				Mode:      mode,
			}
			_, err := w.Run(ctx, time.Now().UnixMicro())

			st.mu.Lock()
			if err == nil {
				if mode == ModeFull {
					st.sinceLastFull = 0
				} else {
					st.sinceLastFull++
				}
			}
			st.mu.Unlock()

			if err != nil {
				m.logger.Error().Err(err).Str("topic", part).Int32("partition", partNum).Msg("checkpoint attempt failed")
			}
		}()
	}
}

func (m *Manager) stateFor(k partitionKey) *partitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.attempts[k]
	if !ok {
		st = &partitionState{}
		m.attempts[k] = st
	}
	return st
}

func (m *Manager) runCleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	defer metrics.UpdateComponent("checkpoint_cleanup", false, "cleanup loop exited")
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.cleanupOnce(); err != nil {
				m.logger.Error().Err(err).Msg("checkpoint cleanup cycle failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOnce walks <base>/<topic>/<partition>/<ts>/ directories and removes
// attempts older than MaxCheckpointRetention or beyond MaxLocalCheckpoints
// newest, per partition.
func (m *Manager) cleanupOnce() error {
	topics, err := os.ReadDir(m.cfg.BaseDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint base dir: %w", err)
	}

	var total int
	for _, topic := range topics {
		if !topic.IsDir() {
			continue
		}
		topicDir := filepath.Join(m.cfg.BaseDir, topic.Name())
		partitions, err := os.ReadDir(topicDir)
		if err != nil {
			return fmt.Errorf("read topic dir %s: %w", topic.Name(), err)
		}
		for _, partition := range partitions {
			if !partition.IsDir() {
				continue
			}
			n, err := m.cleanupPartitionDir(filepath.Join(topicDir, partition.Name()))
			if err != nil {
				return err
			}
			total += n
		}
	}
	localCheckpointsTotal.Set(float64(total))
	return nil
}

func (m *Manager) cleanupPartitionDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read partition checkpoint dir %s: %w", dir, err)
	}

	var attempts []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			attempts = append(attempts, e)
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Name() > attempts[j].Name() })

	cutoff := time.Time{}
	if m.cfg.MaxCheckpointRetention > 0 {
		cutoff = time.Now().Add(-m.cfg.MaxCheckpointRetention)
	}

	kept := 0
	for i, e := range attempts {
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		expired := !cutoff.IsZero() && info.ModTime().Before(cutoff)
		overflow := m.cfg.MaxLocalCheckpoints > 0 && i >= m.cfg.MaxLocalCheckpoints

		if expired || overflow {
			if err := os.RemoveAll(path); err != nil {
				m.logger.Warn().Err(err).Str("path", path).Msg("checkpoint cleanup failed to remove attempt dir")
				continue
			}
			continue
		}
		kept++
	}
	return kept, nil
}
