package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSubmitRoundProducesAttemptForOwnedPartitions(t *testing.T) {
	stores := storemanager.New(storemanager.Config{BaseDir: t.TempDir(), MaxCapacityBytes: 1 << 20})
	_, err := stores.GetOrCreate("events", 0)
	require.NoError(t, err)

	fake := newFakeObjectStore()
	mgr := NewManager(Config{
		BaseDir:                  t.TempDir(),
		CheckpointInterval:       10 * time.Millisecond,
		MaxConcurrentCheckpoints: 2,
	}, stores, NewS3Exporter(fake))

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	mgr.Stop()

	assert.Greater(t, fake.putCount(), 0)
}

func TestManagerDoubleStartPanics(t *testing.T) {
	stores := storemanager.New(storemanager.Config{BaseDir: t.TempDir(), MaxCapacityBytes: 1 << 20})
	mgr := NewManager(Config{CheckpointInterval: time.Hour}, stores, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	assert.Panics(t, func() { mgr.Start(ctx) })
}

func TestManagerStopWithoutStartIsNoop(t *testing.T) {
	stores := storemanager.New(storemanager.Config{BaseDir: t.TempDir(), MaxCapacityBytes: 1 << 20})
	mgr := NewManager(Config{}, stores, nil)
	mgr.Stop()
}

func TestManagerCleanupRemovesExpiredAttempts(t *testing.T) {
	stores := storemanager.New(storemanager.Config{BaseDir: t.TempDir(), MaxCapacityBytes: 1 << 20})
	base := t.TempDir()
	mgr := NewManager(Config{
		BaseDir:                base,
		MaxCheckpointRetention: time.Millisecond,
		MaxLocalCheckpoints:    10,
	}, stores, nil)

	part := testPartitionDir(t, base, "events", 0, 1700000000000000)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, mgr.cleanupOnce())
	assert.NoDirExists(t, part)
}

func testPartitionDir(t *testing.T, base, topic string, partition int32, tsMicros int64) string {
	t.Helper()
	dir := filepath.Join(base, topic, fmt.Sprint(partition), fmt.Sprint(tsMicros))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}
