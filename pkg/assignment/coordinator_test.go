package assignment

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "events"

func testConfig(totalPartitions int) Config {
	return Config{
		LeaderLeaseTTL:   300 * time.Millisecond,
		PodLeaseTTL:      300 * time.Millisecond,
		RouterLeaseTTL:   300 * time.Millisecond,
		DebounceInterval: 40 * time.Millisecond,
		WarmingTimeout:   3 * time.Second,
		AckTimeout:       3 * time.Second,
		CutoverTimeout:   3 * time.Second,
		TickInterval:     10 * time.Millisecond,
		TotalPartitions:  totalPartitions,
	}
}

func testPodConfig(id string) PodConfig {
	return PodConfig{
		ID:             id,
		Topic:          testTopic,
		LeaseTTL:       300 * time.Millisecond,
		ResyncInterval: 50 * time.Millisecond,
	}
}

func newTestPod(t *testing.T, kv Coordination, id string, warmer Warmer) (*Pod, *storemanager.Manager) {
	t.Helper()
	stores := storemanager.New(storemanager.Config{BaseDir: t.TempDir()})
	pod := NewPod(testPodConfig(id), kv, stores, warmer)
	return pod, stores
}

// recordingWarmer counts Warm calls per partition and optionally blocks
// until released, for crash-during-warming scenarios.
type recordingWarmer struct {
	mu    sync.Mutex
	warms map[int]int
	block chan struct{}
}

func newRecordingWarmer() *recordingWarmer {
	return &recordingWarmer{warms: make(map[int]int)}
}

func (w *recordingWarmer) Warm(ctx context.Context, part types.Partition) error {
	w.mu.Lock()
	w.warms[int(part.Partition)]++
	w.mu.Unlock()

	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *recordingWarmer) warmCount(partition int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warms[partition]
}

func (w *recordingWarmer) warmedPartitions() map[int]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]int, len(w.warms))
	for p, n := range w.warms {
		out[p] = n
	}
	return out
}

func currentOwners(kv Coordination) map[int]string {
	out := make(map[int]string)
	for _, e := range kv.ListPrefix(prefixAssignments) {
		var a Assignment
		if err := json.Unmarshal(e.Value, &a); err != nil {
			continue
		}
		p, err := strconv.Atoi(trimPrefix(e.Key, prefixAssignments))
		if err != nil {
			continue
		}
		out[p] = a.Owner
	}
	return out
}

func ownedBy(owners map[int]string, pod string) []int {
	var out []int
	for p, o := range owners {
		if o == pod {
			out = append(out, p)
		}
	}
	return out
}

func TestSinglePodFleetGetsEverythingWithoutHandoffs(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator("c0", testConfig(8), kv, Sticky{})
	coord.Start(ctx)
	defer coord.Stop()

	pod, stores := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod.Start(ctx))
	defer pod.Stop()

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(owners) == 8 && len(ownedBy(owners, "pod-0")) == 8
	}, 5*time.Second, 10*time.Millisecond, "all partitions should be assigned to the only pod")

	require.Eventually(t, func() bool {
		return stores.Count() == 8
	}, 5*time.Second, 10*time.Millisecond, "pod should open a store per assigned partition")

	// A single-pod fleet never needs to move a partition.
	assert.Empty(t, kv.ListPrefix(prefixHandoffs))
}

func TestScaleUpDrivesWarmBeforeCutoverHandoffs(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator("c0", testConfig(8), kv, Sticky{})
	coord.Start(ctx)
	defer coord.Stop()

	router := NewRouter(RouterConfig{ID: "r0", LeaseTTL: 300 * time.Millisecond, ResyncInterval: 50 * time.Millisecond}, kv)
	require.NoError(t, router.Start(ctx))
	defer router.Stop()

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()

	require.Eventually(t, func() bool {
		return stores0.Count() == 8
	}, 5*time.Second, 10*time.Millisecond)

	warmer := newRecordingWarmer()
	pod1, stores1 := newTestPod(t, kv, "pod-1", warmer)
	require.NoError(t, pod1.Start(ctx))
	defer pod1.Stop()

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(ownedBy(owners, "pod-0")) == 4 && len(ownedBy(owners, "pod-1")) == 4 &&
			len(kv.ListPrefix(prefixHandoffs)) == 0
	}, 10*time.Second, 10*time.Millisecond, "assignments should converge to a 4/4 split with no handoff left open")

	owners := currentOwners(kv)

	// Sticky sheds the numerically-highest partitions first.
	assert.ElementsMatch(t, []int{4, 5, 6, 7}, ownedBy(owners, "pod-1"))

	// Every moved partition was warmed on the receiving pod exactly once.
	assert.Equal(t, map[int]int{4: 1, 5: 1, 6: 1, 7: 1}, warmer.warmedPartitions())

	// Old owner released its stores, new owner opened its own.
	require.Eventually(t, func() bool {
		return stores0.Count() == 4 && stores1.Count() == 4
	}, 5*time.Second, 10*time.Millisecond)

	// The router's table agrees with the committed assignment.
	require.Eventually(t, func() bool {
		table := router.Table()
		for p, owner := range owners {
			if table[p] != owner {
				return false
			}
		}
		return len(table) == len(owners)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRapidJoinsFoldIntoOneRebalance(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator("c0", testConfig(6), kv, Sticky{})
	coord.Start(ctx)
	defer coord.Stop()

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()

	require.Eventually(t, func() bool {
		return stores0.Count() == 6
	}, 5*time.Second, 10*time.Millisecond)

	// Two pods join within one debounce window.
	warmer1 := newRecordingWarmer()
	pod1, _ := newTestPod(t, kv, "pod-1", warmer1)
	require.NoError(t, pod1.Start(ctx))
	defer pod1.Stop()

	warmer2 := newRecordingWarmer()
	pod2, _ := newTestPod(t, kv, "pod-2", warmer2)
	require.NoError(t, pod2.Start(ctx))
	defer pod2.Stop()

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(ownedBy(owners, "pod-0")) == 2 &&
			len(ownedBy(owners, "pod-1")) == 2 &&
			len(ownedBy(owners, "pod-2")) == 2 &&
			len(kv.ListPrefix(prefixHandoffs)) == 0
	}, 10*time.Second, 10*time.Millisecond)

	// Both joins were folded into a single plan: no partition moved twice.
	for p, n := range warmer1.warmedPartitions() {
		assert.Equal(t, 1, n, "partition %d warmed more than once on pod-1", p)
	}
	for p, n := range warmer2.warmedPartitions() {
		assert.Equal(t, 1, n, "partition %d warmed more than once on pod-2", p)
	}
}

func TestPodCrashDuringWarmingRestoresAssignments(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator("c0", testConfig(8), kv, Sticky{})
	coord.Start(ctx)
	defer coord.Stop()

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()

	require.Eventually(t, func() bool {
		return stores0.Count() == 8
	}, 5*time.Second, 10*time.Millisecond)

	// pod-1 joins but its warming never finishes.
	warmer := newRecordingWarmer()
	warmer.block = make(chan struct{})
	podCtx, podCancel := context.WithCancel(ctx)
	pod1, stores1 := newTestPod(t, kv, "pod-1", warmer)
	require.NoError(t, pod1.Start(podCtx))

	require.Eventually(t, func() bool {
		return len(kv.ListPrefix(prefixHandoffs)) > 0
	}, 5*time.Second, 10*time.Millisecond, "handoffs should open toward the new pod")

	// Crash pod-1: its loops die and its lease expires without a graceful
	// deregistration.
	podCancel()
	kv.expireLease("pod/pod-1")

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(kv.ListPrefix(prefixHandoffs)) == 0 &&
			len(ownedBy(owners, "pod-0")) == 8 &&
			len(ownedBy(owners, "pod-1")) == 0
	}, 10*time.Second, 10*time.Millisecond, "handoffs should abort and assignments revert to the old owner")

	assert.Zero(t, stores1.Count(), "the crashed pod never finished warming, so it owns nothing")
}

func TestScaleDownToSurvivor(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator("c0", testConfig(8), kv, Sticky{})
	coord.Start(ctx)
	defer coord.Stop()

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()
	pod1, _ := newTestPod(t, kv, "pod-1", nil)
	require.NoError(t, pod1.Start(ctx))

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(ownedBy(owners, "pod-0")) == 4 && len(ownedBy(owners, "pod-1")) == 4 &&
			len(kv.ListPrefix(prefixHandoffs)) == 0
	}, 10*time.Second, 10*time.Millisecond)

	pod1.Stop()

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(ownedBy(owners, "pod-0")) == 8
	}, 10*time.Second, 10*time.Millisecond, "all partitions should converge to the survivor")

	require.Eventually(t, func() bool {
		return stores0.Count() == 8
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeaderFailover(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c0 := NewCoordinator("c0", testConfig(8), kv, Sticky{})
	c0.Start(ctx)
	c1 := NewCoordinator("c1", testConfig(8), kv, Sticky{})
	c1.Start(ctx)
	defer c1.Stop()

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()

	require.Eventually(t, func() bool {
		return stores0.Count() == 8
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, c0.IsLeader())
	require.False(t, c1.IsLeader())

	c0.Stop()

	require.Eventually(t, func() bool {
		return c1.IsLeader()
	}, 5*time.Second, 10*time.Millisecond, "the standby should take over leadership")

	// The new leader rebalances correctly when membership changes.
	pod1, _ := newTestPod(t, kv, "pod-1", nil)
	require.NoError(t, pod1.Start(ctx))
	defer pod1.Stop()

	require.Eventually(t, func() bool {
		owners := currentOwners(kv)
		return len(ownedBy(owners, "pod-0")) == 4 && len(ownedBy(owners, "pod-1")) == 4
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCoordinatorRestartAfterConvergenceIsQuiet(t *testing.T) {
	kv := newFakeKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c0 := NewCoordinator("c0", testConfig(4), kv, Sticky{})
	c0.Start(ctx)

	pod0, stores0 := newTestPod(t, kv, "pod-0", nil)
	require.NoError(t, pod0.Start(ctx))
	defer pod0.Stop()

	require.Eventually(t, func() bool {
		return stores0.Count() == 4
	}, 5*time.Second, 10*time.Millisecond)
	before := currentOwners(kv)

	c0.Stop()
	c1 := NewCoordinator("c1", testConfig(4), kv, Sticky{})
	c1.Start(ctx)
	defer c1.Stop()

	require.Eventually(t, func() bool {
		return c1.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)

	// Give the new leader several reconcile ticks: a converged keyspace
	// must produce no new handoffs and no assignment churn.
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, kv.ListPrefix(prefixHandoffs))
	assert.Equal(t, before, currentOwners(kv))
}
