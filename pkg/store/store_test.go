package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/PostHog/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PartitionStore {
	t.Helper()
	s, err := Open("events", 0, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(t *testing.T, uuid, distinctID, ts string) *types.RawEvent {
	t.Helper()
	idRaw, err := json.Marshal(distinctID)
	require.NoError(t, err)
	return &types.RawEvent{
		UUID:       uuid,
		Event:      "pageview",
		DistinctID: idRaw,
		Token:      "tok",
		Timestamp:  ts,
	}
}

func TestPutEventFirstSeenIsNew(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	class, err := s.PutEvent(testEvent(t, "uuid-a", "user-1", "1700000000"), now)
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationNew, class)
}

func TestPutEventSameKeyDifferentUUIDIsConfirmedDuplicate(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	_, err := s.PutEvent(testEvent(t, "uuid-a", "user-1", "1700000000"), now)
	require.NoError(t, err)

	class, err := s.PutEvent(testEvent(t, "uuid-b", "user-1", "1700000000"), now)
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationConfirmedDuplicate, class)
}

func TestPutEventChangedPayloadIsPotentialDuplicate(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	first := testEvent(t, "uuid-a", "user-1", "1700000000")
	_, err := s.PutEvent(first, now)
	require.NoError(t, err)

	second := testEvent(t, "uuid-b", "user-1", "1700000000")
	second.Properties = map[string]json.RawMessage{"$browser": json.RawMessage(`"firefox"`)}
	class, err := s.PutEvent(second, now)
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationPotentialDuplicate, class)
}

// The number of New classifications over any event sequence equals the
// number of distinct Deduplication Keys in it.
func TestNewCountEqualsDistinctKeyCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	var events []*types.RawEvent
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			events = append(events, testEvent(t,
				fmt.Sprintf("uuid-%d-%d", i, j),
				fmt.Sprintf("user-%d", i),
				"1700000000"))
		}
	}

	newCount := 0
	for _, ev := range events {
		class, err := s.PutEvent(ev, now)
		require.NoError(t, err)
		if class == types.ClassificationNew {
			newCount++
		} else {
			assert.True(t, class.IsDuplicate())
		}
	}
	assert.Equal(t, 5, newCount)
}

func TestBatchClassifyMatchesSequentialSemantics(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	batch := []*types.RawEvent{
		testEvent(t, "uuid-a", "user-1", "1700000000"),
		testEvent(t, "uuid-b", "user-1", "1700000000"),
		testEvent(t, "uuid-c", "user-2", "1700000000"),
	}
	results, err := s.BatchClassify(batch, now)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, types.ClassificationNew, results[0].Classification)
	assert.Equal(t, types.ClassificationConfirmedDuplicate, results[1].Classification)
	assert.Equal(t, types.ClassificationNew, results[2].Classification)
}

func TestBatchClassifyEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	results, err := s.BatchClassify(nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAbsentKeysReturnsOnlyMisses(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	stored := testEvent(t, "uuid-a", "user-1", "1700000000")
	_, err := s.PutEvent(stored, now)
	require.NoError(t, err)

	storedKey := types.KeyFromEvent(stored, now)
	missingKey := types.KeyFromEvent(testEvent(t, "uuid-x", "user-9", "1700000000"), now)

	absent, err := s.AbsentKeys([]types.DeduplicationKey{storedKey, missingKey})
	require.NoError(t, err)
	assert.Equal(t, []types.DeduplicationKey{missingKey}, absent)

	absent, err = s.AbsentKeys(nil)
	require.NoError(t, err)
	assert.Empty(t, absent)
}

func TestOffsetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	offset, err := s.HighestOffset()
	require.NoError(t, err)
	assert.EqualValues(t, -1, offset, "fresh store has no recorded offset")

	require.NoError(t, s.RecordOffset(42))
	offset, err = s.HighestOffset()
	require.NoError(t, err)
	assert.EqualValues(t, 42, offset)
}

// Opening a store against a snapshot classifies every event present at
// snapshot time as a duplicate.
func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	events := []*types.RawEvent{
		testEvent(t, "uuid-a", "user-1", "1700000000"),
		testEvent(t, "uuid-b", "user-2", "1700000000"),
	}
	for _, ev := range events {
		_, err := s.PutEvent(ev, now)
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordOffset(7))

	snapDir := t.TempDir()
	require.NoError(t, s.CreateSnapshot(filepath.Join(snapDir, "dedupd.db")))

	restored, err := Open("events", 0, Config{DataDir: snapDir})
	require.NoError(t, err)
	defer restored.Close()

	// Every snapshotted key is present: nothing in the original set is
	// absent, and re-ingesting classifies as duplicate.
	var keys []types.DeduplicationKey
	for _, ev := range events {
		keys = append(keys, types.KeyFromEvent(ev, now))
	}
	absent, err := restored.AbsentKeys(keys)
	require.NoError(t, err)
	assert.Empty(t, absent)

	class, err := restored.PutEvent(testEvent(t, "uuid-c", "user-1", "1700000000"), now)
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationConfirmedDuplicate, class)

	offset, err := restored.HighestOffset()
	require.NoError(t, err)
	assert.EqualValues(t, 7, offset)
}

func TestCleanupOldEntriesRemovesOldestDayOnly(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	old := testEvent(t, "uuid-old", "user-1", "1698832800")
	mid := testEvent(t, "uuid-mid", "user-1", "1698919200")
	fresh := testEvent(t, "uuid-new", "user-1", "1699956000")
	for _, ev := range []*types.RawEvent{old, mid, fresh} {
		_, err := s.PutEvent(ev, now)
		require.NoError(t, err)
	}

	cutoff := time.Date(2023, 11, 10, 0, 0, 0, 0, time.UTC)
	deleted, err := s.CleanupOldEntries(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "only the oldest calendar day is removed per call")

	// The next call takes the next day; newer data is untouched.
	deleted, err = s.CleanupOldEntries(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = s.CleanupOldEntries(cutoff)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing older than the cutoff remains")

	absent, err := s.AbsentKeys([]types.DeduplicationKey{types.KeyFromEvent(fresh, now)})
	require.NoError(t, err)
	assert.Empty(t, absent, "entries newer than the cutoff survive cleanup")
}

func TestCleanupIfOverCapacityIsNoopUnderCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open("events", 0, Config{DataDir: dir, MaxCapacityBytes: 1 << 30})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.PutEvent(testEvent(t, "uuid-a", "user-1", "1700000000"), time.Now())
	require.NoError(t, err)

	freed, err := s.CleanupIfOverCapacity()
	require.NoError(t, err)
	assert.Zero(t, freed)
}

func TestCleanupIfOverCapacityDropsOldestDay(t *testing.T) {
	dir := t.TempDir()
	// A tiny capacity so any stored data counts as over capacity.
	s, err := Open("events", 0, Config{DataDir: dir, MaxCapacityBytes: 1})
	require.NoError(t, err)
	defer s.Close()

	now := time.Unix(1700000000, 0).UTC()
	old := testEvent(t, "uuid-old", "user-1", "1698832800")
	fresh := testEvent(t, "uuid-new", "user-1", "1699956000")
	for _, ev := range []*types.RawEvent{old, fresh} {
		_, err := s.PutEvent(ev, now)
		require.NoError(t, err)
	}

	freed, err := s.CleanupIfOverCapacity()
	require.NoError(t, err)
	assert.Positive(t, freed)

	// The oldest day is gone, the newer key survives.
	absent, err := s.AbsentKeys([]types.DeduplicationKey{
		types.KeyFromEvent(old, now),
		types.KeyFromEvent(fresh, now),
	})
	require.NoError(t, err)
	require.Len(t, absent, 1)
	assert.Equal(t, types.KeyFromEvent(old, now), absent[0])
}

func TestDuplicateMetadataAccumulates(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	ev := testEvent(t, "uuid-a", "user-1", "1700000000")
	_, err := s.PutEvent(ev, now)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		dup := testEvent(t, fmt.Sprintf("uuid-%d", i), "user-1", "1700000000")
		_, err := s.PutEvent(dup, now)
		require.NoError(t, err)
	}

	meta, ok, err := s.Lookup(types.KeyFromEvent(ev, now))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 4, meta.Count)
	assert.Len(t, meta.UUIDs, 4)
	assert.Equal(t, "uuid-a", meta.Original.UUID)
}
