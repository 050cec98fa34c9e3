package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func similarityEvent(t *testing.T, uuid string, props map[string]any) *RawEvent {
	t.Helper()
	return rawEvent(t, uuid, "pageview", "user-1", "tok", "1700000000", props)
}

func TestComputeSimilarity_IdenticalExceptUUID(t *testing.T) {
	a := similarityEvent(t, "uuid-1", map[string]any{"$lib": "posthog-js", "plan": "free"})
	b := similarityEvent(t, "uuid-2", map[string]any{"$lib": "posthog-js", "plan": "free"})

	snapshot, onlyUUIDDiffers := ComputeSimilarity(a, b)

	assert.True(t, onlyUUIDDiffers)
	assert.Zero(t, snapshot.DifferentFieldCount)
	assert.Zero(t, snapshot.DifferentPropertyCount)
	assert.Equal(t, 1.0, snapshot.OverallScore)
}

func TestComputeSimilarity_NonDollarPropertyValueChangeIsDetected(t *testing.T) {
	a := similarityEvent(t, "uuid-1", map[string]any{"email": "alice@example.com"})
	b := similarityEvent(t, "uuid-2", map[string]any{"email": "bob@example.com"})

	snapshot, onlyUUIDDiffers := ComputeSimilarity(a, b)

	// The change is detected and counted like any other; only the values
	// stay out of logs and the audit stream.
	assert.False(t, onlyUUIDDiffers)
	assert.Equal(t, 1, snapshot.DifferentPropertyCount)
	assert.Zero(t, snapshot.DifferentFieldCount)
}

func TestComputeSimilarity_DollarPropertyValueChangeIsDetected(t *testing.T) {
	a := similarityEvent(t, "uuid-1", map[string]any{"$lib": "posthog-js"})
	b := similarityEvent(t, "uuid-2", map[string]any{"$lib": "posthog-python"})

	snapshot, onlyUUIDDiffers := ComputeSimilarity(a, b)

	assert.False(t, onlyUUIDDiffers)
	assert.Equal(t, 1, snapshot.DifferentPropertyCount)
}

func TestComputeSimilarity_AddedAndRemovedPropertiesCount(t *testing.T) {
	a := similarityEvent(t, "uuid-1", map[string]any{"plan": "free", "seats": 1})
	b := similarityEvent(t, "uuid-2", map[string]any{"plan": "free", "region": "eu"})

	snapshot, onlyUUIDDiffers := ComputeSimilarity(a, b)

	assert.False(t, onlyUUIDDiffers)
	// "seats" removed, "region" added; "plan" unchanged.
	assert.Equal(t, 2, snapshot.DifferentPropertyCount)
	// Jaccard over {plan, seats, region}: one shared key of three.
	assert.InDelta(t, 1.0/3.0, snapshot.PropertiesSimilarity, 1e-9)
}

func TestComputeSimilarity_FieldChangeLowersScore(t *testing.T) {
	a := similarityEvent(t, "uuid-1", nil)
	b := similarityEvent(t, "uuid-2", nil)
	b.Event = "autocapture"

	snapshot, onlyUUIDDiffers := ComputeSimilarity(a, b)

	assert.False(t, onlyUUIDDiffers)
	assert.Equal(t, []string{"event"}, snapshot.DifferentFields)
	// 3 of 4 tracked fields agree; empty property maps score 1.0.
	assert.InDelta(t, 0.5*(3.0/4.0)+0.5*1.0, snapshot.OverallScore, 1e-9)
}

func TestObserveUsesSimilarityForClassification(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	meta := NewDuplicateMetadata(similarityEvent(t, "uuid-1", map[string]any{"email": "alice@example.com"}), now)

	class := meta.Observe(similarityEvent(t, "uuid-2", map[string]any{"email": "bob@example.com"}), now)

	assert.Equal(t, ClassificationPotentialDuplicate, class)
	assert.Equal(t, 1, meta.LastSimilarity.DifferentPropertyCount)
}
