package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripsThroughJSON(t *testing.T) {
	meta := NewMetadata("events", 3, 42, 1700000000000000, 999, ModeFull,
		[]FileRef{{RemoteFilepath: "abc123/checkpoints/events/3/dedupd.db", SizeBytes: 4096}})

	data, err := meta.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMetadata(data)
	require.NoError(t, err)

	assert.Equal(t, meta, got)
}

func TestMetadataFieldNamesMatchSpecFormat(t *testing.T) {
	meta := NewMetadata("events", 3, 42, 1700000000000000, 999, ModeIncremental, nil)
	data, err := meta.Marshal()
	require.NoError(t, err)

	for _, field := range []string{`"id"`, `"topic"`, `"partition"`, `"sequence"`,
		`"attempt_timestamp_micros"`, `"highest_offset"`, `"mode"`, `"files"`} {
		assert.Contains(t, string(data), field)
	}
}

func TestUnmarshalMetadataRejectsGarbage(t *testing.T) {
	_, err := UnmarshalMetadata([]byte("not json"))
	assert.Error(t, err)
}
