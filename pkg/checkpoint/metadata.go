package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Mode distinguishes a checkpoint attempt that uploads every data file from
// one that uploads only files that are new or whose content changed since
// the previous attempt.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// FileRef is one uploaded data file referenced by an attempt's metadata.
type FileRef struct {
	RemoteFilepath string `json:"remote_filepath"`
	SizeBytes      uint64 `json:"size_bytes"`
}

// Metadata is the on-disk/remote metadata.json document describing one
// checkpoint attempt. Its presence at the unhashed remote path is the sole
// existence signal for the attempt: readers never trust a data file alone.
type Metadata struct {
	ID                     string    `json:"id"`
	Topic                  string    `json:"topic"`
	Partition              uint32    `json:"partition"`
	Sequence               uint64    `json:"sequence"`
	AttemptTimestampMicros int64     `json:"attempt_timestamp_micros"`
	HighestOffset          int64     `json:"highest_offset"`
	Mode                   Mode      `json:"mode"`
	Files                  []FileRef `json:"files"`
}

// NewMetadata builds a Metadata record with a fresh attempt id.
func NewMetadata(topic string, partition uint32, sequence uint64, attemptTimestampMicros, highestOffset int64, mode Mode, files []FileRef) Metadata {
	return Metadata{
		ID:                     uuid.NewString(),
		Topic:                  topic,
		Partition:              partition,
		Sequence:               sequence,
		AttemptTimestampMicros: attemptTimestampMicros,
		HighestOffset:          highestOffset,
		Mode:                   mode,
		Files:                  files,
	}
}

// Marshal encodes the metadata as the bit-exact JSON document uploaded last
// in the export protocol.
func (m Metadata) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata decodes metadata.json. A parse failure is treated by
// callers as "candidate attempt unusable" and the importer falls back to
// the next-older attempt.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal checkpoint metadata: %w", err)
	}
	return m, nil
}
