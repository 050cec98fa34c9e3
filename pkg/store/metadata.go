package store

import (
	"encoding/json"
	"fmt"

	"github.com/PostHog/dedupd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

func putMetadata(b *bolt.Bucket, key []byte, meta *types.DuplicateMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal duplicate metadata: %w", err)
	}
	return b.Put(key, data)
}

func decodeMetadata(data []byte) (*types.DuplicateMetadata, error) {
	var meta types.DuplicateMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Version != types.MetadataV1 {
		return nil, fmt.Errorf("unsupported duplicate metadata version %d", meta.Version)
	}
	return &meta, nil
}
