package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
kafka:
  brokers: ["localhost:9092"]
  input_topic: events
  output_topic: events_deduped
coordinator:
  total_partitions: 8
coordkv:
  node_id: node-0
  bind_addr: 127.0.0.1:7000
  data_dir: /tmp/dedupd-coordkv
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Checkpoints.CheckpointInterval.Std())
	assert.Equal(t, 10, cfg.Checkpoints.FullUploadInterval)
	assert.Equal(t, 3, cfg.Checkpoints.ImportAttemptDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.Coordinator.RebalanceDebounce.Std())
	assert.Equal(t, "sticky_balanced", cfg.Coordinator.Strategy)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
checkpoints:
  checkpoint_interval: 30s
  checkpoint_partition_import_timeout: 2m
`))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Checkpoints.CheckpointInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Checkpoints.PartitionImportTimeout.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
checkpoints:
  checkpoint_interval: soon
`))
	assert.Error(t, err)
}

func TestValidateRejectsMissingBrokers(t *testing.T) {
	_, err := Load(writeConfig(t, `
kafka:
  input_topic: events
  output_topic: out
coordinator:
  total_partitions: 4
coordkv:
  node_id: n
  bind_addr: a
  data_dir: d
`))
	assert.ErrorContains(t, err, "kafka.brokers")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	_, err := Load(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  input_topic: events
  output_topic: events_deduped
coordinator:
  total_partitions: 8
  strategy: round_robin
coordkv:
  node_id: node-0
  bind_addr: 127.0.0.1:7000
  data_dir: /tmp/dedupd-coordkv
`))
	assert.ErrorContains(t, err, "strategy")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
