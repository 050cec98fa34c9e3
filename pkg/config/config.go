// Package config loads and validates the dedupd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full dedupd configuration, loadable from a YAML file with
// per-section defaults applied for anything omitted.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	CoordKV     CoordKVConfig     `yaml:"coordkv"`
	HTTPAddr    string            `yaml:"http_addr"`
}

// StoreConfig configures the per-partition stores.
type StoreConfig struct {
	BaseDir          string `yaml:"base_dir"`
	MaxCapacityBytes int64  `yaml:"max_capacity_bytes"`
}

// KafkaConfig configures the input consumer and output/audit producer.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	InputTopic  string   `yaml:"input_topic"`
	OutputTopic string   `yaml:"output_topic"`
	AuditTopic  string   `yaml:"audit_topic"`
}

// CheckpointsConfig configures the checkpoint subsystem.
type CheckpointsConfig struct {
	BaseDir                  string   `yaml:"base_dir"`
	CheckpointInterval       Duration `yaml:"checkpoint_interval"`
	CleanupInterval          Duration `yaml:"cleanup_interval"`
	MaxConcurrentCheckpoints int      `yaml:"max_concurrent_checkpoints"`
	FullUploadInterval       int      `yaml:"full_upload_interval"`
	MaxLocalCheckpoints      int      `yaml:"max_local_checkpoints"`
	MaxRetentionHours        int      `yaml:"max_checkpoint_retention_hours"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3KeyPrefix string `yaml:"s3_key_prefix"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`

	ImportWindowHours      int      `yaml:"checkpoint_import_window_hours"`
	ImportAttemptDepth     int      `yaml:"checkpoint_import_attempt_depth"`
	PartitionImportTimeout Duration `yaml:"checkpoint_partition_import_timeout"`
}

// CoordinatorConfig configures the assignment coordinator.
type CoordinatorConfig struct {
	LeaderLeaseTTL    Duration `yaml:"leader_lease_ttl"`
	PodLeaseTTL       Duration `yaml:"pod_lease_ttl"`
	RebalanceDebounce Duration `yaml:"rebalance_debounce"`
	WarmingTimeout    Duration `yaml:"warming_timeout"`
	AckTimeout        Duration `yaml:"ack_timeout"`
	CutoverTimeout    Duration `yaml:"cutover_timeout"`
	Strategy          string   `yaml:"strategy"`
	TotalPartitions   int      `yaml:"total_partitions"`
}

// CoordKVConfig configures this node's raft-replicated coordination store.
type CoordKVConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`
}

// Load reads, parses and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.BaseDir == "" {
		c.Store.BaseDir = "/var/lib/dedupd/stores"
	}
	if c.Checkpoints.BaseDir == "" {
		c.Checkpoints.BaseDir = "/var/lib/dedupd/checkpoints"
	}
	if c.Checkpoints.CheckpointInterval == 0 {
		c.Checkpoints.CheckpointInterval = Duration(time.Minute)
	}
	if c.Checkpoints.CleanupInterval == 0 {
		c.Checkpoints.CleanupInterval = Duration(10 * time.Minute)
	}
	if c.Checkpoints.MaxConcurrentCheckpoints == 0 {
		c.Checkpoints.MaxConcurrentCheckpoints = 4
	}
	if c.Checkpoints.FullUploadInterval == 0 {
		c.Checkpoints.FullUploadInterval = 10
	}
	if c.Checkpoints.MaxLocalCheckpoints == 0 {
		c.Checkpoints.MaxLocalCheckpoints = 3
	}
	if c.Checkpoints.MaxRetentionHours == 0 {
		c.Checkpoints.MaxRetentionHours = 24
	}
	if c.Checkpoints.ImportWindowHours == 0 {
		c.Checkpoints.ImportWindowHours = 24
	}
	if c.Checkpoints.ImportAttemptDepth == 0 {
		c.Checkpoints.ImportAttemptDepth = 3
	}
	if c.Checkpoints.PartitionImportTimeout == 0 {
		c.Checkpoints.PartitionImportTimeout = Duration(5 * time.Minute)
	}
	if c.Coordinator.LeaderLeaseTTL == 0 {
		c.Coordinator.LeaderLeaseTTL = Duration(10 * time.Second)
	}
	if c.Coordinator.PodLeaseTTL == 0 {
		c.Coordinator.PodLeaseTTL = Duration(15 * time.Second)
	}
	if c.Coordinator.RebalanceDebounce == 0 {
		c.Coordinator.RebalanceDebounce = Duration(500 * time.Millisecond)
	}
	if c.Coordinator.WarmingTimeout == 0 {
		c.Coordinator.WarmingTimeout = Duration(30 * time.Second)
	}
	if c.Coordinator.AckTimeout == 0 {
		c.Coordinator.AckTimeout = Duration(5 * time.Second)
	}
	if c.Coordinator.CutoverTimeout == 0 {
		c.Coordinator.CutoverTimeout = Duration(10 * time.Second)
	}
	if c.Coordinator.Strategy == "" {
		c.Coordinator.Strategy = "sticky_balanced"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":9090"
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must not be empty")
	}
	if c.Kafka.InputTopic == "" {
		return fmt.Errorf("config: kafka.input_topic is required")
	}
	if c.Kafka.OutputTopic == "" {
		return fmt.Errorf("config: kafka.output_topic is required")
	}
	if c.Coordinator.TotalPartitions <= 0 {
		return fmt.Errorf("config: coordinator.total_partitions must be positive")
	}
	switch c.Coordinator.Strategy {
	case "sticky_balanced", "jump_hash":
	default:
		return fmt.Errorf("config: unknown coordinator.strategy %q", c.Coordinator.Strategy)
	}
	if c.CoordKV.NodeID == "" {
		return fmt.Errorf("config: coordkv.node_id is required")
	}
	if c.CoordKV.BindAddr == "" {
		return fmt.Errorf("config: coordkv.bind_addr is required")
	}
	if c.CoordKV.DataDir == "" {
		return fmt.Errorf("config: coordkv.data_dir is required")
	}
	return nil
}
