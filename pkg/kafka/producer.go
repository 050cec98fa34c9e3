package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig configures the output and duplicate-audit producer.
type ProducerConfig struct {
	Brokers     []string
	OutputTopic string
	AuditTopic  string
	ClientID    string
}

// Producer publishes deduplicated events to the output topic and duplicate
// observations to the audit topic.
type Producer struct {
	client      *kgo.Client
	outputTopic string
	auditTopic  string
	logger      zerolog.Logger
}

// AuditEvent is one duplicate observation published to the audit topic.
// Its similarity snapshot carries counts and top-level field names only; no
// property value, "$"-prefixed or user-defined, reaches the audit stream.
type AuditEvent struct {
	Topic          string                   `json:"topic"`
	Partition      int32                    `json:"partition"`
	Offset         int64                    `json:"offset"`
	Classification string                   `json:"classification"`
	UUID           string                   `json:"uuid,omitempty"`
	Event          string                   `json:"event"`
	DistinctID     json.RawMessage          `json:"distinct_id,omitempty"`
	Token          string                   `json:"token,omitempty"`
	Timestamp      string                   `json:"timestamp,omitempty"`
	DuplicateCount uint64                   `json:"duplicate_count"`
	Similarity     types.SimilaritySnapshot `json:"similarity"`
	ObservedAt     time.Time                `json:"observed_at"`
}

// NewProducer connects a producer for the output and audit topics.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "dedupd"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{
		client:      client,
		outputTopic: cfg.OutputTopic,
		auditTopic:  cfg.AuditTopic,
		logger:      log.WithComponent("kafka_producer"),
	}, nil
}

// ProduceEvent publishes one non-duplicate event's original bytes to the
// output topic, keyed so downstream partitioning groups by distinct id.
func (p *Producer) ProduceEvent(ctx context.Context, key, value []byte) {
	p.produce(ctx, &kgo.Record{Topic: p.outputTopic, Key: key, Value: value})
}

// ProduceAudit publishes one duplicate observation to the audit topic.
func (p *Producer) ProduceAudit(ctx context.Context, audit AuditEvent) error {
	if p.auditTopic == "" {
		return nil
	}
	data, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	p.produce(ctx, &kgo.Record{Topic: p.auditTopic, Key: []byte(audit.UUID), Value: data})
	return nil
}

func (p *Producer) produce(ctx context.Context, rec *kgo.Record) {
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.KafkaRecordsProducedTotal.WithLabelValues(r.Topic, "error").Inc()
			p.logger.Error().Err(err).Str("topic", r.Topic).Msg("produce failed")
			return
		}
		metrics.KafkaRecordsProducedTotal.WithLabelValues(r.Topic, "ok").Inc()
	})
}

// Flush blocks until every buffered record is acknowledged or ctx expires.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes with a bounded grace period and tears down the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("producer flush on close failed")
	}
	p.client.Close()
}
