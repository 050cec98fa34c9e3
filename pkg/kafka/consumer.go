package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// ConsumerConfig configures the partition-aware input consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// ClientID tags requests in broker logs; defaults to "dedupd".
	ClientID string
}

// Consumer reads the input topic with explicit partition assignment. The
// set of consumed partitions is controlled by Assign/Unassign, which the
// Processor drives from this pod's store ownership.
type Consumer struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger

	mu       sync.Mutex
	assigned map[int32]bool
}

// NewConsumer connects a consumer with an initially empty partition set.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "dedupd"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{}),
		kgo.WithHooks(kprom.NewMetrics("dedupd_kafka_client",
			kprom.Registerer(prometheus.DefaultRegisterer))),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return &Consumer{
		client:   client,
		topic:    cfg.Topic,
		logger:   log.WithComponent("kafka_consumer"),
		assigned: make(map[int32]bool),
	}, nil
}

// Assign starts consuming partition from resumeOffset (the next offset to
// read; pass 0 or a negative value to start from the earliest available).
func (c *Consumer) Assign(partition int32, resumeOffset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assigned[partition] {
		return
	}

	offset := kgo.NewOffset().AtStart()
	if resumeOffset > 0 {
		offset = kgo.NewOffset().At(resumeOffset)
	}
	c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		c.topic: {partition: offset},
	})
	c.assigned[partition] = true
	c.logger.Info().Int32("partition", partition).Int64("resume_offset", resumeOffset).Msg("partition assigned to consumer")
}

// Unassign stops consuming partition. Records already fetched may still be
// delivered by an in-flight Poll; the Processor drops them when the store
// lookup reports the partition is no longer owned.
func (c *Consumer) Unassign(partition int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.assigned[partition] {
		return
	}
	c.client.RemoveConsumePartitions(map[string][]int32{c.topic: {partition}})
	delete(c.assigned, partition)
	c.logger.Info().Int32("partition", partition).Msg("partition unassigned from consumer")
}

// Assigned returns the currently consumed partition set.
func (c *Consumer) Assigned() map[int32]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int32]bool, len(c.assigned))
	for p := range c.assigned {
		out[p] = true
	}
	return out
}

// Seek rewinds partition so the next fetch starts at offset; used after a
// failed batch so the broker redelivers it.
func (c *Consumer) Seek(partition int32, offset int64) {
	at := kgo.NewOffset().AtStart()
	if offset > 0 {
		at = kgo.NewOffset().At(offset)
	}
	c.client.RemoveConsumePartitions(map[string][]int32{c.topic: {partition}})
	c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		c.topic: {partition: at},
	})
}

// Poll fetches the next batches of records, grouped per partition. Returns
// nil on context cancellation.
func (c *Consumer) Poll(ctx context.Context) map[int32][]*kgo.Record {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() || ctx.Err() != nil {
		return nil
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		c.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
	})

	out := make(map[int32][]*kgo.Record)
	fetches.EachRecord(func(r *kgo.Record) {
		out[r.Partition] = append(out[r.Partition], r)
		metrics.KafkaRecordsConsumedTotal.WithLabelValues(r.Topic).Inc()
	})
	return out
}

// Close tears down the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}
