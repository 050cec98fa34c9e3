package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/PostHog/dedupd/pkg/store"
	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Processor is the per-pod deduplication pipeline: it keeps the consumer's
// partition set in sync with this pod's store ownership, classifies every
// record against its PartitionStore, forwards non-duplicates to the output
// topic and duplicate observations to the audit topic, and records the
// highest consumed offset per partition for checkpoint recovery.
type Processor struct {
	consumer *Consumer
	producer *Producer
	stores   *storemanager.Manager
	topic    string
	logger   zerolog.Logger

	// ReconcileInterval bounds how quickly partition assignment changes
	// reach the consumer; defaults to one second.
	ReconcileInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor wires a Processor; it does not start consuming until Start.
func NewProcessor(consumer *Consumer, producer *Producer, stores *storemanager.Manager, topic string) *Processor {
	return &Processor{
		consumer:          consumer,
		producer:          producer,
		stores:            stores,
		topic:             topic,
		logger:            log.WithComponent("processor"),
		ReconcileInterval: time.Second,
	}
}

// Start launches the assignment-reconcile and poll loops.
func (p *Processor) Start(ctx context.Context) {
	if p.cancel != nil {
		panic("kafka: Processor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.reconcileLoop(ctx)
	go p.pollLoop(ctx)
}

// Stop halts both loops and flushes the producer.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.producer.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("producer flush on stop failed")
	}
}

// reconcileLoop keeps the consumer's partition set equal to the set of
// partitions this pod owns a store for. Newly owned partitions resume from
// the store's recorded highest offset, so an imported checkpoint picks up
// exactly where its snapshot left off.
func (p *Processor) reconcileLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.ReconcileInterval)
	defer ticker.Stop()

	p.reconcile()
	for {
		select {
		case <-ticker.C:
			p.reconcile()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) reconcile() {
	owned := make(map[int32]*store.PartitionStore)
	for _, o := range p.stores.Stores() {
		if o.Topic == p.topic {
			owned[o.Partition] = o.Store
		}
	}
	assigned := p.consumer.Assigned()

	for partition, s := range owned {
		if assigned[partition] {
			continue
		}
		highest, err := s.HighestOffset()
		if err != nil {
			p.logger.Error().Err(err).Int32("partition", partition).Msg("read resume offset failed")
			continue
		}
		p.consumer.Assign(partition, highest+1)
	}
	for partition := range assigned {
		if _, ok := owned[partition]; !ok {
			p.consumer.Unassign(partition)
		}
	}
	metrics.StoreOwnedPartitions.Set(float64(len(owned)))
	for partition, s := range owned {
		if size, err := s.SizeBytes(); err == nil {
			metrics.StoreSizeBytes.WithLabelValues(p.topic, fmt.Sprint(partition)).Set(float64(size))
		}
	}
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		batches := p.consumer.Poll(ctx)
		for partition, records := range batches {
			p.processPartition(ctx, partition, records)
		}
	}
}

// processPartition runs one partition's fetched records through its store
// in offset order. A store failure rewinds the consumer to the last
// recorded offset so the broker redelivers the batch.
func (p *Processor) processPartition(ctx context.Context, partition int32, records []*kgo.Record) {
	s, err := p.stores.Get(p.topic, partition)
	if errors.Is(err, storemanager.ErrNotAssigned) {
		// Revoked between fetch and processing; the reconcile loop has
		// already (or will shortly) unassign the partition.
		return
	}
	if err != nil {
		p.logger.Error().Err(err).Int32("partition", partition).Msg("store lookup failed")
		return
	}

	now := time.Now()
	events := make([]*types.RawEvent, 0, len(records))
	kept := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		var ev types.RawEvent
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			// Contract violation: dead-letter by dropping with full
			// context, never retried.
			metrics.EventsClassifiedTotal.WithLabelValues(p.topic, "malformed").Inc()
			p.logger.Error().Err(err).
				Int32("partition", partition).
				Int64("offset", rec.Offset).
				Msg("undecodable event dead-lettered")
			continue
		}
		events = append(events, &ev)
		kept = append(kept, rec)
	}

	if len(events) > 0 {
		results, err := s.BatchClassify(events, now)
		if err != nil {
			p.failBatch(s, partition, err)
			return
		}
		for i, res := range results {
			p.routeResult(ctx, s, kept[i], res, now)
		}
	}

	if len(records) > 0 {
		last := records[len(records)-1].Offset
		if err := s.RecordOffset(last); err != nil {
			p.failBatch(s, partition, err)
			return
		}
	}

	// Capacity pressure is relieved synchronously on the write path: one
	// calendar day of the oldest keys per call until under capacity.
	freed, err := s.CleanupIfOverCapacity()
	if err != nil {
		p.logger.Error().Err(err).Int32("partition", partition).Msg("capacity cleanup failed")
		return
	}
	if freed > 0 {
		metrics.CleanupBytesFreedTotal.WithLabelValues(p.topic).Add(float64(freed))
	}
}

func (p *Processor) routeResult(ctx context.Context, s *store.PartitionStore, rec *kgo.Record, res store.BatchResult, now time.Time) {
	metrics.EventsClassifiedTotal.WithLabelValues(p.topic, res.Classification.String()).Inc()

	if res.Classification == types.ClassificationNew {
		p.producer.ProduceEvent(ctx, rec.Key, rec.Value)
		return
	}

	key := types.KeyFromEvent(res.Event, now)
	meta, ok, err := s.Lookup(key)
	if err != nil || !ok {
		if err != nil {
			p.logger.Error().Err(err).Msg("audit metadata lookup failed")
		}
		return
	}
	audit := AuditEvent{
		Topic:          p.topic,
		Partition:      rec.Partition,
		Offset:         rec.Offset,
		Classification: res.Classification.String(),
		UUID:           res.Event.UUID,
		Event:          res.Event.Event,
		DistinctID:     res.Event.DistinctID,
		Token:          res.Event.Token,
		Timestamp:      res.Event.Timestamp,
		DuplicateCount: meta.Count,
		Similarity:     meta.LastSimilarity,
		ObservedAt:     now,
	}
	if err := p.producer.ProduceAudit(ctx, audit); err != nil {
		p.logger.Error().Err(err).Msg("audit publish failed")
	}
}

// failBatch logs a storage failure and rewinds the partition so the broker
// redelivers everything after the last durably recorded offset.
func (p *Processor) failBatch(s *store.PartitionStore, partition int32, err error) {
	p.logger.Error().Err(err).Int32("partition", partition).Msg("batch failed, rewinding partition")
	highest, offErr := s.HighestOffset()
	if offErr != nil {
		p.logger.Error().Err(offErr).Int32("partition", partition).Msg("rewind offset unavailable")
		return
	}
	p.consumer.Seek(partition, highest+1)
}
