package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/coordkv"
	"github.com/PostHog/dedupd/pkg/events"
	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/storemanager"
	"github.com/PostHog/dedupd/pkg/types"
	"github.com/rs/zerolog"
)

// Warmer pre-populates the local Partition Store for a partition before it
// starts serving, typically by importing the newest durable checkpoint.
// A Warm call that finds no checkpoint should return nil: a fresh empty
// store is a valid warm-up result, not a failure.
type Warmer interface {
	Warm(ctx context.Context, part types.Partition) error
}

// WarmerFunc adapts a function to the Warmer interface.
type WarmerFunc func(ctx context.Context, part types.Partition) error

func (f WarmerFunc) Warm(ctx context.Context, part types.Partition) error { return f(ctx, part) }

// PodConfig configures a worker pod's coordination agent.
type PodConfig struct {
	ID       string
	Topic    string
	LeaseTTL time.Duration
	// ResyncInterval bounds how stale the pod's view can get if watch
	// events are missed; each resync re-reads the full keyspace.
	ResyncInterval time.Duration
}

func (c PodConfig) withDefaults() PodConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Second
	}
	return c
}

// Pod is the worker-side coordination agent: it registers this pod under a
// heartbeat lease, opens stores for partitions assigned here (warming them
// from the newest checkpoint first), answers Warming handoffs by warming
// and acknowledging Ready, and revokes stores on CuttingOver.
type Pod struct {
	cfg    PodConfig
	kv     Coordination
	stores *storemanager.Manager
	warmer Warmer
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	warming map[int]context.CancelFunc
}

// NewPod creates a pod agent. warmer may be nil, in which case newly
// assigned partitions start from a fresh empty store.
func NewPod(cfg PodConfig, kv Coordination, stores *storemanager.Manager, warmer Warmer) *Pod {
	return &Pod{
		cfg:     cfg.withDefaults(),
		kv:      kv,
		stores:  stores,
		warmer:  warmer,
		logger:  log.WithComponent("pod").With().Str("pod_id", cfg.ID).Logger(),
		warming: make(map[int]context.CancelFunc),
	}
}

func (p *Pod) leaseID() string {
	return "pod/" + p.cfg.ID
}

// Start registers the pod and launches its keepalive and watch loops.
func (p *Pod) Start(ctx context.Context) error {
	if p.cancel != nil {
		panic("assignment: Pod already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.kv.LeaseGrant(ctx, p.leaseID(), p.cfg.LeaseTTL); err != nil {
		cancel()
		return err
	}
	reg := PodRegistration{ID: p.cfg.ID, RegisteredAt: time.Now()}
	if err := putJSONWithLease(ctx, p.kv, podKey(p.cfg.ID), reg, p.leaseID()); err != nil {
		cancel()
		return err
	}

	p.wg.Add(2)
	go p.keepaliveLoop(ctx)
	go p.watchLoop(ctx)
	return nil
}

// Stop deregisters the pod (revoking its lease so the record disappears
// immediately) and stops the agent's loops.
func (p *Pod) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.kv.Revoke(ctx, p.leaseID())
}

func (p *Pod) keepaliveLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.kv.Keepalive(ctx, p.leaseID()); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("pod lease keepalive failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pod) watchLoop(ctx context.Context) {
	defer p.wg.Done()

	handoffWatch := p.kv.WatchPrefix(prefixHandoffs)
	defer func() { p.kv.Unsubscribe(handoffWatch) }()
	assignWatch := p.kv.WatchPrefix(prefixAssignments)
	defer func() { p.kv.Unsubscribe(assignWatch) }()

	resync := time.NewTicker(p.cfg.ResyncInterval)
	defer resync.Stop()

	p.resync(ctx)

	for {
		select {
		case ev, ok := <-handoffWatch:
			if !ok {
				handoffWatch = p.kv.WatchPrefix(prefixHandoffs)
				p.resync(ctx)
				continue
			}
			p.handleHandoffEvent(ctx, ev.Key, ev.Value, ev.Type == events.EventDelete)

		case ev, ok := <-assignWatch:
			if !ok {
				assignWatch = p.kv.WatchPrefix(prefixAssignments)
				p.resync(ctx)
				continue
			}
			if ev.Type == events.EventPut {
				p.handleAssignment(ctx, ev.Key, ev.Value)
			}

		case <-resync.C:
			p.resync(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// resync reconciles against a full read of the keyspace, covering watch
// events dropped by a slow channel or missed across a reconnect.
func (p *Pod) resync(ctx context.Context) {
	for _, kv := range p.kv.ListPrefix(prefixHandoffs) {
		p.handleHandoffEvent(ctx, kv.Key, kv.Value, false)
	}
	for _, kv := range p.kv.ListPrefix(prefixAssignments) {
		p.handleAssignment(ctx, kv.Key, kv.Value)
	}
}

func (p *Pod) handleHandoffEvent(ctx context.Context, key string, value []byte, deleted bool) {
	partition, err := strconv.Atoi(trimPrefix(key, prefixHandoffs))
	if err != nil {
		return
	}

	if deleted {
		p.cancelWarming(partition)
		return
	}

	var h Handoff
	if err := json.Unmarshal(value, &h); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("undecodable handoff record")
		return
	}

	switch {
	case h.NewOwner == p.cfg.ID && h.Phase == PhaseWarming:
		p.startWarming(ctx, partition)
	case h.OldOwner == p.cfg.ID && h.Phase == PhaseCuttingOver:
		p.cutover(partition)
	}
}

func (p *Pod) handleAssignment(ctx context.Context, key string, value []byte) {
	partition, err := strconv.Atoi(trimPrefix(key, prefixAssignments))
	if err != nil {
		return
	}
	var a Assignment
	if err := json.Unmarshal(value, &a); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("undecodable assignment record")
		return
	}

	if a.Owner != p.cfg.ID {
		// Lost ownership outside a handoff (e.g. the leader reassigned a
		// partition it believed dead); drop the store if still open. A store
		// warmed for a handoff toward this pod is kept: the assignment names
		// the old owner until the cutover commits, and a resync may pass an
		// assignment read just before that commit.
		if cur, ok := p.kv.Get(handoffKey(partition)); ok {
			var h Handoff
			if json.Unmarshal(cur.Value, &h) == nil && h.NewOwner == p.cfg.ID {
				return
			}
		} else if cur, ok := p.kv.Get(assignmentKey(partition)); ok {
			var fresh Assignment
			if json.Unmarshal(cur.Value, &fresh) == nil && fresh.Owner == p.cfg.ID {
				return
			}
		}
		if _, err := p.stores.Get(p.cfg.Topic, int32(partition)); err == nil {
			p.logger.Warn().Int("partition", partition).Str("owner", a.Owner).Msg("assignment moved away, revoking local store")
			if err := p.stores.Revoke(p.cfg.Topic, int32(partition)); err != nil {
				p.logger.Error().Err(err).Int("partition", partition).Msg("revoke after reassignment failed")
			}
		}
		return
	}

	// Assigned here: make sure the store is open, importing the newest
	// checkpoint if this is a cold start for the partition.
	if _, err := p.stores.Get(p.cfg.Topic, int32(partition)); err == nil {
		return
	}
	if err := p.warmPartition(ctx, partition); err != nil {
		p.logger.Error().Err(err).Int("partition", partition).Msg("warm on direct assignment failed, opening fresh store")
	}
	if _, err := p.stores.GetOrCreate(p.cfg.Topic, int32(partition)); err != nil {
		p.logger.Error().Err(err).Int("partition", partition).Msg("open store for assigned partition failed")
	}
}

// startWarming begins the Warming phase for a handoff targeting this pod:
// import the newest durable checkpoint, open the store, then flip the
// handoff record to Ready. Idempotent per partition; a second Warming event
// while the first is still running is ignored, and one seen after the store
// is already open skips the import and only retries the Ready transition.
func (p *Pod) startWarming(ctx context.Context, partition int) {
	p.mu.Lock()
	if _, inFlight := p.warming[partition]; inFlight {
		p.mu.Unlock()
		return
	}
	warmCtx, cancel := context.WithCancel(ctx)
	p.warming[partition] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.cancelWarming(partition)

		// A queued watch event or a resync read taken before markReady can
		// replay Warming after this pod has warmed; importing again would
		// write over the open store.
		if _, err := p.stores.Get(p.cfg.Topic, int32(partition)); err != nil {
			if err := p.warmPartition(warmCtx, partition); err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Error().Err(err).Int("partition", partition).Msg("warming failed")
				}
				return
			}
		}
		if _, err := p.stores.GetOrCreate(p.cfg.Topic, int32(partition)); err != nil {
			p.logger.Error().Err(err).Int("partition", partition).Msg("open store after warming failed")
			return
		}
		if err := p.markReady(warmCtx, partition); err != nil {
			p.logger.Error().Err(err).Int("partition", partition).Msg("failed to mark handoff ready")
		}
	}()
}

func (p *Pod) warmPartition(ctx context.Context, partition int) error {
	if p.warmer == nil {
		return nil
	}
	return p.warmer.Warm(ctx, types.Partition{Topic: p.cfg.Topic, Partition: int32(partition)})
}

// markReady CAS-updates the handoff record from Warming to Ready. A version
// mismatch means the leader changed the record underneath us (abort or
// timeout); re-read and retry for as long as it is still our Warming handoff.
func (p *Pod) markReady(ctx context.Context, partition int) error {
	for {
		cur, ok := p.kv.Get(handoffKey(partition))
		if !ok {
			return nil // handoff aborted while we warmed
		}
		var h Handoff
		if err := json.Unmarshal(cur.Value, &h); err != nil {
			return err
		}
		if h.NewOwner != p.cfg.ID || h.Phase != PhaseWarming {
			return nil
		}

		h.Phase = PhaseReady
		h.ReadyAt = time.Now()
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		_, err = p.kv.PutIfVersion(ctx, handoffKey(partition), data, cur.Version)
		if err == nil {
			p.logger.Info().Int("partition", partition).Msg("warming complete, handoff ready")
			return nil
		}
		if !errors.Is(err, coordkv.ErrVersionMismatch) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Pod) cancelWarming(partition int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.warming[partition]; ok {
		cancel()
		delete(p.warming, partition)
	}
}

// cutover is the old owner's side of CuttingOver: drain and close the
// partition's store. The leader commits the assignment afterwards.
func (p *Pod) cutover(partition int) {
	if err := p.stores.Revoke(p.cfg.Topic, int32(partition)); err != nil {
		p.logger.Error().Err(err).Int("partition", partition).Msg("revoke on cutover failed")
		return
	}
	p.logger.Info().Int("partition", partition).Msg("cut over, local store revoked")
}
