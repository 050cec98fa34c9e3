package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/coordkv"
	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Coordinator is one coordinator instance. Every instance races to acquire
// the leader key; the holder runs the rebalance/handoff control loop while
// the others stand by and retry on lease expiry.
type Coordinator struct {
	id       string
	cfg      Config
	kv       Coordination
	strategy Strategy
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	leading          bool
	pendingRebalance bool
	lastMembership   time.Time
}

// NewCoordinator creates a coordinator instance identified by id.
func NewCoordinator(id string, cfg Config, kv Coordination, strategy Strategy) *Coordinator {
	if strategy == nil {
		strategy = Sticky{}
	}
	return &Coordinator{
		id:       id,
		cfg:      cfg.withDefaults(),
		kv:       kv,
		strategy: strategy,
		logger:   log.WithComponent("coordinator").With().Str("coordinator_id", id).Logger(),
	}
}

// Start launches the leader-election loop in the background.
func (c *Coordinator) Start(ctx context.Context) {
	if c.cancel != nil {
		panic("assignment: Coordinator already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the control loop, releasing leadership if held.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.cancel = nil
}

// IsLeader reports whether this instance currently holds the leader key.
func (c *Coordinator) IsLeader() bool {
	return c.isLeading()
}

func (c *Coordinator) leaseID() string {
	return "coordinator/" + c.id
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	retry := c.cfg.LeaderLeaseTTL / 2
	if retry <= 0 {
		retry = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if c.tryAcquireLeadership(ctx) {
			c.lead(ctx)
			// Release the leader key promptly on stand-down so a standby
			// doesn't have to wait out the lease TTL after a clean stop.
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.kv.Revoke(rctx, c.leaseID())
			rcancel()
			c.setLeading(false)
		}
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return
		}
	}
}

// tryAcquireLeadership races a CAS on the leader key, attached to this
// instance's lease so the key disappears if the holder dies.
func (c *Coordinator) tryAcquireLeadership(ctx context.Context) bool {
	if _, held := c.kv.Get(keyLeader); held {
		return false
	}
	if err := c.kv.LeaseGrant(ctx, c.leaseID(), c.cfg.LeaderLeaseTTL); err != nil {
		c.logger.Warn().Err(err).Msg("leader lease grant failed")
		return false
	}
	_, err := c.kv.PutWithLease(ctx, keyLeader, []byte(c.id), 0, c.leaseID())
	if err != nil {
		if !errors.Is(err, coordkv.ErrVersionMismatch) {
			c.logger.Warn().Err(err).Msg("leader key acquisition failed")
		}
		_ = c.kv.Revoke(ctx, c.leaseID())
		return false
	}
	c.setLeading(true)
	c.logger.Info().Msg("acquired assignment leadership")
	return true
}

// lead runs the control loop until leadership or the context is lost.
func (c *Coordinator) lead(ctx context.Context) {
	if err := c.ensureTotalPartitions(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to publish total_partitions")
		return
	}

	podWatch := c.kv.WatchPrefix(prefixPods)
	defer c.kv.Unsubscribe(podWatch)

	keepalive := time.NewTicker(c.cfg.LeaderLeaseTTL / 3)
	defer keepalive.Stop()
	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()

	// Becoming leader counts as a membership change: the previous leader
	// may have died mid-rebalance, so plan immediately after one debounce.
	c.noteMembershipChange()

	for {
		select {
		case _, ok := <-podWatch:
			if !ok {
				// Watch stream lost; the next tick's reconcile reads the
				// full keyspace anyway, so just resubscribe.
				podWatch = c.kv.WatchPrefix(prefixPods)
				continue
			}
			c.noteMembershipChange()

		case <-keepalive.C:
			if err := c.kv.Keepalive(ctx, c.leaseID()); err != nil {
				c.logger.Warn().Err(err).Msg("leader lease keepalive failed, standing down")
				return
			}

		case <-tick.C:
			if err := c.reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error().Err(err).Msg("reconcile failed")
			}

		case <-ctx.Done():
			return
		}
	}
}

// noteMembershipChange marks a rebalance pending and restarts the debounce
// window, folding every join/leave seen during the window into one plan.
func (c *Coordinator) noteMembershipChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRebalance = true
	c.lastMembership = time.Now()
}

// noteDrift marks a rebalance pending without extending an already-open
// debounce window; used when the reconcile tick observes that the stored
// assignment has diverged from the strategy's plan (e.g. a watch event was
// dropped, or a prior rebalance was cut short by leader failover).
func (c *Coordinator) noteDrift() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRebalance {
		return
	}
	c.pendingRebalance = true
	c.lastMembership = time.Now()
}

// debouncedRebalanceDue reports whether a rebalance is pending and its
// debounce window has elapsed, clearing the pending flag if so. All
// membership changes observed within the window fold into one computation.
func (c *Coordinator) debouncedRebalanceDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pendingRebalance {
		return false
	}
	if time.Since(c.lastMembership) < c.cfg.DebounceInterval {
		return false
	}
	c.pendingRebalance = false
	return true
}

func (c *Coordinator) setLeading(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leading = v
}

func (c *Coordinator) isLeading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leading
}

func (c *Coordinator) ensureTotalPartitions(ctx context.Context) error {
	if _, ok := c.kv.Get(keyTotalPartitions); ok {
		return nil
	}
	_, err := c.kv.PutIfVersion(ctx, keyTotalPartitions, []byte(strconv.Itoa(c.cfg.TotalPartitions)), 0)
	if errors.Is(err, coordkv.ErrVersionMismatch) {
		return nil
	}
	return err
}

func (c *Coordinator) totalPartitions() int {
	kv, ok := c.kv.Get(keyTotalPartitions)
	if !ok {
		return c.cfg.TotalPartitions
	}
	n, err := strconv.Atoi(string(kv.Value))
	if err != nil || n <= 0 {
		return c.cfg.TotalPartitions
	}
	return n
}

// reconcile runs once per tick: progress or abort in-flight handoffs, and
// if a debounced membership change is due, compute and apply a rebalance.
func (c *Coordinator) reconcile(ctx context.Context) error {
	state, err := c.readState()
	if err != nil {
		return err
	}

	if err := c.progressHandoffs(ctx, state); err != nil {
		return err
	}

	if c.driftDetected(state) {
		c.noteDrift()
	}

	if c.debouncedRebalanceDue() {
		if err := c.rebalance(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// driftDetected reports whether the stored assignment diverges from the
// strategy's plan for the current pod set, ignoring partitions with an
// in-flight handoff (those are already converging).
func (c *Coordinator) driftDetected(state *clusterState) bool {
	if len(state.pods) == 0 {
		return false
	}
	pods := make([]string, 0, len(state.pods))
	for p := range state.pods {
		pods = append(pods, p)
	}
	current := make(map[int]string, len(state.assignments))
	for p, va := range state.assignments {
		current[p] = va.value.Owner
	}
	desired := c.strategy.ComputeAssignments(current, pods, c.totalPartitions())

	for p, target := range desired {
		if _, inFlight := state.handoffs[p]; inFlight {
			continue
		}
		cur, ok := state.assignments[p]
		if !ok || cur.value.Owner != target {
			return true
		}
	}
	return false
}

// clusterState is one coherent read of the coordination keyspace.
type clusterState struct {
	pods        map[string]bool
	routers     map[string]bool
	assignments map[int]versioned[Assignment]
	handoffs    map[int]versioned[Handoff]
}

type versioned[T any] struct {
	value   T
	version uint64
}

func (c *Coordinator) readState() (*clusterState, error) {
	state := &clusterState{
		pods:        make(map[string]bool),
		routers:     make(map[string]bool),
		assignments: make(map[int]versioned[Assignment]),
		handoffs:    make(map[int]versioned[Handoff]),
	}

	for _, kv := range c.kv.ListPrefix(prefixPods) {
		state.pods[trimPrefix(kv.Key, prefixPods)] = true
	}
	for _, kv := range c.kv.ListPrefix(prefixRouters) {
		state.routers[trimPrefix(kv.Key, prefixRouters)] = true
	}
	for _, kv := range c.kv.ListPrefix(prefixAssignments) {
		p, err := strconv.Atoi(trimPrefix(kv.Key, prefixAssignments))
		if err != nil {
			continue
		}
		var a Assignment
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			return nil, fmt.Errorf("decode assignment %s: %w", kv.Key, err)
		}
		state.assignments[p] = versioned[Assignment]{a, kv.Version}
	}
	for _, kv := range c.kv.ListPrefix(prefixHandoffs) {
		p, err := strconv.Atoi(trimPrefix(kv.Key, prefixHandoffs))
		if err != nil {
			continue
		}
		var h Handoff
		if err := json.Unmarshal(kv.Value, &h); err != nil {
			return nil, fmt.Errorf("decode handoff %s: %w", kv.Key, err)
		}
		state.handoffs[p] = versioned[Handoff]{h, kv.Version}
	}

	metrics.PodsRegistered.Set(float64(len(state.pods)))
	return state, nil
}

// progressHandoffs drives every in-flight handoff one step forward, or
// aborts it if its pods died or its phase timed out.
func (c *Coordinator) progressHandoffs(ctx context.Context, state *clusterState) error {
	for p, vh := range state.handoffs {
		h := vh.value

		if time.Since(h.StartedAt) > c.cfg.HandoffTTL() {
			if err := c.abortHandoff(ctx, p, "ttl_exceeded"); err != nil {
				return err
			}
			continue
		}

		switch h.Phase {
		case PhaseWarming:
			switch {
			case !state.pods[h.NewOwner]:
				// The receiving pod died mid-warming; the old owner keeps
				// the partition and the next rebalance re-plans.
				if err := c.abortHandoff(ctx, p, "new_owner_died"); err != nil {
					return err
				}
				c.noteMembershipChange()
			case time.Since(h.StartedAt) > c.cfg.WarmingTimeout:
				if err := c.abortHandoff(ctx, p, "warming_timeout"); err != nil {
					return err
				}
			}

		case PhaseReady:
			if !state.pods[h.OldOwner] {
				// The old owner is gone and routers already cut over at
				// Ready, so skip CuttingOver and commit the assignment.
				if err := c.completeHandoff(ctx, p, h, state); err != nil {
					return err
				}
				continue
			}
			if c.ackQuorumReached(p, state.routers) {
				h.Phase = PhaseCuttingOver
				h.CutoverAt = time.Now()
				if err := c.writeHandoff(ctx, p, h, vh.version); err != nil {
					return err
				}
				if !h.ReadyAt.IsZero() {
					metrics.HandoffPhaseDuration.WithLabelValues(string(PhaseWarming)).Observe(h.ReadyAt.Sub(h.StartedAt).Seconds())
					metrics.HandoffPhaseDuration.WithLabelValues(string(PhaseReady)).Observe(time.Since(h.ReadyAt).Seconds())
				}
			} else if !h.ReadyAt.IsZero() && time.Since(h.ReadyAt) > c.cfg.AckTimeout {
				if err := c.abortHandoff(ctx, p, "ack_timeout"); err != nil {
					return err
				}
			}

		case PhaseCuttingOver:
			// The old owner observed CuttingOver on the previous tick and
			// has drained; commit the new assignment and drop the record.
			if err := c.completeHandoff(ctx, p, h, state); err != nil {
				return err
			}
		}
	}
	return nil
}

// ackQuorumReached reports whether every live router has recorded an ack
// for partition p. The quorum is all live routers, not a majority.
func (c *Coordinator) ackQuorumReached(p int, liveRouters map[string]bool) bool {
	acked := make(map[string]bool)
	for _, kv := range c.kv.ListPrefix(routerAckPrefix(p)) {
		acked[trimPrefix(kv.Key, routerAckPrefix(p))] = true
	}
	for r := range liveRouters {
		if !acked[r] {
			return false
		}
	}
	return true
}

func (c *Coordinator) writeHandoff(ctx context.Context, p int, h Handoff, version uint64) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	_, err = c.kv.PutIfVersion(ctx, handoffKey(p), data, version)
	if errors.Is(err, coordkv.ErrVersionMismatch) {
		// Someone else (the new owner writing Ready) raced us; the next
		// tick re-reads and retries from the fresh state.
		return nil
	}
	return err
}

func (c *Coordinator) completeHandoff(ctx context.Context, p int, h Handoff, state *clusterState) error {
	epoch := uint64(1)
	if cur, ok := state.assignments[p]; ok {
		epoch = cur.value.Epoch + 1
	}
	if err := putJSON(ctx, c.kv, assignmentKey(p), Assignment{Owner: h.NewOwner, Epoch: epoch}); err != nil {
		return fmt.Errorf("commit assignment for partition %d: %w", p, err)
	}
	if err := c.deleteHandoff(ctx, p); err != nil {
		return err
	}

	metrics.HandoffsTotal.WithLabelValues("completed").Inc()
	if !h.CutoverAt.IsZero() {
		metrics.HandoffPhaseDuration.WithLabelValues(string(PhaseCuttingOver)).Observe(time.Since(h.CutoverAt).Seconds())
	}
	c.logger.Info().
		Int("partition", p).
		Str("old_owner", h.OldOwner).
		Str("new_owner", h.NewOwner).
		Msg("handoff completed")
	return nil
}

func (c *Coordinator) abortHandoff(ctx context.Context, p int, reason string) error {
	if err := c.deleteHandoff(ctx, p); err != nil {
		return err
	}
	metrics.HandoffsTotal.WithLabelValues("aborted").Inc()
	c.logger.Warn().Int("partition", p).Str("reason", reason).Msg("handoff aborted")
	return nil
}

func (c *Coordinator) deleteHandoff(ctx context.Context, p int) error {
	if err := c.kv.Delete(ctx, handoffKey(p)); err != nil {
		return fmt.Errorf("delete handoff for partition %d: %w", p, err)
	}
	for _, kv := range c.kv.ListPrefix(routerAckPrefix(p)) {
		if err := c.kv.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("delete router ack %s: %w", kv.Key, err)
		}
	}
	return nil
}

// rebalance computes the desired assignment and moves toward it: dead or
// missing owners are reassigned directly, live-to-live moves go through the
// three-phase handoff protocol.
func (c *Coordinator) rebalance(ctx context.Context, state *clusterState) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RebalanceDuration)
	metrics.RebalancesTotal.WithLabelValues("membership").Inc()

	total := c.totalPartitions()
	pods := make([]string, 0, len(state.pods))
	for p := range state.pods {
		pods = append(pods, p)
	}
	if len(pods) == 0 {
		return nil
	}

	current := make(map[int]string, len(state.assignments))
	for p, va := range state.assignments {
		current[p] = va.value.Owner
	}

	desired := c.strategy.ComputeAssignments(current, pods, total)

	for p := 0; p < total; p++ {
		target, ok := desired[p]
		if !ok {
			continue
		}
		if _, inFlight := state.handoffs[p]; inFlight {
			continue
		}

		cur, assigned := state.assignments[p]
		switch {
		case !assigned || !state.pods[cur.value.Owner]:
			// No live owner: assign directly, no handoff needed. The new
			// owner's assignment watch triggers its own warm-up.
			epoch := uint64(1)
			if assigned {
				epoch = cur.value.Epoch + 1
			}
			if err := putJSON(ctx, c.kv, assignmentKey(p), Assignment{Owner: target, Epoch: epoch}); err != nil {
				return fmt.Errorf("assign partition %d: %w", p, err)
			}

		case cur.value.Owner != target:
			h := Handoff{
				Partition: p,
				OldOwner:  cur.value.Owner,
				NewOwner:  target,
				Phase:     PhaseWarming,
				StartedAt: time.Now(),
			}
			data, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("marshal handoff: %w", err)
			}
			if _, err := c.kv.PutIfVersion(ctx, handoffKey(p), data, 0); err != nil {
				if errors.Is(err, coordkv.ErrVersionMismatch) {
					continue
				}
				return fmt.Errorf("open handoff for partition %d: %w", p, err)
			}
			metrics.HandoffsTotal.WithLabelValues("started").Inc()
			c.logger.Info().
				Int("partition", p).
				Str("old_owner", h.OldOwner).
				Str("new_owner", h.NewOwner).
				Msg("handoff opened")
		}
	}
	return nil
}
