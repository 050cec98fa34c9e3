package assignment

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/events"
	"github.com/PostHog/dedupd/pkg/log"
	"github.com/rs/zerolog"
)

// RouterConfig configures a router's coordination agent.
type RouterConfig struct {
	ID             string
	LeaseTTL       time.Duration
	ResyncInterval time.Duration
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Second
	}
	return c
}

// Router holds the in-memory partition -> pod routing table. It registers
// itself under a heartbeat lease, follows the assignments keyspace, and
// participates in the handoff ack quorum: when a handoff reaches Ready, the
// router repoints its table at the new owner first and only then records
// its ack, so the leader never cuts over before every router has stopped
// sending to the old owner.
type Router struct {
	cfg    RouterConfig
	kv     Coordination
	logger zerolog.Logger

	mu    sync.RWMutex
	table map[int]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router agent with an empty routing table.
func NewRouter(cfg RouterConfig, kv Coordination) *Router {
	return &Router{
		cfg:    cfg.withDefaults(),
		kv:     kv,
		logger: log.WithComponent("router").With().Str("router_id", cfg.ID).Logger(),
		table:  make(map[int]string),
	}
}

func (r *Router) leaseID() string {
	return "router/" + r.cfg.ID
}

// Start registers the router and launches its keepalive and watch loops.
func (r *Router) Start(ctx context.Context) error {
	if r.cancel != nil {
		panic("assignment: Router already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.kv.LeaseGrant(ctx, r.leaseID(), r.cfg.LeaseTTL); err != nil {
		cancel()
		return err
	}
	reg := RouterRegistration{ID: r.cfg.ID, RegisteredAt: time.Now()}
	if err := putJSONWithLease(ctx, r.kv, routerKey(r.cfg.ID), reg, r.leaseID()); err != nil {
		cancel()
		return err
	}

	r.wg.Add(2)
	go r.keepaliveLoop(ctx)
	go r.watchLoop(ctx)
	return nil
}

// Stop deregisters the router and stops its loops.
func (r *Router) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.kv.Revoke(ctx, r.leaseID())
}

// RouteTo returns the pod currently owning partition, if known.
func (r *Router) RouteTo(partition int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pod, ok := r.table[partition]
	return pod, ok
}

// Table returns a copy of the current routing table.
func (r *Router) Table() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.table))
	for p, pod := range r.table {
		out[p] = pod
	}
	return out
}

func (r *Router) keepaliveLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.kv.Keepalive(ctx, r.leaseID()); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("router lease keepalive failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	assignWatch := r.kv.WatchPrefix(prefixAssignments)
	defer func() { r.kv.Unsubscribe(assignWatch) }()
	handoffWatch := r.kv.WatchPrefix(prefixHandoffs)
	defer func() { r.kv.Unsubscribe(handoffWatch) }()

	resync := time.NewTicker(r.cfg.ResyncInterval)
	defer resync.Stop()

	r.resync(ctx)

	for {
		select {
		case ev, ok := <-assignWatch:
			if !ok {
				assignWatch = r.kv.WatchPrefix(prefixAssignments)
				r.resync(ctx)
				continue
			}
			r.handleAssignmentEvent(ev)

		case ev, ok := <-handoffWatch:
			if !ok {
				handoffWatch = r.kv.WatchPrefix(prefixHandoffs)
				r.resync(ctx)
				continue
			}
			if ev.Type == events.EventPut {
				r.handleHandoff(ctx, ev.Key, ev.Value)
			}

		case <-resync.C:
			r.resync(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// resync rebuilds the routing table from a full read of assignments/, then
// reapplies any Ready handoffs on top (a handoff's new owner supersedes the
// not-yet-updated assignment record until cutover commits).
func (r *Router) resync(ctx context.Context) {
	fresh := make(map[int]string)
	for _, kv := range r.kv.ListPrefix(prefixAssignments) {
		p, err := strconv.Atoi(trimPrefix(kv.Key, prefixAssignments))
		if err != nil {
			continue
		}
		var a Assignment
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			continue
		}
		fresh[p] = a.Owner
	}

	r.mu.Lock()
	r.table = fresh
	r.mu.Unlock()

	for _, kv := range r.kv.ListPrefix(prefixHandoffs) {
		r.handleHandoff(ctx, kv.Key, kv.Value)
	}
}

func (r *Router) handleAssignmentEvent(ev events.WatchEvent) {
	p, err := strconv.Atoi(trimPrefix(ev.Key, prefixAssignments))
	if err != nil {
		return
	}

	if ev.Type == events.EventDelete {
		r.mu.Lock()
		delete(r.table, p)
		r.mu.Unlock()
		return
	}

	var a Assignment
	if err := json.Unmarshal(ev.Value, &a); err != nil {
		r.logger.Error().Err(err).Str("key", ev.Key).Msg("undecodable assignment record")
		return
	}
	r.mu.Lock()
	r.table[p] = a.Owner
	r.mu.Unlock()
}

// handleHandoff implements the router's side of the ack quorum: on Ready,
// repoint the routing table at the new owner, then record the ack.
func (r *Router) handleHandoff(ctx context.Context, key string, value []byte) {
	p, err := strconv.Atoi(trimPrefix(key, prefixHandoffs))
	if err != nil {
		return
	}
	var h Handoff
	if err := json.Unmarshal(value, &h); err != nil {
		r.logger.Error().Err(err).Str("key", key).Msg("undecodable handoff record")
		return
	}
	if h.Phase != PhaseReady && h.Phase != PhaseCuttingOver {
		return
	}

	r.mu.Lock()
	changed := r.table[p] != h.NewOwner
	r.table[p] = h.NewOwner
	r.mu.Unlock()

	if h.Phase != PhaseReady {
		return
	}
	if _, acked := r.kv.Get(routerAckKey(p, r.cfg.ID)); acked {
		return
	}
	if err := putJSON(ctx, r.kv, routerAckKey(p, r.cfg.ID), time.Now()); err != nil {
		r.logger.Error().Err(err).Int("partition", p).Msg("failed to record handoff ack")
		return
	}
	if changed {
		r.logger.Info().Int("partition", p).Str("new_owner", h.NewOwner).Msg("routing table cut over, ack recorded")
	}
}
