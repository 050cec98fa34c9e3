// Package coordkv implements a small raft-replicated key/value store used
// as the coordination substrate for pod/router registration and partition
// assignment: a versioned put, a prefix watch, and TTL leases. Running the
// store inside the coordinator/worker processes keeps the deployment a
// single binary with no external etcd dependency.
package coordkv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/PostHog/dedupd/pkg/events"
	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a Store's local raft node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Store is a single raft-replicated node of the coordination keyspace.
type Store struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *FSM
	broker *events.Broker
	logger zerolog.Logger

	leases *leaseManager
}

// Open creates (but does not bootstrap or join) a Store's local raft
// plumbing: FSM, log/stable/snapshot stores and transport. Bootstrap and
// Join decide how the node enters a cluster.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create coordkv data dir: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	fsm := NewFSM(broker)

	s := &Store{
		cfg:    cfg,
		fsm:    fsm,
		broker: broker,
		logger: log.WithComponent("coordkv"),
	}
	s.leases = newLeaseManager(s)
	return s, nil
}

func (s *Store) buildRaft() (*raft.Raft, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(s.cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(s.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}
	return r, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as the
// only voter.
func (s *Store) Bootstrap() error {
	r, err := s.buildRaft()
	if err != nil {
		return err
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(s.cfg.NodeID), Address: raft.ServerAddress(s.cfg.BindAddr)}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap coordkv cluster: %w", err)
	}
	s.leases.start()
	return nil
}

// Join starts this node's raft instance and expects the leader to add it as
// a voter out of band (via AddVoter on the leader's Store).
func (s *Store) Join() error {
	r, err := s.buildRaft()
	if err != nil {
		return err
	}
	s.raft = r
	s.leases.start()
	return nil
}

// AddVoter adds nodeID at address as a new voter; only the leader can do this.
func (s *Store) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return fmt.Errorf("coordkv: not the leader")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (s *Store) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, or "" if unknown.
func (s *Store) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// Shutdown stops lease expiry, the event broker and the raft instance.
func (s *Store) Shutdown() error {
	s.leases.stop()
	s.broker.Stop()
	if s.raft == nil {
		return nil
	}
	future := s.raft.Shutdown()
	return future.Error()
}

// apply marshals cmd and submits it through raft, returning the FSM's
// applyResult. Non-leader callers get raft.ErrNotLeader via future.Error().
func (s *Store) apply(op string, data interface{}, timeout time.Duration) (applyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if s.raft == nil {
		return applyResult{}, fmt.Errorf("coordkv: raft not initialized")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return applyResult{}, fmt.Errorf("marshal command args: %w", err)
	}
	cmdBytes, err := json.Marshal(Command{Op: op, Data: raw})
	if err != nil {
		return applyResult{}, fmt.Errorf("marshal command: %w", err)
	}

	future := s.raft.Apply(cmdBytes, timeout)
	if err := future.Error(); err != nil {
		return applyResult{}, fmt.Errorf("apply command: %w", err)
	}

	resp, _ := future.Response().(applyResult)
	return resp, resp.Err
}

// PutIfVersion writes value at key iff the key's current version equals
// expectedVersion (0 for "key must not exist"). On success it returns the
// new version; on mismatch it returns ErrVersionMismatch and the actual
// current version.
func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	res, err := s.apply(opPutIfVersion, putIfVersionArgs{Key: key, Value: value, ExpectedVersion: expectedVersion}, applyTimeout(ctx))
	return res.Version, err
}

// PutWithLease is PutIfVersion where the written key is also attached to
// leaseID: when that lease is revoked or expires, the key is deleted.
func (s *Store) PutWithLease(ctx context.Context, key string, value []byte, expectedVersion uint64, leaseID string) (uint64, error) {
	res, err := s.apply(opPutIfVersion, putIfVersionArgs{Key: key, Value: value, ExpectedVersion: expectedVersion, LeaseID: leaseID}, applyTimeout(ctx))
	return res.Version, err
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.apply(opDelete, deleteArgs{Key: key}, applyTimeout(ctx))
	return err
}

// KV is one key's value and version, returned by Get and ListPrefix.
type KV struct {
	Key     string
	Value   []byte
	Version uint64
}

// Get reads key from the local FSM. Reads are served locally rather than
// through raft.Apply, matching the Manager's read-from-local-store pattern:
// a follower may observe slightly stale data, acceptable for the assignment
// coordinator's watch-driven convergence loop.
func (s *Store) Get(key string) (KV, bool) {
	e, ok := s.fsm.get(key)
	if !ok {
		return KV{}, false
	}
	return KV{Key: key, Value: e.Value, Version: e.Version}, true
}

// ListPrefix returns every key under prefix, sorted.
func (s *Store) ListPrefix(prefix string) []KV {
	entries := s.fsm.listPrefix(prefix)
	keys := sortedKeys(entries)
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		e := entries[k]
		out = append(out, KV{Key: k, Value: e.Value, Version: e.Version})
	}
	return out
}

// WatchPrefix subscribes to every future change under prefix. Callers must
// Unsubscribe when done.
func (s *Store) WatchPrefix(prefix string) events.Subscriber {
	return s.broker.SubscribePrefix(prefix)
}

// Unsubscribe releases a WatchPrefix subscription.
func (s *Store) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// LeaseGrant creates a new lease with the given TTL and starts this node's
// local expiry tracking for it (see leases.go); only the leader's grant is
// meaningful cluster-wide, since only the leader's expiry loop revokes.
func (s *Store) LeaseGrant(ctx context.Context, leaseID string, ttl time.Duration) error {
	_, err := s.apply(opLeaseGrant, leaseGrantArgs{LeaseID: leaseID, TTLMicros: ttl.Microseconds()}, applyTimeout(ctx))
	if err != nil {
		return err
	}
	s.leases.track(leaseID, ttl)
	return nil
}

// Keepalive refreshes leaseID's expiry deadline by its original TTL.
func (s *Store) Keepalive(ctx context.Context, leaseID string) error {
	_, err := s.apply(opKeepalive, keepaliveArgs{LeaseID: leaseID}, applyTimeout(ctx))
	if err != nil {
		return err
	}
	s.leases.refresh(leaseID)
	return nil
}

// Revoke revokes leaseID immediately, deleting every key it owns.
func (s *Store) Revoke(ctx context.Context, leaseID string) error {
	_, err := s.apply(opLeaseRevoke, keepaliveArgs{LeaseID: leaseID}, applyTimeout(ctx))
	s.leases.forget(leaseID)
	return err
}

func applyTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 5 * time.Second
}
