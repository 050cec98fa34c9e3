package coordkv

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/PostHog/dedupd/pkg/events"
	"github.com/hashicorp/raft"
)

// Command is the Raft log entry envelope: an operation name plus its
// JSON-encoded arguments.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutIfVersion = "put_if_version"
	opDelete       = "delete"
	opLeaseGrant   = "lease_grant"
	opKeepalive    = "keepalive"
	opLeaseRevoke  = "lease_revoke"
)

// ErrVersionMismatch is returned (wrapped in applyResult.Err) when a
// put_if_version command's expected version does not match the key's
// current version -- the coordination KV's sole concurrency primitive.
var ErrVersionMismatch = fmt.Errorf("coordkv: version mismatch")

// ErrLeaseNotFound is returned by keepalive/revoke against an unknown lease.
var ErrLeaseNotFound = fmt.Errorf("coordkv: lease not found")

type putIfVersionArgs struct {
	Key             string `json:"key"`
	Value           []byte `json:"value"`
	ExpectedVersion uint64 `json:"expected_version"`
	LeaseID         string `json:"lease_id,omitempty"`
}

type deleteArgs struct {
	Key string `json:"key"`
}

type leaseGrantArgs struct {
	LeaseID   string `json:"lease_id"`
	TTLMicros int64  `json:"ttl_micros"`
}

type keepaliveArgs struct {
	LeaseID string `json:"lease_id"`
}

// entry is one stored key/value pair with its optimistic-concurrency version.
type entry struct {
	Value       []byte `json:"value"`
	Version     uint64 `json:"version"`
	ModRevision uint64 `json:"mod_revision"`
	LeaseID     string `json:"lease_id,omitempty"`
}

// lease is a TTL-bound grant; every key written with a lease id is deleted
// when the lease is revoked (expiry or explicit release), giving pkg/
// assignment's pod/router registrations automatic cleanup on crash.
type lease struct {
	ID        string              `json:"id"`
	TTLMicros int64               `json:"ttl_micros"`
	Keys      map[string]struct{} `json:"keys"`
}

// applyResult is what FSM.Apply returns through raft's future.Response().
type applyResult struct {
	Version uint64
	Err     error
}

// FSM is the raft.FSM applying Commands against an in-memory keyspace, and
// publishing a WatchEvent for every key mutation.
type FSM struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	leases   map[string]*lease
	revision uint64

	broker *events.Broker
}

// NewFSM creates an empty FSM publishing watch events to broker. broker may
// be nil in tests that don't exercise watches.
func NewFSM(broker *events.Broker) *FSM {
	return &FSM{
		entries: make(map[string]*entry),
		leases:  make(map[string]*lease),
		broker:  broker,
	}
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++

	switch cmd.Op {
	case opPutIfVersion:
		return f.applyPutIfVersion(cmd.Data)
	case opDelete:
		return f.applyDelete(cmd.Data)
	case opLeaseGrant:
		return f.applyLeaseGrant(cmd.Data)
	case opKeepalive:
		return f.applyKeepalive(cmd.Data)
	case opLeaseRevoke:
		return f.applyLeaseRevoke(cmd.Data)
	default:
		return applyResult{Err: fmt.Errorf("coordkv: unknown command %q", cmd.Op)}
	}
}

func (f *FSM) applyPutIfVersion(data json.RawMessage) applyResult {
	var args putIfVersionArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal put_if_version: %w", err)}
	}

	cur, ok := f.entries[args.Key]
	curVersion := uint64(0)
	if ok {
		curVersion = cur.Version
	}
	if args.ExpectedVersion != curVersion {
		return applyResult{Version: curVersion, Err: ErrVersionMismatch}
	}

	e := &entry{Value: args.Value, Version: curVersion + 1, ModRevision: f.revision, LeaseID: args.LeaseID}
	f.entries[args.Key] = e

	if args.LeaseID != "" {
		if l, ok := f.leases[args.LeaseID]; ok {
			l.Keys[args.Key] = struct{}{}
		}
	}

	f.publish(events.EventPut, args.Key, args.Value)
	return applyResult{Version: e.Version}
}

func (f *FSM) applyDelete(data json.RawMessage) applyResult {
	var args deleteArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal delete: %w", err)}
	}

	if e, ok := f.entries[args.Key]; ok {
		if e.LeaseID != "" {
			if l, ok := f.leases[e.LeaseID]; ok {
				delete(l.Keys, args.Key)
			}
		}
		delete(f.entries, args.Key)
	}
	f.publish(events.EventDelete, args.Key, nil)
	return applyResult{}
}

func (f *FSM) applyLeaseGrant(data json.RawMessage) applyResult {
	var args leaseGrantArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal lease_grant: %w", err)}
	}
	f.leases[args.LeaseID] = &lease{ID: args.LeaseID, TTLMicros: args.TTLMicros, Keys: make(map[string]struct{})}
	return applyResult{}
}

func (f *FSM) applyKeepalive(data json.RawMessage) applyResult {
	var args keepaliveArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal keepalive: %w", err)}
	}
	if _, ok := f.leases[args.LeaseID]; !ok {
		return applyResult{Err: ErrLeaseNotFound}
	}
	// The lease's expiry deadline is tracked by the caller (leases.go),
	// which re-grants TTLMicros worth of life on every successful keepalive
	// apply; nothing else needs to change in the FSM itself.
	return applyResult{}
}

func (f *FSM) applyLeaseRevoke(data json.RawMessage) applyResult {
	var args keepaliveArgs // same shape: {lease_id}
	if err := json.Unmarshal(data, &args); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal lease_revoke: %w", err)}
	}

	l, ok := f.leases[args.LeaseID]
	if !ok {
		return applyResult{Err: ErrLeaseNotFound}
	}
	for key := range l.Keys {
		delete(f.entries, key)
		f.publish(events.EventDelete, key, nil)
	}
	delete(f.leases, args.LeaseID)
	return applyResult{}
}

func (f *FSM) publish(t events.WatchEventType, key string, value []byte) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(events.WatchEvent{Type: t, Key: key, Value: value, ModRevision: f.revision})
}

// get reads one key under the FSM's lock; used by Store for local,
// linearizable-enough-for-this-purpose reads without going through Raft.
func (f *FSM) get(key string) (*entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[key]
	return e, ok
}

// listPrefix returns every entry whose key starts with prefix, as an
// unordered map; Store.ListPrefix sorts the keys with sortedKeys.
func (f *FSM) listPrefix(prefix string) map[string]*entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]*entry)
	for k, e := range f.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = e
		}
	}
	return out
}

func sortedKeys(m map[string]*entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := make(map[string]*entry, len(f.entries))
	for k, v := range f.entries {
		cp := *v
		entries[k] = &cp
	}
	leases := make(map[string]*lease, len(f.leases))
	for k, v := range f.leases {
		keys := make(map[string]struct{}, len(v.Keys))
		for kk := range v.Keys {
			keys[kk] = struct{}{}
		}
		leases[k] = &lease{ID: v.ID, TTLMicros: v.TTLMicros, Keys: keys}
	}

	return &fsmSnapshot{Entries: entries, Leases: leases, Revision: f.revision}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode coordkv snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = snap.Entries
	if f.entries == nil {
		f.entries = make(map[string]*entry)
	}
	f.leases = snap.Leases
	if f.leases == nil {
		f.leases = make(map[string]*lease)
	}
	f.revision = snap.Revision
	return nil
}

type fsmSnapshot struct {
	Entries  map[string]*entry `json:"entries"`
	Leases   map[string]*lease `json:"leases"`
	Revision uint64            `json:"revision"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
