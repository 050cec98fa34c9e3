package assignment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PostHog/dedupd/pkg/coordkv"
	"github.com/PostHog/dedupd/pkg/events"
)

// fakeKV is an in-memory Coordination implementation with the same CAS,
// lease and watch semantics as coordkv.Store, minus raft. Lease expiry is
// driven explicitly by tests via expireLease rather than by wall clock, so
// crash scenarios are deterministic.
type fakeKV struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	leases  map[string]map[string]struct{}
	broker  *events.Broker
}

type fakeEntry struct {
	value   []byte
	version uint64
	leaseID string
}

func newFakeKV(t *testing.T) *fakeKV {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return &fakeKV{
		entries: make(map[string]fakeEntry),
		leases:  make(map[string]map[string]struct{}),
		broker:  broker,
	}
}

func (f *fakeKV) PutIfVersion(_ context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	return f.put(key, value, expectedVersion, "")
}

func (f *fakeKV) PutWithLease(_ context.Context, key string, value []byte, expectedVersion uint64, leaseID string) (uint64, error) {
	return f.put(key, value, expectedVersion, leaseID)
}

func (f *fakeKV) put(key string, value []byte, expectedVersion uint64, leaseID string) (uint64, error) {
	f.mu.Lock()
	cur := f.entries[key]
	if cur.version != expectedVersion {
		f.mu.Unlock()
		return cur.version, coordkv.ErrVersionMismatch
	}
	next := fakeEntry{value: append([]byte(nil), value...), version: cur.version + 1, leaseID: leaseID}
	f.entries[key] = next
	if leaseID != "" {
		if keys, ok := f.leases[leaseID]; ok {
			keys[key] = struct{}{}
		}
	}
	f.mu.Unlock()

	f.broker.Publish(events.WatchEvent{Type: events.EventPut, Key: key, Value: value})
	return next.version, nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	if e, ok := f.entries[key]; ok {
		if e.leaseID != "" {
			if keys, ok := f.leases[e.leaseID]; ok {
				delete(keys, key)
			}
		}
		delete(f.entries, key)
	}
	f.mu.Unlock()

	f.broker.Publish(events.WatchEvent{Type: events.EventDelete, Key: key})
	return nil
}

func (f *fakeKV) Get(key string) (coordkv.KV, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return coordkv.KV{}, false
	}
	return coordkv.KV{Key: key, Value: e.value, Version: e.version}, true
}

func (f *fakeKV) ListPrefix(prefix string) []coordkv.KV {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []coordkv.KV
	for k, e := range f.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, coordkv.KV{Key: k, Value: e.value, Version: e.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (f *fakeKV) WatchPrefix(prefix string) events.Subscriber {
	return f.broker.SubscribePrefix(prefix)
}

func (f *fakeKV) Unsubscribe(sub events.Subscriber) {
	f.broker.Unsubscribe(sub)
}

func (f *fakeKV) LeaseGrant(_ context.Context, leaseID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leases[leaseID]; !ok {
		f.leases[leaseID] = make(map[string]struct{})
	}
	return nil
}

func (f *fakeKV) Keepalive(_ context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leases[leaseID]; !ok {
		return coordkv.ErrLeaseNotFound
	}
	return nil
}

func (f *fakeKV) Revoke(_ context.Context, leaseID string) error {
	f.mu.Lock()
	keys, ok := f.leases[leaseID]
	if !ok {
		f.mu.Unlock()
		return coordkv.ErrLeaseNotFound
	}
	var deleted []string
	for key := range keys {
		delete(f.entries, key)
		deleted = append(deleted, key)
	}
	delete(f.leases, leaseID)
	f.mu.Unlock()

	for _, key := range deleted {
		f.broker.Publish(events.WatchEvent{Type: events.EventDelete, Key: key})
	}
	return nil
}

// expireLease simulates a lease timing out: same observable effect as a
// revoke, used by tests to kill a pod without a graceful Stop.
func (f *fakeKV) expireLease(leaseID string) {
	_ = f.Revoke(context.Background(), leaseID)
}
