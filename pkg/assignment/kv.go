package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/PostHog/dedupd/pkg/coordkv"
	"github.com/PostHog/dedupd/pkg/events"
)

// Coordination is the subset of *coordkv.Store this package drives.
// Production wiring passes the raft-replicated store directly; the
// package's tests run against an in-memory implementation so the handoff
// protocol can be exercised without a raft transport.
type Coordination interface {
	PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error)
	PutWithLease(ctx context.Context, key string, value []byte, expectedVersion uint64, leaseID string) (uint64, error)
	Delete(ctx context.Context, key string) error
	Get(key string) (coordkv.KV, bool)
	ListPrefix(prefix string) []coordkv.KV
	WatchPrefix(prefix string) events.Subscriber
	Unsubscribe(sub events.Subscriber)
	LeaseGrant(ctx context.Context, leaseID string, ttl time.Duration) error
	Keepalive(ctx context.Context, leaseID string) error
	Revoke(ctx context.Context, leaseID string) error
}

// putJSON upserts key with a JSON-encoded value, retrying the version CAS
// until it lands. Used for keys with a single logical writer where the CAS
// only guards against torn concurrent upserts, not against another owner.
func putJSON(ctx context.Context, kv Coordination, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for {
		version := uint64(0)
		if cur, ok := kv.Get(key); ok {
			version = cur.Version
		}
		_, err := kv.PutIfVersion(ctx, key, data, version)
		if err == nil {
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

// putJSONWithLease is putJSON for lease-attached keys (pod and router
// registrations).
func putJSONWithLease(ctx context.Context, kv Coordination, key string, v interface{}, leaseID string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for {
		version := uint64(0)
		if cur, ok := kv.Get(key); ok {
			version = cur.Version
		}
		_, err := kv.PutWithLease(ctx, key, data, version, leaseID)
		if err == nil {
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
