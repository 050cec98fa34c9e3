package coordkv

import (
	"context"
	"sync"
	"time"

	"github.com/PostHog/dedupd/pkg/metrics"
)

// leaseManager tracks local wall-clock expiry deadlines for leases granted
// through this Store, and revokes any that go unrefreshed. Only the raft
// leader's expiry loop actually revokes (a follower's apply would simply be
// rejected by raft), so every node runs the loop but it is a no-op unless
// this node holds leadership.
type leaseManager struct {
	store *Store

	mu       sync.Mutex
	deadline map[string]time.Time
	ttl      map[string]time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLeaseManager(s *Store) *leaseManager {
	return &leaseManager{
		store:    s,
		deadline: make(map[string]time.Time),
		ttl:      make(map[string]time.Duration),
	}
}

func (lm *leaseManager) track(leaseID string, ttl time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.ttl[leaseID] = ttl
	lm.deadline[leaseID] = time.Now().Add(ttl)
}

func (lm *leaseManager) refresh(leaseID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ttl, ok := lm.ttl[leaseID]
	if !ok {
		return
	}
	lm.deadline[leaseID] = time.Now().Add(ttl)
}

func (lm *leaseManager) forget(leaseID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.ttl, leaseID)
	delete(lm.deadline, leaseID)
}

func (lm *leaseManager) expired() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	var out []string
	for id, dl := range lm.deadline {
		if now.After(dl) {
			out = append(out, id)
		}
	}
	return out
}

func (lm *leaseManager) start() {
	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				lm.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (lm *leaseManager) stop() {
	if lm.cancel == nil {
		return
	}
	lm.cancel()
	lm.wg.Wait()
}

// sweep revokes every locally-tracked lease past its deadline. It runs only
// on the raft leader; on a follower it returns without touching the tracked
// leases. Each expired lease gets one Revoke call and is then forgotten
// whether or not that call succeeded, so a failed revoke is not retried.
func (lm *leaseManager) sweep(ctx context.Context) {
	if !lm.store.IsLeader() {
		return
	}
	for _, id := range lm.expired() {
		if err := lm.store.Revoke(ctx, id); err == nil {
			metrics.LeaseExpirationsTotal.Inc()
		}
		lm.forget(id)
	}
}
