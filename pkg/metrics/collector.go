package metrics

import (
	"time"
)

// LeaderReporter reports whether this process currently holds coordination
// leadership; satisfied by *coordkv.Store.
type LeaderReporter interface {
	IsLeader() bool
}

// PartitionCounter reports how many partitions this process owns a store
// for; satisfied by *storemanager.Manager.
type PartitionCounter interface {
	Count() int
}

// Collector periodically refreshes the gauges that reflect process-wide
// state rather than individual operations.
type Collector struct {
	leader LeaderReporter
	stores PartitionCounter
	stopCh chan struct{}
}

// NewCollector creates a collector; either source may be nil if the role
// running this process doesn't have it (a router has neither).
func NewCollector(leader LeaderReporter, stores PartitionCounter) *Collector {
	return &Collector{
		leader: leader,
		stores: stores,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.leader != nil {
		if c.leader.IsLeader() {
			RaftLeader.Set(1)
		} else {
			RaftLeader.Set(0)
		}
	}
	if c.stores != nil {
		StoreOwnedPartitions.Set(float64(c.stores.Count()))
	}
}
