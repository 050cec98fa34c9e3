package assignment

import (
	"hash/fnv"
	"sort"
)

// Strategy computes the desired partition -> pod assignment for one
// rebalance cycle, given the current assignment and the live pod set.
type Strategy interface {
	ComputeAssignments(current map[int]string, pods []string, totalPartitions int) map[int]string
}

// Sticky is the sticky-balanced strategy: target load per
// pod is ceil(N/P) or floor(N/P); overloaded pods shed their
// numerically-highest partitions first, to under-loaded pods sorted by
// current load then lexicographically by name. Already-correctly-placed
// partitions never move.
type Sticky struct{}

func (Sticky) ComputeAssignments(current map[int]string, pods []string, totalPartitions int) map[int]string {
	desired := make(map[int]string, totalPartitions)
	if len(pods) == 0 {
		return desired
	}

	podSet := make(map[string]bool, len(pods))
	sortedPods := append([]string(nil), pods...)
	sort.Strings(sortedPods)
	for _, p := range sortedPods {
		podSet[p] = true
	}

	load := make(map[string]int, len(sortedPods))
	for _, p := range sortedPods {
		load[p] = 0
	}

	// Keep every partition whose current owner is still live.
	var unassigned []int
	for partition := 0; partition < totalPartitions; partition++ {
		owner, ok := current[partition]
		if ok && podSet[owner] {
			desired[partition] = owner
			load[owner]++
		} else {
			unassigned = append(unassigned, partition)
		}
	}

	floor := totalPartitions / len(sortedPods)
	ceil := floor
	if totalPartitions%len(sortedPods) != 0 {
		ceil = floor + 1
	}
	overflow := totalPartitions % len(sortedPods) // number of pods allowed `ceil` load

	targetFor := func(rank int) int {
		if rank < overflow {
			return ceil
		}
		return floor
	}
	rankOf := make(map[string]int, len(sortedPods))
	for i, p := range sortedPods {
		rankOf[p] = i
	}

	// Shed from overloaded pods: numerically-highest partitions move first.
	type owned struct {
		partition int
		pod       string
	}
	var all []owned
	for partition, pod := range desired {
		all = append(all, owned{partition, pod})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].partition > all[j].partition })

	for _, o := range all {
		target := targetFor(rankOf[o.pod])
		if load[o.pod] > target {
			delete(desired, o.partition)
			load[o.pod]--
			unassigned = append(unassigned, o.partition)
		}
	}

	sort.Ints(unassigned)
	for _, partition := range unassigned {
		pod := leastLoadedPod(sortedPods, load)
		desired[partition] = pod
		load[pod]++
	}

	return desired
}

func leastLoadedPod(pods []string, load map[string]int) string {
	best := pods[0]
	for _, p := range pods[1:] {
		if load[p] < load[best] {
			best = p
		}
	}
	return best
}

// JumpHash assigns partition -> pod via Google's jump consistent hash over
// the sorted pod set: no explicit balance guarantee, but membership changes
// move the minimum possible number of partitions.
type JumpHash struct{}

func (JumpHash) ComputeAssignments(_ map[int]string, pods []string, totalPartitions int) map[int]string {
	desired := make(map[int]string, totalPartitions)
	if len(pods) == 0 {
		return desired
	}

	sortedPods := append([]string(nil), pods...)
	sort.Strings(sortedPods)

	for partition := 0; partition < totalPartitions; partition++ {
		key := partitionHashKey(partition)
		idx := jumpHash(key, len(sortedPods))
		desired[partition] = sortedPods[idx]
	}
	return desired
}

func partitionHashKey(partition int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte{
		byte(partition), byte(partition >> 8), byte(partition >> 16), byte(partition >> 24),
	})
	return h.Sum64()
}

// jumpHash is Lamping & Veach's jump consistent hash: O(ln n), no lookup table.
func jumpHash(key uint64, numBuckets int) int {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
