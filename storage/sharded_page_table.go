package storage

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
)

// goldenRatio64 is 2^64 / phi, the Fibonacci hashing multiplier
const goldenRatio64 = 0x9E3779B97F4A7C15

// DefaultPageTableShards is used when the configured shard count is zero
const DefaultPageTableShards = 64

// ShardedPageTable maps resident pages to frames.
// Reduces lock contention by partitioning the table into independently locked shards.
type ShardedPageTable struct {
	shards    []*pageTableShard
	shardBits uint

	hits   atomic.Uint64
	misses atomic.Uint64
}

// pageTableShard represents a single shard with its own lock
type pageTableShard struct {
	mu      sync.RWMutex
	entries map[PageID]FrameID

	reads  atomic.Uint64
	writes atomic.Uint64
}

// PageTableEntry is one mapping for BatchInsert
type PageTableEntry struct {
	PageID  PageID
	FrameID FrameID
}

// LookupResult is one answer of BatchLookup, in input order
type LookupResult struct {
	PageID  PageID
	FrameID FrameID
	Found   bool
}

// ShardStats holds the per-shard operation counters
type ShardStats struct {
	Entries int
	Reads   uint64
	Writes  uint64
}

// PageTableStats is an observational snapshot of the table
type PageTableStats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
	Shards  []ShardStats
}

// NewShardedPageTable creates a new sharded page table.
// numShards is rounded up to a power of two; zero selects DefaultPageTableShards.
func NewShardedPageTable(numShards uint32) *ShardedPageTable {
	if numShards == 0 {
		numShards = DefaultPageTableShards
	}
	shardBits := uint(bits.Len32(numShards - 1))
	n := 1 << shardBits

	shards := make([]*pageTableShard, n)
	for i := range shards {
		shards[i] = &pageTableShard{
			entries: make(map[PageID]FrameID),
		}
	}

	return &ShardedPageTable{
		shards:    shards,
		shardBits: shardBits,
	}
}

// NumShards returns the number of shards
func (spt *ShardedPageTable) NumShards() int {
	return len(spt.shards)
}

// shardIndex routes a page with a multiplicative hash so that sequential page
// IDs spread over all shards
func (spt *ShardedPageTable) shardIndex(pageID PageID) int {
	if spt.shardBits == 0 {
		return 0
	}
	return int((uint64(pageID) * goldenRatio64) >> (64 - spt.shardBits))
}

func (spt *ShardedPageTable) shardFor(pageID PageID) *pageTableShard {
	return spt.shards[spt.shardIndex(pageID)]
}

// Lookup returns the frame holding pageID
func (spt *ShardedPageTable) Lookup(pageID PageID) (FrameID, bool) {
	shard := spt.shardFor(pageID)
	shard.mu.RLock()
	frameID, ok := shard.entries[pageID]
	shard.mu.RUnlock()

	shard.reads.Add(1)
	spt.recordLookup(ok)
	return frameID, ok
}

// Contains reports whether pageID has an entry
func (spt *ShardedPageTable) Contains(pageID PageID) bool {
	shard := spt.shardFor(pageID)
	shard.mu.RLock()
	_, ok := shard.entries[pageID]
	shard.mu.RUnlock()

	shard.reads.Add(1)
	return ok
}

// Insert maps pageID to frameID and returns the previous frame, if any
func (spt *ShardedPageTable) Insert(pageID PageID, frameID FrameID) (FrameID, bool) {
	shard := spt.shardFor(pageID)
	shard.mu.Lock()
	prev, existed := shard.entries[pageID]
	shard.entries[pageID] = frameID
	shard.mu.Unlock()

	shard.writes.Add(1)
	return prev, existed
}

// Remove deletes the entry for pageID and returns the frame it pointed at
func (spt *ShardedPageTable) Remove(pageID PageID) (FrameID, bool) {
	shard := spt.shardFor(pageID)
	shard.mu.Lock()
	prev, existed := shard.entries[pageID]
	if existed {
		delete(shard.entries, pageID)
	}
	shard.mu.Unlock()

	shard.writes.Add(1)
	return prev, existed
}

// BatchLookup resolves many pages while taking each shard lock at most once.
// Results are returned in input order.
func (spt *ShardedPageTable) BatchLookup(pageIDs []PageID) []LookupResult {
	results := make([]LookupResult, len(pageIDs))
	if len(pageIDs) == 0 {
		return results
	}

	order := spt.sortByShard(len(pageIDs), func(i int) PageID { return pageIDs[i] })

	hits := uint64(0)
	for start := 0; start < len(order); {
		shardIdx := spt.shardIndex(pageIDs[order[start]])
		shard := spt.shards[shardIdx]
		end := start

		shard.mu.RLock()
		for end < len(order) && spt.shardIndex(pageIDs[order[end]]) == shardIdx {
			i := order[end]
			frameID, ok := shard.entries[pageIDs[i]]
			results[i] = LookupResult{PageID: pageIDs[i], FrameID: frameID, Found: ok}
			if ok {
				hits++
			}
			end++
		}
		shard.mu.RUnlock()

		shard.reads.Add(uint64(end - start))
		start = end
	}

	spt.hits.Add(hits)
	spt.misses.Add(uint64(len(pageIDs)) - hits)
	return results
}

// BatchInsert inserts many mappings while taking each shard lock at most once.
// It returns the number of entries that were new.
func (spt *ShardedPageTable) BatchInsert(entries []PageTableEntry) int {
	if len(entries) == 0 {
		return 0
	}

	order := spt.sortByShard(len(entries), func(i int) PageID { return entries[i].PageID })

	inserted := 0
	for start := 0; start < len(order); {
		shardIdx := spt.shardIndex(entries[order[start]].PageID)
		shard := spt.shards[shardIdx]
		end := start

		shard.mu.Lock()
		for end < len(order) && spt.shardIndex(entries[order[end]].PageID) == shardIdx {
			e := entries[order[end]]
			if _, existed := shard.entries[e.PageID]; !existed {
				inserted++
			}
			shard.entries[e.PageID] = e.FrameID
			end++
		}
		shard.mu.Unlock()

		shard.writes.Add(uint64(end - start))
		start = end
	}

	return inserted
}

// sortByShard returns input positions ordered by shard index. The sort is
// stable so duplicate keys keep their input order (last write wins).
func (spt *ShardedPageTable) sortByShard(n int, key func(int) PageID) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return spt.shardIndex(key(order[a])) < spt.shardIndex(key(order[b]))
	})
	return order
}

// Len returns the total number of entries across all shards
func (spt *ShardedPageTable) Len() int {
	total := 0
	for _, shard := range spt.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// ForEach calls fn for every entry, one shard at a time.
// fn runs under the shard read lock so it must be fast and must not touch the table.
func (spt *ShardedPageTable) ForEach(fn func(pageID PageID, frameID FrameID) bool) {
	for _, shard := range spt.shards {
		shard.mu.RLock()
		for pageID, frameID := range shard.entries {
			if !fn(pageID, frameID) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Stats returns hit rate and per-shard counters
func (spt *ShardedPageTable) Stats() PageTableStats {
	stats := PageTableStats{
		Hits:   spt.hits.Load(),
		Misses: spt.misses.Load(),
		Shards: make([]ShardStats, len(spt.shards)),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	for i, shard := range spt.shards {
		shard.mu.RLock()
		n := len(shard.entries)
		shard.mu.RUnlock()
		stats.Shards[i] = ShardStats{
			Entries: n,
			Reads:   shard.reads.Load(),
			Writes:  shard.writes.Load(),
		}
	}
	return stats
}

func (spt *ShardedPageTable) recordLookup(hit bool) {
	if hit {
		spt.hits.Add(1)
	} else {
		spt.misses.Add(1)
	}
}

// The buffer pool needs to run short critical sections under a shard lock so
// that lookup+pin and check+remove are atomic with respect to each other.

// withRead runs fn under the read lock of pageID's shard
func (spt *ShardedPageTable) withRead(pageID PageID, fn func(entries map[PageID]FrameID)) {
	shard := spt.shardFor(pageID)
	shard.mu.RLock()
	fn(shard.entries)
	shard.mu.RUnlock()
	shard.reads.Add(1)
}

// withWrite runs fn under the write lock of pageID's shard
func (spt *ShardedPageTable) withWrite(pageID PageID, fn func(entries map[PageID]FrameID)) {
	shard := spt.shardFor(pageID)
	shard.mu.Lock()
	fn(shard.entries)
	shard.mu.Unlock()
	shard.writes.Add(1)
}
