package storage

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// SubPoolStats describes one sub-pool
type SubPoolStats struct {
	Name       string
	Kind       PoolKind
	Tablespace uint32
	Frames     int
	Free       int
	Hot        int
	Warm       int
	Cold       int
}

// PoolStats is an observational snapshot of the buffer pool. Counters are read
// one by one, so the snapshot is not atomic as a whole.
type PoolStats struct {
	Capacity   int
	PageSize   int
	Replacer   ReplacerKind
	Resident   int
	Pinned     int
	Dirty      int
	DirtyRatio float64
	Metrics    MetricsSnapshot
	PageTable  PageTableStats
	Pools      []SubPoolStats
	Flusher    AdaptiveFlushStats
	Prefetch   PrefetchStats
}

// Stats returns current statistics
func (bpm *BufferPoolManager) Stats() PoolStats {
	s := PoolStats{
		Capacity:  len(bpm.frames),
		PageSize:  bpm.pageSize,
		Replacer:  bpm.replacerKind,
		Metrics:   bpm.metrics.Snapshot(),
		PageTable: bpm.pageTable.Stats(),
		Flusher:   bpm.flusher.Stats(),
		Prefetch:  bpm.prefetcher.Stats(),
	}
	for _, f := range bpm.frames {
		if f.State() == FrameFree {
			continue
		}
		s.Resident++
		if f.PinCount() > 0 {
			s.Pinned++
		}
		if f.IsDirty() {
			s.Dirty++
		}
	}
	s.DirtyRatio = float64(s.Dirty) / float64(s.Capacity)

	for _, p := range bpm.pools {
		s.Pools = append(s.Pools, SubPoolStats{
			Name:       p.name,
			Kind:       p.kind,
			Tablespace: p.tablespace,
			Frames:     p.Size(),
			Free:       p.FreeCount(),
			Hot:        p.TierCount(TierHot),
			Warm:       p.TierCount(TierWarm),
			Cold:       p.TierCount(TierCold),
		})
	}
	return s
}

// LogStats logs the occupancy of every sub-pool
func (bpm *BufferPoolManager) LogStats() {
	s := bpm.Stats()
	for _, p := range s.Pools {
		bpm.logger.Info("sub-pool",
			slog.String("name", p.Name),
			slog.String("kind", p.Kind.String()),
			slog.Int("frames", p.Frames),
			slog.String("size", humanize.IBytes(uint64(p.Frames*s.PageSize))),
			slog.Int("free", p.Free),
			slog.Int("hot", p.Hot),
			slog.Int("warm", p.Warm),
			slog.Int("cold", p.Cold),
		)
	}
	bpm.logger.Info("buffer pool",
		slog.Int("resident", s.Resident),
		slog.Int("pinned", s.Pinned),
		slog.String("dirty", humanize.IBytes(uint64(s.Dirty*s.PageSize))),
		slog.Float64("dirty_ratio", s.DirtyRatio),
		slog.Float64("hit_ratio", s.Metrics.HitRatio),
	)
}
