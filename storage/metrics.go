package storage

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Histogram tracks latency distribution with percentile support.
// Keeps the most recent maxSize samples in a ring.
type Histogram struct {
	mu      sync.Mutex
	samples []float64 // Latencies in microseconds
	next    int
	full    bool
}

// NewHistogram creates a new histogram with a max sample size
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 10000 // Default: keep last 10k samples
	}
	return &Histogram{
		samples: make([]float64, maxSize),
	}
}

// Record adds a latency sample (in microseconds)
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	h.samples[h.next] = latencyUs
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

// Count returns the number of retained samples
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked()
}

func (h *Histogram) countLocked() int {
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	h.next = 0
	h.full = false
	h.mu.Unlock()
}

// HistogramSnapshot holds percentile statistics
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64 // Median
	P95   float64
	P99   float64
	P999  float64
}

// Snapshot captures current histogram statistics
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	n := h.countLocked()
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	h.mu.Unlock()

	if n == 0 {
		return HistogramSnapshot{}
	}
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return HistogramSnapshot{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  sum / float64(n),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		P999:  percentile(sorted, 99.9),
	}
}

// percentile interpolates the p-th percentile (0-100) of sorted samples
func percentile(sorted []float64, p float64) float64 {
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Metrics tracks buffer pool counters. Observational only: nothing in the
// pool reads these to make decisions.
type Metrics struct {
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	pageLoads          atomic.Uint64
	loadFailures       atomic.Uint64
	pageEvictions      atomic.Uint64
	dirtyPageFlushes   atomic.Uint64
	flushFailures      atomic.Uint64
	allocFailures      atomic.Uint64
	allocWaits         atomic.Uint64
	promotions         atomic.Uint64
	demotions          atomic.Uint64
	promotionsRejected atomic.Uint64
	pagesPrefetched    atomic.Uint64

	// Latency Histograms (microseconds)
	pageLoadLatency  *Histogram
	pageFlushLatency *Histogram

	startTime atomic.Int64
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	m := &Metrics{
		pageLoadLatency:  NewHistogram(10000),
		pageFlushLatency: NewHistogram(10000),
	}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordCacheHit()          { m.cacheHits.Add(1) }
func (m *Metrics) RecordCacheMiss()         { m.cacheMisses.Add(1) }
func (m *Metrics) RecordLoadFailure()       { m.loadFailures.Add(1) }
func (m *Metrics) RecordPageEviction()      { m.pageEvictions.Add(1) }
func (m *Metrics) RecordFlushFailure()      { m.flushFailures.Add(1) }
func (m *Metrics) RecordAllocFailure()      { m.allocFailures.Add(1) }
func (m *Metrics) RecordAllocWait()         { m.allocWaits.Add(1) }
func (m *Metrics) RecordPromotion()         { m.promotions.Add(1) }
func (m *Metrics) RecordDemotion()          { m.demotions.Add(1) }
func (m *Metrics) RecordRejectedPromotion() { m.promotionsRejected.Add(1) }
func (m *Metrics) RecordPrefetch(n int)     { m.pagesPrefetched.Add(uint64(n)) }

// RecordPageLoad counts a successful storage read and its latency
func (m *Metrics) RecordPageLoad(duration time.Duration) {
	m.pageLoads.Add(1)
	m.pageLoadLatency.Record(float64(duration.Microseconds()))
}

// RecordPageFlush counts a successful write-back and its latency
func (m *Metrics) RecordPageFlush(duration time.Duration) {
	m.dirtyPageFlushes.Add(1)
	m.pageFlushLatency.Record(float64(duration.Microseconds()))
}

// GetCacheHitRate returns hits / (hits + misses)
func (m *Metrics) GetCacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// GetUptime returns time since creation or last Reset
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(time.Unix(0, m.startTime.Load()))
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	Hits               uint64
	Misses             uint64
	HitRatio           float64
	PageLoads          uint64
	LoadFailures       uint64
	Evictions          uint64
	DirtyFlushes       uint64
	FlushFailures      uint64
	AllocFailures      uint64
	AllocWaits         uint64
	Promotions         uint64
	Demotions          uint64
	PromotionsRejected uint64
	PagesPrefetched    uint64
	LoadLatency        HistogramSnapshot
	FlushLatency       HistogramSnapshot
	Uptime             time.Duration
}

// Snapshot reads every counter
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:               m.cacheHits.Load(),
		Misses:             m.cacheMisses.Load(),
		HitRatio:           m.GetCacheHitRate(),
		PageLoads:          m.pageLoads.Load(),
		LoadFailures:       m.loadFailures.Load(),
		Evictions:          m.pageEvictions.Load(),
		DirtyFlushes:       m.dirtyPageFlushes.Load(),
		FlushFailures:      m.flushFailures.Load(),
		AllocFailures:      m.allocFailures.Load(),
		AllocWaits:         m.allocWaits.Load(),
		Promotions:         m.promotions.Load(),
		Demotions:          m.demotions.Load(),
		PromotionsRejected: m.promotionsRejected.Load(),
		PagesPrefetched:    m.pagesPrefetched.Load(),
		LoadLatency:        m.pageLoadLatency.Snapshot(),
		FlushLatency:       m.pageFlushLatency.Snapshot(),
		Uptime:             m.GetUptime(),
	}
}

// LogMetrics logs all metrics using structured logging
func (m *Metrics) LogMetrics(logger *slog.Logger, pageSize int) {
	s := m.Snapshot()

	logger.Info("Buffer Pool Metrics",
		slog.Group("cache",
			slog.Uint64("hits", s.Hits),
			slog.Uint64("misses", s.Misses),
			slog.Float64("hit_ratio", s.HitRatio),
			slog.Uint64("evictions", s.Evictions),
			slog.Uint64("alloc_failures", s.AllocFailures),
			slog.Uint64("alloc_waits", s.AllocWaits),
		),
		slog.Group("io",
			slog.Uint64("loads", s.PageLoads),
			slog.Uint64("load_failures", s.LoadFailures),
			slog.Uint64("flushes", s.DirtyFlushes),
			slog.Uint64("flush_failures", s.FlushFailures),
			slog.String("read", humanize.IBytes(s.PageLoads*uint64(pageSize))),
			slog.String("written", humanize.IBytes(s.DirtyFlushes*uint64(pageSize))),
		),
		slog.Group("tiering",
			slog.Uint64("promotions", s.Promotions),
			slog.Uint64("demotions", s.Demotions),
			slog.Uint64("rejected_promotions", s.PromotionsRejected),
			slog.Uint64("prefetched", s.PagesPrefetched),
		),
		slog.Group("latency_us",
			slog.Group("page_load",
				slog.Int("count", s.LoadLatency.Count),
				slog.Float64("mean", s.LoadLatency.Mean),
				slog.Float64("p50", s.LoadLatency.P50),
				slog.Float64("p99", s.LoadLatency.P99),
			),
			slog.Group("page_flush",
				slog.Int("count", s.FlushLatency.Count),
				slog.Float64("mean", s.FlushLatency.Mean),
				slog.Float64("p99", s.FlushLatency.P99),
			),
		),
		slog.Duration("uptime", s.Uptime),
	)
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.cacheHits, &m.cacheMisses, &m.pageLoads, &m.loadFailures,
		&m.pageEvictions, &m.dirtyPageFlushes, &m.flushFailures,
		&m.allocFailures, &m.allocWaits, &m.promotions, &m.demotions,
		&m.promotionsRejected, &m.pagesPrefetched,
	} {
		c.Store(0)
	}
	m.pageLoadLatency.Reset()
	m.pageFlushLatency.Reset()
	m.startTime.Store(time.Now().UnixNano())
}
