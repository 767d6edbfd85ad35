package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	prefetchHistorySize   = 10
	prefetchIdleReset     = time.Second
	prefetchConfidenceMin = 0.6
	prefetchTimeout       = 2 * time.Second
)

// AccessPattern is the stride state of one scan
type AccessPattern struct {
	StartPageID    PageID
	LastPageID     PageID
	Stride         int64
	AccessCount    int
	Confidence     float64 // 0.0 - 1.0
	LastAccessTime time.Time
	History        []PageID
}

// PrefetchStats tracks prefetching effectiveness
type PrefetchStats struct {
	PatternsDetected uint64
	StridesDetected  uint64 // patterns with a stride other than +-1
	PagesPrefetched  uint64
	PrefetchErrors   uint64
	AvgConfidence    float64
}

// Prefetcher watches the page sequence of each scan and, once a stride is
// confident, loads the next pages ahead of the scan into the recycle pool.
type Prefetcher struct {
	bpm *BufferPoolManager

	mu                 sync.Mutex
	patterns           map[uint64]*AccessPattern // keyed by PinOptions.ScanID
	detectionThreshold int
	prefetchDistance   int
	enabled            bool
	stats              PrefetchStats

	inflight sync.WaitGroup
}

// NewPrefetcher creates a prefetcher. detectionThreshold is the number of
// matching accesses needed before prefetching starts.
func NewPrefetcher(bpm *BufferPoolManager, detectionThreshold, prefetchDistance int) *Prefetcher {
	if detectionThreshold < 2 {
		detectionThreshold = 2
	}
	if prefetchDistance <= 0 {
		prefetchDistance = 8
	}
	return &Prefetcher{
		bpm:                bpm,
		patterns:           make(map[uint64]*AccessPattern),
		detectionThreshold: detectionThreshold,
		prefetchDistance:   prefetchDistance,
		enabled:            true,
	}
}

// SetEnabled turns prefetching on or off
func (p *Prefetcher) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// RecordAccess feeds one access of scan scanID
func (p *Prefetcher) RecordAccess(scanID uint64, pageID PageID, tablespace uint32) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	pattern, ok := p.patterns[scanID]
	if !ok || now.Sub(pattern.LastAccessTime) > prefetchIdleReset {
		p.patterns[scanID] = newAccessPattern(pageID, now)
		return
	}

	stride := int64(pageID - pattern.LastPageID)
	pattern.History = append(pattern.History, pageID)
	if len(pattern.History) > prefetchHistorySize {
		pattern.History = pattern.History[1:]
	}

	switch {
	case stride == 0:
		// re-reading the same page says nothing about direction
	case pattern.Stride == 0:
		pattern.Stride = stride
		pattern.AccessCount = 2
		pattern.Confidence = 0.5
	case pattern.Stride == stride:
		pattern.AccessCount++
		pattern.Confidence = pattern.confidence()
	case pattern.Confidence <= 0.8 && pattern.strideCount(stride) >= 2:
		pattern.Stride = stride
		pattern.AccessCount = 2
		pattern.Confidence = 0.3
	default:
		*pattern = *newAccessPattern(pageID, now)
		return
	}

	pattern.LastPageID = pageID
	pattern.LastAccessTime = now

	if stride != 0 && pattern.AccessCount >= p.detectionThreshold && pattern.Confidence >= prefetchConfidenceMin {
		p.triggerLocked(pattern, tablespace)
	}
}

func newAccessPattern(pageID PageID, now time.Time) *AccessPattern {
	history := make([]PageID, 1, prefetchHistorySize+1)
	history[0] = pageID
	return &AccessPattern{
		StartPageID:    pageID,
		LastPageID:     pageID,
		AccessCount:    1,
		LastAccessTime: now,
		History:        history,
	}
}

// strideCount counts adjacent history pairs separated by stride
func (a *AccessPattern) strideCount(stride int64) int {
	n := 0
	for i := 1; i < len(a.History); i++ {
		if int64(a.History[i]-a.History[i-1]) == stride {
			n++
		}
	}
	return n
}

// confidence weighs stride consistency over the history against run length
func (a *AccessPattern) confidence() float64 {
	base := min(float64(a.AccessCount)/10.0, 1.0)
	if len(a.History) < 3 {
		return base
	}
	consistency := float64(a.strideCount(a.Stride)) / float64(len(a.History)-1)
	return 0.7*consistency + 0.3*base
}

// triggerLocked schedules a prefetch of the pages after pattern. Caller holds p.mu.
func (p *Prefetcher) triggerLocked(pattern *AccessPattern, tablespace uint32) {
	p.stats.PatternsDetected++
	if pattern.Stride != 1 && pattern.Stride != -1 {
		p.stats.StridesDetected++
	}
	if p.stats.PatternsDetected == 1 {
		p.stats.AvgConfidence = pattern.Confidence
	} else {
		p.stats.AvgConfidence = 0.1*pattern.Confidence + 0.9*p.stats.AvgConfidence
	}

	count := max(int(float64(p.prefetchDistance)*pattern.Confidence), 2)
	ids := make([]PageID, 0, count)
	next := pattern.LastPageID
	for i := 0; i < count; i++ {
		next = PageID(int64(next) + pattern.Stride)
		if next == InvalidPageID {
			break
		}
		ids = append(ids, next)
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
		defer cancel()

		n, err := p.bpm.Prefetch(ctx, ids, tablespace)

		p.mu.Lock()
		p.stats.PagesPrefetched += uint64(n)
		if err != nil {
			p.stats.PrefetchErrors++
		}
		p.mu.Unlock()
		if err != nil {
			p.bpm.logger.Debug("prefetch stopped early",
				slog.Int("loaded", n),
				slog.Int("requested", len(ids)),
				slog.Any("error", err),
			)
		}
	}()
}

// Pattern returns a copy of the stride state of scanID
func (p *Prefetcher) Pattern(scanID uint64) (AccessPattern, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pattern, ok := p.patterns[scanID]
	if !ok {
		return AccessPattern{}, false
	}
	cp := *pattern
	cp.History = append([]PageID(nil), pattern.History...)
	return cp, true
}

// ClearPattern forgets a finished scan
func (p *Prefetcher) ClearPattern(scanID uint64) {
	p.mu.Lock()
	delete(p.patterns, scanID)
	p.mu.Unlock()
}

// Cleanup drops patterns idle for longer than maxIdle and returns how many were dropped
func (p *Prefetcher) Cleanup(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for id, pattern := range p.patterns {
		if now.Sub(pattern.LastAccessTime) > maxIdle {
			delete(p.patterns, id)
			dropped++
		}
	}
	return dropped
}

// Stats returns current prefetching statistics
func (p *Prefetcher) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Wait blocks until every scheduled prefetch has finished
func (p *Prefetcher) Wait() {
	p.inflight.Wait()
}

// Stop disables prefetching and waits for in-flight prefetches
func (p *Prefetcher) Stop() {
	p.SetEnabled(false)
	p.Wait()
}

// Prefetch loads the missing pages among ids into the recycle pool (or the
// tablespace pool when there is no recycle pool) and unpins them at once.
// Resident pages are skipped using one batched page table lookup. It stops at
// the first failure and returns the number of pages loaded.
func (bpm *BufferPoolManager) Prefetch(ctx context.Context, ids []PageID, tablespace uint32) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	opts := PinOptions{Tablespace: tablespace, Hint: HintRecycle}

	loaded := 0
	for _, res := range bpm.pageTable.BatchLookup(ids) {
		if res.Found {
			continue
		}
		if err := ctx.Err(); err != nil {
			return loaded, errCancelled("Prefetch", err)
		}
		f, err := bpm.load(ctx, res.PageID, opts, true)
		if err != nil {
			if isLoadRace(err) {
				continue
			}
			bpm.metrics.RecordPrefetch(loaded)
			return loaded, err
		}
		bpm.unpinFrame(f, false)
		loaded++
	}
	bpm.metrics.RecordPrefetch(loaded)
	return loaded, nil
}
