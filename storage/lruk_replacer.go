package storage

import (
	"math"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// lrukHistory is the bounded access history of one page.
// timestamps is a ring of at most k entries, oldest at head.
type lrukHistory struct {
	mu         sync.Mutex
	timestamps []int64
	head       int
	size       int
	resident   bool
}

func newLRUKHistory(k int) *lrukHistory {
	return &lrukHistory{timestamps: make([]int64, k)}
}

func (h *lrukHistory) add(ts int64) {
	k := len(h.timestamps)
	if h.size < k {
		h.timestamps[(h.head+h.size)%k] = ts
		h.size++
		return
	}
	h.timestamps[h.head] = ts
	h.head = (h.head + 1) % k
}

// kth returns the K-th most recent access and whether K accesses exist
func (h *lrukHistory) kth() (int64, bool) {
	if h.size < len(h.timestamps) {
		return 0, false
	}
	return h.timestamps[h.head], true
}

func (h *lrukHistory) latest() int64 {
	if h.size == 0 {
		return 0
	}
	k := len(h.timestamps)
	return h.timestamps[(h.head+h.size-1)%k]
}

// LRUKReplacer evicts the page with the largest backward K-distance.
// Pages with fewer than K recorded accesses have infinite distance and are
// preferred; ties among them fall back to plain LRU on the latest access.
type LRUKReplacer struct {
	view              FrameView
	k                 int
	correlationPeriod time.Duration
	histories         *xsync.MapOf[PageID, *lrukHistory]

	// now is swapped by tests to get deterministic timestamps
	now func() time.Time

	// cleanupMu serialises Cleanup; FindVictim reads histories lock-free per page
	cleanupMu sync.Mutex
}

// NewLRUKReplacer creates an LRU-K replacer. k < 1 selects 2.
func NewLRUKReplacer(view FrameView, k int, correlationPeriod time.Duration) *LRUKReplacer {
	if k < 1 {
		k = 2
	}
	return &LRUKReplacer{
		view:              view,
		k:                 k,
		correlationPeriod: correlationPeriod,
		histories:         xsync.NewMapOf[PageID, *lrukHistory](),
		now:               time.Now,
	}
}

func (r *LRUKReplacer) sealed() {}

// Kind returns ReplacerLRUK
func (r *LRUKReplacer) Kind() ReplacerKind {
	return ReplacerLRUK
}

// K returns the history depth
func (r *LRUKReplacer) K() int {
	return r.k
}

// RecordAccess pushes a timestamp into the page's history
func (r *LRUKReplacer) RecordAccess(pageID PageID, _ FrameID) {
	r.recordAt(pageID, r.now())
}

func (r *LRUKReplacer) recordAt(pageID PageID, at time.Time) {
	h, _ := r.histories.LoadOrCompute(pageID, func() *lrukHistory {
		return newLRUKHistory(r.k)
	})
	h.mu.Lock()
	h.add(at.UnixNano())
	h.resident = true
	h.mu.Unlock()
}

// RecordEviction keeps the history (it informs the page's next residency)
// but marks it non-resident so Cleanup may drop it later
func (r *LRUKReplacer) RecordEviction(pageID PageID, _ FrameID) {
	if h, ok := r.histories.Load(pageID); ok {
		h.mu.Lock()
		h.resident = false
		h.mu.Unlock()
	}
}

// BackwardKDistance returns the time since the page's K-th most recent
// access, or math.MaxInt64 when fewer than K accesses are recorded
func (r *LRUKReplacer) BackwardKDistance(pageID PageID, now time.Time) time.Duration {
	h, ok := r.histories.Load(pageID)
	if !ok {
		return math.MaxInt64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	kth, full := h.kth()
	if !full {
		return math.MaxInt64
	}
	return time.Duration(now.UnixNano() - kth)
}

// FindVictim returns the unpinned candidate with the largest backward K-distance
func (r *LRUKReplacer) FindVictim(candidates []FrameID) (FrameID, bool) {
	nowNs := r.now().UnixNano()

	victim := InvalidFrameID
	var bestDist int64 = -1
	var bestLatest int64 = math.MaxInt64

	for _, frameID := range candidates {
		if !evictable(r.view, frameID) {
			continue
		}
		pageID := r.view.PageOf(frameID)

		dist := int64(math.MaxInt64)
		latest := int64(math.MinInt64)
		if h, ok := r.histories.Load(pageID); ok {
			h.mu.Lock()
			if kth, full := h.kth(); full {
				dist = nowNs - kth
			}
			latest = h.latest()
			h.mu.Unlock()
		}

		if dist > bestDist || (dist == bestDist && latest < bestLatest) {
			victim = frameID
			bestDist = dist
			bestLatest = latest
		}
	}

	return victim, victim != InvalidFrameID
}

// Cleanup drops histories of non-resident pages whose last access is older
// than the correlation period. It returns the number of histories removed.
func (r *LRUKReplacer) Cleanup(now time.Time) int {
	if r.correlationPeriod <= 0 {
		return 0
	}
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()

	cutoff := now.Add(-r.correlationPeriod).UnixNano()
	removed := 0
	r.histories.Range(func(pageID PageID, h *lrukHistory) bool {
		h.mu.Lock()
		stale := !h.resident && h.latest() < cutoff
		h.mu.Unlock()
		if stale {
			r.histories.Delete(pageID)
			removed++
		}
		return true
	})
	return removed
}

// HistoryLen returns the number of tracked pages
func (r *LRUKReplacer) HistoryLen() int {
	return r.histories.Size()
}
