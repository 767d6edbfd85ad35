package storage

import (
	"math"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// TouchCountReplacer keeps one counter per page, bumped on every access.
// It classifies pages by temperature and, when used as the pool's policy,
// evicts the coldest unpinned candidate.
type TouchCountReplacer struct {
	view         FrameView
	hotThreshold uint64
	counts       *xsync.MapOf[PageID, *atomic.Uint64]
}

// NewTouchCountReplacer creates a touch-count classifier. A zero threshold selects 8.
func NewTouchCountReplacer(view FrameView, hotThreshold uint64) *TouchCountReplacer {
	if hotThreshold == 0 {
		hotThreshold = 8
	}
	return &TouchCountReplacer{
		view:         view,
		hotThreshold: hotThreshold,
		counts:       xsync.NewMapOf[PageID, *atomic.Uint64](),
	}
}

func (t *TouchCountReplacer) sealed() {}

// Kind returns ReplacerTouchCount
func (t *TouchCountReplacer) Kind() ReplacerKind {
	return ReplacerTouchCount
}

// RecordAccess increments the page's touch count
func (t *TouchCountReplacer) RecordAccess(pageID PageID, _ FrameID) {
	c, ok := t.counts.Load(pageID)
	if !ok {
		c, _ = t.counts.LoadOrCompute(pageID, func() *atomic.Uint64 {
			return new(atomic.Uint64)
		})
	}
	c.Add(1)
}

// RecordEviction forgets the page
func (t *TouchCountReplacer) RecordEviction(pageID PageID, _ FrameID) {
	t.counts.Delete(pageID)
}

// Count returns the page's current touch count
func (t *TouchCountReplacer) Count(pageID PageID) uint64 {
	if c, ok := t.counts.Load(pageID); ok {
		return c.Load()
	}
	return 0
}

// HotThreshold returns the count at which a page is hot
func (t *TouchCountReplacer) HotThreshold() uint64 {
	return t.hotThreshold
}

// Temperature classifies a page: hot at or above the threshold, warm at or
// above half of it, cold otherwise
func (t *TouchCountReplacer) Temperature(pageID PageID) Tier {
	n := t.Count(pageID)
	switch {
	case n >= t.hotThreshold:
		return TierHot
	case n >= t.hotThreshold/2:
		return TierWarm
	default:
		return TierCold
	}
}

// DecayAll multiplies every counter by factor (0 < factor < 1) to age out
// stale activity
func (t *TouchCountReplacer) DecayAll(factor float64) {
	if factor < 0 || factor >= 1 {
		return
	}
	t.counts.Range(func(pageID PageID, c *atomic.Uint64) bool {
		for {
			old := c.Load()
			decayed := uint64(math.Floor(float64(old) * factor))
			if c.CompareAndSwap(old, decayed) {
				break
			}
		}
		return true
	})
}

// FindVictim returns the unpinned candidate with the lowest touch count
func (t *TouchCountReplacer) FindVictim(candidates []FrameID) (FrameID, bool) {
	victim := InvalidFrameID
	best := uint64(math.MaxUint64)
	for _, frameID := range candidates {
		if !evictable(t.view, frameID) {
			continue
		}
		n := t.Count(t.view.PageOf(frameID))
		if n < best {
			victim = frameID
			best = n
		}
	}
	return victim, victim != InvalidFrameID
}
