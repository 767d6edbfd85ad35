package storage

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// defaultLoadCost is assumed for pages whose load was never timed
const defaultLoadCost = 100 * time.Microsecond

// costEntry is the per-page state of the cost-aware policy
type costEntry struct {
	costNs    atomic.Int64 // EWMA of load latency
	frequency atomic.Uint64
}

// CostAwareReplacer keeps pages that are expensive to reload and often used.
// replacement value = load cost x access frequency; the victim is the unpinned
// candidate with the smallest value.
type CostAwareReplacer struct {
	view    FrameView
	entries *xsync.MapOf[PageID, *costEntry]
}

// NewCostAwareReplacer creates a cost-aware replacer
func NewCostAwareReplacer(view FrameView) *CostAwareReplacer {
	return &CostAwareReplacer{
		view:    view,
		entries: xsync.NewMapOf[PageID, *costEntry](),
	}
}

func (c *CostAwareReplacer) sealed() {}

// Kind returns ReplacerCostAware
func (c *CostAwareReplacer) Kind() ReplacerKind {
	return ReplacerCostAware
}

func (c *CostAwareReplacer) entry(pageID PageID) *costEntry {
	if e, ok := c.entries.Load(pageID); ok {
		return e
	}
	e, _ := c.entries.LoadOrCompute(pageID, func() *costEntry {
		e := &costEntry{}
		e.costNs.Store(int64(defaultLoadCost))
		return e
	})
	return e
}

// RecordAccess increments the page's frequency
func (c *CostAwareReplacer) RecordAccess(pageID PageID, _ FrameID) {
	c.entry(pageID).frequency.Add(1)
}

// RecordLoadCost folds a measured load latency into the page's cost estimate
// (exponential moving average, alpha 1/4)
func (c *CostAwareReplacer) RecordLoadCost(pageID PageID, cost time.Duration) {
	if cost <= 0 {
		cost = time.Nanosecond
	}
	e := c.entry(pageID)
	for {
		old := e.costNs.Load()
		next := old + (int64(cost)-old)/4
		if e.costNs.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetLoadCost overrides the page's cost estimate
func (c *CostAwareReplacer) SetLoadCost(pageID PageID, cost time.Duration) {
	c.entry(pageID).costNs.Store(int64(cost))
}

// RecordEviction resets the frequency; the cost estimate is kept because it
// describes the page's storage location, not its residency
func (c *CostAwareReplacer) RecordEviction(pageID PageID, _ FrameID) {
	if e, ok := c.entries.Load(pageID); ok {
		e.frequency.Store(0)
	}
}

// ReplacementValue returns cost x frequency; higher means more worth keeping
func (c *CostAwareReplacer) ReplacementValue(pageID PageID) float64 {
	e, ok := c.entries.Load(pageID)
	if !ok {
		return 0
	}
	return float64(e.costNs.Load()) * float64(e.frequency.Load())
}

// FindVictim returns the unpinned candidate with the minimum replacement value
func (c *CostAwareReplacer) FindVictim(candidates []FrameID) (FrameID, bool) {
	victim := InvalidFrameID
	best := math.Inf(1)
	for _, frameID := range candidates {
		if !evictable(c.view, frameID) {
			continue
		}
		v := c.ReplacementValue(c.view.PageOf(frameID))
		if v < best {
			victim = frameID
			best = v
		}
	}
	return victim, victim != InvalidFrameID
}
