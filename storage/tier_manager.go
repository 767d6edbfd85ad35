package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// prefetchPatternIdle is how long a scan pattern survives without accesses
const prefetchPatternIdle = 5 * time.Second

// TierManager moves resident frames between the cold, warm and hot tiers.
// Promotion happens inline on a hit once a frame collected PromoteThreshold
// accesses in its current tier. Demotion, touch-count decay and policy history
// pruning happen in periodic passes that never block pin or unpin.
type TierManager struct {
	bpm        *BufferPoolManager
	classifier *TouchCountReplacer

	promoteThreshold uint32
	demoteIdle       time.Duration
	decayFactor      float64
	interval         time.Duration

	passes atomic.Uint64
}

// NewTierManager creates the tier coordinator of bpm
func NewTierManager(bpm *BufferPoolManager) *TierManager {
	return &TierManager{
		bpm:              bpm,
		classifier:       NewTouchCountReplacer(bpm, bpm.cfg.TouchHotThreshold),
		promoteThreshold: bpm.cfg.PromoteThreshold,
		demoteIdle:       bpm.cfg.DemoteIdle,
		decayFactor:      bpm.cfg.DecayFactor,
		interval:         bpm.cfg.RetierInterval,
	}
}

// Classifier returns the touch-count temperature classifier
func (tm *TierManager) Classifier() *TouchCountReplacer {
	return tm.classifier
}

// Passes returns the number of completed retier passes
func (tm *TierManager) Passes() uint64 {
	return tm.passes.Load()
}

// onAccess runs on every hit. The caller holds a pin on f.
func (tm *TierManager) onAccess(f *Frame, pageID PageID) {
	tm.classifier.RecordAccess(pageID, f.id)
	if f.pool.tiered && f.TierAccesses() >= tm.promoteThreshold {
		tm.maybePromote(f)
	}
}

// onLoad runs once a page became resident
func (tm *TierManager) onLoad(f *Frame, pageID PageID) {
	tm.classifier.RecordAccess(pageID, f.id)
}

// onEvict forgets the touch count of an evicted page
func (tm *TierManager) onEvict(pageID PageID) {
	tm.classifier.RecordEviction(pageID, InvalidFrameID)
}

// maybePromote moves f one tier up if it crossed the promotion threshold and
// the next tier has room. The caller holds a pin on f.
func (tm *TierManager) maybePromote(f *Frame) (Tier, bool) {
	pool := f.pool
	cur := f.Tier()
	if !pool.tiered || cur == TierHot || f.TierAccesses() < tm.promoteThreshold {
		return cur, false
	}

	next := cur + 1
	if !pool.reserveTier(next) {
		tm.bpm.metrics.RecordRejectedPromotion()
		return cur, false
	}
	if !f.casTier(cur, next) {
		pool.leaveTier(next)
		return f.Tier(), false
	}
	pool.leaveTier(cur)
	tm.bpm.metrics.RecordPromotion()
	return next, true
}

// maybeDemote moves f one tier down once it has been idle for demoteIdle and
// its touch-count temperature fell below its tier. A zero demoteIdle disables
// demotion. The caller holds a pin on f.
func (tm *TierManager) maybeDemote(f *Frame, pageID PageID, now time.Time) (Tier, bool) {
	pool := f.pool
	cur := f.Tier()
	if !pool.tiered || cur == TierCold {
		return cur, false
	}

	if tm.demoteIdle <= 0 || now.Sub(f.LastAccess()) < tm.demoteIdle {
		return cur, false
	}
	if tm.classifier.Temperature(pageID) >= cur {
		return cur, false
	}

	next := cur - 1
	if !f.casTier(cur, next) {
		return f.Tier(), false
	}
	pool.enterTier(next)
	pool.leaveTier(cur)
	tm.bpm.metrics.RecordDemotion()
	return next, true
}

// restoreTier places a freshly loaded frame directly into tier t, as far as
// capacity allows. Used when prewarming from a saved resident set.
func (tm *TierManager) restoreTier(f *Frame, t Tier) Tier {
	pool := f.pool
	if !pool.tiered {
		return f.Tier()
	}
	for t > f.Tier() {
		cur := f.Tier()
		if !pool.reserveTier(t) {
			t--
			continue
		}
		if !f.casTier(cur, t) {
			pool.leaveTier(t)
			break
		}
		pool.leaveTier(cur)
	}
	return f.Tier()
}

// RetierOnce runs one pass over every resident frame of the tiered pools,
// promoting or demoting each by at most one step, then decays touch counts
// and prunes policy history.
func (tm *TierManager) RetierOnce(now time.Time) (promoted, demoted int) {
	bpm := tm.bpm
	for _, f := range bpm.frames {
		if !f.pool.tiered || f.State() != FrameResident {
			continue
		}
		pageID := f.PageID()
		pinned := bpm.pinQuiet(pageID, f.id)
		if pinned == nil {
			continue
		}
		if _, ok := tm.maybePromote(pinned); ok {
			promoted++
		} else if _, ok := tm.maybeDemote(pinned, pageID, now); ok {
			demoted++
		}
		bpm.unpinFrame(pinned, false)
	}

	tm.classifier.DecayAll(tm.decayFactor)

	pruned := 0
	for _, pool := range bpm.pools {
		if p, ok := pool.replacer.(historyPruner); ok {
			pruned += p.Cleanup(now)
		}
	}
	bpm.prefetcher.Cleanup(now, prefetchPatternIdle)

	tm.passes.Add(1)
	if promoted > 0 || demoted > 0 || pruned > 0 {
		bpm.logger.Debug("retier pass",
			slog.Int("promoted", promoted),
			slog.Int("demoted", demoted),
			slog.Int("histories_pruned", pruned),
		)
	}
	return promoted, demoted
}

// Run retiers on every interval until ctx is cancelled
func (tm *TierManager) Run(ctx context.Context) {
	if tm.interval <= 0 {
		return
	}
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.RetierOnce(tm.bpm.now())
		}
	}
}
