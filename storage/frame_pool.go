package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolKind says what a sub-pool is reserved for
type PoolKind int

const (
	PoolMain PoolKind = iota
	PoolKeep
	PoolRecycle
	PoolTablespace
)

func (k PoolKind) String() string {
	switch k {
	case PoolMain:
		return "main"
	case PoolKeep:
		return "keep"
	case PoolRecycle:
		return "recycle"
	case PoolTablespace:
		return "tablespace"
	default:
		return "unknown"
	}
}

// framePool is a fixed slice of the arena with its own free list and
// replacer, so eviction pressure in one pool never reclaims another's frames.
type framePool struct {
	name       string
	kind       PoolKind
	tablespace uint32
	frames     []FrameID // ascending

	// tiered pools move frames between tiers; others pin every frame to fixedTier
	tiered     bool
	fixedTier  Tier
	tierCaps   [3]int32
	tierCounts [3]atomic.Int32

	replacer Replacer

	// mu guards free and scratch, and serialises victim selection
	mu      sync.Mutex
	free    []FrameID
	scratch []FrameID
}

func newFramePool(name string, kind PoolKind, frames []FrameID, replacer Replacer, cfg *Config) *framePool {
	p := &framePool{
		name:     name,
		kind:     kind,
		frames:   frames,
		replacer: replacer,
		free:     append([]FrameID(nil), frames...),
		scratch:  make([]FrameID, 0, len(frames)),
	}

	switch kind {
	case PoolKeep:
		p.fixedTier = TierHot
	case PoolRecycle:
		p.fixedTier = TierCold
	default:
		p.tiered = true
		n := float64(len(frames))
		p.tierCaps[TierHot] = int32(n * cfg.HotRatio)
		p.tierCaps[TierWarm] = int32(n * cfg.WarmRatio)
		// Cold is where new pages land and where demotions end, so it is never capped
		p.tierCaps[TierCold] = int32(len(frames))
	}
	return p
}

// Size returns the number of frames owned by the pool
func (p *framePool) Size() int {
	return len(p.frames)
}

// initialTier is the tier a freshly loaded page starts in
func (p *framePool) initialTier() Tier {
	if p.tiered {
		return TierCold
	}
	return p.fixedTier
}

// takeFree pops the lowest free frame, if any
func (p *framePool) takeFree(frames []*Frame) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	id := p.free[0]
	p.free = p.free[1:]
	return frames[id]
}

// release returns an unused, reset frame to the free list
func (p *framePool) release(f *Frame) {
	p.mu.Lock()
	p.free = append(p.free, f.id)
	p.mu.Unlock()
}

// FreeCount returns the number of frames on the free list
func (p *framePool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// findVictimLocked asks the replacer for a victim, trying cold frames first,
// then warm, then hot. Caller holds p.mu.
func (p *framePool) findVictimLocked(frames []*Frame) (FrameID, bool) {
	if !p.tiered {
		return p.replacer.FindVictim(p.frames)
	}
	for _, tier := range [...]Tier{TierCold, TierWarm, TierHot} {
		p.scratch = p.scratch[:0]
		for _, id := range p.frames {
			f := frames[id]
			if f.State() == FrameResident && f.Tier() == tier {
				p.scratch = append(p.scratch, id)
			}
		}
		if len(p.scratch) == 0 {
			continue
		}
		if victim, ok := p.replacer.FindVictim(p.scratch); ok {
			return victim, true
		}
	}
	return InvalidFrameID, false
}

// reserveTier takes one slot of tier t's capacity
func (p *framePool) reserveTier(t Tier) bool {
	c := &p.tierCounts[t]
	for {
		n := c.Load()
		if n >= p.tierCaps[t] {
			return false
		}
		if c.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// enterTier counts a frame into tier t without a capacity check
func (p *framePool) enterTier(t Tier) {
	p.tierCounts[t].Add(1)
}

// leaveTier gives back a slot of tier t
func (p *framePool) leaveTier(t Tier) {
	p.tierCounts[t].Add(-1)
}

// TierCount returns the number of resident frames in tier t
func (p *framePool) TierCount(t Tier) int {
	return int(p.tierCounts[t].Load())
}

func (p *framePool) String() string {
	return fmt.Sprintf("%s(%s, %d frames)", p.name, p.kind, len(p.frames))
}
