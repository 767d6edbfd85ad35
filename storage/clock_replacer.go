package storage

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ClockReplacer implements the Clock-Sweep (second chance) policy.
// Reference bits are per-frame atomics set on the hot path; only the hand
// is protected by a mutex since victim selection is comparatively rare.
type ClockReplacer struct {
	view    FrameView
	refBits []atomic.Bool

	mu   sync.Mutex
	hand FrameID
}

// NewClockReplacer creates a clock replacer over numFrames frames
func NewClockReplacer(view FrameView, numFrames int) *ClockReplacer {
	return &ClockReplacer{
		view:    view,
		refBits: make([]atomic.Bool, numFrames),
	}
}

func (c *ClockReplacer) sealed() {}

// Kind returns ReplacerClock
func (c *ClockReplacer) Kind() ReplacerKind {
	return ReplacerClock
}

// RecordAccess sets the frame's reference bit
func (c *ClockReplacer) RecordAccess(_ PageID, frameID FrameID) {
	if int(frameID) < len(c.refBits) {
		c.refBits[frameID].Store(true)
	}
}

// RecordEviction clears the frame's reference bit
func (c *ClockReplacer) RecordEviction(_ PageID, frameID FrameID) {
	if int(frameID) < len(c.refBits) {
		c.refBits[frameID].Store(false)
	}
}

// Referenced reports the frame's reference bit
func (c *ClockReplacer) Referenced(frameID FrameID) bool {
	return c.refBits[frameID].Load()
}

// Hand returns the current hand position
func (c *ClockReplacer) Hand() FrameID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hand
}

// FindVictim sweeps the candidates in frame order starting at the hand.
// Pinned frames are skipped, referenced frames lose their bit, and the first
// unreferenced unpinned frame is the victim. Two sweeps always suffice: the
// first clears every bit it passes.
func (c *ClockReplacer) FindVictim(candidates []FrameID) (FrameID, bool) {
	if len(candidates) == 0 {
		return InvalidFrameID, false
	}

	ordered := candidates
	if !sort.SliceIsSorted(ordered, func(i, j int) bool { return ordered[i] < ordered[j] }) {
		ordered = append([]FrameID(nil), candidates...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := sort.Search(len(ordered), func(i int) bool { return ordered[i] >= c.hand })
	n := len(ordered)
	for step := 0; step < 2*n; step++ {
		frameID := ordered[(start+step)%n]
		if !evictable(c.view, frameID) {
			continue
		}
		if c.refBits[frameID].Swap(false) {
			continue
		}
		c.hand = frameID + 1
		return frameID, true
	}
	return InvalidFrameID, false
}
