package storage

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PageID is a stable logical page identifier
type PageID uint64

// FrameID indexes the fixed frame arena
type FrameID uint32

const (
	InvalidPageID  PageID  = math.MaxUint64
	InvalidFrameID FrameID = math.MaxUint32
)

// Tier is the hot/warm/cold placement of a resident page
type Tier uint32

const (
	TierCold Tier = iota
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierCold:
		return "cold"
	case TierWarm:
		return "warm"
	case TierHot:
		return "hot"
	default:
		return "unknown"
	}
}

// FrameState tracks which page (if any) occupies a frame
type FrameState uint32

const (
	FrameFree FrameState = iota
	FrameLoading
	FrameResident
	// FrameEvicting is held by exactly one allocator while it reclaims the frame.
	// A pin taken meanwhile makes the allocator back off.
	FrameEvicting
)

func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameLoading:
		return "loading"
	case FrameResident:
		return "resident"
	case FrameEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// pendingLoad lets concurrent pinners of a loading page wait for the loader
type pendingLoad struct {
	done chan struct{}
	err  error
}

// Frame is one page-sized slot of the arena plus its bookkeeping.
// All metadata is atomic so the pin/unpin hot path never takes a lock.
type Frame struct {
	id   FrameID
	pool *framePool
	data []byte

	pageID       atomic.Uint64
	state        atomic.Uint32
	pinCount     atomic.Int32
	dirty        atomic.Bool
	lsn          atomic.Uint64
	tier         atomic.Uint32
	accessCount  atomic.Uint64
	tierAccesses atomic.Uint32
	lastAccess   atomic.Int64

	// latch guards page contents; writers hold it exclusively, flush holds it shared
	latch sync.RWMutex

	// load is set while the frame is FrameLoading. Guarded by the page table shard lock.
	load *pendingLoad
}

func newFrame(id FrameID, data []byte) *Frame {
	f := &Frame{id: id, data: data}
	f.pageID.Store(uint64(InvalidPageID))
	return f
}

// ID returns the frame index
func (f *Frame) ID() FrameID {
	return f.id
}

// PageID returns the page currently held, or InvalidPageID
func (f *Frame) PageID() PageID {
	return PageID(f.pageID.Load())
}

// State returns the frame lifecycle state
func (f *Frame) State() FrameState {
	return FrameState(f.state.Load())
}

// Pin increments the pin count
func (f *Frame) Pin() int32 {
	return f.pinCount.Add(1)
}

// Unpin decrements the pin count. It never goes below zero: an unpin of an
// unpinned frame is reported as an InvalidState error instead of being clamped.
func (f *Frame) Unpin() (int32, error) {
	for {
		n := f.pinCount.Load()
		if n <= 0 {
			return n, errPinUnderflow("Frame.Unpin", f.PageID())
		}
		if f.pinCount.CompareAndSwap(n, n-1) {
			return n - 1, nil
		}
	}
}

// PinCount returns the current pin count
func (f *Frame) PinCount() int32 {
	return f.pinCount.Load()
}

// IsDirty returns whether the frame holds unflushed writes
func (f *Frame) IsDirty() bool {
	return f.dirty.Load()
}

// MarkDirty records the write-ordering token and then publishes the dirty flag.
// Go atomics are sequentially consistent, so a flusher that observes dirty also
// observes the token and every content write made before this call.
func (f *Frame) MarkDirty(lsn uint64) {
	for {
		cur := f.lsn.Load()
		if lsn <= cur || f.lsn.CompareAndSwap(cur, lsn) {
			break
		}
	}
	f.dirty.Store(true)
}

// LSN returns the highest sequence number passed to MarkDirty
func (f *Frame) LSN() uint64 {
	return f.lsn.Load()
}

// RecordAccess bumps the access counters and timestamp
func (f *Frame) RecordAccess(now time.Time) {
	f.accessCount.Add(1)
	f.tierAccesses.Add(1)
	f.lastAccess.Store(now.UnixNano())
}

// AccessCount returns the lifetime access count of the current page
func (f *Frame) AccessCount() uint64 {
	return f.accessCount.Load()
}

// LastAccess returns the time of the most recent access
func (f *Frame) LastAccess() time.Time {
	return time.Unix(0, f.lastAccess.Load())
}

// Tier returns the frame's placement tier
func (f *Frame) Tier() Tier {
	return Tier(f.tier.Load())
}

// SetTier stores a new tier and restarts the promotion counter
func (f *Frame) SetTier(t Tier) {
	f.tier.Store(uint32(t))
	f.tierAccesses.Store(0)
}

// casTier moves the frame from one tier to another if no one else moved it first
func (f *Frame) casTier(from, to Tier) bool {
	if !f.tier.CompareAndSwap(uint32(from), uint32(to)) {
		return false
	}
	f.tierAccesses.Store(0)
	return true
}

// TierAccesses returns the accesses since the last tier change
func (f *Frame) TierAccesses() uint32 {
	return f.tierAccesses.Load()
}

// occupy binds the frame to a page about to be loaded
func (f *Frame) occupy(pageID PageID, tier Tier, now time.Time) {
	f.pageID.Store(uint64(pageID))
	f.dirty.Store(false)
	f.lsn.Store(0)
	f.accessCount.Store(0)
	f.tierAccesses.Store(0)
	f.tier.Store(uint32(tier))
	f.lastAccess.Store(now.UnixNano())
	f.state.Store(uint32(FrameLoading))
}

// reset returns the frame to the free state. Caller guarantees no pins.
func (f *Frame) reset() {
	f.pageID.Store(uint64(InvalidPageID))
	f.dirty.Store(false)
	f.lsn.Store(0)
	f.accessCount.Store(0)
	f.tierAccesses.Store(0)
	f.pinCount.Store(0)
	f.load = nil
	f.state.Store(uint32(FrameFree))
}

// snapshot copies the page contents and clears the dirty flag atomically with
// respect to writers. It reports false when the frame was clean.
func (f *Frame) snapshot(buf []byte) (lsn uint64, ok bool) {
	f.latch.RLock()
	defer f.latch.RUnlock()
	if !f.dirty.CompareAndSwap(true, false) {
		return 0, false
	}
	copy(buf, f.data)
	return f.lsn.Load(), true
}
