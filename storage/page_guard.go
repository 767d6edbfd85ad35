package storage

import "sync/atomic"

// PageGuard is the handle of one pin. Its data is valid from PinPage until
// Release; afterwards Data returns nil and a second Release fails.
type PageGuard struct {
	bpm      *BufferPoolManager
	frame    *Frame
	pageID   PageID
	released atomic.Bool
}

func newPageGuard(bpm *BufferPoolManager, f *Frame, pageID PageID) *PageGuard {
	return &PageGuard{bpm: bpm, frame: f, pageID: pageID}
}

// PageID returns the pinned page
func (g *PageGuard) PageID() PageID {
	return g.pageID
}

// FrameID returns the frame holding the page
func (g *PageGuard) FrameID() FrameID {
	return g.frame.id
}

// Data returns the page bytes without taking the content latch.
// Callers coordinating writers themselves use this; others use Read and Write.
func (g *PageGuard) Data() []byte {
	if g.released.Load() {
		return nil
	}
	return g.frame.data
}

// Read calls fn with the page bytes under the shared content latch
func (g *PageGuard) Read(fn func(data []byte)) error {
	if g.released.Load() {
		return g.errReleased("PageGuard.Read")
	}
	g.frame.latch.RLock()
	defer g.frame.latch.RUnlock()
	fn(g.frame.data)
	return nil
}

// Write calls fn with the page bytes under the exclusive content latch and
// marks the page dirty with lsn before the latch is dropped
func (g *PageGuard) Write(lsn uint64, fn func(data []byte)) error {
	if g.released.Load() {
		return g.errReleased("PageGuard.Write")
	}
	g.frame.latch.Lock()
	defer g.frame.latch.Unlock()
	fn(g.frame.data)
	g.frame.MarkDirty(lsn)
	return nil
}

// MarkDirty marks the page dirty after a write made through Data
func (g *PageGuard) MarkDirty(lsn uint64) {
	if !g.released.Load() {
		g.frame.MarkDirty(lsn)
	}
}

// IsDirty reports whether the page has unflushed writes
func (g *PageGuard) IsDirty() bool {
	return g.frame.IsDirty()
}

// LSN returns the page's write-ordering token
func (g *PageGuard) LSN() uint64 {
	return g.frame.LSN()
}

// Tier returns the page's current tier
func (g *PageGuard) Tier() Tier {
	return g.frame.Tier()
}

// Release drops the pin, marking the page dirty first if requested
func (g *PageGuard) Release(dirty bool) error {
	if !g.released.CompareAndSwap(false, true) {
		return g.errReleased("PageGuard.Release")
	}
	return g.bpm.unpinFrame(g.frame, dirty)
}

func (g *PageGuard) errReleased(op string) error {
	return NewPoolError(ErrCodeInvalidState, op, "page guard already released", nil)
}
