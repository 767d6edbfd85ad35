package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// allocRetryInterval bounds how long a blocked allocator sleeps between victim
// searches when it missed a release notification
const allocRetryInterval = 5 * time.Millisecond

// errLoadRaced is returned internally when another caller installed the page first
var errLoadRaced = errors.New("page load raced")

// errVictimBusy is returned internally when a claimed victim got pinned or dirtied
var errVictimBusy = errors.New("victim became busy")

// AccessHint routes a missing page to a dedicated pool
type AccessHint int

const (
	HintNormal  AccessHint = iota
	HintKeep               // long-lived pages, loaded into the keep pool
	HintRecycle            // sequential scan pages, loaded into the recycle pool
)

// PinOptions customise where a missing page is loaded.
// They have no effect when the page is already resident.
type PinOptions struct {
	Tablespace uint32 // 0 is the shared main pool
	Hint       AccessHint
	ScanID     uint64 // non-zero feeds the sequential prefetcher
}

// Option configures a BufferPoolManager
type Option func(*BufferPoolManager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(bpm *BufferPoolManager) {
		bpm.logger = logger
	}
}

// WithClock replaces time.Now for access timestamps and idle checks
func WithClock(now func() time.Time) Option {
	return func(bpm *BufferPoolManager) {
		bpm.now = now
	}
}

// BufferPoolManager owns the frame arena, the page table and the sub-pools.
// One instance is constructed by the storage engine and shared by reference.
type BufferPoolManager struct {
	cfg          *Config
	pageSize     int
	replacerKind ReplacerKind

	arena     []byte
	frames    []*Frame
	pageTable *ShardedPageTable
	store     Storage

	pools       []*framePool
	mainPool    *framePool
	keepPool    *framePool
	recyclePool *framePool
	tablespaces map[uint32]*framePool

	tiers      *TierManager
	flusher    *AdaptiveFlusher
	prefetcher *Prefetcher
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	// frameReleased gets a token whenever a pin count drops to zero
	frameReleased chan struct{}
	flushBufPool  sync.Pool

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	closed   bool
}

// NewBufferPoolManager creates a buffer pool over store
func NewBufferPoolManager(cfg *Config, store Storage, opts ...Option) (*BufferPoolManager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errInvalidConfig("storage must not be nil")
	}
	kind, _ := ParseReplacerKind(cfg.Replacer)

	cfg = cfg.Clone()
	poolSize := int(cfg.PoolSize)
	pageSize := int(cfg.PageSize)

	bpm := &BufferPoolManager{
		cfg:           cfg,
		pageSize:      pageSize,
		replacerKind:  kind,
		arena:         make([]byte, poolSize*pageSize),
		frames:        make([]*Frame, poolSize),
		pageTable:     NewShardedPageTable(cfg.PageTableShards),
		store:         store,
		tablespaces:   make(map[uint32]*framePool),
		metrics:       NewMetrics(),
		now:           time.Now,
		frameReleased: make(chan struct{}, 1),
	}
	bpm.flushBufPool.New = func() any {
		buf := make([]byte, pageSize)
		return &buf
	}

	for _, opt := range opts {
		opt(bpm)
	}
	if bpm.logger == nil {
		level, _ := parseLogLevel(cfg.LogLevel)
		bpm.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	for i := range bpm.frames {
		bpm.frames[i] = newFrame(FrameID(i), bpm.arena[i*pageSize:(i+1)*pageSize:(i+1)*pageSize])
	}

	if err := bpm.partition(); err != nil {
		return nil, err
	}

	bpm.tiers = NewTierManager(bpm)
	bpm.flusher = NewAdaptiveFlusher(bpm, AdaptiveFlushConfig{
		TargetDirtyRatio: cfg.TargetDirtyRatio,
		CheckInterval:    cfg.FlushInterval,
	})
	bpm.flusher.SetLogger(bpm.logger)
	bpm.prefetcher = NewPrefetcher(bpm, 3, cfg.PrefetchDistance)

	bpm.logger.Info("buffer pool created",
		slog.Int("frames", poolSize),
		slog.String("page_size", humanize.IBytes(uint64(pageSize))),
		slog.String("arena", humanize.IBytes(uint64(len(bpm.arena)))),
		slog.String("replacer", string(kind)),
		slog.Int("page_table_shards", bpm.pageTable.NumShards()),
		slog.Int("main_frames", bpm.mainPool.Size()),
		slog.Int("keep_frames", bpm.keepPool.Size()),
		slog.Int("recycle_frames", bpm.recyclePool.Size()),
		slog.Int("tablespaces", len(bpm.tablespaces)),
	)

	return bpm, nil
}

// partition divides the arena between tablespace, keep, recycle and main pools
func (bpm *BufferPoolManager) partition() error {
	next := 0
	take := func(n int) []FrameID {
		ids := make([]FrameID, n)
		for i := range ids {
			ids[i] = FrameID(next + i)
		}
		next += n
		return ids
	}
	newPool := func(name string, kind PoolKind, ids []FrameID) (*framePool, error) {
		r, err := NewReplacer(bpm.replacerKind, bpm, len(bpm.frames), bpm.cfg.replacerOptions())
		if err != nil {
			return nil, err
		}
		p := newFramePool(name, kind, ids, r, bpm.cfg)
		for _, id := range ids {
			bpm.frames[id].pool = p
		}
		bpm.pools = append(bpm.pools, p)
		return p, nil
	}

	for _, ts := range bpm.cfg.Tablespaces {
		name := ts.Name
		if name == "" {
			name = fmt.Sprintf("tablespace-%d", ts.ID)
		}
		p, err := newPool(name, PoolTablespace, take(int(ts.Frames)))
		if err != nil {
			return err
		}
		p.tablespace = ts.ID
		bpm.tablespaces[ts.ID] = p
	}

	remaining := len(bpm.frames) - next
	keep := int(float64(remaining) * bpm.cfg.KeepRatio)
	recycle := int(float64(remaining) * bpm.cfg.RecycleRatio)

	var err error
	if bpm.keepPool, err = newPool("keep", PoolKeep, take(keep)); err != nil {
		return err
	}
	if bpm.recyclePool, err = newPool("recycle", PoolRecycle, take(recycle)); err != nil {
		return err
	}
	if bpm.mainPool, err = newPool("main", PoolMain, take(len(bpm.frames)-next)); err != nil {
		return err
	}
	return nil
}

// FrameView implementation for the replacers

// PinCount returns the pin count of a frame
func (bpm *BufferPoolManager) PinCount(frameID FrameID) int32 {
	return bpm.frames[frameID].PinCount()
}

// PageOf returns the page in a resident frame, InvalidPageID otherwise
func (bpm *BufferPoolManager) PageOf(frameID FrameID) PageID {
	f := bpm.frames[frameID]
	if f.State() != FrameResident {
		return InvalidPageID
	}
	return f.PageID()
}

// poolFor picks the pool a missing page is loaded into
func (bpm *BufferPoolManager) poolFor(opts PinOptions) *framePool {
	switch opts.Hint {
	case HintKeep:
		if bpm.keepPool.Size() > 0 {
			return bpm.keepPool
		}
	case HintRecycle:
		if bpm.recyclePool.Size() > 0 {
			return bpm.recyclePool
		}
	}
	if opts.Tablespace != 0 {
		if p, ok := bpm.tablespaces[opts.Tablespace]; ok {
			return p
		}
	}
	return bpm.mainPool
}

// PinPage pins pageID, loading it into the main pool on a miss
func (bpm *BufferPoolManager) PinPage(ctx context.Context, pageID PageID) (*PageGuard, error) {
	return bpm.PinPageWith(ctx, pageID, PinOptions{})
}

// PinPageWith pins pageID. A hit takes the page table shard read lock and pins
// with atomics, never the replacer lock. On a miss a frame
// is taken from the free list or reclaimed from the routed pool, and the page is
// read from storage while no page table or replacer lock is held. Concurrent
// misses on one page are coalesced into a single load.
func (bpm *BufferPoolManager) PinPageWith(ctx context.Context, pageID PageID, opts PinOptions) (*PageGuard, error) {
	f, err := bpm.pin(ctx, pageID, opts, true)
	if err != nil {
		return nil, err
	}
	return newPageGuard(bpm, f, pageID), nil
}

// PinFrame is PinPage without the guard. The caller must balance it with UnpinPage.
func (bpm *BufferPoolManager) PinFrame(ctx context.Context, pageID PageID) (*Frame, error) {
	return bpm.pin(ctx, pageID, PinOptions{}, true)
}

// NewPage installs a zero-filled page without reading storage. The page starts
// dirty so that it reaches storage on the next flush. If the page is already
// resident it is pinned as is.
func (bpm *BufferPoolManager) NewPage(ctx context.Context, pageID PageID, opts PinOptions) (*PageGuard, error) {
	f, err := bpm.pin(ctx, pageID, opts, false)
	if err != nil {
		return nil, err
	}
	return newPageGuard(bpm, f, pageID), nil
}

func (bpm *BufferPoolManager) pin(ctx context.Context, pageID PageID, opts PinOptions, read bool) (*Frame, error) {
	if pageID == InvalidPageID {
		return nil, NewPoolError(ErrCodeInvalidState, "PinPage", "invalid page id", nil)
	}
	if opts.ScanID != 0 && bpm.cfg.EnablePrefetching {
		bpm.prefetcher.RecordAccess(opts.ScanID, pageID, opts.Tablespace)
	}

	for {
		f, wait := bpm.tryPinResident(pageID)
		if f != nil {
			bpm.onHit(f, pageID)
			return f, nil
		}
		if wait != nil {
			if err := bpm.awaitLoad(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		bpm.metrics.RecordCacheMiss()
		f, err := bpm.load(ctx, pageID, opts, read)
		if isLoadRace(err) {
			continue
		}
		return f, err
	}
}

// tryPinResident pins a resident page under its shard read lock, which makes
// the pin atomic with respect to eviction's check-and-remove. A page still
// loading yields its pending load instead.
func (bpm *BufferPoolManager) tryPinResident(pageID PageID) (*Frame, *pendingLoad) {
	var (
		pinned *Frame
		wait   *pendingLoad
	)
	bpm.pageTable.withRead(pageID, func(entries map[PageID]FrameID) {
		frameID, ok := entries[pageID]
		if !ok {
			return
		}
		f := bpm.frames[frameID]
		if f.State() == FrameLoading {
			wait = f.load
			return
		}
		f.Pin()
		pinned = f
	})
	return pinned, wait
}

func (bpm *BufferPoolManager) awaitLoad(ctx context.Context, wait *pendingLoad) error {
	select {
	case <-wait.done:
		return wait.err
	case <-ctx.Done():
		return errCancelled("PinPage", ctx.Err())
	}
}

// onHit does the access bookkeeping of a pinned resident page
func (bpm *BufferPoolManager) onHit(f *Frame, pageID PageID) {
	bpm.metrics.RecordCacheHit()
	f.RecordAccess(bpm.now())
	f.pool.replacer.RecordAccess(pageID, f.id)
	bpm.tiers.onAccess(f, pageID)
}

// load brings a missing page into a frame of the routed pool
func (bpm *BufferPoolManager) load(ctx context.Context, pageID PageID, opts PinOptions, read bool) (*Frame, error) {
	pool := bpm.poolFor(opts)
	f, err := bpm.allocFrame(ctx, pool)
	if err != nil {
		return nil, err
	}

	pending := &pendingLoad{done: make(chan struct{})}
	var (
		existing *Frame
		wait     *pendingLoad
	)
	bpm.pageTable.withWrite(pageID, func(entries map[PageID]FrameID) {
		if frameID, ok := entries[pageID]; ok {
			other := bpm.frames[frameID]
			if other.State() == FrameLoading {
				wait = other.load
			} else {
				other.Pin()
				existing = other
			}
			return
		}
		f.occupy(pageID, pool.initialTier(), bpm.now())
		f.pinCount.Store(1)
		f.load = pending
		entries[pageID] = f.id
	})

	if existing != nil || wait != nil {
		pool.release(f)
		bpm.notifyRelease()
		if existing != nil {
			bpm.onHit(existing, pageID)
			return existing, nil
		}
		if err := bpm.awaitLoad(ctx, wait); err != nil {
			return nil, err
		}
		return nil, errLoadRaced
	}

	start := time.Now()
	if read {
		err = bpm.store.ReadPage(pageID, f.data)
	} else {
		clear(f.data)
	}
	elapsed := time.Since(start)

	if err != nil {
		pending.err = errIO("PinPage", pageID, err)
		bpm.pageTable.withWrite(pageID, func(entries map[PageID]FrameID) {
			delete(entries, pageID)
		})
		f.reset()
		pool.release(f)
		close(pending.done)
		bpm.notifyRelease()

		bpm.metrics.RecordLoadFailure()
		bpm.logger.Warn("page load failed",
			slog.Uint64("page_id", uint64(pageID)),
			slog.String("pool", pool.name),
			slog.Any("error", err),
		)
		return nil, pending.err
	}

	if !read {
		f.MarkDirty(0)
	}
	f.RecordAccess(bpm.now())
	pool.enterTier(f.Tier())
	f.state.Store(uint32(FrameResident))
	close(pending.done)

	if read {
		bpm.metrics.RecordPageLoad(elapsed)
		if cr, ok := pool.replacer.(loadCostRecorder); ok {
			cr.RecordLoadCost(pageID, elapsed)
		}
	}
	pool.replacer.RecordAccess(pageID, f.id)
	bpm.tiers.onLoad(f, pageID)

	return f, nil
}

// allocFrame returns an exclusively owned free frame from pool. When the pool
// is fully pinned it fails with ResourceExhausted, or waits for a release if
// AllocWaitTimeout is set.
func (bpm *BufferPoolManager) allocFrame(ctx context.Context, pool *framePool) (*Frame, error) {
	var (
		timeout *time.Timer
		retry   *time.Ticker
	)
	defer func() {
		if timeout != nil {
			timeout.Stop()
			retry.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, errCancelled("allocFrame", err)
		}
		if f := pool.takeFree(bpm.frames); f != nil {
			return f, nil
		}

		f, err := bpm.evictFrom(pool)
		if err == nil {
			return f, nil
		}
		if !IsErrorCode(err, ErrCodeResourceExhausted) || bpm.cfg.AllocWaitTimeout <= 0 {
			if IsErrorCode(err, ErrCodeResourceExhausted) {
				bpm.metrics.RecordAllocFailure()
			}
			return nil, err
		}

		if timeout == nil {
			timeout = time.NewTimer(bpm.cfg.AllocWaitTimeout)
			retry = time.NewTicker(allocRetryInterval)
			bpm.metrics.RecordAllocWait()
		}
		select {
		case <-bpm.frameReleased:
		case <-retry.C:
		case <-timeout.C:
			bpm.metrics.RecordAllocFailure()
			return nil, err
		case <-ctx.Done():
			return nil, errCancelled("allocFrame", ctx.Err())
		}
	}
}

// evictFrom reclaims one frame of pool. The replacer lock (pool.mu) is held
// only while choosing and claiming the victim, never during write-back.
func (bpm *BufferPoolManager) evictFrom(pool *framePool) (*Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= pool.Size(); attempt++ {
		pool.mu.Lock()
		victim, ok := pool.findVictimLocked(bpm.frames)
		if !ok {
			pool.mu.Unlock()
			break
		}
		f := bpm.frames[victim]
		claimed := f.state.CompareAndSwap(uint32(FrameResident), uint32(FrameEvicting))
		pool.mu.Unlock()
		if !claimed {
			continue
		}

		err := bpm.evictFrame(f, pool)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errVictimBusy) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errResourceExhausted("evictFrom", pool.name)
}

// evictFrame writes back a claimed victim if dirty and unmaps it. On success
// the frame is reset and owned by the caller.
func (bpm *BufferPoolManager) evictFrame(f *Frame, pool *framePool) error {
	pageID := f.PageID()

	if f.IsDirty() {
		if _, err := bpm.writeBack(f, pageID); err != nil {
			f.state.Store(uint32(FrameResident))
			return err
		}
	}

	evicted := false
	bpm.pageTable.withWrite(pageID, func(entries map[PageID]FrameID) {
		if f.PinCount() != 0 || f.IsDirty() {
			return
		}
		if frameID, ok := entries[pageID]; !ok || frameID != f.id {
			return
		}
		delete(entries, pageID)
		evicted = true
	})
	if !evicted {
		f.state.Store(uint32(FrameResident))
		return errVictimBusy
	}

	pool.leaveTier(f.Tier())
	pool.replacer.RecordEviction(pageID, f.id)
	bpm.tiers.onEvict(pageID)
	f.reset()
	bpm.metrics.RecordPageEviction()

	bpm.logger.Debug("page evicted",
		slog.Uint64("page_id", uint64(pageID)),
		slog.Uint64("frame_id", uint64(f.id)),
		slog.String("pool", pool.name),
	)
	return nil
}

// writeBack copies a dirty frame and writes it through the Storage
// collaborator. It reports false when the frame was already clean. On failure
// the dirty flag is restored.
func (bpm *BufferPoolManager) writeBack(f *Frame, pageID PageID) (bool, error) {
	bufp := bpm.flushBufPool.Get().(*[]byte)
	defer bpm.flushBufPool.Put(bufp)
	buf := *bufp

	lsn, dirty := f.snapshot(buf)
	if !dirty {
		return false, nil
	}

	start := time.Now()
	if err := bpm.store.WritePage(pageID, buf); err != nil {
		f.MarkDirty(lsn)
		bpm.metrics.RecordFlushFailure()
		bpm.logger.Warn("page write-back failed",
			slog.Uint64("page_id", uint64(pageID)),
			slog.Uint64("lsn", lsn),
			slog.Any("error", err),
		)
		return false, errIO("writeBack", pageID, err)
	}
	bpm.metrics.RecordPageFlush(time.Since(start))
	return true, nil
}

func isLoadRace(err error) bool {
	return errors.Is(err, errLoadRaced)
}

// notifyRelease wakes one allocator blocked on a full pool
func (bpm *BufferPoolManager) notifyRelease() {
	select {
	case bpm.frameReleased <- struct{}{}:
	default:
	}
}

// UnpinPage drops one pin of pageID, marking it dirty first if requested.
// It returns false when the page is not resident, and an InvalidState error
// when the page has no pins left to drop.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, isDirty bool) (bool, error) {
	var (
		found bool
		err   error
	)
	bpm.pageTable.withRead(pageID, func(entries map[PageID]FrameID) {
		frameID, ok := entries[pageID]
		if !ok {
			return
		}
		f := bpm.frames[frameID]
		// a loading frame holds only its loader's pin
		if st := f.State(); st != FrameResident && st != FrameEvicting {
			return
		}
		found = true
		err = bpm.unpinFrame(f, isDirty)
	})
	if !found {
		return false, nil
	}
	if err != nil {
		bpm.logger.Error("unpin without matching pin",
			slog.Uint64("page_id", uint64(pageID)),
		)
		return true, err
	}
	return true, nil
}

func (bpm *BufferPoolManager) unpinFrame(f *Frame, isDirty bool) error {
	if isDirty {
		f.MarkDirty(f.LSN())
	}
	n, err := f.Unpin()
	if err != nil {
		return err
	}
	if n == 0 {
		bpm.notifyRelease()
	}
	return nil
}

// pinQuiet pins a resident page without recording an access. Used by flushes.
func (bpm *BufferPoolManager) pinQuiet(pageID PageID, frameID FrameID) *Frame {
	var pinned *Frame
	bpm.pageTable.withRead(pageID, func(entries map[PageID]FrameID) {
		if id, ok := entries[pageID]; !ok || id != frameID {
			return
		}
		f := bpm.frames[frameID]
		if s := f.State(); s != FrameResident && s != FrameEvicting {
			return
		}
		f.Pin()
		pinned = f
	})
	return pinned
}

// FlushPage writes pageID back if it is dirty
func (bpm *BufferPoolManager) FlushPage(pageID PageID) error {
	frameID, ok := bpm.pageTable.Lookup(pageID)
	if !ok {
		return errNotFound("FlushPage", pageID)
	}
	f := bpm.pinQuiet(pageID, frameID)
	if f == nil {
		// still loading, hence clean, or evicted in between
		if bpm.pageTable.Contains(pageID) {
			return nil
		}
		return errNotFound("FlushPage", pageID)
	}
	defer bpm.unpinFrame(f, false)
	_, err := bpm.writeBack(f, pageID)
	return err
}

// FlushFailure records one page that could not be written back
type FlushFailure struct {
	PageID PageID
	Err    error
}

// FlushResult reports a FlushAll sweep
type FlushResult struct {
	Flushed  int
	Failures []FlushFailure
}

// Err joins the failures, or returns nil
func (r FlushResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// FlushAll writes back every dirty resident page using FlushWorkers workers.
// A failed page is recorded and the sweep continues. Pages are pinned only for
// the duration of their own write, so new pins proceed while the sweep runs.
func (bpm *BufferPoolManager) FlushAll(ctx context.Context) FlushResult {
	type job struct {
		pageID  PageID
		frameID FrameID
	}

	workers := bpm.cfg.FlushWorkers
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan job)
	var (
		mu     sync.Mutex
		result FlushResult
		wg     sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				f := bpm.pinQuiet(j.pageID, j.frameID)
				if f == nil {
					continue
				}
				wrote, err := bpm.writeBack(f, j.pageID)
				bpm.unpinFrame(f, false)

				mu.Lock()
				if err != nil {
					result.Failures = append(result.Failures, FlushFailure{PageID: j.pageID, Err: err})
				} else if wrote {
					result.Flushed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, f := range bpm.frames {
		if ctx.Err() != nil {
			break
		}
		if !f.IsDirty() || f.State() != FrameResident {
			continue
		}
		jobs <- job{pageID: f.PageID(), frameID: f.id}
	}
	close(jobs)
	wg.Wait()

	if len(result.Failures) > 0 {
		bpm.logger.Warn("flush sweep finished with failures",
			slog.Int("flushed", result.Flushed),
			slog.Int("failed", len(result.Failures)),
		)
	}
	return result
}

// PromotePage moves pageID one tier up if it crossed the promotion threshold.
// It returns the page's tier after the call.
func (bpm *BufferPoolManager) PromotePage(pageID PageID) (Tier, error) {
	var t Tier
	ok := bpm.withPinned(pageID, func(f *Frame) {
		t, _ = bpm.tiers.maybePromote(f)
	})
	if !ok {
		return TierCold, errNotFound("PromotePage", pageID)
	}
	return t, nil
}

// DemotePage moves pageID one tier down if it has been idle long enough or
// its touch-count temperature fell below its tier
func (bpm *BufferPoolManager) DemotePage(pageID PageID) (Tier, error) {
	var t Tier
	ok := bpm.withPinned(pageID, func(f *Frame) {
		t, _ = bpm.tiers.maybeDemote(f, pageID, bpm.now())
	})
	if !ok {
		return TierCold, errNotFound("DemotePage", pageID)
	}
	return t, nil
}

// withPinned runs fn with a quiet pin on a resident page. The pin keeps the
// frame from being evicted while fn changes its tier.
func (bpm *BufferPoolManager) withPinned(pageID PageID, fn func(f *Frame)) bool {
	frameID, ok := bpm.pageTable.Lookup(pageID)
	if !ok {
		return false
	}
	f := bpm.pinQuiet(pageID, frameID)
	if f == nil {
		return false
	}
	defer bpm.unpinFrame(f, false)
	fn(f)
	return true
}

// residentFrame returns the frame holding pageID if it is resident
func (bpm *BufferPoolManager) residentFrame(pageID PageID) *Frame {
	frameID, ok := bpm.pageTable.Lookup(pageID)
	if !ok {
		return nil
	}
	f := bpm.frames[frameID]
	if f.PageID() != pageID || f.State() == FrameLoading || f.State() == FrameFree {
		return nil
	}
	return f
}

// TierOf returns the tier of a resident page
func (bpm *BufferPoolManager) TierOf(pageID PageID) (Tier, bool) {
	f := bpm.residentFrame(pageID)
	if f == nil {
		return TierCold, false
	}
	return f.Tier(), true
}

// PinCountOf returns the pin count of a resident page
func (bpm *BufferPoolManager) PinCountOf(pageID PageID) (int32, bool) {
	f := bpm.residentFrame(pageID)
	if f == nil {
		return 0, false
	}
	return f.PinCount(), true
}

// FrameOf returns the frame index holding pageID
func (bpm *BufferPoolManager) FrameOf(pageID PageID) (FrameID, bool) {
	return bpm.pageTable.Lookup(pageID)
}

// IsResident reports whether pageID has a frame
func (bpm *BufferPoolManager) IsResident(pageID PageID) bool {
	return bpm.pageTable.Contains(pageID)
}

// DirtyPageCount returns the number of dirty resident frames
func (bpm *BufferPoolManager) DirtyPageCount() int {
	count := 0
	for _, f := range bpm.frames {
		if f.IsDirty() {
			count++
		}
	}
	return count
}

// DirtyPageRatio returns dirty frames / total frames
func (bpm *BufferPoolManager) DirtyPageRatio() float64 {
	return float64(bpm.DirtyPageCount()) / float64(len(bpm.frames))
}

// DirtyPages returns up to maxPages dirty resident page IDs in frame order
func (bpm *BufferPoolManager) DirtyPages(maxPages int) []PageID {
	pages := make([]PageID, 0, maxPages)
	for _, f := range bpm.frames {
		if len(pages) >= maxPages {
			break
		}
		if f.IsDirty() && f.State() == FrameResident {
			pages = append(pages, f.PageID())
		}
	}
	return pages
}

// Capacity returns the total number of frames
func (bpm *BufferPoolManager) Capacity() int {
	return len(bpm.frames)
}

// PageSize returns the page size in bytes
func (bpm *BufferPoolManager) PageSize() int {
	return bpm.pageSize
}

// ReplacerKind returns the eviction policy in use
func (bpm *BufferPoolManager) ReplacerKind() ReplacerKind {
	return bpm.replacerKind
}

// Metrics returns the live metrics
func (bpm *BufferPoolManager) Metrics() *Metrics {
	return bpm.metrics
}

// TierManager returns the tier coordinator
func (bpm *BufferPoolManager) TierManager() *TierManager {
	return bpm.tiers
}

// Flusher returns the background writer
func (bpm *BufferPoolManager) Flusher() *AdaptiveFlusher {
	return bpm.flusher
}

// Prefetcher returns the sequential prefetcher
func (bpm *BufferPoolManager) Prefetcher() *Prefetcher {
	return bpm.prefetcher
}

// PageTable returns the page table
func (bpm *BufferPoolManager) PageTable() *ShardedPageTable {
	return bpm.pageTable
}

// Start launches the background tier manager and, if enabled, the adaptive flusher
func (bpm *BufferPoolManager) Start() error {
	bpm.bgMu.Lock()
	defer bpm.bgMu.Unlock()
	if bpm.closed {
		return NewPoolError(ErrCodeInvalidState, "Start", "buffer pool closed", nil)
	}
	if bpm.bgCancel != nil {
		return nil
	}

	if bpm.cfg.EnableAdaptiveFlush {
		if err := bpm.flusher.Start(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	bpm.bgCancel = cancel

	if bpm.cfg.RetierInterval > 0 {
		bpm.bgWG.Add(1)
		go func() {
			defer bpm.bgWG.Done()
			bpm.tiers.Run(ctx)
		}()
	}
	return nil
}

// Close stops background work, flushes every dirty page and logs final metrics
func (bpm *BufferPoolManager) Close() error {
	bpm.bgMu.Lock()
	if bpm.closed {
		bpm.bgMu.Unlock()
		return nil
	}
	bpm.closed = true
	cancel := bpm.bgCancel
	bpm.bgMu.Unlock()

	if cancel != nil {
		cancel()
		bpm.bgWG.Wait()
	}
	bpm.flusher.Stop()
	bpm.prefetcher.Stop()

	result := bpm.FlushAll(context.Background())
	bpm.metrics.LogMetrics(bpm.logger, bpm.pageSize)
	return result.Err()
}
