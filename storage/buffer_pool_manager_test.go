package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBPM builds a pool with only a main pool and no background work
func newTestBPM(t testing.TB, frames uint32, mutate ...func(*Config)) (*BufferPoolManager, *MemStorage) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = frames
	cfg.PageSize = testPageSize
	cfg.KeepRatio = 0
	cfg.RecycleRatio = 0
	cfg.RetierInterval = 0
	for _, m := range mutate {
		m(cfg)
	}

	store := NewMemStorage(int(cfg.PageSize), CompressionNone)
	bpm, err := NewBufferPoolManager(cfg, store, WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	return bpm, store
}

func pageWith(s string) []byte {
	buf := make([]byte, testPageSize)
	copy(buf, s)
	return buf
}

func TestNewBufferPoolManagerRejectsBadInput(t *testing.T) {
	_, err := NewBufferPoolManager(DefaultConfig(), nil)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidConfig))

	cfg := DefaultConfig()
	cfg.PoolSize = 0
	_, err = NewBufferPoolManager(cfg, NewMemStorage(DefaultPageSize, CompressionNone))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestNewBufferPoolManagerPartitions(t *testing.T) {
	bpm, _ := newTestBPM(t, 100, func(c *Config) {
		c.KeepRatio = 0.1
		c.RecycleRatio = 0.1
		c.Tablespaces = []TablespaceConfig{{ID: 3, Frames: 20}}
	})

	sizes := make(map[string]int)
	for _, p := range bpm.Stats().Pools {
		sizes[p.Name] = p.Frames
	}
	assert.Equal(t, map[string]int{"tablespace-3": 20, "keep": 8, "recycle": 8, "main": 64}, sizes)
	assert.Equal(t, 100, bpm.Capacity())
}

func TestPinPageMissThenHit(t *testing.T) {
	bpm, store := newTestBPM(t, 4)
	require.NoError(t, store.WritePage(1, pageWith("stored")))
	ctx := context.Background()

	g, err := bpm.PinPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PageID(1), g.PageID())
	assert.Equal(t, "stored", string(g.Data()[:6]))
	require.NoError(t, g.Release(false))

	g, err = bpm.PinPage(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, g.Release(false))

	m := bpm.Metrics().Snapshot()
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, uint64(1), m.Hits)
	assert.Equal(t, uint64(1), m.PageLoads)
	assert.Equal(t, uint64(1), store.Reads())
}

func TestPinInvalidPageID(t *testing.T) {
	bpm, _ := newTestBPM(t, 2)
	_, err := bpm.PinPage(context.Background(), InvalidPageID)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidState))
}

// Pool of 3 frames: pin A, B, C, unpin B, pin D -> D takes B's frame;
// pinning E with A, C and D held fails without touching any state.
func TestThreeFrameScenario(t *testing.T) {
	bpm, _ := newTestBPM(t, 3, func(c *Config) { c.Replacer = "clock" })
	ctx := context.Background()
	const a, b, c, d, e = PageID(1), PageID(2), PageID(3), PageID(4), PageID(5)

	for _, pid := range []PageID{a, b, c} {
		_, err := bpm.PinFrame(ctx, pid)
		require.NoError(t, err)
	}
	frameB, ok := bpm.FrameOf(b)
	require.True(t, ok)

	ok, err := bpm.UnpinPage(b, false)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = bpm.PinFrame(ctx, d)
	require.NoError(t, err)
	frameD, ok := bpm.FrameOf(d)
	require.True(t, ok)
	assert.Equal(t, frameB, frameD)
	assert.False(t, bpm.IsResident(b))

	_, err = bpm.PinFrame(ctx, e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.True(t, IsErrorCode(err, ErrCodeResourceExhausted))

	assert.False(t, bpm.IsResident(e))
	assert.Equal(t, 3, bpm.PageTable().Len())
	for _, pid := range []PageID{a, c, d} {
		n, ok := bpm.PinCountOf(pid)
		require.True(t, ok)
		assert.Equal(t, int32(1), n)
	}
	stats := bpm.Stats()
	assert.Equal(t, 3, stats.Resident)
	assert.Equal(t, 3, stats.Pinned)
	assert.Equal(t, uint64(1), stats.Metrics.AllocFailures)
	for _, f := range bpm.frames {
		assert.Equal(t, FrameResident, f.State())
	}
}

func TestPinNUnpinN(t *testing.T) {
	bpm, _ := newTestBPM(t, 1)
	ctx := context.Background()
	const pid, n = PageID(9), 25

	for i := 0; i < n; i++ {
		_, err := bpm.PinFrame(ctx, pid)
		require.NoError(t, err)
	}
	count, ok := bpm.PinCountOf(pid)
	require.True(t, ok)
	assert.Equal(t, int32(n), count)

	// pinned page cannot make room
	_, err := bpm.PinFrame(ctx, pid+1)
	require.True(t, IsErrorCode(err, ErrCodeResourceExhausted))

	for i := 0; i < n; i++ {
		ok, err := bpm.UnpinPage(pid, false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	count, _ = bpm.PinCountOf(pid)
	assert.Equal(t, int32(0), count)

	_, err = bpm.PinFrame(ctx, pid+1)
	require.NoError(t, err, "unpinned page is now eligible for eviction")
	assert.False(t, bpm.IsResident(pid))
}

func TestUnpinPage(t *testing.T) {
	bpm, _ := newTestBPM(t, 2)

	ok, err := bpm.UnpinPage(99, false)
	assert.NoError(t, err)
	assert.False(t, ok, "page is not resident")

	_, err = bpm.PinFrame(context.Background(), 1)
	require.NoError(t, err)
	ok, err = bpm.UnpinPage(1, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, bpm.DirtyPageCount())

	ok, err = bpm.UnpinPage(1, false)
	assert.True(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState), "underflow is a protocol violation")
	n, _ := bpm.PinCountOf(1)
	assert.Equal(t, int32(0), n)
}

func TestPageGuardRelease(t *testing.T) {
	bpm, _ := newTestBPM(t, 2)
	g, err := bpm.PinPage(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, g.Release(true))
	assert.Nil(t, g.Data())
	assert.True(t, IsErrorCode(g.Release(false), ErrCodeInvalidState))
	assert.True(t, IsErrorCode(g.Write(1, func([]byte) {}), ErrCodeInvalidState))

	n, _ := bpm.PinCountOf(1)
	assert.Equal(t, int32(0), n, "second release does not unpin again")
	assert.Equal(t, 1, bpm.DirtyPageCount())
}

func TestFlushAllRoundTrip(t *testing.T) {
	bpm, store := newTestBPM(t, 4)
	ctx := context.Background()
	const pid = PageID(5)

	g, err := bpm.PinPage(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, g.Write(77, func(data []byte) {
		copy(data, "round trip")
	}))
	assert.Equal(t, uint64(77), g.LSN())
	require.NoError(t, g.Release(false))

	res := bpm.FlushAll(ctx)
	assert.Equal(t, 1, res.Flushed)
	assert.Empty(t, res.Failures)
	assert.NoError(t, res.Err())
	assert.Equal(t, 1, store.WriteCount(pid))

	buf := make([]byte, testPageSize)
	require.NoError(t, store.ReadPage(pid, buf))
	assert.Equal(t, "round trip", string(buf[:10]))

	// idempotent: nothing changed, nothing written
	res = bpm.FlushAll(ctx)
	assert.Equal(t, 0, res.Flushed)
	assert.Equal(t, 1, store.WriteCount(pid))
	assert.Equal(t, uint64(1), store.Writes())
}

func TestFlushAllToleratesFailures(t *testing.T) {
	bpm, store := newTestBPM(t, 8)
	ctx := context.Background()

	for pid := PageID(1); pid <= 4; pid++ {
		_, err := bpm.PinFrame(ctx, pid)
		require.NoError(t, err)
		_, err = bpm.UnpinPage(pid, true)
		require.NoError(t, err)
	}

	diskFull := errors.New("disk full")
	store.SetWriteFault(func(pid PageID) error {
		if pid == 3 {
			return diskFull
		}
		return nil
	})

	res := bpm.FlushAll(ctx)
	assert.Equal(t, 3, res.Flushed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, PageID(3), res.Failures[0].PageID)
	assert.True(t, IsErrorCode(res.Failures[0].Err, ErrCodeIO))
	assert.ErrorIs(t, res.Err(), diskFull)
	assert.Equal(t, 1, bpm.DirtyPageCount(), "failed page stays dirty")
	assert.Equal(t, uint64(1), bpm.Metrics().Snapshot().FlushFailures)

	store.SetWriteFault(nil)
	res = bpm.FlushAll(ctx)
	assert.Equal(t, 1, res.Flushed)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 0, bpm.DirtyPageCount())
}

func TestFlushAllCancelled(t *testing.T) {
	bpm, store := newTestBPM(t, 4)
	for pid := PageID(1); pid <= 3; pid++ {
		_, err := bpm.PinFrame(context.Background(), pid)
		require.NoError(t, err)
		_, err = bpm.UnpinPage(pid, true)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := bpm.FlushAll(ctx)
	assert.Equal(t, 0, res.Flushed)
	assert.Equal(t, uint64(0), store.Writes())
}

func TestFlushPage(t *testing.T) {
	bpm, store := newTestBPM(t, 4)

	assert.True(t, IsErrorCode(bpm.FlushPage(3), ErrCodeNotFound))

	g, err := bpm.PinPage(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, bpm.FlushPage(3))
	assert.Equal(t, 0, store.WriteCount(3), "clean page is not written")

	g.MarkDirty(1)
	require.NoError(t, bpm.FlushPage(3))
	assert.Equal(t, 1, store.WriteCount(3))
	assert.False(t, g.IsDirty())
	require.NoError(t, g.Release(false))
}

func TestEvictionWritesBackDirtyPage(t *testing.T) {
	bpm, store := newTestBPM(t, 1)
	ctx := context.Background()

	g, err := bpm.PinPage(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, g.Write(1, func(data []byte) { copy(data, "evicted") }))
	require.NoError(t, g.Release(false))

	g, err = bpm.PinPage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, store.WriteCount(1))
	assert.False(t, bpm.IsResident(1))
	require.NoError(t, g.Release(false))

	g, err = bpm.PinPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "evicted", string(g.Data()[:7]))
	require.NoError(t, g.Release(false))
	assert.Equal(t, uint64(2), bpm.Metrics().Snapshot().Evictions)
}

func TestEvictionWriteFailureKeepsDirtyPage(t *testing.T) {
	bpm, store := newTestBPM(t, 1)
	ctx := context.Background()

	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)
	_, err = bpm.UnpinPage(1, true)
	require.NoError(t, err)

	store.SetWriteFault(func(PageID) error { return errors.New("io") })
	_, err = bpm.PinFrame(ctx, 2)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeIO))

	assert.True(t, bpm.IsResident(1))
	assert.False(t, bpm.IsResident(2))
	assert.Equal(t, 1, bpm.DirtyPageCount())
	assert.Equal(t, FrameResident, bpm.frames[0].State())

	store.SetWriteFault(nil)
	_, err = bpm.PinFrame(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, store.WriteCount(1))
}

func TestLoadFailureLeavesNoTrace(t *testing.T) {
	bpm, store := newTestBPM(t, 2)
	ctx := context.Background()

	store.SetReadFault(func(pid PageID) error {
		if pid == 5 {
			return errors.New("bad sector")
		}
		return nil
	})

	_, err := bpm.PinPage(ctx, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.False(t, bpm.IsResident(5))
	assert.Equal(t, 0, bpm.PageTable().Len())
	assert.Equal(t, 2, bpm.mainPool.FreeCount())
	for _, f := range bpm.frames {
		assert.Equal(t, FrameFree, f.State())
		assert.Equal(t, int32(0), f.PinCount())
	}
	assert.Equal(t, uint64(1), bpm.Metrics().Snapshot().LoadFailures)

	store.SetReadFault(nil)
	g, err := bpm.PinPage(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, g.Release(false))
}

func TestCorruptPageReadFails(t *testing.T) {
	bpm, store := newTestBPM(t, 2)
	require.NoError(t, store.WritePage(8, pageWith("checksummed")))
	require.True(t, store.Corrupt(8))

	_, err := bpm.PinPage(context.Background(), 8)
	assert.True(t, IsErrorCode(err, ErrCodeIO))
	assert.False(t, bpm.IsResident(8))
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	bpm, store := newTestBPM(t, 32)
	store.SetReadDelay(20 * time.Millisecond)
	ctx := context.Background()
	const pid, workers = PageID(7), 16

	frames := make([]FrameID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := bpm.PinPage(ctx, pid)
			if !assert.NoError(t, err) {
				return
			}
			frames[i] = g.FrameID()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(1), store.Reads(), "exactly one load")
	n, _ := bpm.PinCountOf(pid)
	assert.Equal(t, int32(workers), n)
	for _, fid := range frames {
		assert.Equal(t, frames[0], fid)
	}
	assert.Equal(t, 31, bpm.mainPool.FreeCount(), "losers returned their frames")
}

func TestConcurrentMissFailurePropagates(t *testing.T) {
	bpm, store := newTestBPM(t, 16)
	store.SetReadDelay(20 * time.Millisecond)
	store.SetReadFault(func(PageID) error { return errors.New("offline") })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bpm.PinPage(context.Background(), 3)
			assert.True(t, IsErrorCode(err, ErrCodeIO))
		}()
	}
	wg.Wait()

	assert.False(t, bpm.IsResident(3))
	assert.Equal(t, 16, bpm.mainPool.FreeCount())
}

func TestFullPoolWaitsForRelease(t *testing.T) {
	bpm, _ := newTestBPM(t, 1, func(c *Config) { c.AllocWaitTimeout = 5 * time.Second })
	ctx := context.Background()

	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = bpm.UnpinPage(1, false)
	}()

	g, err := bpm.PinPage(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, g.Release(false))
	assert.Equal(t, uint64(1), bpm.Metrics().Snapshot().AllocWaits)
}

func TestFullPoolWaitTimesOut(t *testing.T) {
	bpm, _ := newTestBPM(t, 1, func(c *Config) { c.AllocWaitTimeout = 40 * time.Millisecond })
	ctx := context.Background()

	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)

	start := time.Now()
	_, err = bpm.PinPage(ctx, 2)
	assert.True(t, IsErrorCode(err, ErrCodeResourceExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.False(t, bpm.IsResident(2))
}

func TestFullPoolWaitCancelled(t *testing.T) {
	bpm, _ := newTestBPM(t, 1, func(c *Config) { c.AllocWaitTimeout = 10 * time.Second })

	_, err := bpm.PinFrame(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = bpm.PinPage(ctx, 2)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeCancelled))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.False(t, bpm.IsResident(2))
	assert.Equal(t, 1, bpm.PageTable().Len())
	assert.Equal(t, FrameResident, bpm.frames[0].State())
}

func TestNewPageSkipsStorageRead(t *testing.T) {
	bpm, store := newTestBPM(t, 2)
	ctx := context.Background()

	g, err := bpm.NewPage(ctx, 11, PinOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), store.Reads())
	assert.True(t, g.IsDirty())
	assert.Equal(t, make([]byte, testPageSize), g.Data())
	require.NoError(t, g.Release(false))

	res := bpm.FlushAll(ctx)
	assert.Equal(t, 1, res.Flushed)
	assert.Equal(t, 1, store.WriteCount(11))
}

func TestHintsRouteToDedicatedPools(t *testing.T) {
	bpm, _ := newTestBPM(t, 100, func(c *Config) {
		c.KeepRatio = 0.1
		c.RecycleRatio = 0.1
	})
	ctx := context.Background()

	keep, err := bpm.PinPageWith(ctx, 1, PinOptions{Hint: HintKeep})
	require.NoError(t, err)
	scan, err := bpm.PinPageWith(ctx, 2, PinOptions{Hint: HintRecycle})
	require.NoError(t, err)
	normal, err := bpm.PinPage(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, TierHot, keep.Tier())
	assert.Equal(t, TierCold, scan.Tier())
	assert.Equal(t, TierCold, normal.Tier())

	assert.Same(t, bpm.keepPool, bpm.frames[keep.FrameID()].pool)
	assert.Same(t, bpm.recyclePool, bpm.frames[scan.FrameID()].pool)
	assert.Same(t, bpm.mainPool, bpm.frames[normal.FrameID()].pool)

	for _, p := range bpm.Stats().Pools {
		switch p.Name {
		case "keep":
			assert.Equal(t, 1, p.Hot)
		case "recycle", "main":
			assert.Equal(t, 1, p.Cold)
		}
	}
}

func TestHintFallsBackToMainPool(t *testing.T) {
	bpm, _ := newTestBPM(t, 8)
	g, err := bpm.PinPageWith(context.Background(), 1, PinOptions{Hint: HintKeep, Tablespace: 42})
	require.NoError(t, err)
	assert.Same(t, bpm.mainPool, bpm.frames[g.FrameID()].pool)
}

func TestRecyclePoolAbsorbsScans(t *testing.T) {
	bpm, _ := newTestBPM(t, 20, func(c *Config) { c.RecycleRatio = 0.2 })
	ctx := context.Background()

	for pid := PageID(1); pid <= 10; pid++ {
		g, err := bpm.PinPage(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, g.Release(false))
	}
	for pid := PageID(1000); pid < 1100; pid++ {
		g, err := bpm.PinPageWith(ctx, pid, PinOptions{Hint: HintRecycle})
		require.NoError(t, err)
		require.NoError(t, g.Release(false))
	}
	for pid := PageID(1); pid <= 10; pid++ {
		assert.True(t, bpm.IsResident(pid), "scan evicted main pool page %d", pid)
	}
}

func TestTablespaceIsolation(t *testing.T) {
	bpm, _ := newTestBPM(t, 10, func(c *Config) {
		c.Tablespaces = []TablespaceConfig{{ID: 7, Name: "orders", Frames: 2}}
	})
	ctx := context.Background()
	ts := PinOptions{Tablespace: 7}

	for pid := PageID(1); pid <= 8; pid++ {
		g, err := bpm.PinPage(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, g.Release(false))
	}
	for pid := PageID(500); pid < 600; pid++ {
		g, err := bpm.PinPageWith(ctx, pid, ts)
		require.NoError(t, err)
		require.NoError(t, g.Release(false))
	}
	for pid := PageID(1); pid <= 8; pid++ {
		assert.True(t, bpm.IsResident(pid))
	}
	assert.True(t, bpm.IsResident(599))
	assert.False(t, bpm.IsResident(500))

	// a fully pinned tablespace pool does not borrow frames from main
	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)
	for _, pid := range []PageID{700, 701} {
		_, err := bpm.PinPageWith(ctx, pid, ts)
		require.NoError(t, err)
	}
	_, err = bpm.PinPageWith(ctx, 702, ts)
	assert.True(t, IsErrorCode(err, ErrCodeResourceExhausted))
}

func TestDirtyPageRatio(t *testing.T) {
	bpm, _ := newTestBPM(t, 4)
	ctx := context.Background()
	assert.Zero(t, bpm.DirtyPageRatio())

	for pid := PageID(1); pid <= 2; pid++ {
		g, err := bpm.PinPage(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, g.Release(true))
	}
	assert.InDelta(t, 0.5, bpm.DirtyPageRatio(), 1e-9)
	assert.ElementsMatch(t, []PageID{1, 2}, bpm.DirtyPages(10))
	assert.Len(t, bpm.DirtyPages(1), 1)

	stats := bpm.Stats()
	assert.Equal(t, 2, stats.Dirty)
	assert.Equal(t, 2, stats.Resident)
	assert.Equal(t, 0, stats.Pinned)
	assert.Equal(t, ReplacerClock, stats.Replacer)
}

func TestCloseFlushesDirtyPages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 4
	cfg.PageSize = testPageSize
	cfg.RetierInterval = 10 * time.Millisecond
	store := NewMemStorage(testPageSize, CompressionNone)
	bpm, err := NewBufferPoolManager(cfg, store, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, bpm.Start())
	require.NoError(t, bpm.Start(), "second start is a no-op")

	g, err := bpm.PinPage(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, g.Release(true))

	require.NoError(t, bpm.Close())
	assert.Equal(t, 1, store.WriteCount(1))
	assert.NoError(t, bpm.Close())
	assert.True(t, IsErrorCode(bpm.Start(), ErrCodeInvalidState))
}

func TestEveryReplacerServesThePool(t *testing.T) {
	for _, kind := range []ReplacerKind{ReplacerClock, ReplacerLRUK, ReplacerTouchCount, ReplacerCostAware} {
		t.Run(string(kind), func(t *testing.T) {
			bpm, store := newTestBPM(t, 8, func(c *Config) { c.Replacer = string(kind) })
			ctx := context.Background()

			for pid := PageID(0); pid < 64; pid++ {
				g, err := bpm.PinPage(ctx, pid%24)
				require.NoError(t, err)
				require.NoError(t, g.Write(uint64(pid), func(data []byte) {
					copy(data, fmt.Sprintf("page-%d", pid%24))
				}))
				require.NoError(t, g.Release(false))
			}
			res := bpm.FlushAll(ctx)
			assert.Empty(t, res.Failures)

			for pid := PageID(0); pid < 24; pid++ {
				buf := make([]byte, testPageSize)
				require.NoError(t, store.ReadPage(pid, buf))
				want := []byte(fmt.Sprintf("page-%d", pid))
				assert.True(t, bytes.HasPrefix(buf, want), "page %d", pid)
			}
		})
	}
}

func TestPinFrameHitDoesNotAllocate(t *testing.T) {
	bpm, _ := newTestBPM(t, 4)
	ctx := context.Background()
	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)
	_, err = bpm.UnpinPage(1, false)
	require.NoError(t, err)

	allocs := testing.AllocsPerRun(1000, func() {
		_, _ = bpm.PinFrame(ctx, 1)
		_, _ = bpm.UnpinPage(1, false)
	})
	assert.Zero(t, allocs)
}

func TestUnpinPageIgnoresLoadingPage(t *testing.T) {
	bpm, store := newTestBPM(t, 4)
	store.SetReadDelay(200 * time.Millisecond)
	const pid = PageID(7)

	guards := make(chan *PageGuard, 1)
	go func() {
		g, err := bpm.PinPage(context.Background(), pid)
		assert.NoError(t, err)
		guards <- g
	}()

	require.Eventually(t, func() bool {
		return bpm.PageTable().Contains(pid)
	}, time.Second, time.Millisecond)
	ok, err := bpm.UnpinPage(pid, false)
	assert.NoError(t, err)
	assert.False(t, ok, "a loading page is not resident yet")

	g := <-guards
	require.NotNil(t, g)
	n, _ := bpm.PinCountOf(pid)
	assert.Equal(t, int32(1), n, "the loader keeps its pin")
	assert.NoError(t, g.Release(false))
}

func TestFlushCountsOnlyPagesWritten(t *testing.T) {
	bpm, store := newTestBPM(t, 4)
	ctx := context.Background()

	_, err := bpm.PinFrame(ctx, 1)
	require.NoError(t, err)
	_, err = bpm.UnpinPage(1, true)
	require.NoError(t, err)

	frameID, ok := bpm.PageTable().Lookup(1)
	require.True(t, ok)
	f := bpm.pinQuiet(1, frameID)
	require.NotNil(t, f)
	wrote, err := bpm.writeBack(f, 1)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = bpm.writeBack(f, 1)
	require.NoError(t, err)
	assert.False(t, wrote, "already clean")
	require.NoError(t, bpm.unpinFrame(f, false))

	result := bpm.FlushAll(ctx)
	assert.NoError(t, result.Err())
	assert.Zero(t, result.Flushed)
	assert.Equal(t, 1, store.WriteCount(1))
}

func TestStartFailureLeavesNoBackgroundWork(t *testing.T) {
	bpm, _ := newTestBPM(t, 8, func(c *Config) {
		c.EnableAdaptiveFlush = true
		c.RetierInterval = 5 * time.Millisecond
	})
	require.NoError(t, bpm.flusher.Start())

	assert.Error(t, bpm.Start(), "flusher already running")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, bpm.TierManager().Passes())

	bpm.flusher.Stop()
	require.NoError(t, bpm.Start())
	require.Eventually(t, func() bool {
		return bpm.TierManager().Passes() > 0
	}, 2*time.Second, 5*time.Millisecond)
}
