package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTieredBPM(t *testing.T, clock *fakeClock, mutate ...func(*Config)) *BufferPoolManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = 10
	cfg.PageSize = testPageSize
	cfg.KeepRatio = 0
	cfg.RecycleRatio = 0
	cfg.RetierInterval = 0
	cfg.PromoteThreshold = 4
	cfg.DemoteIdle = 10 * time.Second
	for _, m := range mutate {
		m(cfg)
	}
	bpm, err := NewBufferPoolManager(cfg, NewMemStorage(testPageSize, CompressionNone),
		WithLogger(testLogger()), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	return bpm
}

// touch pins and releases pid n times
func touch(t *testing.T, bpm *BufferPoolManager, pid PageID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		g, err := bpm.PinPage(context.Background(), pid)
		require.NoError(t, err)
		require.NoError(t, g.Release(false))
	}
}

func TestPromotionNeverSkipsTier(t *testing.T) {
	bpm := newTieredBPM(t, newFakeClock())
	const pid = PageID(1)

	touch(t, bpm, pid, 1)
	tier, err := bpm.PromotePage(pid)
	require.NoError(t, err)
	assert.Equal(t, TierCold, tier, "threshold not crossed yet")

	// the 4th access crosses the threshold
	touch(t, bpm, pid, 3)
	tier, _ = bpm.TierOf(pid)
	assert.Equal(t, TierWarm, tier)

	tier, err = bpm.PromotePage(pid)
	require.NoError(t, err)
	assert.Equal(t, TierWarm, tier, "counter restarted in the new tier")

	touch(t, bpm, pid, 3)
	tier, _ = bpm.TierOf(pid)
	assert.Equal(t, TierWarm, tier)
	touch(t, bpm, pid, 1)
	tier, _ = bpm.TierOf(pid)
	assert.Equal(t, TierHot, tier)

	assert.Equal(t, uint64(2), bpm.Metrics().Snapshot().Promotions)

	_, err = bpm.PromotePage(999)
	assert.True(t, IsErrorCode(err, ErrCodeNotFound))
}

func TestPromotionRespectsTierCapacity(t *testing.T) {
	bpm := newTieredBPM(t, newFakeClock())
	// 10 frames: warm holds at most 3

	for pid := PageID(1); pid <= 4; pid++ {
		touch(t, bpm, pid, 4)
	}
	warm := 0
	for pid := PageID(1); pid <= 4; pid++ {
		if tier, _ := bpm.TierOf(pid); tier == TierWarm {
			warm++
		}
	}
	assert.Equal(t, 3, warm)
	assert.Equal(t, 3, bpm.mainPool.TierCount(TierWarm))
	assert.Equal(t, 1, bpm.mainPool.TierCount(TierCold))
	assert.GreaterOrEqual(t, bpm.Metrics().Snapshot().PromotionsRejected, uint64(1))
}

func TestIdleDemotionOneStepPerPass(t *testing.T) {
	clock := newFakeClock()
	bpm := newTieredBPM(t, clock)
	const pid = PageID(5)
	tm := bpm.TierManager()

	touch(t, bpm, pid, 8)
	tier, _ := bpm.TierOf(pid)
	require.Equal(t, TierHot, tier)

	tier, err := bpm.DemotePage(pid)
	require.NoError(t, err)
	assert.Equal(t, TierHot, tier, "recently used hot page stays")

	// decay 8 -> 4 -> 2 -> 1 while the page is not idle yet
	for i := 0; i < 3; i++ {
		_, demoted := tm.RetierOnce(clock.Now())
		require.Zero(t, demoted)
	}
	require.Equal(t, TierCold, tm.Classifier().Temperature(pid))

	clock.Advance(11 * time.Second)
	promoted, demoted := tm.RetierOnce(clock.Now())
	assert.Zero(t, promoted)
	assert.Equal(t, 1, demoted)
	tier, _ = bpm.TierOf(pid)
	assert.Equal(t, TierWarm, tier)

	_, demoted = tm.RetierOnce(clock.Now())
	assert.Equal(t, 1, demoted)
	tier, _ = bpm.TierOf(pid)
	assert.Equal(t, TierCold, tier)

	_, demoted = tm.RetierOnce(clock.Now())
	assert.Zero(t, demoted, "cold is the floor")
	assert.Equal(t, uint64(2), bpm.Metrics().Snapshot().Demotions)
	assert.Equal(t, uint64(6), tm.Passes())
}

func TestRecentlyUsedPageKeepsTierThroughDecay(t *testing.T) {
	clock := newFakeClock()
	bpm := newTieredBPM(t, clock)
	const pid = PageID(1)
	tm := bpm.TierManager()

	touch(t, bpm, pid, 8)
	tier, _ := bpm.TierOf(pid)
	require.Equal(t, TierHot, tier)

	// one light access per second keeps the page inside DemoteIdle while
	// every pass halves its touch count
	for i := 0; i < 5; i++ {
		_, demoted := tm.RetierOnce(clock.Now())
		assert.Zero(t, demoted)
		clock.Advance(time.Second)
		touch(t, bpm, pid, 1)
	}
	assert.Less(t, tm.Classifier().Temperature(pid), TierHot, "decayed below the hot threshold")

	tier, err := bpm.DemotePage(pid)
	require.NoError(t, err)
	assert.Equal(t, TierHot, tier)
	assert.Zero(t, bpm.Metrics().Snapshot().Demotions)
}

func TestZeroDemoteIdleDisablesDemotion(t *testing.T) {
	clock := newFakeClock()
	bpm := newTieredBPM(t, clock, func(c *Config) { c.DemoteIdle = 0 })
	const pid = PageID(2)
	tm := bpm.TierManager()

	touch(t, bpm, pid, 8)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Hour)
		_, demoted := tm.RetierOnce(clock.Now())
		assert.Zero(t, demoted)
	}
	assert.Equal(t, TierCold, tm.Classifier().Temperature(pid))
	tier, _ := bpm.TierOf(pid)
	assert.Equal(t, TierHot, tier)
}

func TestDedicatedPoolsAreNotRetiered(t *testing.T) {
	clock := newFakeClock()
	bpm := newTieredBPM(t, clock, func(c *Config) {
		c.PoolSize = 40
		c.KeepRatio = 0.25
		c.RecycleRatio = 0.25
	})
	ctx := context.Background()

	keep, err := bpm.PinPageWith(ctx, 1, PinOptions{Hint: HintKeep})
	require.NoError(t, err)
	require.NoError(t, keep.Release(false))
	scan, err := bpm.PinPageWith(ctx, 2, PinOptions{Hint: HintRecycle})
	require.NoError(t, err)
	require.NoError(t, scan.Release(false))

	touch(t, bpm, 2, 10)
	tier, _ := bpm.TierOf(2)
	assert.Equal(t, TierCold, tier, "recycle pages never promote")

	clock.Advance(time.Hour)
	bpm.TierManager().RetierOnce(clock.Now())
	tier, _ = bpm.TierOf(1)
	assert.Equal(t, TierHot, tier, "keep pages never demote")
}

func TestTierCountsFollowEviction(t *testing.T) {
	bpm := newTieredBPM(t, newFakeClock())
	for pid := PageID(1); pid <= 3; pid++ {
		touch(t, bpm, pid, 4)
	}
	require.Equal(t, 3, bpm.mainPool.TierCount(TierWarm))

	// cold pages are evicted first, warm pages only once no cold page is left
	for pid := PageID(100); pid < 120; pid++ {
		touch(t, bpm, pid, 1)
	}
	total := 0
	for _, tier := range []Tier{TierCold, TierWarm, TierHot} {
		n := bpm.mainPool.TierCount(tier)
		assert.GreaterOrEqual(t, n, 0)
		total += n
	}
	assert.Equal(t, bpm.PageTable().Len(), total)
}

func TestColdPagesEvictedBeforeWarm(t *testing.T) {
	bpm := newTieredBPM(t, newFakeClock())
	touch(t, bpm, 1, 4)
	tier, _ := bpm.TierOf(1)
	require.Equal(t, TierWarm, tier)

	for pid := PageID(100); pid < 130; pid++ {
		touch(t, bpm, pid, 1)
	}
	assert.True(t, bpm.IsResident(1), "a stream of cold pages never reaches the warm tier")
}

func TestRetierPrunesLRUKHistory(t *testing.T) {
	clock := newFakeClock()
	bpm := newTieredBPM(t, clock, func(c *Config) {
		c.PoolSize = 2
		c.Replacer = "lru-k"
		c.CorrelationPeriod = time.Second
	})
	for pid := PageID(1); pid <= 6; pid++ {
		touch(t, bpm, pid, 1)
	}
	lruk := bpm.mainPool.replacer.(*LRUKReplacer)
	require.Equal(t, 6, lruk.HistoryLen())

	bpm.TierManager().RetierOnce(time.Now().Add(time.Hour))
	assert.Equal(t, 2, lruk.HistoryLen(), "only resident pages keep history")
}

func TestTierManagerRunsInBackground(t *testing.T) {
	bpm := newTieredBPM(t, newFakeClock(), func(c *Config) { c.RetierInterval = 5 * time.Millisecond })
	require.NoError(t, bpm.Start())

	require.Eventually(t, func() bool {
		return bpm.TierManager().Passes() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bpm.Close())
	passes := bpm.TierManager().Passes()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, passes, bpm.TierManager().Passes(), "stopped on close")
}
