package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FlushableBufferPool is what the background writer needs from the pool
type FlushableBufferPool interface {
	DirtyPageCount() int
	Capacity() int
	DirtyPages(maxPages int) []PageID
	FlushPage(pageID PageID) error
}

// AdaptiveFlusher is a background writer that keeps the dirty frame ratio
// near a target. A PID controller turns the distance from the target into a
// number of pages to write per tick, so write-back is spread out instead of
// piling up until eviction has to do it on the miss path.
type AdaptiveFlusher struct {
	pool   FlushableBufferPool
	logger *slog.Logger

	// lifeMu serializes Start and Stop
	lifeMu        sync.Mutex
	running       atomic.Bool
	flushesIssued atomic.Uint64
	pagesFlushed  atomic.Uint64
	flushErrors   atomic.Uint64

	// mu guards config, the controller state and stats
	mu        sync.Mutex
	config    AdaptiveFlushConfig
	integral  float64
	lastError float64
	lastRate  float64
	stats     AdaptiveFlushStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// AdaptiveFlushConfig tunes the background writer
type AdaptiveFlushConfig struct {
	TargetDirtyRatio float64
	// at or above MaxDirtyRatio every tick writes MaxFlushPages
	MaxDirtyRatio float64
	CheckInterval time.Duration
	MinFlushPages int
	MaxFlushPages int

	Kp float64
	Ki float64
	Kd float64
}

// AdaptiveFlushStats describes recent flusher activity
type AdaptiveFlushStats struct {
	FlushesIssued  uint64
	PagesFlushed   uint64
	FlushErrors    uint64
	CurrentRate    float64 // pages per tick
	DirtyRatio     float64
	AvgFlushTime   time.Duration
	LastAdjustment time.Time
}

// DefaultAdaptiveFlushConfig returns default configuration
func DefaultAdaptiveFlushConfig() AdaptiveFlushConfig {
	return AdaptiveFlushConfig{
		TargetDirtyRatio: 0.5,
		MaxDirtyRatio:    0.8,
		CheckInterval:    100 * time.Millisecond,
		MinFlushPages:    8,
		MaxFlushPages:    128,
		Kp:               2.0,
		Ki:               0.5,
		Kd:               0.1,
	}
}

// NewAdaptiveFlusher creates a flusher over pool. Zero fields of config take defaults.
func NewAdaptiveFlusher(pool FlushableBufferPool, config AdaptiveFlushConfig) *AdaptiveFlusher {
	def := DefaultAdaptiveFlushConfig()
	if config.TargetDirtyRatio <= 0 || config.TargetDirtyRatio >= 1 {
		config.TargetDirtyRatio = def.TargetDirtyRatio
	}
	if config.MaxDirtyRatio <= config.TargetDirtyRatio || config.MaxDirtyRatio > 1 {
		config.MaxDirtyRatio = (config.TargetDirtyRatio + 1) / 2
	}
	if config.CheckInterval < time.Millisecond {
		config.CheckInterval = def.CheckInterval
	}
	if config.MinFlushPages <= 0 {
		config.MinFlushPages = def.MinFlushPages
	}
	if config.MaxFlushPages < config.MinFlushPages {
		config.MaxFlushPages = max(def.MaxFlushPages, config.MinFlushPages)
	}
	if config.Kp == 0 && config.Ki == 0 && config.Kd == 0 {
		config.Kp, config.Ki, config.Kd = def.Kp, def.Ki, def.Kd
	}

	return &AdaptiveFlusher{
		pool:     pool,
		logger:   slog.Default(),
		config:   config,
		lastRate: float64(config.MinFlushPages),
	}
}

// SetLogger replaces the logger used for flush errors
func (af *AdaptiveFlusher) SetLogger(logger *slog.Logger) {
	af.logger = logger
}

// Start launches the background loop
func (af *AdaptiveFlusher) Start() error {
	af.lifeMu.Lock()
	defer af.lifeMu.Unlock()
	if !af.running.CompareAndSwap(false, true) {
		return fmt.Errorf("adaptive flusher already running")
	}
	af.stopCh = make(chan struct{})
	af.doneCh = make(chan struct{})
	go af.flushLoop(af.stopCh, af.doneCh)
	return nil
}

// Stop signals the loop and waits for it to exit. A stopped flusher can be started again.
func (af *AdaptiveFlusher) Stop() {
	af.lifeMu.Lock()
	defer af.lifeMu.Unlock()
	if !af.running.CompareAndSwap(true, false) {
		return
	}
	close(af.stopCh)
	<-af.doneCh
}

// IsRunning reports whether the background loop is active
func (af *AdaptiveFlusher) IsRunning() bool {
	return af.running.Load()
}

func (af *AdaptiveFlusher) flushLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	af.mu.Lock()
	interval := af.config.CheckInterval
	af.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			af.tick()
		}
	}
}

// tick runs one controller step and writes the pages it asks for
func (af *AdaptiveFlusher) tick() int {
	capacity := af.pool.Capacity()
	if capacity == 0 {
		return 0
	}
	dirtyRatio := float64(af.pool.DirtyPageCount()) / float64(capacity)

	pages := af.flushRate(dirtyRatio)
	if pages == 0 {
		af.mu.Lock()
		af.stats.DirtyRatio = dirtyRatio
		af.mu.Unlock()
		return 0
	}

	start := time.Now()
	flushed := af.flushDirtyPages(pages)
	elapsed := time.Since(start)

	af.flushesIssued.Add(1)
	af.pagesFlushed.Add(uint64(flushed))

	af.mu.Lock()
	af.stats.CurrentRate = af.lastRate
	af.stats.DirtyRatio = dirtyRatio
	af.stats.LastAdjustment = time.Now()
	if af.stats.AvgFlushTime == 0 {
		af.stats.AvgFlushTime = elapsed
	} else {
		af.stats.AvgFlushTime = time.Duration(0.9*float64(af.stats.AvgFlushTime) + 0.1*float64(elapsed))
	}
	af.mu.Unlock()

	return flushed
}

// flushRate turns the dirty ratio into a page budget for this tick.
// Returns 0 while the ratio is below target.
func (af *AdaptiveFlusher) flushRate(dirtyRatio float64) int {
	af.mu.Lock()
	defer af.mu.Unlock()

	cfg := af.config
	e := dirtyRatio - cfg.TargetDirtyRatio

	// anti-windup
	af.integral = min(max(af.integral+e, -10), 10)
	derivative := e - af.lastError
	af.lastError = e

	if dirtyRatio < cfg.TargetDirtyRatio {
		af.lastRate = 0
		return 0
	}

	output := cfg.Kp*e + cfg.Ki*af.integral + cfg.Kd*derivative
	rate := float64(cfg.MinFlushPages) + output*float64(cfg.MaxFlushPages-cfg.MinFlushPages)
	if dirtyRatio >= cfg.MaxDirtyRatio {
		rate = float64(cfg.MaxFlushPages)
	}
	rate = min(max(rate, float64(cfg.MinFlushPages)), float64(cfg.MaxFlushPages))

	af.lastRate = rate
	return int(rate)
}

func (af *AdaptiveFlusher) flushDirtyPages(maxPages int) int {
	flushed := 0
	for _, pageID := range af.pool.DirtyPages(maxPages) {
		err := af.pool.FlushPage(pageID)
		switch {
		case err == nil:
			flushed++
		case IsErrorCode(err, ErrCodeNotFound):
			// evicted since DirtyPages, eviction wrote it
		default:
			af.flushErrors.Add(1)
			af.logger.Warn("background flush failed",
				slog.Uint64("page_id", uint64(pageID)),
				slog.Any("error", err),
			)
		}
	}
	return flushed
}

// TriggerFlush runs one write pass of up to maxPages regardless of the ratio
func (af *AdaptiveFlusher) TriggerFlush(maxPages int) int {
	if maxPages <= 0 {
		af.mu.Lock()
		maxPages = af.config.MaxFlushPages
		af.mu.Unlock()
	}
	flushed := af.flushDirtyPages(maxPages)
	af.pagesFlushed.Add(uint64(flushed))
	return flushed
}

// Stats returns a copy of the flusher statistics
func (af *AdaptiveFlusher) Stats() AdaptiveFlushStats {
	af.mu.Lock()
	defer af.mu.Unlock()
	s := af.stats
	s.FlushesIssued = af.flushesIssued.Load()
	s.PagesFlushed = af.pagesFlushed.Load()
	s.FlushErrors = af.flushErrors.Load()
	return s
}

// SetTargetDirtyRatio adjusts the target at runtime
func (af *AdaptiveFlusher) SetTargetDirtyRatio(ratio float64) error {
	if ratio <= 0 || ratio >= 1 {
		return errInvalidConfig("dirty ratio %f must be between 0 and 1", ratio)
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	if ratio >= af.config.MaxDirtyRatio {
		return errInvalidConfig("target ratio %f must be less than max ratio %f", ratio, af.config.MaxDirtyRatio)
	}
	af.config.TargetDirtyRatio = ratio
	return nil
}

// Config returns the current configuration
func (af *AdaptiveFlusher) Config() AdaptiveFlushConfig {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.config
}
