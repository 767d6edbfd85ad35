package storage

import (
	"fmt"
	"strings"
	"time"
)

// ReplacerKind selects one of the four eviction policies
type ReplacerKind string

const (
	ReplacerClock      ReplacerKind = "clock"
	ReplacerLRUK       ReplacerKind = "lru-k"
	ReplacerTouchCount ReplacerKind = "touch-count"
	ReplacerCostAware  ReplacerKind = "cost-aware"
)

// ParseReplacerKind accepts the canonical names plus a few common spellings
func ParseReplacerKind(s string) (ReplacerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clock", "clock-sweep", "clocksweep":
		return ReplacerClock, nil
	case "lru-k", "lruk", "lru2":
		return ReplacerLRUK, nil
	case "touch-count", "touchcount", "tc":
		return ReplacerTouchCount, nil
	case "cost-aware", "costaware", "cost":
		return ReplacerCostAware, nil
	default:
		return "", fmt.Errorf("unknown replacer %q (must be clock, lru-k, touch-count or cost-aware)", s)
	}
}

// FrameView is the read-only window a replacer gets onto the frame arena
type FrameView interface {
	PinCount(frameID FrameID) int32
	PageOf(frameID FrameID) PageID
}

// Replacer is the victim selection contract. It is sealed: the only
// implementations are ClockReplacer, LRUKReplacer, TouchCountReplacer and
// CostAwareReplacer.
type Replacer interface {
	// FindVictim picks an unpinned frame among candidates.
	// It never returns a frame with a non-zero pin count.
	FindVictim(candidates []FrameID) (FrameID, bool)

	// RecordAccess notes a hit or load of pageID in frameID
	RecordAccess(pageID PageID, frameID FrameID)

	// RecordEviction notes that pageID left frameID
	RecordEviction(pageID PageID, frameID FrameID)

	Kind() ReplacerKind

	sealed()
}

// ReplacerOptions carries per-policy tuning
type ReplacerOptions struct {
	// LRU-K history depth
	K int
	// LRU-K retained information period
	CorrelationPeriod time.Duration
	// Touch-count hot threshold
	HotThreshold uint64
}

// DefaultReplacerOptions returns the defaults used by DefaultConfig
func DefaultReplacerOptions() ReplacerOptions {
	return ReplacerOptions{
		K:                 2,
		CorrelationPeriod: 30 * time.Second,
		HotThreshold:      8,
	}
}

// NewReplacer creates a replacer for numFrames frames based on the specified kind
func NewReplacer(kind ReplacerKind, view FrameView, numFrames int, opts ReplacerOptions) (Replacer, error) {
	switch kind {
	case ReplacerClock:
		return NewClockReplacer(view, numFrames), nil
	case ReplacerLRUK:
		return NewLRUKReplacer(view, opts.K, opts.CorrelationPeriod), nil
	case ReplacerTouchCount:
		return NewTouchCountReplacer(view, opts.HotThreshold), nil
	case ReplacerCostAware:
		return NewCostAwareReplacer(view), nil
	default:
		return nil, errInvalidConfig("unknown replacer %q", kind)
	}
}

// loadCostRecorder is implemented by replacers that weigh pages by fetch latency
type loadCostRecorder interface {
	RecordLoadCost(pageID PageID, cost time.Duration)
}

// historyPruner is implemented by replacers that keep history for evicted pages
type historyPruner interface {
	Cleanup(now time.Time) int
}

// evictable reports whether a candidate may be chosen
func evictable(view FrameView, frameID FrameID) bool {
	return view.PinCount(frameID) == 0 && view.PageOf(frameID) != InvalidPageID
}
