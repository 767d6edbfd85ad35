package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPageSize is the page size used by DefaultConfig
const DefaultPageSize = 8192

// TablespaceConfig reserves a dedicated sub-pool for one tablespace so its
// scans cannot evict other tablespaces' pages
type TablespaceConfig struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Frames uint32 `json:"frames"`
}

// Config holds buffer pool configuration. It is fixed for the pool's lifetime.
type Config struct {
	// Frame arena
	PoolSize        uint32 `json:"pool_size"`         // Total number of frames
	PageSize        uint32 `json:"page_size"`         // Page size in bytes
	PageTableShards uint32 `json:"page_table_shards"` // Rounded up to a power of two

	// Replacement policy (clock, lru-k, touch-count, cost-aware)
	Replacer          string        `json:"replacer"`
	LRUK              int           `json:"lru_k"`
	CorrelationPeriod time.Duration `json:"correlation_period"`

	// Tiering. Ratios split each tiered pool's frames between tiers and cap
	// how many frames promotion may place in the warm and hot tiers.
	HotRatio          float64       `json:"hot_ratio"`
	WarmRatio         float64       `json:"warm_ratio"`
	ColdRatio         float64       `json:"cold_ratio"`
	PromoteThreshold  uint32        `json:"promote_threshold"`   // Accesses since last tier change
	DemoteIdle        time.Duration `json:"demote_idle"`         // Idle time before a one-step demotion, zero disables it
	TouchHotThreshold uint64        `json:"touch_hot_threshold"` // Touch count for the hot temperature
	DecayFactor       float64       `json:"decay_factor"`        // Applied to touch counts each retier pass
	RetierInterval    time.Duration `json:"retier_interval"`     // Zero disables the background tier manager

	// Dedicated pools, as fractions of PoolSize after tablespace reservations
	KeepRatio    float64            `json:"keep_ratio"`
	RecycleRatio float64            `json:"recycle_ratio"`
	Tablespaces  []TablespaceConfig `json:"tablespaces"`

	// Full-pool policy: zero fails immediately with ResourceExhausted,
	// positive waits up to this long for a frame to be released
	AllocWaitTimeout time.Duration `json:"alloc_wait_timeout"`

	// Background writer
	EnableAdaptiveFlush bool          `json:"enable_adaptive_flush"`
	TargetDirtyRatio    float64       `json:"target_dirty_ratio"`
	FlushInterval       time.Duration `json:"flush_interval"`
	FlushWorkers        int           `json:"flush_workers"`

	// Sequential prefetch into the recycle pool
	EnablePrefetching bool `json:"enable_prefetching"`
	PrefetchDistance  int  `json:"prefetch_distance"`

	LogLevel string `json:"log_level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PoolSize:            1024,
		PageSize:            DefaultPageSize,
		PageTableShards:     DefaultPageTableShards,
		Replacer:            string(ReplacerClock),
		LRUK:                2,
		CorrelationPeriod:   30 * time.Second,
		HotRatio:            0.2,
		WarmRatio:           0.3,
		ColdRatio:           0.5,
		PromoteThreshold:    4,
		DemoteIdle:          10 * time.Second,
		TouchHotThreshold:   8,
		DecayFactor:         0.5,
		RetierInterval:      time.Second,
		KeepRatio:           0.05,
		RecycleRatio:        0.05,
		AllocWaitTimeout:    0,
		EnableAdaptiveFlush: false,
		TargetDirtyRatio:    0.5,
		FlushInterval:       100 * time.Millisecond,
		FlushWorkers:        4,
		EnablePrefetching:   false,
		PrefetchDistance:    8,
		LogLevel:            "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	err = json.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from environment variables
// Falls back to default values if environment variables are not set
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if val := os.Getenv("HEXBUFFER_POOL_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.PoolSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXBUFFER_PAGE_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.PageSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXBUFFER_PAGE_TABLE_SHARDS"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.PageTableShards = uint32(n)
		}
	}

	if val := os.Getenv("HEXBUFFER_REPLACER"); val != "" {
		config.Replacer = val
	}

	if val := os.Getenv("HEXBUFFER_PROMOTE_THRESHOLD"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.PromoteThreshold = uint32(n)
		}
	}

	if val := os.Getenv("HEXBUFFER_DEMOTE_IDLE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.DemoteIdle = d
		}
	}

	if val := os.Getenv("HEXBUFFER_ALLOC_WAIT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.AllocWaitTimeout = d
		}
	}

	if val := os.Getenv("HEXBUFFER_ADAPTIVE_FLUSH"); val != "" {
		config.EnableAdaptiveFlush = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXBUFFER_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	return config
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.PoolSize == 0 {
		return errInvalidConfig("pool size must be greater than 0")
	}

	if c.PageSize == 0 || c.PageSize%512 != 0 {
		return errInvalidConfig("page size must be a positive multiple of 512, got %d", c.PageSize)
	}

	if _, err := ParseReplacerKind(c.Replacer); err != nil {
		return errInvalidConfig("%v", err)
	}

	for name, r := range map[string]float64{
		"hot ratio": c.HotRatio, "warm ratio": c.WarmRatio, "cold ratio": c.ColdRatio,
		"keep ratio": c.KeepRatio, "recycle ratio": c.RecycleRatio,
	} {
		if r < 0 || r > 1 {
			return errInvalidConfig("%s must be within [0, 1], got %f", name, r)
		}
	}

	if sum := c.HotRatio + c.WarmRatio + c.ColdRatio; math.Abs(sum-1) > 1e-6 {
		return errInvalidConfig("hot, warm and cold ratios must sum to 1, got %f", sum)
	}

	if c.KeepRatio+c.RecycleRatio >= 1 {
		return errInvalidConfig("keep and recycle ratios must leave room for the main pool")
	}

	if c.PromoteThreshold == 0 {
		return errInvalidConfig("promote threshold must be greater than 0")
	}

	if c.DecayFactor < 0 || c.DecayFactor >= 1 {
		return errInvalidConfig("decay factor must be within [0, 1), got %f", c.DecayFactor)
	}

	reserved := uint64(0)
	seen := make(map[uint32]bool, len(c.Tablespaces))
	for _, ts := range c.Tablespaces {
		if ts.ID == 0 {
			return errInvalidConfig("tablespace id 0 is the shared main pool and cannot be reserved")
		}
		if ts.Frames == 0 {
			return errInvalidConfig("tablespace %d must reserve at least one frame", ts.ID)
		}
		if seen[ts.ID] {
			return errInvalidConfig("duplicate tablespace %d", ts.ID)
		}
		seen[ts.ID] = true
		reserved += uint64(ts.Frames)
	}
	if reserved >= uint64(c.PoolSize) {
		return errInvalidConfig("tablespaces reserve %d of %d frames, nothing left for the main pool", reserved, c.PoolSize)
	}

	if c.EnableAdaptiveFlush && (c.TargetDirtyRatio <= 0 || c.TargetDirtyRatio >= 1) {
		return errInvalidConfig("target dirty ratio must be within (0, 1), got %f", c.TargetDirtyRatio)
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return errInvalidConfig("%v", err)
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	clone.Tablespaces = append([]TablespaceConfig(nil), c.Tablespaces...)
	return &clone
}

// replacerOptions extracts per-policy tuning
func (c *Config) replacerOptions() ReplacerOptions {
	return ReplacerOptions{
		K:                 c.LRUK,
		CorrelationPeriod: c.CorrelationPeriod,
		HotThreshold:      c.TouchHotThreshold,
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}
