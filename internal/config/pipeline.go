package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/scanalign/internal/warp"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/pipeline.defaults.json"

// maxFileSize caps config files at 1MB.
const maxFileSize = 1 * 1024 * 1024

// ErrInvalidConfiguration is wrapped by every validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// PipelineConfig is the JSON configuration for a stitching run. Every field
// is optional; the Get* accessors supply defaults for omitted values so
// partial files are safe.
type PipelineConfig struct {
	// Stitching
	OverlapPixels        *int     `json:"overlap_pixels,omitempty"`
	CorrelationThreshold *float64 `json:"correlation_threshold,omitempty"`
	BlendingEnabled      *bool    `json:"blending_enabled,omitempty"`
	NormalizeReverse     *bool    `json:"normalize_reverse,omitempty"`

	// Tiled warp
	TileWidth         *int     `json:"tile_width,omitempty"`
	TileHeight        *int     `json:"tile_height,omitempty"`
	TileOverlap       *int     `json:"tile_overlap,omitempty"`   // halo in pixels
	MemoryBudget      *string  `json:"memory_budget,omitempty"`  // size string like "512MiB"
	MinMemoryBudget   *string  `json:"min_memory_budget,omitempty"`
	SafetyFactor      *float64 `json:"safety_factor,omitempty"`
	InterpolationMode *string  `json:"interpolation_mode,omitempty"`
	WarpWorkers       *int     `json:"warp_workers,omitempty"`

	// Orchestration
	RegistrationInterval *int    `json:"registration_interval,omitempty"` // accepted strips per cycle, 0 disables
	QueueCapacity        *int    `json:"queue_capacity,omitempty"`
	StatsInterval        *string `json:"stats_interval,omitempty"` // duration string like "30s"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultPipelineConfig returns a config with every field set to its default.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		OverlapPixels:        ptrInt(64),
		CorrelationThreshold: ptrFloat64(0.7),
		BlendingEnabled:      ptrBool(true),
		NormalizeReverse:     ptrBool(true),
		TileWidth:            ptrInt(4096),
		TileHeight:           ptrInt(4096),
		TileOverlap:          ptrInt(128),
		MemoryBudget:         ptrString("512MiB"),
		MinMemoryBudget:      ptrString("16MiB"),
		SafetyFactor:         ptrFloat64(1.25),
		InterpolationMode:    ptrString("bilinear"),
		WarpWorkers:          ptrInt(1),
		RegistrationInterval: ptrInt(10),
		QueueCapacity:        ptrInt(64),
		StatsInterval:        ptrString("30s"),
	}
}

// Load reads a PipelineConfig from a .json file of at most 1MB and
// validates it.
func Load(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates JSON config data.
func Parse(data []byte) (*PipelineConfig, error) {
	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. It panics when the file cannot be found and is
// meant for tests.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
}

// Validate checks the fields that are set. Unset fields fall back to
// defaults, which are valid by construction.
func (c *PipelineConfig) Validate() error {
	if c.OverlapPixels != nil && *c.OverlapPixels < 0 {
		return invalid("overlap_pixels must be non-negative, got %d", *c.OverlapPixels)
	}
	if c.CorrelationThreshold != nil {
		if v := *c.CorrelationThreshold; !(v >= 0 && v <= 1) {
			return invalid("correlation_threshold must be between 0 and 1, got %f", v)
		}
	}
	if c.TileWidth != nil && *c.TileWidth <= 0 {
		return invalid("tile_width must be positive, got %d", *c.TileWidth)
	}
	if c.TileHeight != nil && *c.TileHeight <= 0 {
		return invalid("tile_height must be positive, got %d", *c.TileHeight)
	}
	if c.TileOverlap != nil && *c.TileOverlap < 0 {
		return invalid("tile_overlap must be non-negative, got %d", *c.TileOverlap)
	}
	if c.SafetyFactor != nil && !(*c.SafetyFactor >= 1) {
		return invalid("safety_factor must be at least 1, got %f", *c.SafetyFactor)
	}
	if c.InterpolationMode != nil {
		if _, err := warp.ParseInterpolationMode(*c.InterpolationMode); err != nil {
			return invalid("interpolation_mode: %v", err)
		}
	}
	if c.WarpWorkers != nil && *c.WarpWorkers < 1 {
		return invalid("warp_workers must be at least 1, got %d", *c.WarpWorkers)
	}
	if c.RegistrationInterval != nil && *c.RegistrationInterval < 0 {
		return invalid("registration_interval must be non-negative, got %d", *c.RegistrationInterval)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity <= 0 {
		return invalid("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if d, err := time.ParseDuration(*c.StatsInterval); err != nil || d <= 0 {
			return invalid("stats_interval %q must be a positive duration", *c.StatsInterval)
		}
	}

	budget, err := parseSize("memory_budget", c.MemoryBudget, defaultMemoryBudget)
	if err != nil {
		return err
	}
	minBudget, err := parseSize("min_memory_budget", c.MinMemoryBudget, defaultMinMemoryBudget)
	if err != nil {
		return err
	}
	if minBudget > budget {
		return invalid("min_memory_budget %s exceeds memory_budget %s",
			humanize.IBytes(uint64(minBudget)), humanize.IBytes(uint64(budget)))
	}
	return nil
}

const (
	defaultMemoryBudget    = 512 << 20
	defaultMinMemoryBudget = 16 << 20
)

func parseSize(field string, v *string, def int64) (int64, error) {
	if v == nil || *v == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(*v)
	if err != nil {
		return 0, invalid("%s %q: %v", field, *v, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, invalid("%s %q out of range", field, *v)
	}
	return int64(n), nil
}

// GetOverlapPixels returns overlap_pixels or 64.
func (c *PipelineConfig) GetOverlapPixels() int {
	if c.OverlapPixels == nil {
		return 64
	}
	return *c.OverlapPixels
}

// GetCorrelationThreshold returns correlation_threshold or 0.7.
func (c *PipelineConfig) GetCorrelationThreshold() float64 {
	if c.CorrelationThreshold == nil {
		return 0.7
	}
	return *c.CorrelationThreshold
}

func (c *PipelineConfig) GetBlendingEnabled() bool {
	if c.BlendingEnabled == nil {
		return true
	}
	return *c.BlendingEnabled
}

func (c *PipelineConfig) GetNormalizeReverse() bool {
	if c.NormalizeReverse == nil {
		return true
	}
	return *c.NormalizeReverse
}

func (c *PipelineConfig) GetTileWidth() int {
	if c.TileWidth == nil {
		return 4096
	}
	return *c.TileWidth
}

func (c *PipelineConfig) GetTileHeight() int {
	if c.TileHeight == nil {
		return 4096
	}
	return *c.TileHeight
}

// GetTileOverlap returns the tile halo in pixels.
func (c *PipelineConfig) GetTileOverlap() int {
	if c.TileOverlap == nil {
		return 128
	}
	return *c.TileOverlap
}

// GetMemoryBudget returns memory_budget in bytes. Invalid values fall back
// to the default; Validate reports them.
func (c *PipelineConfig) GetMemoryBudget() int64 {
	n, err := parseSize("memory_budget", c.MemoryBudget, defaultMemoryBudget)
	if err != nil {
		return defaultMemoryBudget
	}
	return n
}

// GetMinMemoryBudget is the floor below which OOM re-planning gives up.
func (c *PipelineConfig) GetMinMemoryBudget() int64 {
	n, err := parseSize("min_memory_budget", c.MinMemoryBudget, defaultMinMemoryBudget)
	if err != nil {
		return defaultMinMemoryBudget
	}
	return n
}

func (c *PipelineConfig) GetSafetyFactor() float64 {
	if c.SafetyFactor == nil {
		return 1.25
	}
	return *c.SafetyFactor
}

// GetInterpolationMode returns the parsed mode, bilinear by default.
func (c *PipelineConfig) GetInterpolationMode() warp.InterpolationMode {
	if c.InterpolationMode == nil {
		return warp.Bilinear
	}
	m, err := warp.ParseInterpolationMode(*c.InterpolationMode)
	if err != nil {
		return warp.Bilinear
	}
	return m
}

func (c *PipelineConfig) GetWarpWorkers() int {
	if c.WarpWorkers == nil {
		return 1
	}
	return *c.WarpWorkers
}

func (c *PipelineConfig) GetRegistrationInterval() int {
	if c.RegistrationInterval == nil {
		return 10
	}
	return *c.RegistrationInterval
}

func (c *PipelineConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 64
	}
	return *c.QueueCapacity
}

// GetStatsInterval returns how often run statistics are logged.
func (c *PipelineConfig) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
