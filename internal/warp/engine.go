package warp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/tiling"
)

// State is the engine's lifecycle state.
type State int32

const (
	Idle State = iota
	Computing
)

func (s State) String() string {
	if s == Computing {
		return "computing"
	}
	return "idle"
}

// Config holds engine settings.
type Config struct {
	Mode         InterpolationMode
	TileWidth    int
	TileHeight   int
	Halo         int
	MemoryBudget int64   // planning budget in bytes
	SafetyFactor float64 // per-tile headroom, >= 1
	Workers      int     // concurrent tiles, <= 1 means sequential
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Mode:         Bilinear,
		TileWidth:    4096,
		TileHeight:   4096,
		Halo:         128,
		MemoryBudget: 512 << 20,
		SafetyFactor: 1.25,
		Workers:      1,
	}
}

// BytesPerPixel is the intermediate cost of one padded tile pixel: two
// float64 coordinates plus the source and output samples.
func BytesPerPixel(channels int) int {
	return 16 + 2*2*channels
}

// Engine warps rasters tile by tile. It keeps no state between calls other
// than its configuration and progress counters.
type Engine struct {
	sampler Sampler
	device  *Budget

	mu  sync.Mutex
	cfg Config

	state atomic.Int32
	done  atomic.Int64
	total atomic.Int64
}

// NewEngine returns an engine backed by sampler. device is the memory pool
// tiles reserve from; nil creates one sized to cfg.MemoryBudget.
func NewEngine(cfg Config, sampler Sampler, device *Budget) *Engine {
	if sampler == nil {
		sampler = CPUSampler{}
	}
	if device == nil {
		device = NewBudget(cfg.MemoryBudget)
	}
	return &Engine{cfg: cfg, sampler: sampler, device: device}
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetMemoryBudget changes the planning budget for later calls.
func (e *Engine) SetMemoryBudget(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MemoryBudget = n
}

// Device returns the memory pool tiles reserve from.
func (e *Engine) Device() *Budget { return e.device }

// State reports whether a warp is in progress.
func (e *Engine) State() State { return State(e.state.Load()) }

// Progress returns completed and total tiles of the current or last warp.
func (e *Engine) Progress() (done, total int) {
	return int(e.done.Load()), int(e.total.Load())
}

func (e *Engine) request(cfg Config, src *raster.Raster) tiling.Request {
	return tiling.Request{
		ImageWidth:    src.Width,
		ImageHeight:   src.Height,
		BytesPerPixel: BytesPerPixel(src.Channels),
		Budget:        cfg.MemoryBudget,
		SafetyFactor:  cfg.SafetyFactor,
	}
}

// Plan returns the tiles Warp would use for src.
func (e *Engine) Plan(src *raster.Raster) ([]tiling.Tile, error) {
	cfg := e.Config()
	s := tiling.Scheduler{TileWidth: cfg.TileWidth, TileHeight: cfg.TileHeight, Halo: cfg.Halo}
	return s.Plan(e.request(cfg, src))
}

// Warp resamples src through field and returns a new raster of src's size.
// Out-of-memory on any tile aborts the call with a *TileError of kind
// KindOutOfMemory; it is not retried here.
func (e *Engine) Warp(ctx context.Context, src *raster.Raster, field *Field) (*raster.Raster, error) {
	tiles, err := e.Plan(src)
	if err != nil {
		return nil, err
	}
	return e.WarpTiles(ctx, src, field, tiles)
}

// WarpTiles is Warp with an explicit tile plan. Once started, a warp runs
// every tile to completion or to the first tile error; cancelling ctx does
// not interrupt it. Callers bound latency through the tile plan.
func (e *Engine) WarpTiles(ctx context.Context, src *raster.Raster, field *Field, tiles []tiling.Tile) (*raster.Raster, error) {
	if src == nil || len(src.Pix) == 0 {
		return nil, fmt.Errorf("warp: empty source")
	}
	if err := field.Validate(); err != nil {
		return nil, fmt.Errorf("warp: %w", err)
	}
	if !e.state.CompareAndSwap(int32(Idle), int32(Computing)) {
		return nil, fmt.Errorf("warp: engine busy")
	}
	defer e.state.Store(int32(Idle))

	cfg := e.Config()
	req := e.request(cfg, src)
	e.done.Store(0)
	e.total.Store(int64(len(tiles)))

	if len(tiles) > 1 {
		if m := field.MaxAbs(); m > float64(cfg.Halo-1) {
			monitoring.Logf("[WarpEngine] displacement %.1fpx exceeds halo %dpx; tile seams may differ from an untiled warp", m, cfg.Halo)
		}
	}

	out, err := raster.New(src.Width, src.Height, src.Channels, src.BitDepth)
	if err != nil {
		return nil, err
	}
	out.Timestamp = src.Timestamp

	workers := 1
	if cfg.Workers > 1 && len(tiles) > 1 {
		// Concurrent reservations must fit the planning budget together.
		if fp := tiling.MaxFootprint(tiles, req); fp > 0 {
			workers = int(max(1, min(int64(cfg.Workers), cfg.MemoryBudget/fp)))
		}
	}

	// gctx is cancelled only by a failing tile.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(workers)
	for _, t := range tiles {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := e.warpTile(gctx, src, field, out, t, req, cfg.Mode); err != nil {
				return err
			}
			n := e.done.Add(1)
			monitoring.Diagf("[WarpEngine] %v done (%d/%d)", t, n, len(tiles))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// warpTile resamples one tile into its core region of out. On failure the
// core region is cleared so no partial output survives.
func (e *Engine) warpTile(ctx context.Context, src *raster.Raster, field *Field, out *raster.Raster, t tiling.Tile, req tiling.Request, mode InterpolationMode) error {
	fp := tiling.TileFootprint(t, req)
	if err := e.device.Reserve(fp); err != nil {
		return &TileError{Tile: t, Kind: KindOutOfMemory, Err: err}
	}
	defer e.device.Release(fp)

	pad := t.Padded(src.Width, src.Height)
	view := src.Crop(pad.Min.X, pad.Min.Y, pad.Dx(), pad.Dy())
	coords := buildCoordMap(field, t, pad.Min.X, pad.Min.Y, src.Width, src.Height)

	res, err := e.sampler.Sample(ctx, view, coords, mode)
	if err != nil {
		clearCore(out, t)
		kind := KindSampler
		if errors.Is(err, ErrOutOfMemory) {
			kind = KindOutOfMemory
		}
		return &TileError{Tile: t, Kind: kind, Err: err}
	}
	if res.Width != coords.Width || res.Height != coords.Height || res.Channels != out.Channels || res.BitDepth != out.BitDepth {
		clearCore(out, t)
		return &TileError{Tile: t, Kind: KindSampler, Err: fmt.Errorf("sampler returned %dx%d, want %dx%d", res.Width, res.Height, coords.Width, coords.Height)}
	}

	ch := out.Channels
	for y := 0; y < t.Height; y++ {
		row := res.Row(y)
		copy(out.Row(t.Y + y)[t.X*ch:(t.X+t.Width)*ch], row)
	}
	return nil
}

// buildCoordMap returns sampling coordinates for t's core, expressed in the
// padded view whose origin is (vx, vy). Global coordinates are formed first
// so tiled and untiled warps round identically.
func buildCoordMap(field *Field, t tiling.Tile, vx, vy, w, h int) *CoordMap {
	m := &CoordMap{
		Width:  t.Width,
		Height: t.Height,
		X:      make([]float64, t.Width*t.Height),
		Y:      make([]float64, t.Width*t.Height),
	}
	i := 0
	for y := t.Y; y < t.Y+t.Height; y++ {
		for x := t.X; x < t.X+t.Width; x++ {
			dx, dy := field.lookup(x, y, w, h)
			m.X[i] = (float64(x) + dx) - float64(vx)
			m.Y[i] = (float64(y) + dy) - float64(vy)
			i++
		}
	}
	return m
}

func clearCore(out *raster.Raster, t tiling.Tile) {
	ch := out.Channels
	for y := t.Y; y < t.Y+t.Height; y++ {
		clear(out.Row(y)[t.X*ch : (t.X+t.Width)*ch])
	}
}
