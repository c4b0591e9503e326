package warp

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/testutil"
	"github.com/banshee-data/scanalign/internal/tiling"
)

// wavyField is a smooth displacement bounded by amp pixels.
func wavyField(w, h int, amp float64) *Field {
	f, _ := NewField(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			f.DX[i] = float32(amp * math.Sin(float64(x)/17+float64(y)/29))
			f.DY[i] = float32(amp * math.Cos(float64(x)/23-float64(y)/13))
		}
	}
	return f
}

func tiledConfig(budget int64) Config {
	cfg := DefaultConfig()
	cfg.TileWidth = 32
	cfg.TileHeight = 32
	cfg.Halo = 8
	cfg.MemoryBudget = budget
	cfg.SafetyFactor = 1
	return cfg
}

func TestWarp_ZeroFieldIsIdentity(t *testing.T) {
	for _, mode := range []InterpolationMode{Nearest, Bilinear} {
		t.Run(mode.String(), func(t *testing.T) {
			src := testutil.Noise(40, 30, 3, 16, 1)
			field, err := NewField(40, 30)
			require.NoError(t, err)

			cfg := tiledConfig(60000)
			cfg.Mode = mode
			e := NewEngine(cfg, nil, nil)
			out, err := e.Warp(context.Background(), src, field)
			require.NoError(t, err)
			assert.Equal(t, src.Pix, out.Pix)
		})
	}
}

func TestWarp_TiledMatchesUntiled(t *testing.T) {
	src := testutil.Noise(200, 150, 1, 16, 7)
	field := wavyField(200, 150, 5)

	for _, mode := range []InterpolationMode{Nearest, Bilinear} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := tiledConfig(200000)
			cfg.Mode = mode
			tiled := NewEngine(cfg, nil, nil)
			tiles, err := tiled.Plan(src)
			require.NoError(t, err)
			require.Greater(t, len(tiles), 1)

			got, err := tiled.Warp(context.Background(), src, field)
			require.NoError(t, err)

			whole := []tiling.Tile{{Width: src.Width, Height: src.Height, Halo: cfg.Halo}}
			untiled := NewEngine(cfg, nil, NewBudget(1<<30))
			want, err := untiled.WarpTiles(context.Background(), src, field, whole)
			require.NoError(t, err)

			assert.Equal(t, want.Pix, got.Pix)

			done, total := tiled.Progress()
			assert.Equal(t, len(tiles), total)
			assert.Equal(t, total, done)
			assert.Equal(t, Idle, tiled.State())
		})
	}
}

func TestWarp_ParallelMatchesSequential(t *testing.T) {
	src := testutil.Noise(120, 90, 1, 8, 3)
	field := wavyField(120, 90, 3)

	seq := NewEngine(tiledConfig(400000), nil, nil)
	want, err := seq.Warp(context.Background(), src, field)
	require.NoError(t, err)

	cfg := tiledConfig(400000)
	cfg.Workers = 4
	par := NewEngine(cfg, nil, nil)
	got, err := par.Warp(context.Background(), src, field)
	require.NoError(t, err)

	assert.Equal(t, want.Pix, got.Pix)
	info := par.Device().Info()
	assert.LessOrEqual(t, info.Peak, cfg.MemoryBudget)
	assert.Zero(t, info.Used)
}

func TestWarp_UniformShift(t *testing.T) {
	src := testutil.Noise(20, 10, 1, 8, 5)
	e := NewEngine(tiledConfig(1<<20), nil, nil)

	out, err := e.Warp(context.Background(), src, UniformField(20, 10, 3, 0))
	require.NoError(t, err)
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			want := uint16(0)
			if x+3 < 20 {
				want = src.At(x+3, y, 0)
			}
			require.Equal(t, want, out.At(x, y, 0), "(%d,%d)", x, y)
		}
	}
}

func TestWarp_CoarseFieldIsResampled(t *testing.T) {
	src := testutil.Noise(24, 24, 1, 8, 9)
	e := NewEngine(tiledConfig(1<<20), nil, nil)

	fine, err := e.Warp(context.Background(), src, UniformField(24, 24, -2, 1))
	require.NoError(t, err)
	coarse, err := e.Warp(context.Background(), src, UniformField(4, 4, -2, 1))
	require.NoError(t, err)
	assert.Equal(t, fine.Pix, coarse.Pix)
}

func TestWarp_NearestRoundsHalfUp(t *testing.T) {
	src := raster.MustNew(4, 1, 1, 8)
	copy(src.Pix, []uint16{10, 20, 30, 40})
	cfg := tiledConfig(1 << 20)
	cfg.Mode = Nearest
	e := NewEngine(cfg, nil, nil)

	out, err := e.Warp(context.Background(), src, UniformField(4, 1, 0.5, 0))
	require.NoError(t, err)
	assert.Equal(t, []uint16{20, 30, 40, 0}, out.Pix)
}

func TestWarp_BilinearInterpolates(t *testing.T) {
	src := raster.MustNew(3, 1, 1, 8)
	copy(src.Pix, []uint16{0, 100, 200})
	e := NewEngine(tiledConfig(1<<20), nil, nil)

	out, err := e.Warp(context.Background(), src, UniformField(3, 1, 0.25, 0))
	require.NoError(t, err)
	// The last pixel blends with the zero border.
	assert.Equal(t, []uint16{25, 125, 150}, out.Pix)
}

func TestWarp_DeviceOutOfMemory(t *testing.T) {
	src := testutil.Noise(100, 100, 1, 8, 2)
	e := NewEngine(tiledConfig(200000), nil, NewBudget(1000))

	out, err := e.Warp(context.Background(), src, UniformField(100, 100, 0, 0))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrOutOfMemoryOnTile)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	var te *TileError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindOutOfMemory, te.Kind)
	assert.Equal(t, Idle, e.State())
	assert.Zero(t, e.Device().Info().Used)
}

type failingSampler struct {
	err   error
	calls atomic.Int32
}

func (f *failingSampler) Sample(context.Context, *raster.Raster, *CoordMap, InterpolationMode) (*raster.Raster, error) {
	f.calls.Add(1)
	return nil, f.err
}

func TestWarp_SamplerFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrKind
		oom  bool
	}{
		{"device oom", ErrOutOfMemory, KindOutOfMemory, true},
		{"wrapped oom", errors.Join(errors.New("cuda"), ErrOutOfMemory), KindOutOfMemory, true},
		{"other", errors.New("kernel launch failed"), KindSampler, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &failingSampler{err: tt.err}
			e := NewEngine(tiledConfig(200000), s, nil)

			_, err := e.Warp(context.Background(), testutil.Noise(100, 100, 1, 8, 4), UniformField(1, 1, 0, 0))
			var te *TileError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.kind, te.Kind)
			assert.Equal(t, tt.oom, errors.Is(err, ErrOutOfMemoryOnTile))
			// Sequential engine stops at the first failing tile.
			assert.Equal(t, int32(1), s.calls.Load())
		})
	}
}

func TestWarp_ClearsCoreOnFailure(t *testing.T) {
	out := raster.MustNew(4, 4, 1, 8)
	for i := range out.Pix {
		out.Pix[i] = 9
	}
	clearCore(out, tiling.Tile{X: 1, Y: 1, Width: 2, Height: 2})
	assert.Equal(t, []uint16{
		9, 9, 9, 9,
		9, 0, 0, 9,
		9, 0, 0, 9,
		9, 9, 9, 9,
	}, out.Pix)
}

func TestWarp_InvalidInputs(t *testing.T) {
	e := NewEngine(tiledConfig(1<<20), nil, nil)
	_, err := e.Warp(context.Background(), nil, UniformField(1, 1, 0, 0))
	assert.Error(t, err)

	_, err = e.Warp(context.Background(), testutil.Noise(4, 4, 1, 8, 1), &Field{Width: 2, Height: 2})
	assert.Error(t, err)

	bad := UniformField(2, 2, 0, 0)
	bad.DX[0] = float32(math.NaN())
	_, err = e.Warp(context.Background(), testutil.Noise(4, 4, 1, 8, 1), bad)
	assert.Error(t, err)
}

func TestWarp_CancelledContextStillCompletes(t *testing.T) {
	src := testutil.Noise(100, 100, 1, 8, 1)
	field := UniformField(1, 1, 2, -1)

	want, err := NewEngine(tiledConfig(1<<30), nil, nil).Warp(context.Background(), src, field)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(tiledConfig(200000), nil, nil)
	tiles, err := e.Plan(src)
	require.NoError(t, err)
	require.Greater(t, len(tiles), 1)

	got, err := e.WarpTiles(ctx, src, field, tiles)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, got.Pix)
	done, total := e.Progress()
	assert.Equal(t, len(tiles), done)
	assert.Equal(t, len(tiles), total)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_PlanLargeImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryBudget = 64 << 20
	e := NewEngine(cfg, nil, nil)

	// Planning reads only the geometry, so no samples are allocated.
	src := &raster.Raster{Width: 20000, Height: 20000, Channels: 1, BitDepth: 8}
	tiles, err := e.Plan(src)
	require.NoError(t, err)
	require.Greater(t, len(tiles), 1)

	req := tiling.Request{
		ImageWidth:    src.Width,
		ImageHeight:   src.Height,
		BytesPerPixel: BytesPerPixel(1),
		Budget:        cfg.MemoryBudget,
		SafetyFactor:  cfg.SafetyFactor,
	}
	require.NoError(t, tiling.Coverage(tiles, src.Width, src.Height))
	assert.True(t, tiling.Fits(tiles, req), "max footprint %d, limit %d", tiling.MaxFootprint(tiles, req), req.Limit())
	for _, tl := range tiles {
		assert.Equal(t, cfg.Halo, tl.Halo)
		assert.LessOrEqual(t, tl.Width, cfg.TileWidth)
		assert.LessOrEqual(t, tl.Height, cfg.TileHeight)
	}
}

func TestParseInterpolationMode(t *testing.T) {
	for in, want := range map[string]InterpolationMode{
		"nearest":   Nearest,
		"Bilinear ": Bilinear,
		"linear":    Bilinear,
	} {
		got, err := ParseInterpolationMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseInterpolationMode("cubic")
	assert.Error(t, err)
}
