package warp

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/scanalign/internal/raster"
)

// InterpolationMode selects the resampling kernel.
type InterpolationMode int

const (
	Bilinear InterpolationMode = iota
	Nearest
)

func (m InterpolationMode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseInterpolationMode accepts "nearest" or "bilinear".
func ParseInterpolationMode(s string) (InterpolationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest":
		return Nearest, nil
	case "bilinear", "linear":
		return Bilinear, nil
	}
	return 0, fmt.Errorf("unknown interpolation mode %q", s)
}

// CoordMap holds, for every output pixel of a tile, the coordinates to
// sample in the tile's source view.
type CoordMap struct {
	Width  int
	Height int
	X      []float64
	Y      []float64
}

// Sampler resamples src at the coordinates in m. The result has m's size
// and src's channel count and bit depth. Coordinates outside src sample
// the border value 0. Implementations report exhausted device memory with
// an error wrapping ErrOutOfMemory.
type Sampler interface {
	Sample(ctx context.Context, src *raster.Raster, m *CoordMap, mode InterpolationMode) (*raster.Raster, error)
}

// CPUSampler resamples on the host.
type CPUSampler struct{}

func (CPUSampler) Sample(_ context.Context, src *raster.Raster, m *CoordMap, mode InterpolationMode) (*raster.Raster, error) {
	out, err := raster.New(m.Width, m.Height, src.Channels, src.BitDepth)
	if err != nil {
		return nil, err
	}
	ch := src.Channels
	px := make([]float64, ch)
	for i := range m.X {
		switch mode {
		case Nearest:
			sampleNearest(src, m.X[i], m.Y[i], px)
		default:
			sampleBilinear(src, m.X[i], m.Y[i], px)
		}
		base := i * ch
		for c := 0; c < ch; c++ {
			out.Pix[base+c] = quantize(px[c], out.MaxValue())
		}
	}
	return out, nil
}

func sampleNearest(src *raster.Raster, x, y float64, px []float64) {
	ix := int(math.Floor(x + 0.5))
	iy := int(math.Floor(y + 0.5))
	if !src.InBounds(ix, iy) {
		clear(px)
		return
	}
	for c := range px {
		px[c] = float64(src.At(ix, iy, c))
	}
}

func sampleBilinear(src *raster.Raster, x, y float64, px []float64) {
	clear(px)
	fx, fy := math.Floor(x), math.Floor(y)
	x0, y0 := int(fx), int(fy)
	ax, ay := x-fx, y-fy

	taps := [4]struct {
		x, y int
		w    float64
	}{
		{x0, y0, (1 - ax) * (1 - ay)},
		{x0 + 1, y0, ax * (1 - ay)},
		{x0, y0 + 1, (1 - ax) * ay},
		{x0 + 1, y0 + 1, ax * ay},
	}
	for _, t := range taps {
		if t.w == 0 || !src.InBounds(t.x, t.y) {
			continue
		}
		for c := range px {
			px[c] += t.w * float64(src.At(t.x, t.y, c))
		}
	}
}

func quantize(v float64, maxV uint16) uint16 {
	v = math.Round(v)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= float64(maxV) {
		return maxV
	}
	return uint16(v)
}
