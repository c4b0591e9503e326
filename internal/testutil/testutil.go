// Package testutil provides shared raster fixtures and helpers for tests.
package testutil

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/raster"
)

// Gradient returns an 8 bit single channel ramp with value (x+2y) mod 256.
// Every row differs from its neighbours, so strips cut from it align
// unambiguously in y.
func Gradient(w, h int) *raster.Raster {
	r := raster.MustNew(w, h, 1, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Set(x, y, 0, uint16((x+2*y)%256))
		}
	}
	return r
}

// Noise returns uniformly random samples over the full range of depth.
func Noise(w, h, channels, depth int, seed int64) *raster.Raster {
	rng := rand.New(rand.NewSource(seed))
	r := raster.MustNew(w, h, channels, depth)
	n := int(r.MaxValue()) + 1
	for i := range r.Pix {
		r.Pix[i] = uint16(rng.Intn(n))
	}
	return r
}

// Shifted returns s with s(x,y) = src(x+dx, y+dy), zero outside src.
func Shifted(src *raster.Raster, dx, dy int) *raster.Raster {
	out := raster.MustNew(src.Width, src.Height, src.Channels, src.BitDepth)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			if !src.InBounds(x+dx, y+dy) {
				continue
			}
			for c := 0; c < src.Channels; c++ {
				out.Set(x, y, c, src.At(x+dx, y+dy, c))
			}
		}
	}
	return out
}

// MeanAbsDiff is the mean absolute sample difference of two rasters with
// the same layout.
func MeanAbsDiff(a, b *raster.Raster) float64 {
	if len(a.Pix) == 0 {
		return 0
	}
	var sum float64
	for i := range a.Pix {
		sum += math.Abs(float64(a.Pix[i]) - float64(b.Pix[i]))
	}
	return sum / float64(len(a.Pix))
}

// CutStrips slices img into forward strips of height h starting every
// step rows. IDs start at 1.
func CutStrips(img *raster.Raster, h, step int) []raster.Strip {
	var out []raster.Strip
	for i, y := 0, 0; y+h <= img.Height; i, y = i+1, y+step {
		out = append(out, raster.Strip{
			ID:       uint64(i + 1),
			Position: float64(y),
			Raster:   img.SubRows(y, h),
		})
	}
	return out
}

// WritePNG encodes r to path.
func WritePNG(t testing.TB, path string, r *raster.Raster) {
	t.Helper()
	var buf bytes.Buffer
	if err := raster.Encode(&buf, r, raster.FormatPNG); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// QuietLogs routes the operational logger to t.Logf for the duration of
// the test and mutes it afterwards.
func QuietLogs(t testing.TB) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}
