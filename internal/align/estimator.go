package align

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scanalign/internal/raster"
)

const (
	// DefaultThreshold is the minimum confidence for a successful alignment.
	DefaultThreshold = 0.7

	// minVariance is the luminance variance (on the [0, 1] scale) below
	// which a band is treated as blank.
	minVariance = 1e-8

	// minOverlapFraction is the smallest share of the band that must overlap
	// at a candidate offset for its correlation to count.
	minOverlapFraction = 0.25
)

// Result is the outcome of one alignment. OffsetX and OffsetY are the
// translation to apply to the candidate so it lines up with the reference.
type Result struct {
	OffsetX    float64 `json:"offset_x"`
	OffsetY    float64 `json:"offset_y"`
	Confidence float64 `json:"confidence"` // in [0, 1]
	Success    bool    `json:"success"`
}

// Estimator computes sub-pixel offsets between overlapping bands.
// An Estimator holds no per-call state and is safe for concurrent use.
type Estimator struct {
	Threshold float64 // minimum confidence for Success
	Window    bool    // apply a Hann window before the transform
}

// NewEstimator returns an estimator with the given confidence threshold and
// windowing enabled.
func NewEstimator(threshold float64) *Estimator {
	return &Estimator{Threshold: threshold, Window: true}
}

// Estimate aligns candidate against reference. Both bands are cropped to
// their common top-left extent. Blank (near-constant) bands and empty
// inputs report Success == false with zero confidence and zero offsets.
func (e *Estimator) Estimate(reference, candidate *raster.Raster) Result {
	if reference == nil || candidate == nil {
		return Result{}
	}
	w := min(reference.Width, candidate.Width)
	h := min(reference.Height, candidate.Height)
	if w*h < 2 {
		return Result{}
	}

	ref := reference.Crop(0, 0, w, h).Luminance()
	cand := candidate.Crop(0, 0, w, h).Luminance()

	refMean, refVar := stat.MeanVariance(ref, nil)
	candMean, candVar := stat.MeanVariance(cand, nil)
	if !(refVar >= minVariance) || !(candVar >= minVariance) {
		return Result{}
	}

	dx, dy := e.phaseCorrelate(ref, cand, refMean, candMean, w, h)
	conf := neighbourhoodNCC(ref, cand, w, h, int(math.Round(dx)), int(math.Round(dy)))

	return Result{
		OffsetX:    dx,
		OffsetY:    dy,
		Confidence: conf,
		Success:    conf >= e.Threshold,
	}
}

// phaseCorrelate returns the sub-pixel translation of cand relative to ref.
func (e *Estimator) phaseCorrelate(ref, cand []float64, refMean, candMean float64, w, h int) (float64, float64) {
	f := newFFT2(w, h)
	wx, wy := ones(w), ones(h)
	if e.Window {
		wx, wy = hann(w), hann(h)
	}

	a := toSpectrum(f, ref, refMean, wx, wy)
	b := toSpectrum(f, cand, candMean, wx, wy)
	crossPower(a, b)
	f.inverse(a)

	peak, peakVal := 0, math.Inf(-1)
	for i, v := range a {
		if re := real(v); re > peakVal {
			peak, peakVal = i, re
		}
	}
	px, py := peak%w, peak/w

	// Weighted centroid over the 3x3 neighbourhood (with wraparound) for
	// the sub-pixel component. Negative lobes carry no evidence.
	var sum, sx, sy float64
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			x := (px + i + w) % w
			y := (py + j + h) % h
			v := real(a[y*w+x])
			if v <= 0 {
				continue
			}
			sum += v
			sx += v * float64(i)
			sy += v * float64(j)
		}
	}
	fx, fy := float64(signedShift(px, w)), float64(signedShift(py, h))
	if sum > 0 {
		if w > 1 {
			fx += sx / sum
		}
		if h > 1 {
			fy += sy / sum
		}
	}
	return fx, fy
}

// neighbourhoodNCC evaluates the zero-mean normalised cross-correlation at
// the integer offset (dx, dy) and its 8 neighbours and returns the best
// score clamped to [0, 1].
func neighbourhoodNCC(ref, cand []float64, w, h, dx, dy int) float64 {
	best := 0.0
	minSamples := int(math.Ceil(minOverlapFraction * float64(w*h)))
	var xs, ys []float64
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			ox, oy := dx+i, dy+j
			// cand(x, y) lines up with ref(x+ox, y+oy).
			x0, x1 := max(0, -ox), min(w, w-ox)
			y0, y1 := max(0, -oy), min(h, h-oy)
			n := (x1 - x0) * (y1 - y0)
			if x1 <= x0 || y1 <= y0 || n < 2 || n < minSamples {
				continue
			}
			xs, ys = xs[:0], ys[:0]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					xs = append(xs, ref[(y+oy)*w+x+ox])
					ys = append(ys, cand[y*w+x])
				}
			}
			c := stat.Correlation(xs, ys, nil)
			if math.IsNaN(c) {
				continue
			}
			best = math.Max(best, c)
		}
	}
	return math.Min(best, 1)
}

func ones(n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = 1
	}
	return o
}
