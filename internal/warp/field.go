// Package warp applies dense displacement fields to large rasters by
// resampling them tile by tile under a memory budget.
package warp

import (
	"fmt"
	"math"
)

// Field is a dense per-pixel displacement in source pixel units. Fields are
// read-only once built and may be shared between goroutines.
type Field struct {
	Width  int
	Height int
	DX     []float32
	DY     []float32
}

// NewField returns a zero field of the given size.
func NewField(width, height int) (*Field, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("field size %dx%d must be positive", width, height)
	}
	n := width * height
	return &Field{Width: width, Height: height, DX: make([]float32, n), DY: make([]float32, n)}, nil
}

// UniformField returns a field with the same displacement everywhere.
func UniformField(width, height int, dx, dy float32) *Field {
	f, err := NewField(max(width, 1), max(height, 1))
	if err != nil {
		panic(err)
	}
	for i := range f.DX {
		f.DX[i] = dx
		f.DY[i] = dy
	}
	return f
}

// Validate checks buffer lengths and finiteness.
func (f *Field) Validate() error {
	if f == nil {
		return fmt.Errorf("nil field")
	}
	n := f.Width * f.Height
	if f.Width <= 0 || f.Height <= 0 || len(f.DX) != n || len(f.DY) != n {
		return fmt.Errorf("field %dx%d has %d/%d samples", f.Width, f.Height, len(f.DX), len(f.DY))
	}
	for i := range f.DX {
		if !isFinite(f.DX[i]) || !isFinite(f.DY[i]) {
			return fmt.Errorf("field sample %d is not finite", i)
		}
	}
	return nil
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// At returns the displacement at integer field coordinates.
func (f *Field) At(x, y int) (dx, dy float32) {
	i := y*f.Width + x
	return f.DX[i], f.DY[i]
}

// Sample returns the bilinearly interpolated displacement at fractional
// field coordinates, clamped to the field edges.
func (f *Field) Sample(fx, fy float64) (dx, dy float64) {
	fx = math.Max(0, math.Min(fx, float64(f.Width-1)))
	fy = math.Max(0, math.Min(fy, float64(f.Height-1)))
	x0, y0 := int(fx), int(fy)
	x1, y1 := min(x0+1, f.Width-1), min(y0+1, f.Height-1)
	ax, ay := fx-float64(x0), fy-float64(y0)

	lerp := func(s []float32) float64 {
		top := float64(s[y0*f.Width+x0])*(1-ax) + float64(s[y0*f.Width+x1])*ax
		bot := float64(s[y1*f.Width+x0])*(1-ax) + float64(s[y1*f.Width+x1])*ax
		return top*(1-ay) + bot*ay
	}
	return lerp(f.DX), lerp(f.DY)
}

// MaxAbs is the largest displacement component magnitude.
func (f *Field) MaxAbs() float64 {
	var m float64
	for i := range f.DX {
		m = math.Max(m, math.Abs(float64(f.DX[i])))
		m = math.Max(m, math.Abs(float64(f.DY[i])))
	}
	return m
}

// lookup maps source pixel (x, y) of a w x h image to a displacement. A
// field with the image's size is read directly; any other size is sampled
// at the corresponding pixel centre. Values are not rescaled since they are
// already in source pixels.
func (f *Field) lookup(x, y, w, h int) (float64, float64) {
	if f.Width == w && f.Height == h {
		dx, dy := f.At(x, y)
		return float64(dx), float64(dy)
	}
	fx := (float64(x)+0.5)*float64(f.Width)/float64(w) - 0.5
	fy := (float64(y)+0.5)*float64(f.Height)/float64(h) - 0.5
	return f.Sample(fx, fy)
}
