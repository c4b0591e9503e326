package raster

import (
	"errors"
	"fmt"
	"time"
)

// ErrGeometry is returned when raster dimensions or sample layout are invalid
// or do not match between two rasters.
var ErrGeometry = errors.New("raster geometry mismatch")

// Raster is a dense row-major image. Samples for a pixel are interleaved by
// channel. Samples are held as uint16 regardless of BitDepth so 8 and 16 bit
// sensors share one code path; values never exceed MaxValue().
type Raster struct {
	Width     int
	Height    int
	Channels  int
	BitDepth  int // 8 or 16
	Pix       []uint16
	Timestamp time.Time
}

// New allocates a zeroed raster.
func New(width, height, channels, bitDepth int) (*Raster, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("%w: negative size %dx%d", ErrGeometry, width, height)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive, got %d", ErrGeometry, channels)
	}
	if bitDepth != 8 && bitDepth != 16 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrGeometry, bitDepth)
	}
	return &Raster{
		Width:     width,
		Height:    height,
		Channels:  channels,
		BitDepth:  bitDepth,
		Pix:       make([]uint16, width*height*channels),
		Timestamp: time.Now(),
	}, nil
}

// MustNew is New for sizes known to be valid. It panics on error.
func MustNew(width, height, channels, bitDepth int) *Raster {
	r, err := New(width, height, channels, bitDepth)
	if err != nil {
		panic(err)
	}
	return r
}

// MaxValue is the largest representable sample value.
func (r *Raster) MaxValue() uint16 {
	return uint16((1 << r.BitDepth) - 1)
}

// Stride is the number of samples in one row.
func (r *Raster) Stride() int {
	return r.Width * r.Channels
}

// Offset returns the index of sample (x, y, c) in Pix.
func (r *Raster) Offset(x, y, c int) int {
	return (y*r.Width+x)*r.Channels + c
}

// At returns sample (x, y, c). Coordinates must be in bounds.
func (r *Raster) At(x, y, c int) uint16 {
	return r.Pix[r.Offset(x, y, c)]
}

// Set stores sample (x, y, c), saturating to MaxValue.
func (r *Raster) Set(x, y, c int, v uint16) {
	if m := r.MaxValue(); v > m {
		v = m
	}
	r.Pix[r.Offset(x, y, c)] = v
}

// InBounds reports whether (x, y) addresses a pixel of r.
func (r *Raster) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < r.Width && y < r.Height
}

// Row returns the samples of row y as a sub-slice of Pix.
func (r *Raster) Row(y int) []uint16 {
	s := r.Stride()
	return r.Pix[y*s : (y+1)*s]
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	if r == nil {
		return nil
	}
	c := *r
	c.Pix = make([]uint16, len(r.Pix))
	copy(c.Pix, r.Pix)
	return &c
}

// SubRows copies rows [y0, y0+n) into a new raster. The range is clipped to
// the raster so callers can ask for more rows than exist.
func (r *Raster) SubRows(y0, n int) *Raster {
	if y0 < 0 {
		n += y0
		y0 = 0
	}
	if y0+n > r.Height {
		n = r.Height - y0
	}
	if n < 0 {
		n = 0
	}
	out := &Raster{
		Width:     r.Width,
		Height:    n,
		Channels:  r.Channels,
		BitDepth:  r.BitDepth,
		Pix:       make([]uint16, n*r.Stride()),
		Timestamp: r.Timestamp,
	}
	copy(out.Pix, r.Pix[y0*r.Stride():(y0+n)*r.Stride()])
	return out
}

// Crop copies the rectangle [x0, x0+w) x [y0, y0+h), clipped to bounds.
func (r *Raster) Crop(x0, y0, w, h int) *Raster {
	x1, y1 := min(x0+w, r.Width), min(y0+h, r.Height)
	x0, y0 = max(x0, 0), max(y0, 0)
	w, h = max(x1-x0, 0), max(y1-y0, 0)
	out := &Raster{
		Width:     w,
		Height:    h,
		Channels:  r.Channels,
		BitDepth:  r.BitDepth,
		Pix:       make([]uint16, w*h*r.Channels),
		Timestamp: r.Timestamp,
	}
	for y := 0; y < h; y++ {
		src := r.Pix[r.Offset(x0, y0+y, 0):r.Offset(x0, y0+y, 0)+w*r.Channels]
		copy(out.Row(y), src)
	}
	return out
}

// SameLayout reports whether o has the same width, channel count and bit
// depth as r. Heights may differ.
func (r *Raster) SameLayout(o *Raster) bool {
	return r.Width == o.Width && r.Channels == o.Channels && r.BitDepth == o.BitDepth
}

// SameGeometry reports whether o has identical dimensions and sample layout.
func (r *Raster) SameGeometry(o *Raster) bool {
	return r.SameLayout(o) && r.Height == o.Height
}

// Luminance returns the per-pixel channel mean scaled to [0, 1].
func (r *Raster) Luminance() []float64 {
	out := make([]float64, r.Width*r.Height)
	scale := 1.0 / (float64(r.MaxValue()) * float64(r.Channels))
	for i := range out {
		var sum float64
		base := i * r.Channels
		for c := 0; c < r.Channels; c++ {
			sum += float64(r.Pix[base+c])
		}
		out[i] = sum * scale
	}
	return out
}

// FlipRows returns a copy with row order reversed.
func (r *Raster) FlipRows() *Raster {
	out := r.Clone()
	for y := 0; y < r.Height; y++ {
		copy(out.Row(y), r.Row(r.Height-1-y))
	}
	return out
}

// SizeBytes is the in-memory size of the sample buffer.
func (r *Raster) SizeBytes() int64 {
	return int64(len(r.Pix)) * 2
}
