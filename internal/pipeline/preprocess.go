package pipeline

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/gift"

	"github.com/banshee-data/scanalign/internal/raster"
)

// Chain applies preprocessors in order.
type Chain []Preprocessor

func (c Chain) Process(r *raster.Raster) (*raster.Raster, error) {
	for _, p := range c {
		var err error
		if r, err = p.Process(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// GaussianBlur smooths with a gaussian kernel of the given sigma in pixels.
type GaussianBlur struct {
	Sigma float32
}

func (b GaussianBlur) Process(r *raster.Raster) (*raster.Raster, error) {
	if b.Sigma <= 0 {
		return r, nil
	}
	return filterChannels(r, func([]uint16) gift.Filter { return gift.GaussianBlur(b.Sigma) }), nil
}

// BoxBlur smooths with a (2*Radius+1)^2 mean filter.
type BoxBlur struct {
	Radius int
}

func (b BoxBlur) Process(r *raster.Raster) (*raster.Raster, error) {
	if b.Radius <= 0 {
		return r, nil
	}
	return filterChannels(r, func([]uint16) gift.Filter { return gift.Mean(2*b.Radius+1, false) }), nil
}

// Median replaces each sample with the median of its Size x Size
// neighbourhood. Even sizes are rounded up.
type Median struct {
	Size int
}

func (m Median) Process(r *raster.Raster) (*raster.Raster, error) {
	if m.Size <= 1 {
		return r, nil
	}
	k := m.Size | 1
	return filterChannels(r, func([]uint16) gift.Filter { return gift.Median(k, false) }), nil
}

// Normalize stretches each channel to the full sample range. Constant
// channels are left unchanged.
type Normalize struct{}

func (Normalize) Process(r *raster.Raster) (*raster.Raster, error) {
	maxV := int(r.MaxValue())
	return filterChannels(r, func(plane []uint16) gift.Filter {
		lo, hi := uint16(math.MaxUint16), uint16(0)
		for _, v := range plane {
			lo, hi = min(lo, v), max(hi, v)
		}
		if hi <= lo {
			return nil
		}
		lut := make([]uint16, maxV+1)
		scale := float64(maxV) / float64(hi-lo)
		for v := int(lo); v <= maxV; v++ {
			lut[v] = uint16(min(float64(maxV), math.Round(float64(v-int(lo))*scale)))
		}
		return lookup(lut)
	}), nil
}

// EqualizeHist flattens each channel's histogram so levels spread over the
// full sample range.
type EqualizeHist struct{}

func (EqualizeHist) Process(r *raster.Raster) (*raster.Raster, error) {
	maxV := int(r.MaxValue())
	return filterChannels(r, func(plane []uint16) gift.Filter {
		cdf := make([]int, maxV+1)
		for _, v := range plane {
			cdf[v]++
		}
		cdfMin := 0
		for v := 1; v <= maxV; v++ {
			cdf[v] += cdf[v-1]
		}
		for _, c := range cdf {
			if c > 0 {
				cdfMin = c
				break
			}
		}
		n := len(plane)
		if n == cdfMin {
			return nil
		}
		lut := make([]uint16, maxV+1)
		for v, c := range cdf {
			if c < cdfMin {
				continue
			}
			lut[v] = uint16(math.Round(float64(c-cdfMin) / float64(n-cdfMin) * float64(maxV)))
		}
		return lookup(lut)
	}), nil
}

// lookup maps gray levels through lut. gift hands samples over as [0,1]
// floats, so levels are recovered by rounding.
func lookup(lut []uint16) gift.Filter {
	maxV := float32(len(lut) - 1)
	return gift.ColorFunc(func(r0, _, _, a0 float32) (r, g, b, a float32) {
		i := int(r0*maxV + 0.5)
		i = max(0, min(i, len(lut)-1))
		v := float32(lut[i]) / maxV
		return v, v, v, a0
	})
}

// filterChannels runs a gift filter over every channel of r as a separate
// gray plane, so any channel count and both bit depths survive. build sees
// the plane's samples and may return nil to leave that channel unchanged.
func filterChannels(r *raster.Raster, build func(plane []uint16) gift.Filter) *raster.Raster {
	out := raster.MustNew(r.Width, r.Height, r.Channels, r.BitDepth)
	out.Timestamp = r.Timestamp
	plane := make([]uint16, r.Width*r.Height)
	for c := 0; c < r.Channels; c++ {
		for i := range plane {
			plane[i] = r.Pix[i*r.Channels+c]
		}
		if f := build(plane); f != nil {
			src := toPlane(plane, r.Width, r.Height, r.BitDepth)
			dst := toPlane(nil, r.Width, r.Height, r.BitDepth)
			gift.New(f).Draw(dst, src)
			fromPlane(dst, plane)
		}
		for i, v := range plane {
			out.Pix[i*r.Channels+c] = v
		}
	}
	return out
}

// toPlane wraps samples in a Gray or Gray16 image; nil samples yield a blank one.
func toPlane(samples []uint16, w, h, depth int) draw.Image {
	rect := image.Rect(0, 0, w, h)
	if depth == 8 {
		img := image.NewGray(rect)
		for i, v := range samples {
			img.Pix[i] = uint8(v)
		}
		return img
	}
	img := image.NewGray16(rect)
	for i, v := range samples {
		img.SetGray16(i%w, i/w, color.Gray16{Y: v})
	}
	return img
}

func fromPlane(img draw.Image, samples []uint16) {
	switch p := img.(type) {
	case *image.Gray:
		for i := range samples {
			samples[i] = uint16(p.Pix[i])
		}
	case *image.Gray16:
		w := p.Rect.Dx()
		for i := range samples {
			samples[i] = p.Gray16At(i%w, i/w).Y
		}
	}
}
