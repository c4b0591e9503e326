package raster

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// Format selects the on-disk encoding.
type Format int

const (
	FormatTIFF Format = iota
	FormatPNG
)

// FormatFromPath picks a format from a file extension. Unknown extensions
// default to TIFF, which round-trips 16 bit samples.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG
	default:
		return FormatTIFF
	}
}

// Decode reads a TIFF or PNG image into a Raster. Gray images become single
// channel rasters; everything else becomes three channel RGB. 16 bit
// sources keep their depth.
func Decode(rd io.Reader, format Format) (*Raster, error) {
	var (
		img image.Image
		err error
	)
	switch format {
	case FormatPNG:
		img, err = png.Decode(rd)
	default:
		img, err = tiff.Decode(rd)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts a standard library image into a Raster.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch src := img.(type) {
	case *image.Gray:
		r := MustNew(w, h, 1, 8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.Pix[y*w+x] = uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return r
	case *image.Gray16:
		r := MustNew(w, h, 1, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.Pix[y*w+x] = src.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return r
	case *image.RGBA64, *image.NRGBA64:
		return fromColorModel(img, 16)
	default:
		return fromColorModel(img, 8)
	}
}

func fromColorModel(img image.Image, depth int) *Raster {
	b := img.Bounds()
	r := MustNew(b.Dx(), b.Dy(), 3, depth)
	shift := uint(16 - depth)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			r.Pix[i] = c.R >> shift
			r.Pix[i+1] = c.G >> shift
			r.Pix[i+2] = c.B >> shift
			i += 3
		}
	}
	return r
}

// ToImage converts a Raster into a standard library image. One channel maps
// to Gray/Gray16, three or more channels to NRGBA/NRGBA64 (extra channels
// are dropped, alpha is opaque). Two channel rasters are rendered from their
// first channel.
func (r *Raster) ToImage() image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	if r.Channels < 3 {
		if r.BitDepth == 8 {
			img := image.NewGray(rect)
			for y := 0; y < r.Height; y++ {
				for x := 0; x < r.Width; x++ {
					img.Pix[y*img.Stride+x] = uint8(r.At(x, y, 0))
				}
			}
			return img
		}
		img := image.NewGray16(rect)
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: r.At(x, y, 0)})
			}
		}
		return img
	}
	if r.BitDepth == 8 {
		img := image.NewNRGBA(rect)
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				o := y*img.Stride + x*4
				img.Pix[o] = uint8(r.At(x, y, 0))
				img.Pix[o+1] = uint8(r.At(x, y, 1))
				img.Pix[o+2] = uint8(r.At(x, y, 2))
				img.Pix[o+3] = 0xff
			}
		}
		return img
	}
	img := image.NewNRGBA64(rect)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			img.SetNRGBA64(x, y, color.NRGBA64{R: r.At(x, y, 0), G: r.At(x, y, 1), B: r.At(x, y, 2), A: 0xffff})
		}
	}
	return img
}

// Encode writes r in the requested format.
func Encode(w io.Writer, r *Raster, format Format) error {
	img := r.ToImage()
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(w, img)
	default:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}
