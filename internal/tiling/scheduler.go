// Package tiling partitions large images into halo-padded tiles whose
// working set fits a memory budget.
package tiling

import (
	"errors"
	"fmt"
	"image"
	"sort"
)

// TemporaryFactor accounts for the scratch buffers a tile needs on top of
// its padded input (coordinate map, output block).
const TemporaryFactor = 2

var (
	// ErrBudgetTooSmall means not even a one-pixel core with its halo fits.
	ErrBudgetTooSmall = errors.New("memory budget too small for a single tile")
	// ErrInvalidRequest reports a non-positive size, cost or safety factor.
	ErrInvalidRequest = errors.New("invalid tiling request")
)

// Tile describes a core region of an image plus the halo that surrounds it.
// Tiles are descriptors only; they carry no pixel data.
type Tile struct {
	Index  int `json:"index"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Halo   int `json:"halo"`
}

// Core is the region of the output this tile is responsible for.
func (t Tile) Core() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
}

// Padded is the core grown by the halo and clipped to the image.
func (t Tile) Padded(imgW, imgH int) image.Rectangle {
	return t.Core().Inset(-t.Halo).Intersect(image.Rect(0, 0, imgW, imgH))
}

func (t Tile) String() string {
	return fmt.Sprintf("tile %d core=(%d,%d %dx%d) halo=%d", t.Index, t.X, t.Y, t.Width, t.Height, t.Halo)
}

// Request is the input to Plan.
type Request struct {
	ImageWidth    int
	ImageHeight   int
	BytesPerPixel int     // intermediate cost per pixel
	Budget        int64   // bytes
	SafetyFactor  float64 // >= 1 leaves headroom
}

// Limit is the per-tile byte allowance.
func (r Request) Limit() int64 {
	return int64(float64(r.Budget) / r.SafetyFactor)
}

func (r Request) validate() error {
	switch {
	case r.ImageWidth <= 0 || r.ImageHeight <= 0:
		return fmt.Errorf("%w: image %dx%d", ErrInvalidRequest, r.ImageWidth, r.ImageHeight)
	case r.BytesPerPixel <= 0:
		return fmt.Errorf("%w: bytes per pixel %d", ErrInvalidRequest, r.BytesPerPixel)
	case r.Budget <= 0:
		return fmt.Errorf("%w: budget %d", ErrInvalidRequest, r.Budget)
	case !(r.SafetyFactor > 0):
		return fmt.Errorf("%w: safety factor %v", ErrInvalidRequest, r.SafetyFactor)
	}
	return nil
}

// Footprint is the working-set size in bytes of a w x h padded block.
func Footprint(w, h, bytesPerPixel int) int64 {
	return int64(w) * int64(h) * int64(bytesPerPixel) * TemporaryFactor
}

// TileFootprint is the footprint of t's padded, clipped extent.
func TileFootprint(t Tile, req Request) int64 {
	p := t.Padded(req.ImageWidth, req.ImageHeight)
	return Footprint(p.Dx(), p.Dy(), req.BytesPerPixel)
}

// Scheduler holds the preferred tile geometry.
type Scheduler struct {
	TileWidth  int
	TileHeight int
	Halo       int
}

// Plan partitions the image into tiles in row-major order. When the whole
// image fits the limit a single tile is returned. Otherwise the core starts
// at the preferred size and the larger side shrinks until a padded tile
// fits.
func (s Scheduler) Plan(req Request) ([]Tile, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.TileWidth <= 0 || s.TileHeight <= 0 || s.Halo < 0 {
		return nil, fmt.Errorf("%w: tile %dx%d halo %d", ErrInvalidRequest, s.TileWidth, s.TileHeight, s.Halo)
	}
	limit := req.Limit()

	whole := Tile{Width: req.ImageWidth, Height: req.ImageHeight, Halo: s.Halo}
	if TileFootprint(whole, req) <= limit {
		return []Tile{whole}, nil
	}

	tw := min(s.TileWidth, req.ImageWidth)
	th := min(s.TileHeight, req.ImageHeight)
	pad := 2 * s.Halo
	for Footprint(tw+pad, th+pad, req.BytesPerPixel) > limit {
		if tw == 1 && th == 1 {
			return nil, fmt.Errorf("%w: 1x1 core with halo %d needs %d bytes, limit %d",
				ErrBudgetTooSmall, s.Halo, Footprint(1+pad, 1+pad, req.BytesPerPixel), limit)
		}
		if tw >= th {
			tw -= max(1, tw/16)
		} else {
			th -= max(1, th/16)
		}
	}

	cols := (req.ImageWidth + tw - 1) / tw
	rows := (req.ImageHeight + th - 1) / th
	tiles := make([]Tile, 0, cols*rows)
	for y := 0; y < req.ImageHeight; y += th {
		for x := 0; x < req.ImageWidth; x += tw {
			tiles = append(tiles, Tile{
				Index:  len(tiles),
				X:      x,
				Y:      y,
				Width:  min(tw, req.ImageWidth-x),
				Height: min(th, req.ImageHeight-y),
				Halo:   s.Halo,
			})
		}
	}
	return tiles, nil
}

// Fits reports whether every tile's footprint is within the request limit.
func Fits(tiles []Tile, req Request) bool {
	limit := req.Limit()
	for _, t := range tiles {
		if TileFootprint(t, req) > limit {
			return false
		}
	}
	return true
}

// MaxFootprint is the largest tile footprint in the plan.
func MaxFootprint(tiles []Tile, req Request) int64 {
	var m int64
	for _, t := range tiles {
		m = max(m, TileFootprint(t, req))
	}
	return m
}

// Coverage checks that the tile cores cover the w x h image exactly once.
func Coverage(tiles []Tile, w, h int) error {
	bounds := image.Rect(0, 0, w, h)
	var area int64
	for _, t := range tiles {
		c := t.Core()
		if c.Empty() || !c.In(bounds) {
			return fmt.Errorf("%v lies outside %v", t, bounds)
		}
		area += int64(c.Dx()) * int64(c.Dy())
	}
	if area != int64(w)*int64(h) {
		return fmt.Errorf("core area %d does not match image area %d", area, int64(w)*int64(h))
	}

	// Equal area plus pairwise disjoint cores implies exact coverage.
	sorted := make([]Tile, len(tiles))
	copy(sorted, tiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Y < sorted[j].Y })
	for i := range sorted {
		ci := sorted[i].Core()
		for j := i + 1; j < len(sorted) && sorted[j].Y < ci.Max.Y; j++ {
			if ci.Overlaps(sorted[j].Core()) {
				return fmt.Errorf("%v overlaps %v", sorted[i], sorted[j])
			}
		}
	}
	return nil
}
