package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/banshee-data/scanalign/internal/fsutil"
	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/raster"
)

// SyntheticSource cuts overlapping strips out of a scene raster, standing
// in for a line-scan camera on a moving carriage.
type SyntheticSource struct {
	Scene       *raster.Raster
	StripHeight int
	Overlap     int
	// Jitter is the maximum horizontal carriage wobble in pixels.
	Jitter int
	// Bidirectional delivers every second strip in reverse line order.
	Bidirectional bool
	// Pace is the delay between strips; zero pushes as fast as possible.
	Pace time.Duration
	Seed int64
}

// Run pushes strips top to bottom. The final strip may be shorter than
// StripHeight. Dropped strips are logged and not retried.
func (s *SyntheticSource) Run(ctx context.Context, h *Handle) error {
	if s.Scene == nil || s.StripHeight <= 0 || s.Overlap < 0 || s.Overlap >= s.StripHeight {
		return fmt.Errorf("synthetic source: strip height %d with overlap %d", s.StripHeight, s.Overlap)
	}
	rng := rand.New(rand.NewSource(s.Seed))
	step := s.StripHeight - s.Overlap

	var id uint64
	for y := 0; y < s.Scene.Height; y += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := s.Scene.SubRows(y, s.StripHeight)
		if r.Height <= s.Overlap && y > 0 {
			break
		}
		if s.Jitter > 0 {
			r = shiftColumns(r, rng.Intn(2*s.Jitter+1)-s.Jitter)
		}
		id++
		strip := raster.Strip{ID: id, Position: float64(y), Raster: r}
		if s.Bidirectional && id%2 == 0 {
			strip.Direction = raster.Reverse
			strip.Raster = r.FlipRows()
		}
		if !h.Push(strip) {
			monitoring.Logf("[SyntheticSource] strip %d dropped: queue full", id)
		}
		if s.Pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Pace):
			}
		}
		if y+s.StripHeight >= s.Scene.Height {
			break
		}
	}
	return nil
}

// shiftColumns returns r with content moved dx columns to the right,
// zero-filling uncovered columns.
func shiftColumns(r *raster.Raster, dx int) *raster.Raster {
	if dx == 0 {
		return r
	}
	out := raster.MustNew(r.Width, r.Height, r.Channels, r.BitDepth)
	ch := r.Channels
	for y := 0; y < r.Height; y++ {
		src, dst := r.Row(y), out.Row(y)
		if dx > 0 {
			copy(dst[dx*ch:], src[:max(0, (r.Width-dx)*ch)])
		} else {
			copy(dst, src[min(-dx, r.Width)*ch:])
		}
	}
	return out
}

// DirSource replays strip images from a directory in lexical file order.
type DirSource struct {
	FS  fsutil.FileSystem
	Dir string
	// Bidirectional marks every second file as a reverse-direction strip.
	Bidirectional bool
}

func isStripFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".tif", ".tiff", ".png":
		return true
	}
	return false
}

func (s *DirSource) Run(ctx context.Context, h *Handle) error {
	names, err := s.FS.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", s.Dir, err)
	}
	var id uint64
	for _, name := range names {
		if !isStripFile(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := s.load(path.Join(s.Dir, name))
		if err != nil {
			return err
		}
		id++
		strip := raster.Strip{ID: id, Position: float64(id - 1), Raster: r}
		if s.Bidirectional && id%2 == 0 {
			strip.Direction = raster.Reverse
		}
		if !h.Push(strip) {
			monitoring.Logf("[DirSource] %s dropped: queue full", name)
		}
	}
	return nil
}

func (s *DirSource) load(name string) (*raster.Raster, error) {
	f, err := s.FS.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := raster.Decode(f, raster.FormatFromPath(name))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return r, nil
}
