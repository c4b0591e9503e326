package stitch

import (
	"math"

	"github.com/banshee-data/scanalign/internal/raster"
)

// BlendInto fuses src into dst with its first row at insertY and its
// columns shifted by offsetX. For the first overlap rows the output is
// alpha*src + (1-alpha)*dst with alpha = y/overlap; remaining rows (and all
// rows when blending is false) are overwritten. Pixels falling outside dst
// are skipped. Both rasters must share channel count and bit depth.
func BlendInto(dst, src *raster.Raster, insertY, offsetX, overlap int, blending bool) {
	maxV := float64(dst.MaxValue())
	ch := dst.Channels

	// Column range of src that lands inside dst.
	x0 := max(0, -offsetX)
	x1 := min(src.Width, dst.Width-offsetX)
	if x1 <= x0 {
		return
	}

	for y := 0; y < src.Height; y++ {
		ty := insertY + y
		if ty < 0 || ty >= dst.Height {
			continue
		}
		srow := src.Row(y)[x0*ch : x1*ch]
		drow := dst.Row(ty)[(x0+offsetX)*ch : (x1+offsetX)*ch]

		if !blending || y >= overlap {
			copy(drow, srow)
			continue
		}

		alpha := float64(y) / float64(overlap)
		for i, s := range srow {
			v := math.Round(alpha*float64(s) + (1-alpha)*float64(drow[i]))
			drow[i] = uint16(math.Min(math.Max(v, 0), maxV))
		}
	}
}
