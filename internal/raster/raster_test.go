package raster

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h, ch, depth int) *Raster {
	r := MustNew(w, h, ch, depth)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < ch; c++ {
				r.Set(x, y, c, uint16((x*3+y*7+c*11)%int(r.MaxValue()+1)))
			}
		}
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name           string
		w, h, ch, bits int
	}{
		{"negative width", -1, 4, 1, 8},
		{"zero channels", 4, 4, 0, 8},
		{"bad depth", 4, 4, 1, 12},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.w, tc.h, tc.ch, tc.bits)
			if !errors.Is(err, ErrGeometry) {
				t.Errorf("expected ErrGeometry, got %v", err)
			}
		})
	}
}

func TestSet_Saturates(t *testing.T) {
	r := MustNew(2, 2, 1, 8)
	r.Set(1, 1, 0, 1000)
	assert.Equal(t, uint16(255), r.At(1, 1, 0))
}

func TestSubRows_Clips(t *testing.T) {
	r := gradient(5, 10, 1, 8)

	tail := r.SubRows(7, 10)
	require.Equal(t, 3, tail.Height)
	assert.Equal(t, r.Row(7), tail.Row(0))

	head := r.SubRows(-2, 4)
	require.Equal(t, 2, head.Height)
	assert.Equal(t, r.Row(1), head.Row(1))

	none := r.SubRows(12, 3)
	assert.Equal(t, 0, none.Height)
}

func TestCrop(t *testing.T) {
	r := gradient(8, 6, 3, 16)
	c := r.Crop(2, 1, 4, 10)
	require.Equal(t, 4, c.Width)
	require.Equal(t, 5, c.Height)
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			for ch := 0; ch < 3; ch++ {
				assert.Equal(t, r.At(x+2, y+1, ch), c.At(x, y, ch))
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := gradient(4, 4, 1, 8)
	c := r.Clone()
	c.Set(0, 0, 0, 99)
	assert.NotEqual(t, r.At(0, 0, 0), c.At(0, 0, 0))
}

func TestSizeBytes(t *testing.T) {
	assert.Equal(t, int64(4*3*3*2), MustNew(4, 3, 3, 8).SizeBytes())
	assert.Equal(t, int64(10*2), MustNew(10, 1, 1, 16).SizeBytes())
}

func TestLuminance_Range(t *testing.T) {
	r := MustNew(2, 1, 3, 8)
	for c := 0; c < 3; c++ {
		r.Set(1, 0, c, 255)
	}
	lum := r.Luminance()
	assert.InDelta(t, 0.0, lum[0], 1e-12)
	assert.InDelta(t, 1.0, lum[1], 1e-12)
}

func TestStripOriented(t *testing.T) {
	r := gradient(3, 4, 1, 8)

	fwd := Strip{ID: 1, Raster: r}
	assert.Same(t, r, fwd.Oriented())

	rev := Strip{ID: 2, Direction: Reverse, Raster: r}
	o := rev.Oriented()
	require.Equal(t, r.Height, o.Height)
	assert.Equal(t, r.Row(0), o.Row(3))
	assert.Equal(t, r.Row(3), o.Row(0))
	assert.Equal(t, "reverse", rev.Direction.String())
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		r      *Raster
		format Format
	}{
		{"gray8 tiff", gradient(17, 9, 1, 8), FormatTIFF},
		{"gray16 tiff", gradient(17, 9, 1, 16), FormatTIFF},
		{"rgb8 png", gradient(5, 5, 3, 8), FormatPNG},
		{"rgb16 tiff", gradient(5, 5, 3, 16), FormatTIFF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, tc.r, tc.format))
			got, err := Decode(&buf, tc.format)
			require.NoError(t, err)
			assert.True(t, got.SameGeometry(tc.r), "geometry %dx%dx%d@%d", got.Width, got.Height, got.Channels, got.BitDepth)
			assert.Equal(t, tc.r.Pix, got.Pix)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatPNG, FormatFromPath("a/b/strip_0001.PNG"))
	assert.Equal(t, FormatTIFF, FormatFromPath("strip.tif"))
	assert.Equal(t, FormatTIFF, FormatFromPath("strip"))
}
