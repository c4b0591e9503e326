package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/testutil"
)

func impulse(size int, depth int, v uint16) *raster.Raster {
	r := raster.MustNew(size, size, 1, depth)
	r.Set(size/2, size/2, 0, v)
	return r
}

func TestBoxBlur(t *testing.T) {
	r := impulse(5, 8, 90)

	out, err := BoxBlur{Radius: 1}.Process(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), out.At(2, 2, 0))
	assert.Equal(t, uint16(10), out.At(1, 1, 0))
	assert.Equal(t, uint16(0), out.At(0, 0, 0))
	assert.Equal(t, uint16(90), r.At(2, 2, 0), "input must not change")

	same, _ := BoxBlur{}.Process(r)
	assert.Same(t, r, same)
}

func TestGaussianBlur(t *testing.T) {
	for _, depth := range []int{8, 16} {
		r := impulse(9, depth, r16or8(depth))
		out, err := GaussianBlur{Sigma: 1}.Process(r)
		require.NoError(t, err)
		require.True(t, out.SameGeometry(r))

		centre := out.At(4, 4, 0)
		assert.Less(t, centre, r.At(4, 4, 0), "depth %d", depth)
		assert.Greater(t, centre, out.At(3, 4, 0), "depth %d", depth)
		assert.Greater(t, out.At(3, 4, 0), uint16(0), "depth %d", depth)
		assert.InDelta(t, out.At(3, 4, 0), out.At(5, 4, 0), 1, "depth %d", depth)
		assert.InDelta(t, out.At(4, 3, 0), out.At(4, 5, 0), 1, "depth %d", depth)
	}

	r := testutil.Gradient(8, 8)
	same, err := GaussianBlur{}.Process(r)
	require.NoError(t, err)
	assert.Same(t, r, same)
}

func r16or8(depth int) uint16 {
	if depth == 16 {
		return 60000
	}
	return 240
}

func TestMedian_RemovesSaltNoise(t *testing.T) {
	r := raster.MustNew(7, 7, 3, 16)
	for i := range r.Pix {
		r.Pix[i] = 5000
	}
	r.Set(3, 3, 1, 65535)

	out, err := Median{Size: 3}.Process(r)
	require.NoError(t, err)
	for i, v := range out.Pix {
		assert.InDelta(t, 5000, v, 1, "sample %d", i)
	}

	// Even sizes round up to the next odd kernel.
	out, err = Median{Size: 2}.Process(r)
	require.NoError(t, err)
	assert.InDelta(t, 5000, out.At(3, 3, 1), 1)
}

func TestNormalize(t *testing.T) {
	r := raster.MustNew(3, 1, 2, 8)
	copy(r.Pix, []uint16{10, 5, 20, 5, 30, 5})

	out, err := Normalize{}.Process(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), out.At(0, 0, 0))
	assert.InDelta(t, 128, out.At(1, 0, 0), 1)
	assert.Equal(t, uint16(255), out.At(2, 0, 0))
	for x := 0; x < 3; x++ {
		assert.Equal(t, uint16(5), out.At(x, 0, 1), "constant channel kept")
	}
}

func TestEqualizeHist(t *testing.T) {
	r := raster.MustNew(4, 1, 1, 8)
	copy(r.Pix, []uint16{10, 10, 20, 30})

	out, err := EqualizeHist{}.Process(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), out.Pix[0])
	assert.Equal(t, uint16(0), out.Pix[1])
	assert.InDelta(t, 128, out.Pix[2], 1)
	assert.Equal(t, uint16(255), out.Pix[3])

	flat := raster.MustNew(4, 4, 1, 16)
	for i := range flat.Pix {
		flat.Pix[i] = 700
	}
	out, err = EqualizeHist{}.Process(flat)
	require.NoError(t, err)
	assert.Equal(t, flat.Pix, out.Pix)
}

type failingPre struct{}

func (failingPre) Process(*raster.Raster) (*raster.Raster, error) {
	return nil, errors.New("boom")
}

func TestChain(t *testing.T) {
	r := impulse(5, 8, 90)

	out, err := Chain{BoxBlur{Radius: 1}, Normalize{}}.Process(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(255), out.At(2, 2, 0))
	assert.Equal(t, uint16(0), out.At(0, 4, 0))

	_, err = Chain{Normalize{}, failingPre{}}.Process(r)
	assert.EqualError(t, err, "boom")
}
