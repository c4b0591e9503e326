package align

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2 holds the row and column transforms for a fixed w x h grid so they
// can be reused between the two bands of one estimate.
type fft2 struct {
	w, h   int
	rows   *fourier.CmplxFFT
	cols   *fourier.CmplxFFT
	rowBuf []complex128
	colIn  []complex128
	colOut []complex128
}

func newFFT2(w, h int) *fft2 {
	return &fft2{
		w:      w,
		h:      h,
		rows:   fourier.NewCmplxFFT(w),
		cols:   fourier.NewCmplxFFT(h),
		rowBuf: make([]complex128, w),
		colIn:  make([]complex128, h),
		colOut: make([]complex128, h),
	}
}

// forward transforms data in place.
func (f *fft2) forward(data []complex128) {
	f.apply(data, false)
}

// inverse transforms data in place. The result is not normalised; only
// the location of the correlation peak and relative magnitudes are used.
func (f *fft2) inverse(data []complex128) {
	f.apply(data, true)
}

func (f *fft2) apply(data []complex128, inverse bool) {
	for y := 0; y < f.h; y++ {
		row := data[y*f.w : (y+1)*f.w]
		if inverse {
			f.rows.Sequence(f.rowBuf, row)
		} else {
			f.rows.Coefficients(f.rowBuf, row)
		}
		copy(row, f.rowBuf)
	}
	for x := 0; x < f.w; x++ {
		for y := 0; y < f.h; y++ {
			f.colIn[y] = data[y*f.w+x]
		}
		if inverse {
			f.cols.Sequence(f.colOut, f.colIn)
		} else {
			f.cols.Coefficients(f.colOut, f.colIn)
		}
		for y := 0; y < f.h; y++ {
			data[y*f.w+x] = f.colOut[y]
		}
	}
}

// hann returns a Hann window of length n. Windows shorter than four samples
// degenerate to all ones; tapering a handful of rows removes most of the
// signal.
func hann(n int) []float64 {
	w := make([]float64, n)
	if n < 4 {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// toSpectrum removes the mean, applies the separable window and returns the
// forward transform.
func toSpectrum(f *fft2, lum []float64, mean float64, wx, wy []float64) []complex128 {
	data := make([]complex128, len(lum))
	for y := 0; y < f.h; y++ {
		for x := 0; x < f.w; x++ {
			i := y*f.w + x
			data[i] = complex((lum[i]-mean)*wx[x]*wy[y], 0)
		}
	}
	f.forward(data)
	return data
}

// crossPower writes the normalised cross-power spectrum of a and b into a.
// Bins with negligible energy are zeroed rather than amplified.
func crossPower(a, b []complex128) {
	const eps = 1e-12
	for i := range a {
		p := a[i] * cmplx.Conj(b[i])
		m := cmplx.Abs(p)
		if m < eps {
			a[i] = 0
			continue
		}
		a[i] = p / complex(m, 0)
	}
}

// signedShift maps an FFT bin index to a signed displacement.
func signedShift(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}
