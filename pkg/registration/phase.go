package registration

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tomostitch/internal/models"
	"tomostitch/internal/stitcherr"
)

// PhaseCorrelate compares the bottom window of the upper image with the top
// window of the lower image. The window height covers the search window of
// the seed. If the lower window equals the upper one moved by d rows, the
// normalized cross power spectrum peaks at d, and the overlap is the window
// height plus d.
func PhaseCorrelate(upper, lower *mat.Dense, seed models.RelativeShift, radius [2]int) (models.RelativeShift, error) {
	hu, wu := upper.Dims()
	hl, wl := lower.Dims()
	if wu != wl {
		return seed, fmt.Errorf("%w: phase correlation needs images of equal width (%d vs %d)", stitcherr.ErrRegistrationDegenerate, wu, wl)
	}
	h := min(hu, hl, max(seed.Axis0+radius[0], 1))
	w := wu

	f1 := windowSpectrum(upper, hu-h, h, w)
	f2 := windowSpectrum(lower, 0, h, w)

	power := make([]complex128, h*w)
	for i := range power {
		c := f2[i] * cmplx.Conj(f1[i])
		if m := cmplx.Abs(c); m > 1e-12 {
			power[i] = c / complex(m, 0)
		}
	}
	surface := fft2D(power, h, w, true)

	peak, peakValue := 0, math.Inf(-1)
	for i, v := range surface {
		if re := real(v); re > peakValue {
			peak, peakValue = i, re
		}
	}
	if peakValue <= 0 || math.IsNaN(peakValue) {
		return seed, fmt.Errorf("%w: flat phase correlation surface", stitcherr.ErrRegistrationDegenerate)
	}

	p, q := peak/w, peak%w
	out := seed
	if radius[0] > 0 {
		out.Axis0 = h
		if p > 0 {
			out.Axis0 = p
		}
	}
	if radius[1] > 0 {
		out.Axis2 = q
		if q > w/2 {
			out.Axis2 = q - w
		}
	}
	return out, nil
}

// windowSpectrum returns the 2D spectrum of rows [start, start+h) of f, mean removed.
func windowSpectrum(f *mat.Dense, start, h, w int) []complex128 {
	values := make([]float64, 0, h*w)
	for i := start; i < start+h; i++ {
		for j := 0; j < w; j++ {
			values = append(values, f.At(i, j))
		}
	}
	mean := stat.Mean(values, nil)
	data := make([]complex128, len(values))
	for i, v := range values {
		data[i] = complex(v-mean, 0)
	}
	return fft2D(data, h, w, false)
}

// fft2D transforms a row-major rows x cols array, rows first then columns.
// The inverse transform is normalized.
func fft2D(data []complex128, rows, cols int, inverse bool) []complex128 {
	result := make([]complex128, len(data))
	copy(result, data)

	rowFFT := fourier.NewCmplxFFT(cols)
	row := make([]complex128, cols)
	for i := 0; i < rows; i++ {
		src := result[i*cols : (i+1)*cols]
		if inverse {
			rowFFT.Sequence(row, src)
		} else {
			rowFFT.Coefficients(row, src)
		}
		copy(src, row)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	colIn := make([]complex128, rows)
	colOut := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			colIn[i] = result[i*cols+j]
		}
		if inverse {
			colFFT.Sequence(colOut, colIn)
		} else {
			colFFT.Coefficients(colOut, colIn)
		}
		for i := 0; i < rows; i++ {
			result[i*cols+j] = colOut[i]
		}
	}

	if inverse {
		n := complex(float64(rows*cols), 0)
		for i := range result {
			result[i] /= n
		}
	}
	return result
}
