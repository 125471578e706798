package frames

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Flip returns a copy of f mirrored left/right and/or up/down.
func Flip(f *mat.Dense, lr, ud bool) *mat.Dense {
	rows, cols := f.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		si := i
		if ud {
			si = rows - 1 - i
		}
		for j := 0; j < cols; j++ {
			sj := j
			if lr {
				sj = cols - 1 - j
			}
			out.Set(i, j, f.At(si, sj))
		}
	}
	return out
}

// DetectorMatrix returns the 3x3 transformation of the (axis 0, axis 1,
// axis 2) frame corresponding to the given flips.
func DetectorMatrix(lr, ud bool) *mat.Dense {
	d := []float64{1, 1, 1}
	if ud {
		d[0] = -1
	}
	if lr {
		d[2] = -1
	}
	return mat.NewDense(3, 3, []float64{
		d[0], 0, 0,
		0, d[1], 0,
		0, 0, d[2],
	})
}

// Compose chains detector transformations, applied in the given order.
func Compose(transforms ...mat.Matrix) *mat.Dense {
	out := DetectorMatrix(false, false)
	for _, t := range transforms {
		var next mat.Dense
		next.Mul(t, out)
		out = &next
	}
	return out
}

// FlipsOf decomposes a detector transformation into flips. Only identity,
// up/down, left/right and their combination are supported.
func FlipsOf(m mat.Matrix) (lr, ud bool, err error) {
	for _, candidate := range [][2]bool{{false, false}, {false, true}, {true, false}, {true, true}} {
		if mat.EqualApprox(m, DetectorMatrix(candidate[0], candidate[1]), 1e-9) {
			return candidate[0], candidate[1], nil
		}
	}
	return false, false, fmt.Errorf("unsupported detector transformation %v", mat.Formatted(m, mat.Squeeze()))
}
