package frames

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ShiftHorizontal moves f by dx columns (positive to the right) using
// linear interpolation. Samples falling outside the frame take the value
// of the nearest border column.
func ShiftHorizontal(f *mat.Dense, dx float64) *mat.Dense {
	rows, cols := f.Dims()
	if dx == 0 {
		return mat.DenseCopyOf(f)
	}
	out := mat.NewDense(rows, cols, nil)
	last := float64(cols - 1)
	for j := 0; j < cols; j++ {
		x := math.Max(0, math.Min(last, float64(j)-dx))
		x0 := int(math.Floor(x))
		x1 := min(x0+1, cols-1)
		w := x - float64(x0)
		for i := 0; i < rows; i++ {
			out.Set(i, j, (1-w)*f.At(i, x0)+w*f.At(i, x1))
		}
	}
	return out
}
