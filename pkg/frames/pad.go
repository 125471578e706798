package frames

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
)

// Offset returns where an extent of size starts inside target for the given alignment.
func Offset(size, target int, align models.Alignment) int {
	switch align {
	case models.AlignFront:
		return 0
	case models.AlignBack:
		return target - size
	default:
		return (target - size) / 2
	}
}

// PadWidth pads f horizontally to width columns. Constant mode fills with
// zeros, edge mode repeats the border columns.
func PadWidth(f *mat.Dense, width int, align models.Alignment, mode models.PadMode) (*mat.Dense, error) {
	rows, cols := f.Dims()
	if width < cols {
		return nil, fmt.Errorf("cannot pad a frame of width %d to %d", cols, width)
	}
	if width == cols {
		return mat.DenseCopyOf(f), nil
	}
	before := Offset(cols, width, align)
	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			src := j - before
			switch {
			case src >= 0 && src < cols:
				out.Set(i, j, f.At(i, src))
			case mode == models.PadEdge && src < 0:
				out.Set(i, j, f.At(i, 0))
			case mode == models.PadEdge:
				out.Set(i, j, f.At(i, cols-1))
			}
		}
	}
	return out, nil
}
