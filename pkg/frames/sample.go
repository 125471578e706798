package frames

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// NormalizeBySample subtracts, row by row, the mean or median of a band of
// width columns taken margin columns away from the left or right border.
func NormalizeBySample(f *mat.Dense, side, method string, margin, width int) (*mat.Dense, error) {
	rows, cols := f.Dims()
	if width <= 0 || margin < 0 || margin+width > cols {
		return nil, fmt.Errorf("sample band (margin %d, width %d) does not fit a frame of width %d", margin, width, cols)
	}
	start := margin
	switch strings.ToLower(side) {
	case "left", "":
	case "right":
		start = cols - margin - width
	default:
		return nil, fmt.Errorf("unknown sample side %q (expected left or right)", side)
	}

	var reduce func([]float64) float64
	switch strings.ToLower(method) {
	case "mean":
		reduce = func(v []float64) float64 { return stat.Mean(v, nil) }
	case "median", "":
		reduce = median
	default:
		return nil, fmt.Errorf("unknown sample method %q (expected mean or median)", method)
	}

	out := mat.DenseCopyOf(f)
	band := make([]float64, width)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		copy(band, row[start:start+width])
		background := reduce(band)
		for j := range row {
			row[j] -= background
		}
	}
	return out, nil
}
