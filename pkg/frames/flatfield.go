package frames

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Reference is a reduced calibration frame acquired at a given frame index.
type Reference struct {
	Index int
	Frame *mat.Dense
}

// FlatField returns (raw - dark) / (flat - dark). Pixels where the
// denominator vanishes are set to 1.
func FlatField(raw, dark, flat *mat.Dense) (*mat.Dense, error) {
	rows, cols := raw.Dims()
	if r, c := dark.Dims(); r != rows || c != cols {
		return nil, fmt.Errorf("dark shape (%d, %d) does not match frame shape (%d, %d)", r, c, rows, cols)
	}
	if r, c := flat.Dims(); r != rows || c != cols {
		return nil, fmt.Errorf("flat shape (%d, %d) does not match frame shape (%d, %d)", r, c, rows, cols)
	}
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := dark.At(i, j)
			den := flat.At(i, j) - d
			if den == 0 {
				out.Set(i, j, 1)
				continue
			}
			out.Set(i, j, (raw.At(i, j)-d)/den)
		}
	}
	return out, nil
}

// InterpolateReference returns the reference to use at frame index. Between
// two references the result is linearly interpolated by index; outside the
// acquired range the closest reference is used.
func InterpolateReference(refs []Reference, index int) (*mat.Dense, error) {
	if len(refs) == 0 {
		return nil, errors.New("no reference frame")
	}
	sorted := append([]Reference(nil), refs...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Index < sorted[b].Index })

	if index <= sorted[0].Index {
		return sorted[0].Frame, nil
	}
	last := sorted[len(sorted)-1]
	if index >= last.Index {
		return last.Frame, nil
	}
	for k := 1; k < len(sorted); k++ {
		prev, next := sorted[k-1], sorted[k]
		if index > next.Index {
			continue
		}
		if index == next.Index {
			return next.Frame, nil
		}
		w := float64(index-prev.Index) / float64(next.Index-prev.Index)
		var a, b mat.Dense
		a.Scale(1-w, prev.Frame)
		b.Scale(w, next.Frame)
		a.Add(&a, &b)
		return &a, nil
	}
	return last.Frame, nil
}

// ReduceMean averages a series of frames pixel by pixel.
func ReduceMean(series []*mat.Dense) (*mat.Dense, error) {
	return reduce(series, func(values []float64) float64 {
		return stat.Mean(values, nil)
	})
}

// ReduceMedian takes the pixel-wise median of a series of frames.
func ReduceMedian(series []*mat.Dense) (*mat.Dense, error) {
	return reduce(series, median)
}

func reduce(series []*mat.Dense, fn func([]float64) float64) (*mat.Dense, error) {
	if len(series) == 0 {
		return nil, errors.New("cannot reduce an empty series")
	}
	rows, cols := series[0].Dims()
	for _, f := range series[1:] {
		if r, c := f.Dims(); r != rows || c != cols {
			return nil, fmt.Errorf("inconsistent frame shapes in series: (%d, %d) vs (%d, %d)", r, c, rows, cols)
		}
	}
	out := mat.NewDense(rows, cols, nil)
	values := make([]float64, len(series))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			for k, f := range series {
				values[k] = f.At(i, j)
			}
			out.Set(i, j, fn(values))
		}
	}
	return out, nil
}

// median sorts values in place.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
