package frames

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Percentiles returns the pmin and pmax percentiles (0-100) of f.
func Percentiles(f *mat.Dense, pmin, pmax float64) (lo, hi float64, err error) {
	if pmin < 0 || pmax > 100 || pmin > pmax {
		return 0, 0, fmt.Errorf("invalid percentiles [%g, %g]", pmin, pmax)
	}
	rows, cols := f.Dims()
	values := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		values = append(values, f.RawRowView(i)...)
	}
	sort.Float64s(values)
	return quantile(pmin/100, values), quantile(pmax/100, values), nil
}

func quantile(p float64, sorted []float64) float64 {
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	return stat.Quantile(p, stat.LinInterp, sorted, nil)
}

// Rescale maps the [pmin, pmax] percentile range of f onto [newMin, newMax].
// Values outside the percentile range are clipped first.
func Rescale(f *mat.Dense, pmin, pmax, newMin, newMax float64) (*mat.Dense, error) {
	lo, hi, err := Percentiles(f, pmin, pmax)
	if err != nil {
		return nil, err
	}
	rows, cols := f.Dims()
	out := mat.NewDense(rows, cols, nil)
	if hi == lo {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out.Set(i, j, newMin)
			}
		}
		return out, nil
	}
	scale := (newMax - newMin) / (hi - lo)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := min(max(f.At(i, j), lo), hi)
			out.Set(i, j, newMin+(v-lo)*scale)
		}
	}
	return out, nil
}

// RescaleSeries rescales every frame onto the percentile range of the first one.
func RescaleSeries(series []*mat.Dense, pmin, pmax float64) ([]*mat.Dense, error) {
	if len(series) == 0 {
		return nil, nil
	}
	newMin, newMax, err := Percentiles(series[0], pmin, pmax)
	if err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(series))
	for i, f := range series {
		if out[i], err = Rescale(f, pmin, pmax, newMin, newMax); err != nil {
			return nil, err
		}
	}
	return out, nil
}
