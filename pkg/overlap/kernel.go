// Package overlap blends the two overlapping regions of a junction.
package overlap

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Strategy is the blending law applied across an overlap band.
type Strategy string

const (
	// Linear cross-fades from the upper region to the lower one.
	Linear Strategy = "linear"
	// Cosinus cross-fades with a cos² law.
	Cosinus Strategy = "cosinus"
	// Closest takes the upper half from the upper region and the lower half from the lower region.
	Closest Strategy = "closest"
	// Mean averages both regions.
	Mean Strategy = "mean"
)

// ParseStrategy accepts a strategy name, case insensitive.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Linear, "":
		return Linear, nil
	case Cosinus, "cosine":
		return Cosinus, nil
	case Closest:
		return Closest, nil
	case Mean:
		return Mean, nil
	}
	return "", fmt.Errorf("unknown stitching strategy %q (expected linear, cosinus, closest or mean)", s)
}

// Kernel blends one junction.
type Kernel struct {
	// Size is the overlap extent in rows
	Size int

	// Strategy is the blending law
	Strategy Strategy

	// Width is the width of the destination frames
	Width int

	upper []float64
}

// NewKernel creates a kernel for an overlap of size rows.
func NewKernel(size, width int, strategy Strategy) (*Kernel, error) {
	if size < 0 {
		return nil, fmt.Errorf("overlap size must be positive, got %d", size)
	}
	if width <= 0 {
		return nil, fmt.Errorf("frame width must be positive, got %d", width)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	k := &Kernel{Size: size, Strategy: strategy, Width: width}
	k.upper = upperWeights(size, strategy)
	return k, nil
}

// UpperWeights returns the weight of the upper region on each row. The
// lower region weight is its complement to one.
func (k *Kernel) UpperWeights() []float64 {
	return append([]float64(nil), k.upper...)
}

func upperWeights(size int, strategy Strategy) []float64 {
	w := make([]float64, size)
	if size == 1 && (strategy == Linear || strategy == Cosinus) {
		w[0] = 0.5
		return w
	}
	for i := range w {
		switch strategy {
		case Linear:
			w[i] = 1 - float64(i)/float64(size-1)
		case Cosinus:
			c := math.Cos(math.Pi / 2 * float64(i) / float64(size-1))
			w[i] = c * c
		case Closest:
			if i < size/2 {
				w[i] = 1
			}
		default:
			w[i] = 0.5
		}
	}
	return w
}

// Stitch blends the upper and lower regions, which must both have Size rows
// and Width columns.
func (k *Kernel) Stitch(upper, lower mat.Matrix) (*mat.Dense, error) {
	if k.Size == 0 {
		return nil, fmt.Errorf("empty overlap has nothing to blend")
	}
	ur, uc := upper.Dims()
	lr, lc := lower.Dims()
	if ur != lr || uc != lc {
		return nil, fmt.Errorf("overlap regions differ in shape: (%d, %d) vs (%d, %d)", ur, uc, lr, lc)
	}
	if ur != k.Size || uc != k.Width {
		return nil, fmt.Errorf("overlap regions of shape (%d, %d) do not match kernel (%d, %d)", ur, uc, k.Size, k.Width)
	}
	out := mat.NewDense(ur, uc, nil)
	for i := 0; i < ur; i++ {
		wu := k.upper[i]
		for j := 0; j < uc; j++ {
			switch wu {
			case 1:
				out.Set(i, j, upper.At(i, j))
			case 0:
				out.Set(i, j, lower.At(i, j))
			default:
				out.Set(i, j, wu*upper.At(i, j)+(1-wu)*lower.At(i, j))
			}
		}
	}
	return out, nil
}

func (k *Kernel) String() string {
	return fmt.Sprintf("%s overlap of %d rows (width %d)", k.Strategy, k.Size, k.Width)
}
