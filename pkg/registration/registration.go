// Package registration refines the relative shift between two consecutive
// images of a serie. The upper image is expected above the lower one, with
// its bottom rows overlapping the top rows of the lower image.
//
// A shift (o, dx) means that the last o rows of the upper image show the
// same content as the first o rows of the lower image, and that
// lower(x) == upper(x - dx) horizontally.
package registration

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/stitcherr"
)

// Method names a registration algorithm.
type Method string

const (
	// None keeps the seed shift.
	None Method = "none"
	// NCC searches the best normalized cross-correlation around the seed.
	NCC Method = "ncc"
	// PhaseCorrelation reads the shift from the peak of the FFT phase correlation.
	PhaseCorrelation Method = "phase_correlation"
)

// ParseMethod normalizes a method name. Unknown names are kept as is and
// rejected by the dispatcher, which lets callers fall back to the seed.
func ParseMethod(s string) Method {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "", "none", "null":
		return None
	case "ncc", "cross_correlation", "cross-correlation":
		return NCC
	case "phase_correlation", "phase-correlation", "fft":
		return PhaseCorrelation
	default:
		return Method(m)
	}
}

// Params selects a method per axis and the search window around the seed.
type Params struct {
	Axis0Method Method
	Axis2Method Method

	// Radius of the search window, in pixels
	Axis0Radius int
	Axis2Radius int
}

// Registrar refines a seed shift from the images of one junction.
type Registrar interface {
	EstimateShift(upper, lower *mat.Dense, seed models.RelativeShift, params Params) (models.RelativeShift, error)
}

// Func estimates a shift within radius[0] rows and radius[1] columns of the seed.
// A zero radius freezes the corresponding component.
type Func func(upper, lower *mat.Dense, seed models.RelativeShift, radius [2]int) (models.RelativeShift, error)

// Dispatcher routes each axis to the registered method.
type Dispatcher struct {
	methods map[Method]Func
}

// NewDispatcher returns a dispatcher knowing NCC and PhaseCorrelation.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{methods: map[Method]Func{}}
	d.Register(NCC, CrossCorrelation)
	d.Register(PhaseCorrelation, PhaseCorrelate)
	return d
}

// Register adds or replaces a method.
func (d *Dispatcher) Register(m Method, f Func) {
	d.methods[m] = f
}

// EstimateShift implements Registrar. Components whose method is None keep
// the seed value. An unknown method yields ErrRegistrationUnavailable and an
// answer outside the search window ErrRegistrationDegenerate.
func (d *Dispatcher) EstimateShift(upper, lower *mat.Dense, seed models.RelativeShift, params Params) (models.RelativeShift, error) {
	out := seed
	for i, m := range []Method{params.Axis0Method, params.Axis2Method} {
		if m == None || m == "" || (i == 1 && m == params.Axis0Method) {
			continue
		}
		f, ok := d.methods[m]
		if !ok {
			return seed, fmt.Errorf("%w: %q", stitcherr.ErrRegistrationUnavailable, m)
		}

		var radius [2]int
		if params.Axis0Method == m {
			radius[0] = max(params.Axis0Radius, 0)
		}
		if params.Axis2Method == m {
			radius[1] = max(params.Axis2Radius, 0)
		}
		found, err := f(upper, lower, seed, radius)
		if err != nil {
			return seed, err
		}
		if err := checkWindow(upper, lower, seed, radius, found); err != nil {
			return seed, err
		}
		if params.Axis0Method == m {
			out.Axis0 = found.Axis0
		}
		if params.Axis2Method == m {
			out.Axis2 = found.Axis2
		}
	}
	return out, nil
}

func checkWindow(upper, lower *mat.Dense, seed models.RelativeShift, radius [2]int, found models.RelativeShift) error {
	hu, _ := upper.Dims()
	hl, _ := lower.Dims()
	if radius[0] > 0 && (found.Axis0 < 1 || found.Axis0 > min(hu, hl)) {
		return fmt.Errorf("%w: overlap %d outside [1, %d]", stitcherr.ErrRegistrationDegenerate, found.Axis0, min(hu, hl))
	}
	if abs(found.Axis0-seed.Axis0) > radius[0] || abs(found.Axis2-seed.Axis2) > radius[1] {
		return fmt.Errorf("%w: %v is outside the search window around %v", stitcherr.ErrRegistrationDegenerate, found, seed)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
