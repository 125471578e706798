// Package shift computes the relative shifts between consecutive items of
// an ordered serie: a seed estimated from the item positions, then refined
// by image registration on a representative unit of each item.
package shift

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/registration"
)

// Estimate derives the seed shift of every junction from positions in
// pixels (axis 0 pointing up) and item heights. The axis-0 shift is the
// overlap between the bottom edge of the upper item and the top edge of the
// lower item. The axis-2 shift follows lower(x) == upper(x - dx).
func Estimate(axis0, axis2 []float64, heights []int) ([]models.RelativeShift, error) {
	n := len(heights)
	if len(axis0) != n || len(axis2) != n {
		return nil, fmt.Errorf("expected %d positions per axis, got %d and %d", n, len(axis0), len(axis2))
	}
	out := make([]models.RelativeShift, n-1)
	for j := range out {
		hu, hl := float64(heights[j]), float64(heights[j+1])
		upperLow := axis0[j] - hu/2
		lowerHigh := axis0[j+1] + hl/2
		overlap := int(lowerHigh - upperLow)
		if overlap <= 0 {
			return nil, stitcherr.Geometryf(j, "no overlap between items %d and %d (computed %d px from positions %g and %g)",
				j, j+1, overlap, axis0[j], axis0[j+1])
		}
		if limit := min(heights[j], heights[j+1]); overlap > limit {
			return nil, stitcherr.Geometryf(j, "overlap of %d px exceeds the smallest item height %d", overlap, limit)
		}
		out[j] = models.RelativeShift{
			Axis0: overlap,
			Axis2: int(math.Round(axis2[j] - axis2[j+1])),
		}
	}
	return out, nil
}

// JunctionParams builds the registration parameters of each junction from
// a normalized configuration.
func JunctionParams(cfg *config.StitchingConfiguration, junctions int) []registration.Params {
	out := make([]registration.Params, junctions)
	for j := range out {
		out[j] = registration.Params{
			Axis0Method: registration.ParseMethod(at(cfg.Axis0Params.ImgRegMethod, j)),
			Axis2Method: registration.ParseMethod(at(cfg.Axis2Params.ImgRegMethod, j)),
			Axis0Radius: cfg.Axis0Params.SearchRadius,
			Axis2Radius: cfg.Axis2Params.SearchRadius,
		}
	}
	return out
}

func at(values []string, j int) string {
	if j < len(values) {
		return values[j]
	}
	return ""
}

// Reader returns the unit at index of item i, prepared for comparison
// (reading order applied, calibrated, flipped and padded to a common width).
type Reader func(item, index int) (*mat.Dense, error)

// Refiner refines seed shifts with a registrar.
type Refiner struct {
	Registrar registration.Registrar
	Params    []registration.Params
}

// Refine returns the final shifts. Registration problems are logged and the
// seed of the junction is kept; only read errors are returned.
func (r *Refiner) Refine(read Reader, index int, seeds []models.RelativeShift) ([]models.RelativeShift, error) {
	final := append([]models.RelativeShift(nil), seeds...)
	if r.Registrar == nil {
		return final, nil
	}
	for j, seed := range seeds {
		params := registration.Params{Axis0Method: registration.None, Axis2Method: registration.None}
		if j < len(r.Params) {
			params = r.Params[j]
		}
		if params.Axis0Method == registration.None && params.Axis2Method == registration.None {
			continue
		}

		upper, err := read(j, index)
		if err != nil {
			return nil, fmt.Errorf("failed to read unit %d of item %d: %w", index, j, err)
		}
		lower, err := read(j+1, index)
		if err != nil {
			return nil, fmt.Errorf("failed to read unit %d of item %d: %w", index, j+1, err)
		}

		found, err := r.Registrar.EstimateShift(upper, lower, seed, params)
		if err == nil {
			err = checkOverlap(found, upper, lower)
		}
		if err != nil {
			if !errors.Is(err, stitcherr.ErrRegistrationUnavailable) && !errors.Is(err, stitcherr.ErrRegistrationDegenerate) {
				err = fmt.Errorf("%w: %v", stitcherr.ErrRegistrationDegenerate, err)
			}
			monitoring.Warnf("junction %d: %v, keeping estimated shift %v", j, err, seed)
			continue
		}
		monitoring.Logf("junction %d: estimated shift %v refined to %v", j, seed, found)
		final[j] = found
	}
	return final, nil
}

func checkOverlap(found models.RelativeShift, upper, lower *mat.Dense) error {
	hu, _ := upper.Dims()
	hl, _ := lower.Dims()
	if found.Axis0 < 1 || found.Axis0 > min(hu, hl) {
		return fmt.Errorf("%w: refined overlap %d outside [1, %d]", stitcherr.ErrRegistrationDegenerate, found.Axis0, min(hu, hl))
	}
	return nil
}
