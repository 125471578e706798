package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tomostitch/internal/models"
	"tomostitch/internal/stitcherr"
)

// minOverlapColumns is the smallest horizontal overlap a candidate may have.
const minOverlapColumns = 4

// CrossCorrelation tests every candidate of the search window and keeps the
// one with the highest Pearson correlation between the overlapping pixels.
func CrossCorrelation(upper, lower *mat.Dense, seed models.RelativeShift, radius [2]int) (models.RelativeShift, error) {
	hu, wu := upper.Dims()
	hl, wl := lower.Dims()

	best := seed
	bestScore := math.Inf(-1)
	var a, b []float64
	for o := seed.Axis0 - radius[0]; o <= seed.Axis0+radius[0]; o++ {
		if o < 1 || o > hu || o > hl {
			continue
		}
		for dx := seed.Axis2 - radius[1]; dx <= seed.Axis2+radius[1]; dx++ {
			x0 := max(0, dx)
			x1 := min(wl, wu+dx)
			if x1-x0 < min(minOverlapColumns, wl) {
				continue
			}
			a, b = a[:0], b[:0]
			for i := 0; i < o; i++ {
				for x := x0; x < x1; x++ {
					a = append(a, upper.At(hu-o+i, x-dx))
					b = append(b, lower.At(i, x))
				}
			}
			score := stat.Correlation(a, b, nil)
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			if score > bestScore {
				bestScore = score
				best = models.RelativeShift{Axis0: o, Axis2: dx}
			}
		}
	}
	if math.IsInf(bestScore, -1) {
		return seed, fmt.Errorf("%w: no candidate around %v gives a finite correlation", stitcherr.ErrRegistrationDegenerate, seed)
	}
	return best, nil
}
