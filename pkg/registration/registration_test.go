package registration

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/stitcherr"
)

// makePair cuts two frames of height 100 from one random image so that the
// last 10 rows of the upper frame match the first 10 rows of the lower one,
// and lower(x) == upper(x - dx).
func makePair(seed int64, dx int) (upper, lower *mat.Dense) {
	const width = 48
	rng := rand.New(rand.NewSource(seed))
	big := mat.NewDense(190, width, nil)
	for i := 0; i < 190; i++ {
		for j := 0; j < width; j++ {
			big.Set(i, j, rng.Float64())
		}
	}
	upper = mat.DenseCopyOf(big.Slice(0, 100, 0, width))
	lower = mat.NewDense(100, width, nil)
	for i := 0; i < 100; i++ {
		for x := 0; x < width; x++ {
			lower.Set(i, x, big.At(90+i, min(max(x-dx, 0), width-1)))
		}
	}
	return upper, lower
}

func TestCrossCorrelationRecoversShift(t *testing.T) {
	for _, dx := range []int{-3, 0, 5} {
		upper, lower := makePair(1, dx)
		got, err := CrossCorrelation(upper, lower, models.RelativeShift{Axis0: 12, Axis2: 0}, [2]int{5, 6})
		require.NoError(t, err)
		assert.Equal(t, models.RelativeShift{Axis0: 10, Axis2: dx}, got)
	}
}

func TestPhaseCorrelationRecoversShift(t *testing.T) {
	for _, dx := range []int{-4, 0, 3} {
		upper, lower := makePair(2, dx)
		got, err := PhaseCorrelate(upper, lower, models.RelativeShift{Axis0: 10, Axis2: 0}, [2]int{10, 10})
		require.NoError(t, err)
		assert.InDelta(t, 10, got.Axis0, 1)
		assert.InDelta(t, dx, got.Axis2, 1)
	}
}

func TestDispatcher(t *testing.T) {
	upper, lower := makePair(3, 4)
	d := NewDispatcher()
	seed := models.RelativeShift{Axis0: 11, Axis2: 0}

	got, err := d.EstimateShift(upper, lower, seed, Params{Axis0Method: None, Axis2Method: None})
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	// only the horizontal component is refined
	exact := models.RelativeShift{Axis0: 10, Axis2: 0}
	got, err = d.EstimateShift(upper, lower, exact, Params{Axis0Method: None, Axis2Method: NCC, Axis0Radius: 5, Axis2Radius: 6})
	require.NoError(t, err)
	assert.Equal(t, models.RelativeShift{Axis0: 10, Axis2: 4}, got)

	got, err = d.EstimateShift(upper, lower, seed, Params{Axis0Method: NCC, Axis2Method: NCC, Axis0Radius: 5, Axis2Radius: 6})
	require.NoError(t, err)
	assert.Equal(t, models.RelativeShift{Axis0: 10, Axis2: 4}, got)

	_, err = d.EstimateShift(upper, lower, seed, Params{Axis0Method: Method("sift")})
	assert.True(t, errors.Is(err, stitcherr.ErrRegistrationUnavailable))
}

func TestDispatcherRejectsOutOfWindow(t *testing.T) {
	d := NewDispatcher()
	d.Register(Method("wild"), func(upper, lower *mat.Dense, seed models.RelativeShift, radius [2]int) (models.RelativeShift, error) {
		return models.RelativeShift{Axis0: seed.Axis0 + 50}, nil
	})
	upper, lower := makePair(4, 0)
	_, err := d.EstimateShift(upper, lower, models.RelativeShift{Axis0: 10}, Params{Axis0Method: Method("wild"), Axis0Radius: 3})
	assert.True(t, errors.Is(err, stitcherr.ErrRegistrationDegenerate))
}

func TestFlatImagesAreDegenerate(t *testing.T) {
	flat := mat.NewDense(20, 8, nil)
	flat.Apply(func(i, j int, v float64) float64 { return 1 }, flat)
	seed := models.RelativeShift{Axis0: 5}

	_, err := CrossCorrelation(flat, flat, seed, [2]int{2, 2})
	assert.True(t, errors.Is(err, stitcherr.ErrRegistrationDegenerate))

	_, err = PhaseCorrelate(flat, flat, seed, [2]int{2, 2})
	assert.True(t, errors.Is(err, stitcherr.ErrRegistrationDegenerate))
}

func TestParseMethod(t *testing.T) {
	assert.Equal(t, None, ParseMethod(""))
	assert.Equal(t, NCC, ParseMethod("NCC"))
	assert.Equal(t, PhaseCorrelation, ParseMethod("phase-correlation"))
	assert.Equal(t, Method("sift"), ParseMethod("sift"))
}
