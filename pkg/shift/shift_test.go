package shift

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/registration"
)

type registrarFunc func(upper, lower *mat.Dense, seed models.RelativeShift, params registration.Params) (models.RelativeShift, error)

func (f registrarFunc) EstimateShift(upper, lower *mat.Dense, seed models.RelativeShift, params registration.Params) (models.RelativeShift, error) {
	return f(upper, lower, seed, params)
}

func TestEstimate(t *testing.T) {
	shifts, err := Estimate([]float64{90, 0}, []float64{0, 0}, []int{100, 100})
	require.NoError(t, err)
	assert.Equal(t, []models.RelativeShift{{Axis0: 10, Axis2: 0}}, shifts)

	shifts, err = Estimate([]float64{-15, -50, -90}, []float64{3, 0, 2}, []int{30, 60, 40})
	require.NoError(t, err)
	assert.Equal(t, []models.RelativeShift{{Axis0: 10, Axis2: 3}, {Axis0: 10, Axis2: -2}}, shifts)
}

func TestEstimateGeometryErrors(t *testing.T) {
	tests := []struct {
		name      string
		positions []float64
	}{
		{name: "no overlap", positions: []float64{200, 0}},
		{name: "touching", positions: []float64{100, 0}},
		{name: "overlap larger than items", positions: []float64{0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Estimate(tt.positions, []float64{0, 0}, []int{100, 100})
			var geomErr *stitcherr.GeometryError
			require.True(t, errors.As(err, &geomErr), "got %v", err)
			assert.Equal(t, 0, geomErr.Junction)
		})
	}
}

func TestJunctionParams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Axis0Params.ImgRegMethod = config.StringList{"none", "phase_correlation"}
	cfg.Axis2Params.SearchRadius = 4
	params := JunctionParams(cfg, 2)
	assert.Equal(t, registration.None, params[0].Axis0Method)
	assert.Equal(t, registration.PhaseCorrelation, params[1].Axis0Method)
	assert.Equal(t, registration.NCC, params[0].Axis2Method)
	assert.Equal(t, 4, params[1].Axis2Radius)
}

func blankReader(calls *int) Reader {
	return func(item, index int) (*mat.Dense, error) {
		*calls++
		return mat.NewDense(20, 8, nil), nil
	}
}

func TestRefineFallsBackToSeed(t *testing.T) {
	var logs []string
	defer monitoring.SetLogger(func(format string, v ...interface{}) { logs = append(logs, fmt.Sprintf(format, v...)) })()

	seeds := []models.RelativeShift{{Axis0: 5}, {Axis0: 6}, {Axis0: 7}, {Axis0: 8}}
	refiner := &Refiner{
		Registrar: registrarFunc(func(upper, lower *mat.Dense, seed models.RelativeShift, params registration.Params) (models.RelativeShift, error) {
			switch seed.Axis0 {
			case 5:
				return models.RelativeShift{Axis0: 4, Axis2: 1}, nil
			case 6:
				return seed, fmt.Errorf("%w: boom", stitcherr.ErrRegistrationUnavailable)
			case 7:
				return models.RelativeShift{Axis0: 500}, nil
			}
			return seed, errors.New("unexpected failure")
		}),
		Params: []registration.Params{
			{Axis0Method: registration.NCC},
			{Axis0Method: registration.NCC},
			{Axis0Method: registration.NCC},
			{Axis0Method: registration.NCC},
		},
	}

	calls := 0
	final, err := refiner.Refine(blankReader(&calls), 0, seeds)
	require.NoError(t, err)
	assert.Equal(t, []models.RelativeShift{{Axis0: 4, Axis2: 1}, {Axis0: 6}, {Axis0: 7}, {Axis0: 8}}, final)
	assert.Equal(t, 8, calls)

	warnings := 0
	for _, l := range logs {
		if len(l) > 8 && l[:8] == "Warning:" {
			warnings++
		}
	}
	assert.Equal(t, 3, warnings)
	// seeds untouched
	assert.Equal(t, 5, seeds[0].Axis0)
}

func TestRefineSkipsJunctionsWithoutMethod(t *testing.T) {
	refiner := &Refiner{
		Registrar: registration.NewDispatcher(),
		Params:    []registration.Params{{Axis0Method: registration.None, Axis2Method: registration.None}},
	}
	calls := 0
	final, err := refiner.Refine(blankReader(&calls), 0, []models.RelativeShift{{Axis0: 3}})
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, []models.RelativeShift{{Axis0: 3}}, final)
}

func TestRefineRecoversInjectedShift(t *testing.T) {
	defer monitoring.SetLogger(nil)()
	const width, shiftX = 40, 3
	rng := rand.New(rand.NewSource(11))
	big := mat.NewDense(190, width, nil)
	big.Apply(func(i, j int, v float64) float64 { return rng.Float64() }, big)
	upper := mat.DenseCopyOf(big.Slice(0, 100, 0, width))
	lower := mat.NewDense(100, width, nil)
	lower.Apply(func(i, x int, v float64) float64 { return big.At(90+i, max(x-shiftX, 0)) }, lower)

	read := func(item, index int) (*mat.Dense, error) {
		if item == 0 {
			return upper, nil
		}
		return lower, nil
	}
	refiner := &Refiner{
		Registrar: registration.NewDispatcher(),
		Params:    []registration.Params{{Axis0Method: registration.NCC, Axis2Method: registration.NCC, Axis0Radius: 3, Axis2Radius: 5}},
	}
	final, err := refiner.Refine(read, 0, []models.RelativeShift{{Axis0: 10, Axis2: 0}})
	require.NoError(t, err)
	assert.Equal(t, 10, final[0].Axis0)
	assert.InDelta(t, shiftX, final[0].Axis2, 1)
}
