package ordering

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/tomo"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	t.Cleanup(monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	}))
	return &lines
}

func volume(name string, depth int, center float64) tomo.Item {
	return tomo.NewMemoryVolume("raw:"+name, models.NewVolume(depth, 2, 4), tomo.VolumeMetadata{
		VoxelSize: 1e-6,
		Position:  [3]float64{center, 0, 0},
	})
}

type scanFixture struct {
	angles []float64
	z      float64
	width  int
	energy float64
	frames int
}

func writeScan(t *testing.T, name string, fx scanFixture) *tomo.ScanItem {
	t.Helper()
	if fx.width == 0 {
		fx.width = 4
	}
	if fx.frames == 0 {
		fx.frames = 3
	}
	if fx.angles == nil {
		fx.angles = []float64{0, 90, 180}[:fx.frames]
	}
	projections := make([]*mat.Dense, fx.frames)
	for i := range projections {
		projections[i] = mat.NewDense(5, fx.width, nil)
	}
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, tomo.WriteScan(dir, tomo.ScanData{
		Metadata: tomo.ScanMetadata{
			PixelSize:      1e-6,
			Energy:         fx.energy,
			RotationAngles: fx.angles,
			ZTranslation:   []float64{fx.z, fx.z, fx.z}[:fx.frames],
		},
		Projections: projections,
	}))
	scan, err := tomo.OpenScan(dir)
	require.NoError(t, err)
	t.Cleanup(func() { scan.Close() })
	return scan
}

func TestOrderForward(t *testing.T) {
	items := []tomo.Item{volume("a", 100, 0), volume("b", 100, 0)}
	cfg := config.DefaultConfig()
	cfg.Axis0PosPx = config.Positions{Values: []float64{90, 0}}

	serie, err := Order(items, cfg)
	require.NoError(t, err)
	assert.False(t, serie.Reversed)
	assert.Equal(t, []string{"raw:a", "raw:b"}, serie.Identifiers())
}

func TestOrderExactReverse(t *testing.T) {
	logs := captureLogs(t)
	items := []tomo.Item{volume("low", 10, -90e-6), volume("mid", 10, -50e-6), volume("top", 10, -15e-6)}
	cfg := config.DefaultConfig()
	cfg.Inputs = []string{"raw:low", "raw:mid", "raw:top"}
	cfg.FlipLR = config.BoolList{true, false, false}
	cfg.Axis0Params.ImgRegMethod = config.StringList{"ncc", "none"}

	serie, err := Order(items, cfg)
	require.NoError(t, err)
	assert.True(t, serie.Reversed)
	assert.Equal(t, []string{"raw:top", "raw:mid", "raw:low"}, serie.Identifiers())
	assert.Equal(t, cfg.Inputs, serie.Identifiers())
	assert.Equal(t, config.BoolList{false, false, true}, cfg.FlipLR)
	assert.Equal(t, config.StringList{"none", "ncc"}, cfg.Axis0Params.ImgRegMethod)

	require.NotEmpty(t, *logs)
	assert.True(t, strings.HasPrefix((*logs)[0], "Warning: "))
}

func TestOrderTiedPositionsKeepGivenOrder(t *testing.T) {
	logs := captureLogs(t)
	items := []tomo.Item{volume("a", 10, 0), volume("b", 10, 0), volume("c", 10, 0)}
	cfg := config.DefaultConfig()
	cfg.Axis0PosPx = config.Positions{Values: []float64{100, 50, 50}}

	serie, err := Order(items, cfg)
	require.NoError(t, err)
	assert.False(t, serie.Reversed)
	assert.Equal(t, []string{"raw:a", "raw:b", "raw:c"}, serie.Identifiers())
	require.Len(t, *logs, 1)
	assert.Contains(t, (*logs)[0], "share the axis 0 position 50")
}

func TestOrderAmbiguous(t *testing.T) {
	items := []tomo.Item{volume("a", 10, 0), volume("b", 10, 0), volume("c", 10, 0)}
	cfg := config.DefaultConfig()
	cfg.Axis0PosPx = config.Positions{Values: []float64{50, 100, 0}}

	_, err := Order(items, cfg)
	var cfgErr *stitcherr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, cfgErr.Items, 3)

	cfg = config.DefaultConfig()
	cfg.Axis0PosPx = config.Positions{Values: []float64{10, 10, 0}}
	_, err = Order(items, cfg)
	assert.Error(t, err)
}

func TestValidateReadingOrders(t *testing.T) {
	a := writeScan(t, "a", scanFixture{angles: []float64{0, 90, 180}, z: 3e-4})
	b := writeScan(t, "b", scanFixture{angles: []float64{180.05, 90, 0}, z: 2e-4})
	c := writeScan(t, "c", scanFixture{angles: []float64{180, 90, 0}, z: 1e-4})
	d := writeScan(t, "d", scanFixture{angles: []float64{0, 90, 180}, z: 0})

	serie := &Serie{Items: []tomo.Item{a, b, c, d}}
	require.NoError(t, serie.Validate())
	assert.Equal(t, []models.ReadingOrder{models.Forward, models.Reverse, models.Reverse, models.Forward}, serie.Table.ReadingOrders)
}

func TestValidateRejectsIncompatibleScans(t *testing.T) {
	base := writeScan(t, "base", scanFixture{})
	tests := []struct {
		name  string
		other scanFixture
	}{
		{name: "angles", other: scanFixture{angles: []float64{0, 45, 180}}},
		{name: "width", other: scanFixture{width: 6}},
		{name: "frames", other: scanFixture{frames: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serie := &Serie{Items: []tomo.Item{base, writeScan(t, tt.name, tt.other)}}
			err := serie.Validate()
			var cfgErr *stitcherr.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}

	serie := &Serie{Items: []tomo.Item{base, volume("v", 5, 0)}}
	assert.Error(t, serie.Validate())
}

func TestValidateWarnsOnEnergy(t *testing.T) {
	logs := captureLogs(t)
	serie := &Serie{Items: []tomo.Item{
		writeScan(t, "a", scanFixture{energy: 19}),
		writeScan(t, "b", scanFixture{energy: 20}),
	}}
	require.NoError(t, serie.Validate())
	require.Len(t, *logs, 1)
	assert.Contains(t, (*logs)[0], "energies differ")
}

func TestEstimatePositions(t *testing.T) {
	logs := captureLogs(t)
	items := []tomo.Item{volume("a", 10, 100e-6), volume("b", 10, 40e-6)}

	cfg := config.DefaultConfig()
	cfg.Axis0PosMm = config.Positions{Values: []float64{0.1, 0.04}}
	cfg.Axis1PosPx = config.Positions{Values: []float64{1, 2}}
	serie, err := Order(items, cfg)
	require.NoError(t, err)
	require.NoError(t, serie.EstimatePositions(cfg))
	assert.InDeltaSlice(t, []float64{100, 40}, serie.Table.Axis0Positions, 1e-9)
	// axis 2 derived from bounding boxes, relative to the first item
	assert.InDeltaSlice(t, []float64{0, 0}, serie.Table.Axis2Positions, 1e-9)
	assert.Contains(t, strings.Join(*logs, "\n"), "axis 1 positions")

	cfg = config.DefaultConfig()
	serie, err = Order(items, cfg)
	require.NoError(t, err)
	require.NoError(t, serie.EstimatePositions(cfg))
	assert.InDeltaSlice(t, []float64{0, -60}, serie.Table.Axis0Positions, 1e-9)
}

func TestMillimetresToPixels(t *testing.T) {
	assert.InDelta(t, 1500, MillimetresToPixels(1.5, 1e-6), 1e-9)
}

func TestEstablishFlips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "flipped")
	require.NoError(t, tomo.WriteScan(dir, tomo.ScanData{
		Metadata:    tomo.ScanMetadata{PixelSize: 1e-6, DetectorFlipLR: true, RotationAngles: []float64{0}},
		Projections: []*mat.Dense{mat.NewDense(2, 2, nil)},
	}))
	flipped, err := tomo.OpenScan(dir)
	require.NoError(t, err)
	defer flipped.Close()

	serie := &Serie{Items: []tomo.Item{flipped, volume("v", 2, 0)}}
	cfg := config.DefaultConfig()
	cfg.FlipLR = config.BoolList{true, true}
	cfg.FlipUD = config.BoolList{false, true}
	require.NoError(t, cfg.Normalize(2))

	require.NoError(t, serie.EstablishFlips(cfg))
	assert.Equal(t, []bool{false, true}, serie.Table.FlipLR)
	assert.Equal(t, []bool{false, true}, serie.Table.FlipUD)
}
