package aggregation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/stitching"
	"tomostitch/pkg/tomo"
)

func TestMain(m *testing.M) {
	restore := monitoring.SetLogger(nil)
	code := m.Run()
	restore()
	os.Exit(code)
}

// writePartial writes a volume whose slice y holds first+y everywhere.
func writePartial(t *testing.T, identifier string, first, slices int) {
	t.Helper()
	vol := models.NewVolume(2, slices, 3)
	for z := 0; z < 2; z++ {
		for y := 0; y < slices; y++ {
			for x := 0; x < 3; x++ {
				vol.Set(z, y, x, float64(first+y))
			}
		}
	}
	require.NoError(t, tomo.WriteVolume(identifier, vol, tomo.VolumeMetadata{VoxelSize: 1e-6}, false))
}

func requireSlices(t *testing.T, identifier string, n int) {
	t.Helper()
	vol, err := tomo.OpenVolume(identifier)
	require.NoError(t, err)
	defer vol.Close()
	require.Equal(t, [3]int{2, n, 3}, vol.Metadata().Shape)
	for y := 0; y < n; y++ {
		slice, err := vol.ReadSlice(y)
		require.NoError(t, err)
		assert.Equal(t, float64(y), slice.At(1, 2), "slice %d", y)
	}
}

func TestProcessKeepsIndexOrder(t *testing.T) {
	dir := t.TempDir()
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = fmt.Sprintf("raw:%s/part%d.f32", dir, i)
		writePartial(t, ids[i], i*4, 4)
	}

	jobs := []SubJob{
		{Index: 2, Name: "c", Future: NewFuture()},
		{Index: 0, Name: "a", Future: NewFuture()},
		{Index: 1, Name: "b", Future: NewFuture()},
	}
	// complete in reverse index order
	go func() {
		for i := 2; i >= 0; i-- {
			for _, j := range jobs {
				if j.Index == i {
					j.Future.Resolve(ids[i], nil)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	agg := &Aggregator{Jobs: jobs, Output: "raw:" + filepath.Join(dir, "out.f32")}
	out, err := agg.Process(context.Background())
	require.NoError(t, err)
	requireSlices(t, out, 12)

	record, err := stitching.ReadProvenance(out)
	require.NoError(t, err)
	assert.Equal(t, ids, record.Inputs)
}

func TestProcessFailureNamesEveryFailedUnit(t *testing.T) {
	dir := t.TempDir()
	writePartial(t, "raw:"+filepath.Join(dir, "a.f32"), 0, 2)
	writePartial(t, "raw:"+filepath.Join(dir, "c.f32"), 4, 2)

	jobs := []SubJob{
		{Index: 0, Name: "a", Future: Completed("raw:" + filepath.Join(dir, "a.f32"))},
		{Index: 1, Name: "b", Future: Failed(errors.New("worker lost"))},
		{Index: 2, Name: "c", Future: Completed("raw:" + filepath.Join(dir, "c.f32"))},
	}
	output := filepath.Join(dir, "out.f32")
	_, err := (&Aggregator{Jobs: jobs, Output: "raw:" + output}).Process(context.Background())

	var failure *stitcherr.AggregationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, []string{"b"}, failure.Names())
	assert.Contains(t, err.Error(), "worker lost")

	for _, p := range []string{output, output + ".partial", output + ".yaml"} {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), p)
	}
}

func TestProcessReportsCancellation(t *testing.T) {
	cancelled := NewFuture()
	cancelled.Cancel()
	jobs := []SubJob{
		{Index: 0, Name: "a", Future: cancelled},
		{Index: 1, Name: "b", Future: Failed(errors.New("boom"))},
		{Index: 2, Name: "c"},
	}
	_, err := (&Aggregator{Jobs: jobs, Output: "raw:" + filepath.Join(t.TempDir(), "out.f32")}).Process(context.Background())

	var failure *stitcherr.AggregationFailure
	require.True(t, errors.As(err, &failure))
	require.Len(t, failure.Failed, 3)
	assert.True(t, failure.Failed[0].Cancelled)
	assert.False(t, failure.Failed[1].Cancelled)
	assert.True(t, stitcherr.IsFatal(err))
}

func TestProcessStopsWaitingWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	jobs := []SubJob{{Index: 0, Name: "slow", Future: NewFuture()}}
	_, err := (&Aggregator{Jobs: jobs, Output: "raw:" + filepath.Join(t.TempDir(), "out.f32")}).Process(ctx)

	var failure *stitcherr.AggregationFailure
	require.True(t, errors.As(err, &failure))
	assert.True(t, failure.Failed[0].Cancelled)
}

func TestProcessConcatenatesScans(t *testing.T) {
	dir := t.TempDir()
	var ids []string
	for i := 0; i < 2; i++ {
		frames := []*mat.Dense{
			mat.NewDense(2, 2, []float64{float64(2 * i), 0, 0, 0}),
			mat.NewDense(2, 2, []float64{float64(2*i + 1), 0, 0, 0}),
		}
		path := filepath.Join(dir, fmt.Sprintf("part%d", i))
		require.NoError(t, tomo.WriteScan(path, tomo.ScanData{
			Metadata: tomo.ScanMetadata{
				PixelSize:      1e-6,
				RotationAngles: []float64{float64(20 * i), float64(20*i + 10)},
				StartTime:      time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC),
				EndTime:        time.Date(2024, 1, 1, i+1, 0, 0, 0, time.UTC),
			},
			Projections: frames,
		}))
		ids = append(ids, "scan:"+path)
	}

	out, err := (&Aggregator{Jobs: FromIdentifiers(ids), Output: "scan:" + filepath.Join(dir, "out")}).Process(context.Background())
	require.NoError(t, err)

	_, path, _ := tomo.ParseIdentifier(out)
	scan, err := tomo.OpenScan(path)
	require.NoError(t, err)
	defer scan.Close()
	meta := scan.Metadata()
	assert.Equal(t, 4, meta.Frames)
	assert.Equal(t, []float64{0, 10, 20, 30}, meta.RotationAngles)
	assert.True(t, meta.StartTime.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, meta.EndTime.Equal(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))
	for k := 0; k < 4; k++ {
		f, err := scan.ReadUnit(k)
		require.NoError(t, err)
		assert.Equal(t, float64(k), f.At(0, 0))
	}
}

func TestProcessRejectsMismatchedPartials(t *testing.T) {
	dir := t.TempDir()
	writePartial(t, "raw:"+filepath.Join(dir, "a.f32"), 0, 2)
	vol := models.NewVolume(3, 2, 3)
	require.NoError(t, tomo.WriteVolume("raw:"+filepath.Join(dir, "b.f32"), vol, tomo.VolumeMetadata{VoxelSize: 1e-6}, false))

	_, err := (&Aggregator{
		Jobs:   FromIdentifiers([]string{"raw:" + filepath.Join(dir, "a.f32"), "raw:" + filepath.Join(dir, "b.f32")}),
		Output: "raw:" + filepath.Join(dir, "out.f32"),
	}).Process(context.Background())
	var ce *stitcherr.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		selection []int
		n         int
		want      [][]int
	}{
		{[]int{0, 1, 2, 3, 4, 5, 6}, 3, [][]int{{0, 1}, {2, 3}, {4, 5, 6}}},
		{[]int{1, 3, 5}, 1, [][]int{{1, 3, 5}}},
		{[]int{4, 5}, 5, [][]int{{4}, {5}}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitChunks(tt.selection, tt.n)); diff != "" {
			t.Errorf("splitChunks(%v, %d) mismatch (-want +got):\n%s", tt.selection, tt.n, diff)
		}
	}
	assert.Equal(t, "1,3,5", formatSelection([]int{1, 3, 5}))
	assert.Equal(t, "raw:/x.f32.part002", PartialIdentifier("raw:/x.f32", 2))
}

// fakeRunner writes, for the selection of cfg, a partial whose slices hold
// their global index.
func fakeRunner(fail map[string]bool) Runner {
	return func(_ context.Context, cfg *config.StitchingConfiguration) (string, error) {
		if fail[cfg.Slices] {
			return "", fmt.Errorf("cannot stitch %s", cfg.Slices)
		}
		sel, err := config.SelectIndices(cfg.Slices, 100)
		if err != nil {
			return "", err
		}
		vol := models.NewVolume(2, len(sel), 3)
		for z := 0; z < 2; z++ {
			for k, y := range sel {
				for x := 0; x < 3; x++ {
					vol.Set(z, k, x, float64(y))
				}
			}
		}
		if err := tomo.WriteVolume(cfg.Output.Identifier, vol, tomo.VolumeMetadata{VoxelSize: 1e-6}, false); err != nil {
			return "", err
		}
		return cfg.Output.Identifier, nil
	}
}

func TestRunWithLedger(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	cfg := config.DefaultConfig()
	cfg.Type = config.PostProcessing
	cfg.Output.Identifier = "raw:" + filepath.Join(dir, "out.f32")

	opts := DispatchOptions{Chunks: 3, Workers: 2, Units: 7, Runner: fakeRunner(nil), Ledger: ledger}
	jobs, err := Dispatch(context.Background(), cfg, opts)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	out, err := (&Aggregator{Config: cfg, Jobs: jobs, Output: cfg.Output.Identifier, RemovePartials: true}).Process(context.Background())
	require.NoError(t, err)
	requireSlices(t, out, 7)

	_, err = os.Stat(filepath.Join(dir, "out.f32.part000"))
	assert.True(t, os.IsNotExist(err))

	var runID string
	require.NoError(t, ledger.QueryRow(`SELECT id FROM runs`).Scan(&runID))
	info, err := ledger.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Output.Identifier, info.Output)

	records, err := ledger.SubJobRecords(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, StatusDone, r.Status)
		assert.Equal(t, PartialIdentifier(cfg.Output.Identifier, i), r.Output)
	}

	var target string
	require.NoError(t, ledger.QueryRow(`SELECT target FROM sub_jobs WHERE idx = 0`).Scan(&target))
	assert.Equal(t, PartialIdentifier(cfg.Output.Identifier, 0), target)
}

func TestRunFailsWithoutPartialOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Output.Identifier = "raw:" + filepath.Join(dir, "out.f32")
	cfg.Slices = "0:6"

	_, err := Run(context.Background(), cfg, DispatchOptions{
		Chunks: 3, Workers: 3, Units: 10, Runner: fakeRunner(map[string]bool{"2,3": true}),
	})
	var failure *stitcherr.AggregationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, []string{"part001[2:4]"}, failure.Names())

	_, statErr := os.Stat(filepath.Join(dir, "out.f32"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLedgerRoundTrip(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	runID, err := ledger.StartRun(ctx, "raw:/out.f32", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.AddSubJob(ctx, runID, 0, "a", "raw:/out.f32.part000"))
	require.NoError(t, ledger.AddSubJob(ctx, runID, 1, "b", "raw:/out.f32.part001"))
	require.NoError(t, ledger.AddSubJob(ctx, runID, 2, "c", "raw:/out.f32.part002"))
	require.NoError(t, ledger.FinishSubJob(ctx, runID, 0, "raw:/out.f32.part000", nil))
	require.NoError(t, ledger.FinishSubJob(ctx, runID, 1, "", errors.New("disk full")))
	assert.Error(t, ledger.FinishSubJob(ctx, runID, 7, "", nil))

	jobs, err := ledger.SubJobs(ctx, runID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	out, err := jobs[0].Future.Wait(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "raw:/out.f32.part000", out)
	_, err = jobs[1].Future.Wait(ctx)
	assert.EqualError(t, err, "disk full")
	_, err = jobs[2].Future.Wait(ctx)
	assert.Error(t, err)

	_, err = ledger.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestLedgerAggregatorCarriesConfiguration(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Type = config.PostProcessing
	cfg.StitchingStrategy = "cosinus"
	cfg.Axis0PosPx = config.Positions{Values: []float64{90, 0}}
	cfg.Output.Identifier = "raw:" + filepath.Join(dir, "out.f32")

	runID, err := ledger.StartRun(ctx, cfg.Output.Identifier, cfg)
	require.NoError(t, err)
	partial := PartialIdentifier(cfg.Output.Identifier, 0)
	writePartial(t, partial, 0, 3)
	require.NoError(t, ledger.AddSubJob(ctx, runID, 0, "part000", partial))
	require.NoError(t, ledger.FinishSubJob(ctx, runID, 0, partial, nil))

	info, err := ledger.Run(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, info.Config)
	assert.Equal(t, "cosinus", info.Config.StitchingStrategy)
	assert.Equal(t, []float64{90, 0}, info.Config.Axis0PosPx.Values)

	agg, err := ledger.Aggregator(ctx, runID)
	require.NoError(t, err)
	out, err := agg.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Output.Identifier, out)
	requireSlices(t, out, 3)

	record, err := stitching.ReadProvenance(out)
	require.NoError(t, err)
	assert.Equal(t, "postprocessing", record.Configuration["type"])
	assert.Equal(t, "cosinus", record.Configuration["stitching_strategy"])
	assert.Equal(t, cfg.Output.Identifier, record.Configuration["output"].(map[string]interface{})["identifier"])
}

func TestLedgerRunWithoutConfiguration(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	runID, err := ledger.StartRun(context.Background(), "raw:/out.f32", nil)
	require.NoError(t, err)
	info, err := ledger.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Nil(t, info.Config)
}
