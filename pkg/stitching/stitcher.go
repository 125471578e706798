// Package stitching fuses an ordered serie of overlapping tomography items
// along the stitch axis. PreProcessStitcher handles projection scans and
// PostProcessStitcher reconstructed volumes; both run the same sequence of
// states and differ in how units are read, calibrated and written.
package stitching

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/composition"
	"tomostitch/pkg/config"
	"tomostitch/pkg/frames"
	"tomostitch/pkg/ordering"
	"tomostitch/pkg/overlap"
	"tomostitch/pkg/registration"
	"tomostitch/pkg/shift"
	"tomostitch/pkg/tomo"
)

// Params holds what a stitching run needs.
type Params struct {
	// Config is copied by the stitcher; the caller's value is never modified
	Config *config.StitchingConfiguration

	// Items in any order along axis 0 (top first or bottom first)
	Items []tomo.Item

	// Registrar refines the shifts. Defaults to registration.NewDispatcher().
	Registrar registration.Registrar

	// Progress, if set, is called when a state starts (done == 0) and after
	// every bunch of stitched units
	Progress func(state State, done, total int)
}

// ErrAlreadyStitched is returned by a second call to Stitch.
var ErrAlreadyStitched = errors.New("stitch already run with this stitcher")

// unitPreparer reads logical unit index of item i, calibrated, flipped and
// padded to the common width.
type unitPreparer func(item, index int) (*mat.Dense, error)

// stitcher carries the state shared by both variants.
type stitcher struct {
	params *Params
	cfg    *config.StitchingConfiguration
	states tracker
	ran    bool

	serie   *ordering.Serie
	heights []int
	width   int

	strategy overlap.Strategy
	align1   models.Alignment
	align2   models.Alignment
	padMode  models.PadMode

	estimated []models.RelativeShift
	final     []models.RelativeShift
	overlaps  []int
	kernels   []*overlap.Kernel
	plans     composition.Cache

	selection []int
	output    string
}

func newStitcher(params *Params) *stitcher {
	s := &stitcher{params: params}
	if params.Config != nil {
		s.cfg = params.Config.Clone()
	}
	return s
}

// step runs fn as the given state.
func (s *stitcher) step(state State, fn func() error) error {
	if err := s.states.enter(state); err != nil {
		return err
	}
	monitoring.Logf("Step %d: %s...", int(state)+1, stateDescriptions[state])
	s.report(state, 0, 0)
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", state, err)
	}
	return nil
}

func (s *stitcher) report(state State, done, total int) {
	if s.params.Progress != nil {
		s.params.Progress(state, done, total)
	}
}

// begin checks the run can start and parses the enumerated settings.
func (s *stitcher) begin() error {
	if s.ran {
		return ErrAlreadyStitched
	}
	s.ran = true
	if s.cfg == nil {
		return stitcherr.Configf(nil, "no configuration given")
	}
	if s.cfg.Output.Identifier == "" {
		return stitcherr.Configf(nil, "no output identifier given")
	}
	var err error
	if s.strategy, err = overlap.ParseStrategy(s.cfg.StitchingStrategy); err != nil {
		return stitcherr.Configf(nil, "%v", err)
	}
	if s.align1, err = models.ParseAlignment(s.cfg.AlignmentAxis1); err != nil {
		return stitcherr.Configf(nil, "alignment_axis_1: %v", err)
	}
	if s.align2, err = models.ParseAlignment(s.cfg.AlignmentAxis2); err != nil {
		return stitcherr.Configf(nil, "alignment_axis_2: %v", err)
	}
	if s.padMode, err = models.ParsePadMode(s.cfg.PadMode); err != nil {
		return stitcherr.Configf(nil, "%v", err)
	}
	if s.params.Registrar == nil {
		s.params.Registrar = registration.NewDispatcher()
	}
	return nil
}

func (s *stitcher) order() error {
	return s.step(StateOrder, func() error {
		serie, err := ordering.Order(s.params.Items, s.cfg)
		if err != nil {
			return err
		}
		s.serie = serie
		return nil
	})
}

func (s *stitcher) validate(kind models.Kind) error {
	return s.step(StateValidate, func() error {
		for _, it := range s.serie.Items {
			if it.Kind() != kind {
				return stitcherr.Configf([]string{it.Identifier()}, "%s stitching expects %s items, got a %s", s.cfg.Type, kind, it.Kind())
			}
		}
		if err := s.serie.Validate(); err != nil {
			return err
		}
		s.heights = make([]int, s.serie.Len())
		for i, it := range s.serie.Items {
			s.heights[i] = it.Extent(models.Axis0)
			s.width = max(s.width, it.Extent(models.Axis2))
		}
		return nil
	})
}

func (s *stitcher) establishFlips() error {
	return s.step(StateEstablishFlips, func() error {
		return s.serie.EstablishFlips(s.cfg)
	})
}

func (s *stitcher) estimatePositions() error {
	return s.step(StateEstimatePositions, func() error {
		return s.serie.EstimatePositions(s.cfg)
	})
}

func (s *stitcher) estimateAxis0Overlap() error {
	return s.step(StateEstimateAxis0Overlap, func() error {
		shifts, err := shift.Estimate(s.serie.Table.Axis0Positions, s.serie.Table.Axis2Positions, s.heights)
		if err != nil {
			return err
		}
		s.estimated = shifts
		for j, sh := range shifts {
			monitoring.Logf("junction %d: estimated shift %v", j, sh)
		}
		return nil
	})
}

func (s *stitcher) computeShifts(nUnits int, prepare unitPreparer) error {
	return s.step(StateComputeShifts, func() error {
		index, err := config.ResolveSliceIndex(s.cfg.SliceForShift, nUnits)
		if err != nil {
			return err
		}
		refiner := &shift.Refiner{
			Registrar: s.params.Registrar,
			Params:    shift.JunctionParams(s.cfg, len(s.estimated)),
		}
		final, err := refiner.Refine(shift.Reader(prepare), index, s.estimated)
		if err != nil {
			return err
		}
		s.final = final
		return nil
	})
}

func (s *stitcher) buildKernels() error {
	return s.step(StateBuildKernels, func() error {
		s.overlaps = make([]int, len(s.final))
		s.kernels = make([]*overlap.Kernel, len(s.final))
		for j, sh := range s.final {
			size := absInt(sh.Axis0)
			override, ok, err := s.cfg.OverlapSizeOverride(j)
			if err != nil {
				return err
			}
			if ok {
				if override > size {
					return stitcherr.Geometryf(j, "requested overlap of %d px exceeds the shift of %d px", override, size)
				}
				size = override
			}
			if limit := min(s.heights[j], s.heights[j+1]); size > limit {
				return stitcherr.Geometryf(j, "overlap of %d px exceeds the smallest item height %d", size, limit)
			}
			k, err := overlap.NewKernel(size, s.width, s.strategy)
			if err != nil {
				return err
			}
			s.overlaps[j], s.kernels[j] = size, k
			monitoring.Logf("junction %d: %v", j, k)
		}
		_, err := s.plans.Get(s.heights, s.axis0Shifts(), s.overlaps)
		return err
	})
}

func (s *stitcher) axis0Shifts() []int {
	out := make([]int, len(s.final))
	for j, sh := range s.final {
		out[j] = sh.Axis0
	}
	return out
}

// outputHeight is the height of a stitched unit.
func (s *stitcher) outputHeight() int {
	h := 0
	for _, v := range s.heights {
		h += v
	}
	for _, sh := range s.final {
		h -= absInt(sh.Axis0)
	}
	return h
}

// horizontalOffsets returns, per item, the cumulative axis-2 shift relative
// to the first item.
func (s *stitcher) horizontalOffsets() []int {
	out := make([]int, s.serie.Len())
	for i := 1; i < len(out); i++ {
		out[i] = out[i-1] + s.final[i-1].Axis2
	}
	return out
}

// stitchUnit post-processes the prepared units of one index and composes them.
func (s *stitcher) stitchUnit(units []*mat.Dense, offsets []int) (*mat.Dense, error) {
	var err error
	if s.cfg.RescaleFrames {
		units, err = frames.RescaleSeries(units, s.cfg.RescaleParams.MinPercentile, s.cfg.RescaleParams.MaxPercentile)
		if err != nil {
			return nil, fmt.Errorf("failed to rescale: %w", err)
		}
	}
	if n := s.cfg.NormalizationBySample; n.Active {
		for i, u := range units {
			if units[i], err = frames.NormalizeBySample(u, n.Side, n.Method, n.Margin, n.Width); err != nil {
				return nil, fmt.Errorf("failed to normalize by sample: %w", err)
			}
		}
	}
	for i := range units {
		if offsets[i] != 0 {
			units[i] = frames.ShiftHorizontal(units[i], float64(-offsets[i]))
		}
	}
	plan, err := s.plans.Get(s.heights, s.axis0Shifts(), s.overlaps)
	if err != nil {
		return nil, err
	}
	return composition.StitchRawFrames(units, plan, s.kernels)
}

// stitchFrames streams the selection through the sink in bunches.
func (s *stitcher) stitchFrames(sink tomo.Sink, prepare unitPreparer) error {
	offsets := s.horizontalOffsets()
	bunch := max(s.cfg.BunchSize, 1)
	total := len(s.selection)
	for start := 0; start < total; start += bunch {
		end := min(start+bunch, total)
		loaded := make([][]*mat.Dense, end-start)
		for k := start; k < end; k++ {
			units := make([]*mat.Dense, s.serie.Len())
			for i := range units {
				u, err := prepare(i, s.selection[k])
				if err != nil {
					return fmt.Errorf("failed to read unit %d of %s: %w", s.selection[k], s.serie.Items[i].Identifier(), err)
				}
				units[i] = u
			}
			loaded[k-start] = units
		}
		for k := start; k < end; k++ {
			out, err := s.stitchUnit(loaded[k-start], offsets)
			if err != nil {
				return fmt.Errorf("failed to stitch unit %d: %w", s.selection[k], err)
			}
			if err := sink.WriteUnit(k, out); err != nil {
				return err
			}
		}
		s.report(StateStitchFrames, end, total)
	}
	return nil
}

// orient flips and pads a unit of item i.
func (s *stitcher) orient(i int, f *mat.Dense) (*mat.Dense, error) {
	f = frames.Flip(f, s.serie.Table.FlipLR[i], s.serie.Table.FlipUD[i])
	if _, c := f.Dims(); c < s.width {
		return frames.PadWidth(f, s.width, s.align2, s.padMode)
	}
	return f, nil
}

func (s *stitcher) dumpProvenance() error {
	return s.step(StateDumpProvenance, func() error {
		record, err := NewProvenance(s.cfg, s.output)
		if err != nil {
			return err
		}
		record.Inputs = s.serie.Identifiers()
		record.Shifts = s.final
		_, err = WriteProvenance(s.output, record)
		return err
	})
}

// FinalShifts returns the frozen shifts of each junction.
func (s *stitcher) FinalShifts() []models.RelativeShift {
	return append([]models.RelativeShift(nil), s.final...)
}

// EstimatedShifts returns the seed shifts derived from positions.
func (s *stitcher) EstimatedShifts() []models.RelativeShift {
	return append([]models.RelativeShift(nil), s.estimated...)
}

// Composition returns the frame composition applied to every stitched unit.
// It is nil until the overlap kernels are built.
func (s *stitcher) Composition() *composition.Plan {
	return s.plans.Plan()
}

// History returns the states run so far.
func (s *stitcher) History() []State {
	return append([]State(nil), s.states.history...)
}

func absInt(v int) int {
	return int(math.Abs(float64(v)))
}
