package stitching

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/frames"
	"tomostitch/pkg/tomo"
)

// PreProcessStitcher stitches the projections of several scans into a new scan.
type PreProcessStitcher struct {
	*stitcher

	scans []*tomo.ScanItem

	// calibrated tells, per scan, whether flat-field correction applies
	calibrated []bool
	flats      [][]frames.Reference
	darks      [][]frames.Reference
}

// NewPreProcessStitcher creates a stitcher for projection scans.
func NewPreProcessStitcher(params *Params) *PreProcessStitcher {
	return &PreProcessStitcher{stitcher: newStitcher(params)}
}

// Stitch runs every state and returns the identifier of the new scan.
func (p *PreProcessStitcher) Stitch() (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	if err := p.order(); err != nil {
		return "", err
	}
	if err := p.validate(models.KindScan); err != nil {
		return "", err
	}
	p.scans = make([]*tomo.ScanItem, p.serie.Len())
	for i, it := range p.serie.Items {
		p.scans[i] = it.(*tomo.ScanItem)
	}
	if err := p.establishFlips(); err != nil {
		return "", err
	}
	if err := p.estimatePositions(); err != nil {
		return "", err
	}
	if err := p.estimateAxis0Overlap(); err != nil {
		return "", err
	}
	if err := p.normalizeCalibration(); err != nil {
		return "", err
	}
	nFrames := p.scans[0].NUnits()
	if err := p.computeShifts(nFrames, p.prepare); err != nil {
		return "", err
	}
	if err := p.buildKernels(); err != nil {
		return "", err
	}
	if err := p.stitchAll(nFrames); err != nil {
		return "", err
	}
	if err := p.dumpProvenance(); err != nil {
		return "", err
	}
	p.states.enter(StateDone)
	monitoring.Logf("Stitching complete: %s", p.output)
	return p.output, nil
}

// normalizeCalibration loads the reduced flats and darks of every scan,
// reducing the raw series when only those exist. Scans without calibration
// are stitched uncorrected.
func (p *PreProcessStitcher) normalizeCalibration() error {
	return p.step(StateNormalizeCalibration, func() error {
		n := len(p.scans)
		p.calibrated = make([]bool, n)
		p.flats = make([][]frames.Reference, n)
		p.darks = make([][]frames.Reference, n)
		for i, scan := range p.scans {
			flats, err := scan.ReducedFlats()
			if err != nil {
				return err
			}
			darks, err := scan.ReducedDarks()
			if err != nil {
				return err
			}
			if len(darks) == 0 {
				if darks, err = reduceRaw(scan.RawDarks, frames.ReduceMean); err != nil {
					return err
				}
				scan.SetReducedDarks(darks)
			}
			if len(flats) == 0 {
				if flats, err = reduceRaw(scan.RawFlats, frames.ReduceMedian); err != nil {
					return err
				}
				scan.SetReducedFlats(flats)
			}
			if len(flats) == 0 || len(darks) == 0 {
				monitoring.Warnf("%v for %s, frames are stitched without flat-field correction", stitcherr.ErrMissingCalibration, scan.Identifier())
				continue
			}
			p.calibrated[i], p.flats[i], p.darks[i] = true, flats, darks
		}
		return nil
	})
}

func reduceRaw(read func() ([]*mat.Dense, error), reduce func([]*mat.Dense) (*mat.Dense, error)) ([]frames.Reference, error) {
	series, err := read()
	if err != nil || len(series) == 0 {
		return nil, err
	}
	reduced, err := reduce(series)
	if err != nil {
		return nil, err
	}
	return []frames.Reference{{Index: 0, Frame: reduced}}, nil
}

// prepare reads projection index (in the first scan numbering) of scan i.
func (p *PreProcessStitcher) prepare(i, index int) (*mat.Dense, error) {
	scan := p.scans[i]
	physical := p.serie.Table.ReadingOrders[i].Index(index, scan.NUnits())
	raw, err := scan.ReadUnit(physical)
	if err != nil {
		return nil, err
	}
	if p.calibrated[i] {
		dark, err := frames.InterpolateReference(p.darks[i], physical)
		if err != nil {
			return nil, err
		}
		flat, err := frames.InterpolateReference(p.flats[i], physical)
		if err != nil {
			return nil, err
		}
		if raw, err = frames.FlatField(raw, dark, flat); err != nil {
			return nil, err
		}
	}
	return p.orient(i, raw)
}

func (p *PreProcessStitcher) stitchAll(nFrames int) error {
	return p.step(StateStitchFrames, func() error {
		selection, err := config.SelectIndices(p.cfg.Slices, nFrames)
		if err != nil {
			return err
		}
		p.selection = selection

		format, path, err := tomo.ParseIdentifier(p.cfg.Output.Identifier)
		if err != nil {
			return stitcherr.Configf(nil, "%v", err)
		}
		if format != tomo.FormatScan {
			return stitcherr.Configf(nil, "pre-processing output must be a scan, got %q", p.cfg.Output.Identifier)
		}
		sink, err := tomo.CreateScanSink(path, p.outputMetadata(), p.cfg.Output.Overwrite)
		if err != nil {
			return err
		}
		defer sink.Close()

		if err := p.stitchFrames(sink, p.prepare); err != nil {
			return err
		}
		if err := sink.Commit(); err != nil {
			return err
		}
		p.output = sink.Identifier()
		return nil
	})
}

// outputMetadata derives the stitched scan description: geometry of the
// first scan, its angles for the selection, translations averaged over the
// scans and the widest acquisition time range.
func (p *PreProcessStitcher) outputMetadata() tomo.ScanMetadata {
	first := p.scans[0].Metadata()
	meta := tomo.ScanMetadata{
		Title:       "stitching of " + strings.Join(p.serie.Identifiers(), ", "),
		SampleName:  first.SampleName,
		Sources:     p.serie.Identifiers(),
		Frames:      len(p.selection),
		Height:      p.outputHeight(),
		Width:       p.width,
		PixelSize:   first.PixelSize,
		Energy:      first.Energy,
		Distance:    first.Distance,
		FieldOfView: first.FieldOfView,
	}
	if p.cfg.PixelSize > 0 {
		meta.PixelSize = p.cfg.PixelSize
	}

	if len(first.RotationAngles) > 0 {
		meta.RotationAngles = make([]float64, len(p.selection))
		for k, idx := range p.selection {
			meta.RotationAngles[k] = first.RotationAngles[idx]
		}
	}
	meta.XTranslation = p.meanTranslation(func(m tomo.ScanMetadata) []float64 { return m.XTranslation })
	meta.YTranslation = p.meanTranslation(func(m tomo.ScanMetadata) []float64 { return m.YTranslation })
	meta.ZTranslation = p.meanTranslation(func(m tomo.ScanMetadata) []float64 { return m.ZTranslation })

	for _, scan := range p.scans {
		m := scan.Metadata()
		if !m.StartTime.IsZero() && (meta.StartTime.IsZero() || m.StartTime.Before(meta.StartTime)) {
			meta.StartTime = m.StartTime
		}
		if m.EndTime.After(meta.EndTime) {
			meta.EndTime = m.EndTime
		}
	}
	return meta
}

// meanTranslation averages, for every selected frame, the translation of
// each scan at the matching physical frame. Scans missing the series are skipped.
func (p *PreProcessStitcher) meanTranslation(series func(tomo.ScanMetadata) []float64) []float64 {
	var out []float64
	values := make([]float64, 0, len(p.scans))
	for _, idx := range p.selection {
		values = values[:0]
		for i, scan := range p.scans {
			s := series(scan.Metadata())
			physical := p.serie.Table.ReadingOrders[i].Index(idx, scan.NUnits())
			if physical < len(s) {
				values = append(values, s[physical])
			}
		}
		if len(values) == 0 {
			return nil
		}
		out = append(out, stat.Mean(values, nil))
	}
	return out
}

func (p *PreProcessStitcher) String() string {
	return fmt.Sprintf("pre-processing stitcher of %d scans", len(p.params.Items))
}
