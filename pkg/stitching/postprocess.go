package stitching

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/frames"
	"tomostitch/pkg/tomo"
)

// PostProcessStitcher stitches reconstructed volumes along axis 0. Units are
// axis-1 slices; volumes of different heights are aligned on axis 1.
type PostProcessStitcher struct {
	*stitcher

	volumes []*tomo.VolumeItem

	// height is the common number of axis-1 slices after alignment
	height int
	// offsets[i] is the first aligned slice covered by volume i
	offsets []int
}

// NewPostProcessStitcher creates a stitcher for reconstructed volumes.
func NewPostProcessStitcher(params *Params) *PostProcessStitcher {
	return &PostProcessStitcher{stitcher: newStitcher(params)}
}

// Stitch runs every state and returns the identifier of the new volume.
func (p *PostProcessStitcher) Stitch() (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	if err := p.order(); err != nil {
		return "", err
	}
	if err := p.validate(models.KindVolume); err != nil {
		return "", err
	}
	p.alignVolumes()
	if err := p.establishFlips(); err != nil {
		return "", err
	}
	if err := p.estimatePositions(); err != nil {
		return "", err
	}
	if err := p.estimateAxis0Overlap(); err != nil {
		return "", err
	}
	if err := p.computeShifts(p.height, p.prepare); err != nil {
		return "", err
	}
	if err := p.buildKernels(); err != nil {
		return "", err
	}
	if err := p.stitchAll(); err != nil {
		return "", err
	}
	if err := p.dumpProvenance(); err != nil {
		return "", err
	}
	p.states.enter(StateDone)
	monitoring.Logf("Stitching complete: %s", p.output)
	return p.output, nil
}

func (p *PostProcessStitcher) alignVolumes() {
	p.volumes = make([]*tomo.VolumeItem, p.serie.Len())
	p.height = 0
	for i, it := range p.serie.Items {
		p.volumes[i] = it.(*tomo.VolumeItem)
		p.height = max(p.height, it.Extent(models.Axis1))
	}
	p.offsets = make([]int, len(p.volumes))
	for i, v := range p.volumes {
		p.offsets[i] = frames.Offset(v.Extent(models.Axis1), p.height, p.align1)
		if p.offsets[i] != 0 {
			monitoring.Logf("%s: aligned on axis 1 with an offset of %d slices", v.Identifier(), p.offsets[i])
		}
	}
}

// prepare reads aligned slice index of volume i. Slices outside the volume
// are zeros in constant pad mode and the nearest slice in edge mode.
func (p *PostProcessStitcher) prepare(i, index int) (*mat.Dense, error) {
	v := p.volumes[i]
	local := index - p.offsets[i]
	n := v.NUnits()
	if local < 0 || local >= n {
		if p.padMode == models.PadConstant {
			return p.orient(i, mat.NewDense(v.Extent(models.Axis0), v.Extent(models.Axis2), nil))
		}
		local = min(max(local, 0), n-1)
	}
	slice, err := v.ReadSlice(local)
	if err != nil {
		return nil, err
	}
	return p.orient(i, slice)
}

func (p *PostProcessStitcher) stitchAll() error {
	return p.step(StateStitchFrames, func() error {
		selection, err := config.SelectIndices(p.cfg.Slices, p.height)
		if err != nil {
			return err
		}
		p.selection = selection

		format, _, err := tomo.ParseIdentifier(p.cfg.Output.Identifier)
		if err != nil {
			return stitcherr.Configf(nil, "%v", err)
		}
		if format == tomo.FormatScan {
			return stitcherr.Configf(nil, "post-processing output must be a volume, got %q", p.cfg.Output.Identifier)
		}
		sink, err := tomo.CreateVolumeSink(p.cfg.Output.Identifier, p.outputMetadata(), p.cfg.Output.Overwrite)
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

// outputMetadata keeps the first volume's geometry and moves the axis-0
// center so the top of the stitched volume matches the top of the first one.
func (p *PostProcessStitcher) outputMetadata() tomo.VolumeMetadata {
	first := p.volumes[0].Metadata()
	depth := p.outputHeight()
	meta := tomo.VolumeMetadata{
		Shape:     [3]int{depth, len(p.selection), p.width},
		VoxelSize: first.VoxelSize,
		Position:  first.Position,
		Attributes: map[string]interface{}{
			"sources": p.serie.Identifiers(),
		},
	}
	if p.cfg.PixelSize > 0 {
		meta.VoxelSize = p.cfg.PixelSize
	}
	meta.Position[0] = first.Position[0] + meta.VoxelSize*(float64(first.Shape[0])/2-float64(depth)/2)
	return meta
}

func (p *PostProcessStitcher) String() string {
	return fmt.Sprintf("post-processing stitcher of %d volumes", len(p.params.Items))
}
