package composition

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tomostitch/pkg/overlap"
)

// StitchRawFrames builds one stitched frame from frames ordered top first.
// Frames must share the same width and the heights the plan was built for;
// kernels hold one entry per junction.
func StitchRawFrames(frames []*mat.Dense, plan *Plan, kernels []*overlap.Kernel) (*mat.Dense, error) {
	if len(frames) != len(plan.Heights) {
		return nil, fmt.Errorf("plan expects %d frames, got %d", len(plan.Heights), len(frames))
	}
	if len(kernels) != len(plan.Bands) {
		return nil, fmt.Errorf("plan expects %d kernels, got %d", len(plan.Bands), len(kernels))
	}
	_, width := frames[0].Dims()
	for i, f := range frames {
		r, c := f.Dims()
		if c != width {
			return nil, fmt.Errorf("frame %d has width %d, expected %d", i, c, width)
		}
		if r != plan.Heights[i] {
			return nil, fmt.Errorf("frame %d has height %d, plan was built for %d", i, r, plan.Heights[i])
		}
	}

	out := mat.NewDense(plan.Height, width, nil)
	for _, p := range plan.Raw.Parts {
		dst := out.Slice(p.DstStart, p.DstEnd, 0, width).(*mat.Dense)
		dst.Copy(frames[p.Source].Slice(p.SrcStart, p.SrcEnd, 0, width))
	}
	for _, p := range plan.Overlap.Parts {
		b := plan.Bands[p.Source]
		upper := frames[p.Source].Slice(b.UpperStart, b.UpperEnd, 0, width)
		lower := frames[p.Source+1].Slice(b.LowerStart, b.LowerEnd, 0, width)
		blended, err := kernels[p.Source].Stitch(upper, lower)
		if err != nil {
			return nil, fmt.Errorf("failed to blend junction %d: %w", p.Source, err)
		}
		dst := out.Slice(p.DstStart, p.DstEnd, 0, width).(*mat.Dense)
		dst.Copy(blended)
	}
	return out, nil
}
