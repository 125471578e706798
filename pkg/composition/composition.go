// Package composition maps raw and blended regions of a vertically ordered
// list of frames onto the rows of the stitched frame.
//
// For every junction j between frame j (upper) and frame j+1 (lower) the
// key lines sit at the center of each frame's share of the shift. The
// overlap band of extent o is centered on them in both frames. The raw part
// of frame i runs from the end of the previous lower band (or 0) to the
// start of the next upper band (or the frame height). Destination rows are
// filled in the order raw 0, overlap 0, raw 1, ..., raw n-1.
package composition

import (
	"fmt"
	"math"

	"tomostitch/internal/stitcherr"
)

// Part copies rows [SrcStart, SrcEnd) of a source onto rows [DstStart, DstEnd)
// of the destination. Source is a frame index for raw parts and a junction
// index for overlap parts.
type Part struct {
	Source   int
	SrcStart int
	SrcEnd   int
	DstStart int
	DstEnd   int
}

// Rows returns the number of rows covered by the part.
func (p Part) Rows() int {
	return p.DstEnd - p.DstStart
}

// FrameComposition is a list of parts. It holds no data.
type FrameComposition struct {
	Parts []Part
}

// Rows returns the total number of destination rows filled.
func (c FrameComposition) Rows() int {
	n := 0
	for _, p := range c.Parts {
		n += p.Rows()
	}
	return n
}

// Band locates one overlap in the upper and the lower frame of a junction.
type Band struct {
	UpperStart int
	UpperEnd   int
	LowerStart int
	LowerEnd   int
}

// Size returns the overlap extent.
func (b Band) Size() int {
	return b.UpperEnd - b.UpperStart
}

// Plan gathers the raw and overlap compositions for a list of frame heights.
type Plan struct {
	// Heights of the source frames, top first
	Heights []int

	Bands   []Band
	Raw     FrameComposition
	Overlap FrameComposition

	// Height is the height of the stitched frame
	Height int
}

// KeyLines returns, per junction, the key line in the upper frame and in the
// lower frame: (int(h_upper - |s|/2), int(|s|/2)).
func KeyLines(heights, shifts []int) ([][2]int, error) {
	if len(shifts) != len(heights)-1 {
		return nil, fmt.Errorf("%d frames need %d shifts, got %d", len(heights), len(heights)-1, len(shifts))
	}
	out := make([][2]int, len(shifts))
	for j, s := range shifts {
		half := math.Abs(float64(s)) / 2
		out[j] = [2]int{int(float64(heights[j]) - half), int(half)}
	}
	return out, nil
}

// OverlapAreas centers a band of extent overlaps[j] on each pair of key lines.
func OverlapAreas(heights, shifts, overlaps []int) ([]Band, error) {
	keys, err := KeyLines(heights, shifts)
	if err != nil {
		return nil, err
	}
	if len(overlaps) != len(keys) {
		return nil, fmt.Errorf("%d junctions need %d overlap sizes, got %d", len(keys), len(keys), len(overlaps))
	}
	bands := make([]Band, len(keys))
	for j, k := range keys {
		o := overlaps[j]
		if o < 0 {
			return nil, stitcherr.Geometryf(j, "negative overlap %d", o)
		}
		half := float64(o) / 2
		b := Band{
			UpperStart: int(math.Ceil(float64(k[0]) - half)),
			UpperEnd:   int(math.Ceil(float64(k[0]) + half)),
			LowerStart: int(math.Ceil(float64(k[1]) - half)),
			LowerEnd:   int(math.Ceil(float64(k[1]) + half)),
		}
		if b.UpperStart < 0 || b.UpperEnd > heights[j] || b.LowerStart < 0 || b.LowerEnd > heights[j+1] {
			return nil, stitcherr.Geometryf(j, "overlap of %d rows around key lines %v does not fit frames of height %d and %d",
				o, k, heights[j], heights[j+1])
		}
		bands[j] = b
	}
	return bands, nil
}

// NewPlan computes the compositions for frames of the given heights,
// relative axis-0 shifts and overlap extents (one per junction).
func NewPlan(heights, shifts, overlaps []int) (*Plan, error) {
	if len(heights) < 2 {
		return nil, fmt.Errorf("at least two frames are required, got %d", len(heights))
	}
	bands, err := OverlapAreas(heights, shifts, overlaps)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Heights: append([]int(nil), heights...), Bands: bands}
	dst := 0
	for i, h := range heights {
		start, end := 0, h
		if i > 0 {
			start = bands[i-1].LowerEnd
		}
		if i < len(bands) {
			end = bands[i].UpperStart
		}
		if end < start {
			return nil, stitcherr.Geometryf(i, "overlap bands of frame %d cross each other (%d > %d)", i, start, end)
		}
		if end > start {
			plan.Raw.Parts = append(plan.Raw.Parts, Part{Source: i, SrcStart: start, SrcEnd: end, DstStart: dst, DstEnd: dst + end - start})
			dst += end - start
		}
		if i < len(bands) {
			if o := bands[i].Size(); o > 0 {
				plan.Overlap.Parts = append(plan.Overlap.Parts, Part{Source: i, SrcStart: 0, SrcEnd: o, DstStart: dst, DstEnd: dst + o})
				dst += o
			}
		}
	}
	plan.Height = dst
	return plan, nil
}

// Cache keeps the last plan and recomputes it only when inputs change.
type Cache struct {
	heights  []int
	shifts   []int
	overlaps []int
	plan     *Plan

	// Computations counts how many plans were built
	Computations int
}

// Get returns the plan for the given geometry.
func (c *Cache) Get(heights, shifts, overlaps []int) (*Plan, error) {
	if c.plan != nil && equal(c.heights, heights) && equal(c.shifts, shifts) && equal(c.overlaps, overlaps) {
		return c.plan, nil
	}
	plan, err := NewPlan(heights, shifts, overlaps)
	if err != nil {
		return nil, err
	}
	c.heights = append([]int(nil), heights...)
	c.shifts = append([]int(nil), shifts...)
	c.overlaps = append([]int(nil), overlaps...)
	c.plan = plan
	c.Computations++
	return plan, nil
}

// Plan returns the last plan built, nil before the first Get.
func (c *Cache) Plan() *Plan {
	return c.plan
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
