package models

import (
	"fmt"
	"strings"
)

// Axis identifies one of the three array axes of a tomography dataset.
// Axis0 is the stitch axis (z), Axis1 the slice axis (y) and Axis2 the
// horizontal in-plane axis (x).
type Axis int

const (
	Axis0 Axis = iota
	Axis1
	Axis2
)

func (a Axis) String() string {
	return fmt.Sprintf("axis %d", int(a))
}

// Kind tells projection series and reconstructed volumes apart.
type Kind int

const (
	KindScan Kind = iota
	KindVolume
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindVolume:
		return "volume"
	default:
		return "unknown"
	}
}

// BoundingBox is the physical extent of an item along one axis, in metres.
type BoundingBox struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() float64 {
	return b.Min + (b.Max-b.Min)/2
}

// RelativeShift is the displacement of a lower item relative to the item
// just above it, in pixels.
type RelativeShift struct {
	// Axis0 is the overlap along the stitch axis.
	Axis0 int `yaml:"axis_0"`

	// Axis2 is the horizontal offset: lower(x) == upper(x - Axis2).
	Axis2 int `yaml:"axis_2"`
}

func (s RelativeShift) String() string {
	return fmt.Sprintf("(axis 0: %dpx, axis 2: %dpx)", s.Axis0, s.Axis2)
}

// ReadingOrder is Forward when frames are read in acquisition order and
// Reverse when the rotation was acquired the other way round.
type ReadingOrder int

const (
	Forward ReadingOrder = 1
	Reverse ReadingOrder = -1
)

// Index maps a logical frame index to the physical one for a series of n frames.
func (r ReadingOrder) Index(i, n int) int {
	if r == Reverse {
		return n - 1 - i
	}
	return i
}

// Alignment positions a narrower frame inside a wider destination.
type Alignment string

const (
	AlignFront  Alignment = "front"
	AlignCenter Alignment = "center"
	AlignBack   Alignment = "back"
)

// ParseAlignment accepts front/center/back (and left/right/top/bottom aliases).
func ParseAlignment(s string) (Alignment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "center", "centre", "middle":
		return AlignCenter, nil
	case "front", "left", "top":
		return AlignFront, nil
	case "back", "right", "bottom":
		return AlignBack, nil
	}
	return "", fmt.Errorf("unknown alignment %q (expected front, center or back)", s)
}

// PadMode selects how padding columns are filled.
type PadMode string

const (
	PadConstant PadMode = "constant"
	PadEdge     PadMode = "edge"
)

// ParsePadMode accepts constant or edge.
func ParsePadMode(s string) (PadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "constant", "zero":
		return PadConstant, nil
	case "edge", "nearest":
		return PadEdge, nil
	}
	return "", fmt.Errorf("unknown pad mode %q (expected constant or edge)", s)
}
