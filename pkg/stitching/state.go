package stitching

import "fmt"

// State is one step of a stitching run. Every state runs at most once, in
// declaration order.
type State int

const (
	StateOrder State = iota
	StateValidate
	StateEstablishFlips
	StateEstimatePositions
	StateEstimateAxis0Overlap
	StateNormalizeCalibration
	StateComputeShifts
	StateBuildKernels
	StateStitchFrames
	StateDumpProvenance
	StateDone
)

var stateNames = [...]string{
	"ORDER",
	"VALIDATE",
	"ESTABLISH_FLIPS",
	"ESTIMATE_POSITIONS",
	"ESTIMATE_AXIS0_OVERLAP",
	"NORMALIZE_CALIBRATION",
	"COMPUTE_SHIFTS",
	"BUILD_KERNELS",
	"STITCH_FRAMES",
	"DUMP_PROVENANCE",
	"DONE",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var stateDescriptions = map[State]string{
	StateOrder:                "Ordering items along axis 0",
	StateValidate:             "Validating items",
	StateEstablishFlips:       "Establishing flips",
	StateEstimatePositions:    "Converting positions to pixels",
	StateEstimateAxis0Overlap: "Estimating overlaps from positions",
	StateNormalizeCalibration: "Normalizing flat/dark calibration",
	StateComputeShifts:        "Refining shifts by registration",
	StateBuildKernels:         "Building overlap kernels",
	StateStitchFrames:         "Stitching frames",
	StateDumpProvenance:       "Writing provenance record",
}

// tracker enforces the at-most-once, forward-only execution of states.
type tracker struct {
	current State
	started bool
	history []State
}

func (t *tracker) enter(s State) error {
	if t.started && s <= t.current {
		return fmt.Errorf("state %s cannot run after %s", s, t.current)
	}
	t.current, t.started = s, true
	t.history = append(t.history, s)
	return nil
}
