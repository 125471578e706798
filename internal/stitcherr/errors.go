// Package stitcherr defines the error classes raised by the stitching engine.
//
// Configuration and geometry errors are fatal and are returned before any
// output is created. Registration and calibration problems are recoverable:
// callers log them and continue with a fallback. Aggregation failures abort
// the whole concatenation of sub-job outputs.
package stitcherr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistrationUnavailable reports an unknown or unusable registration method.
	ErrRegistrationUnavailable = errors.New("registration method unavailable")

	// ErrRegistrationDegenerate reports images that cannot be registered
	// (flat content, non-finite correlation, answer out of range).
	ErrRegistrationDegenerate = errors.New("registration degenerate")

	// ErrMissingCalibration reports a scan without reduced flats or darks.
	ErrMissingCalibration = errors.New("missing flat/dark calibration")
)

// ConfigurationError is raised for ambiguous ordering, incompatible inputs
// or missing required fields.
type ConfigurationError struct {
	// Items lists the identifiers involved, if any
	Items []string

	Msg string
}

func (e *ConfigurationError) Error() string {
	if len(e.Items) == 0 {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s (items: %s)", e.Msg, strings.Join(e.Items, ", "))
}

// Configf builds a ConfigurationError.
func Configf(items []string, format string, args ...interface{}) error {
	return &ConfigurationError{Items: items, Msg: fmt.Sprintf(format, args...)}
}

// GeometryError is raised when no valid overlap can be derived.
type GeometryError struct {
	// Junction is the index of the junction (upper item index), -1 if not applicable
	Junction int

	Msg string
}

func (e *GeometryError) Error() string {
	if e.Junction < 0 {
		return "geometry error: " + e.Msg
	}
	return fmt.Sprintf("geometry error at junction %d: %s", e.Junction, e.Msg)
}

// Geometryf builds a GeometryError.
func Geometryf(junction int, format string, args ...interface{}) error {
	return &GeometryError{Junction: junction, Msg: fmt.Sprintf(format, args...)}
}

// FailedUnit names one sub-job that did not complete.
type FailedUnit struct {
	Index     int
	Name      string
	Cancelled bool
	Err       error
}

func (u FailedUnit) String() string {
	if u.Cancelled {
		return fmt.Sprintf("%s (#%d): cancelled", u.Name, u.Index)
	}
	return fmt.Sprintf("%s (#%d): %v", u.Name, u.Index, u.Err)
}

// AggregationFailure is raised when at least one sub-job failed or was
// cancelled. Nothing is concatenated in that case.
type AggregationFailure struct {
	Failed []FailedUnit
}

func (e *AggregationFailure) Error() string {
	parts := make([]string, len(e.Failed))
	for i, u := range e.Failed {
		parts[i] = u.String()
	}
	return "aggregation aborted, some sub-jobs did not complete: " + strings.Join(parts, " ; ")
}

// Names returns the names of the failed units in index order.
func (e *AggregationFailure) Names() []string {
	names := make([]string, len(e.Failed))
	for i, u := range e.Failed {
		names[i] = u.Name
	}
	return names
}

// IsFatal reports whether err belongs to a fatal class.
func IsFatal(err error) bool {
	var ce *ConfigurationError
	var ge *GeometryError
	var af *AggregationFailure
	return errors.As(err, &ce) || errors.As(err, &ge) || errors.As(err, &af)
}
