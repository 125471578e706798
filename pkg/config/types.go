package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"tomostitch/internal/stitcherr"
)

// Positions is a list of positions or the "auto" keyword.
type Positions struct {
	Auto   bool
	Values []float64
}

// IsSet reports whether explicit positions were given.
func (p Positions) IsSet() bool {
	return !p.Auto && len(p.Values) > 0
}

// IsZero lets omitempty skip unset positions.
func (p Positions) IsZero() bool {
	return !p.Auto && len(p.Values) == 0
}

// UnmarshalYAML accepts "auto", null, a number or a sequence of numbers.
func (p *Positions) UnmarshalYAML(node *yaml.Node) error {
	*p = Positions{}
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "!!null" || strings.EqualFold(node.Value, "auto") || node.Value == "" {
			p.Auto = node.Tag != "!!null"
			return nil
		}
	}
	values, err := decodeScalarOrList[float64](node)
	if err != nil {
		return err
	}
	p.Values = values
	return nil
}

// MarshalYAML writes "auto" or the list of values.
func (p Positions) MarshalYAML() (interface{}, error) {
	if p.Auto {
		return "auto", nil
	}
	return p.Values, nil
}

// BoolList is a boolean given as a scalar or a list.
type BoolList []bool

// UnmarshalYAML accepts a scalar or a sequence.
func (b *BoolList) UnmarshalYAML(node *yaml.Node) error {
	values, err := decodeScalarOrList[bool](node)
	if err != nil {
		return err
	}
	*b = values
	return nil
}

// StringList is a string given as a scalar or a list.
type StringList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	values, err := decodeScalarOrList[string](node)
	if err != nil {
		return err
	}
	*s = values
	return nil
}

func decodeScalarOrList[T any](node *yaml.Node) ([]T, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var out []T
		if err := node.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		var v T
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return []T{v}, nil
	}
	return nil, fmt.Errorf("line %d: expected a scalar or a list", node.Line)
}

func parseOverlapSize(s string) (int, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") || strings.EqualFold(s, "none") {
		return 0, false, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, stitcherr.Configf(nil, "invalid overlap size %q", s)
	}
	if v < 0 {
		return 0, false, stitcherr.Configf(nil, "overlap size must be positive, got %d", v)
	}
	return v, true, nil
}

// ResolveSliceIndex resolves a slice_for_shift value for n images.
func ResolveSliceIndex(value string, n int) (int, error) {
	if n <= 0 {
		return 0, stitcherr.Configf(nil, "no image to pick a slice from")
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "middle":
		return n / 2, nil
	case "first":
		return 0, nil
	case "last":
		return n - 1, nil
	}
	idx, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, stitcherr.Configf(nil, "slice_for_shift should be first, middle, last or an index, got %q", value)
	}
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return 0, stitcherr.Configf(nil, "slice_for_shift %d is out of range [0, %d)", idx, n)
	}
	return idx, nil
}

// SelectIndices resolves a slice selection against n available indices.
// The result is strictly increasing.
func SelectIndices(selection string, n int) ([]int, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" || selection == ":" || strings.EqualFold(selection, "all") {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	if strings.Contains(selection, ":") {
		parts := strings.Split(selection, ":")
		if len(parts) > 3 {
			return nil, stitcherr.Configf(nil, "invalid slice selection %q", selection)
		}
		start, stop, step := 0, n, 1
		var err error
		if parts[0] != "" {
			if start, err = strconv.Atoi(parts[0]); err != nil {
				return nil, stitcherr.Configf(nil, "invalid slice start in %q", selection)
			}
		}
		if parts[1] != "" {
			if stop, err = strconv.Atoi(parts[1]); err != nil {
				return nil, stitcherr.Configf(nil, "invalid slice stop in %q", selection)
			}
		}
		if len(parts) == 3 && parts[2] != "" {
			if step, err = strconv.Atoi(parts[2]); err != nil {
				return nil, stitcherr.Configf(nil, "invalid slice step in %q", selection)
			}
		}
		if step <= 0 {
			return nil, stitcherr.Configf(nil, "slice step must be positive in %q", selection)
		}
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		start = max(0, min(start, n))
		stop = max(0, min(stop, n))
		var out []int
		for i := start; i < stop; i += step {
			out = append(out, i)
		}
		if len(out) == 0 {
			return nil, stitcherr.Configf(nil, "slice selection %q is empty", selection)
		}
		return out, nil
	}

	var out []int
	for _, field := range strings.Split(selection, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, stitcherr.Configf(nil, "invalid index %q in slice selection", field)
		}
		if idx < 0 || idx >= n {
			return nil, stitcherr.Configf(nil, "index %d out of range [0, %d)", idx, n)
		}
		if len(out) > 0 && idx <= out[len(out)-1] {
			return nil, stitcherr.Configf(nil, "slice selection must be strictly increasing, got %q", selection)
		}
		out = append(out, idx)
	}
	return out, nil
}
