// Package config provides the stitching configuration and its loading.
// It handles YAML (and TOML) files and provides default values. Per-item
// and per-junction fields may be given as a scalar or a list; Normalize
// broadcasts them once to their final length.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tomostitch/internal/stitcherr"
)

// StitchingType selects the stitcher variant.
type StitchingType string

const (
	// PreProcessing stitches raw projection series.
	PreProcessing StitchingType = "preprocessing"
	// PostProcessing stitches reconstructed volumes.
	PostProcessing StitchingType = "postprocessing"
)

// AxisParams holds per-axis stitching parameters.
type AxisParams struct {
	// ImgRegMethod is the registration method per junction (ncc, phase_correlation, none)
	ImgRegMethod StringList `yaml:"img_reg_method,omitempty"`

	// OverlapSize overrides the overlap extent per junction ("auto" or a pixel count).
	// Only meaningful for axis 0.
	OverlapSize StringList `yaml:"overlap_size,omitempty"`

	// SearchRadius bounds the correlation search around the seed shift, in pixels
	SearchRadius int `yaml:"search_radius,omitempty"`
}

// RescaleParams controls the percentile rescale of frames.
type RescaleParams struct {
	MinPercentile float64 `yaml:"min_percentile"`
	MaxPercentile float64 `yaml:"max_percentile"`
}

// NormalizationBySample controls the subtraction of a background sample
// picked on one side of each frame.
type NormalizationBySample struct {
	Active bool   `yaml:"active"`
	Side   string `yaml:"side"`
	Method string `yaml:"method"`
	Margin int    `yaml:"margin"`
	Width  int    `yaml:"width"`
}

// OutputConfig describes the artifact to create.
type OutputConfig struct {
	// Identifier is a "<format>:<path>" string (scan:, raw:, tiff:)
	Identifier string `yaml:"identifier"`

	// Overwrite allows replacing an existing artifact
	Overwrite bool `yaml:"overwrite"`
}

// StitchingConfiguration represents a full stitching request.
type StitchingConfiguration struct {
	Type StitchingType `yaml:"type"`

	// Inputs lists the identifiers of the items to stitch
	Inputs []string `yaml:"inputs,omitempty"`

	// Declared positions, one per item. Unset or "auto" means derived from
	// the bounding boxes of the items.
	Axis0PosPx Positions `yaml:"axis_0_pos_px,omitempty"`
	Axis0PosMm Positions `yaml:"axis_0_pos_mm,omitempty"`
	Axis1PosPx Positions `yaml:"axis_1_pos_px,omitempty"`
	Axis1PosMm Positions `yaml:"axis_1_pos_mm,omitempty"`
	Axis2PosPx Positions `yaml:"axis_2_pos_px,omitempty"`
	Axis2PosMm Positions `yaml:"axis_2_pos_mm,omitempty"`

	Axis0Params AxisParams `yaml:"axis_0_params"`
	Axis2Params AxisParams `yaml:"axis_2_params"`

	// SliceForShift picks the image used for registration: first, middle, last or an index
	SliceForShift string `yaml:"slice_for_shift"`

	// StitchingStrategy is the overlap blending law (linear, cosinus, closest, mean)
	StitchingStrategy string `yaml:"stitching_strategy"`

	// Flips declared by the user, one per item
	FlipLR BoolList `yaml:"flip_lr,omitempty"`
	FlipUD BoolList `yaml:"flip_ud,omitempty"`

	AlignmentAxis1 string `yaml:"alignment_axis_1"`
	AlignmentAxis2 string `yaml:"alignment_axis_2"`
	PadMode        string `yaml:"pad_mode"`

	RescaleFrames         bool                  `yaml:"rescale_frames"`
	RescaleParams         RescaleParams         `yaml:"rescale_params"`
	NormalizationBySample NormalizationBySample `yaml:"normalization_by_sample"`

	// Slices selects the frames (pre-processing) or axis-1 slices
	// (post-processing) to stitch: "", "start:stop[:step]" or "i,j,k"
	Slices string `yaml:"slices,omitempty"`

	// BunchSize is the number of frames loaded at once
	BunchSize int `yaml:"bunch_size"`

	// PixelSize overrides the item pixel/voxel size, in metres
	PixelSize float64 `yaml:"pixel_size,omitempty"`

	Output OutputConfig `yaml:"output"`

	normalized int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *StitchingConfiguration {
	cfg := &StitchingConfiguration{
		Type:              PreProcessing,
		SliceForShift:     "middle",
		StitchingStrategy: "linear",
		AlignmentAxis1:    "center",
		AlignmentAxis2:    "center",
		PadMode:           "constant",
		BunchSize:         50,
	}
	cfg.Axis0Params.ImgRegMethod = StringList{"ncc"}
	cfg.Axis0Params.OverlapSize = StringList{"auto"}
	cfg.Axis0Params.SearchRadius = 10
	cfg.Axis2Params.ImgRegMethod = StringList{"ncc"}
	cfg.Axis2Params.SearchRadius = 10
	cfg.RescaleParams = RescaleParams{MinPercentile: 0, MaxPercentile: 100}
	cfg.NormalizationBySample = NormalizationBySample{Side: "left", Method: "median", Width: 30}
	return cfg
}

// Syntax is the serialization of a configuration document.
type Syntax int

const (
	YAML Syntax = iota
	TOML
)

// SyntaxOf picks the syntax from the file extension; anything but .toml is YAML.
func SyntaxOf(path string) Syntax {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return YAML
}

// Parse decodes a configuration document over the default values.
func Parse(data []byte, syntax Syntax) (*StitchingConfiguration, error) {
	if syntax == TOML {
		// the document is re-emitted as YAML so both syntaxes share the
		// scalar-or-list decoding of the field types
		var raw map[string]interface{}
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
		var err error
		if data, err = yaml.Marshal(raw); err != nil {
			return nil, fmt.Errorf("error converting TOML configuration: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	switch cfg.Type {
	case PreProcessing, PostProcessing:
	default:
		return nil, stitcherr.Configf(nil, "unknown stitching type %q", cfg.Type)
	}
	return cfg, nil
}

// Marshal encodes the configuration in the given syntax.
func (c *StitchingConfiguration) Marshal(syntax Syntax) ([]byte, error) {
	if syntax == YAML {
		return yaml.Marshal(c)
	}
	m, err := c.ToMap()
	if err != nil {
		return nil, err
	}
	return toml.Marshal(m)
}

// LoadConfig loads a configuration file, YAML or TOML by extension.
// A missing file yields the default configuration.
func LoadConfig(configPath string) (*StitchingConfiguration, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg, err := Parse(data, SyntaxOf(configPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration in the syntax matching the file
// extension, creating the parent directory.
func SaveConfig(cfg *StitchingConfiguration, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := cfg.Marshal(SyntaxOf(configPath))
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// ToMap returns the configuration as a generic map, as stored in provenance records.
func (c *StitchingConfiguration) ToMap() (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep copy; stitchers edit their own copy.
func (c *StitchingConfiguration) Clone() *StitchingConfiguration {
	out := *c
	out.Inputs = append([]string(nil), c.Inputs...)
	for _, p := range []*Positions{&out.Axis0PosPx, &out.Axis0PosMm, &out.Axis1PosPx, &out.Axis1PosMm, &out.Axis2PosPx, &out.Axis2PosMm} {
		p.Values = append([]float64(nil), p.Values...)
	}
	out.Axis0Params.ImgRegMethod = append(StringList(nil), c.Axis0Params.ImgRegMethod...)
	out.Axis0Params.OverlapSize = append(StringList(nil), c.Axis0Params.OverlapSize...)
	out.Axis2Params.ImgRegMethod = append(StringList(nil), c.Axis2Params.ImgRegMethod...)
	out.Axis2Params.OverlapSize = append(StringList(nil), c.Axis2Params.OverlapSize...)
	out.FlipLR = append(BoolList(nil), c.FlipLR...)
	out.FlipUD = append(BoolList(nil), c.FlipUD...)
	return &out
}

// Normalize broadcasts scalar fields for a serie of n items: per-item
// fields to n entries and per-junction fields to n-1 entries. It is
// idempotent for a given n.
func (c *StitchingConfiguration) Normalize(n int) error {
	if n < 2 {
		return stitcherr.Configf(nil, "at least two items are required to stitch, got %d", n)
	}
	if c.normalized == n {
		return nil
	}

	var err error
	if c.FlipLR, err = broadcast(c.FlipLR, n, false, "flip_lr"); err != nil {
		return err
	}
	if c.FlipUD, err = broadcast(c.FlipUD, n, false, "flip_ud"); err != nil {
		return err
	}
	if c.Axis0Params.ImgRegMethod, err = broadcast(c.Axis0Params.ImgRegMethod, n-1, "none", "axis_0_params.img_reg_method"); err != nil {
		return err
	}
	if c.Axis2Params.ImgRegMethod, err = broadcast(c.Axis2Params.ImgRegMethod, n-1, "none", "axis_2_params.img_reg_method"); err != nil {
		return err
	}
	if c.Axis0Params.OverlapSize, err = broadcast(c.Axis0Params.OverlapSize, n-1, "auto", "axis_0_params.overlap_size"); err != nil {
		return err
	}

	positions := map[string]*Positions{
		"axis_0_pos_px": &c.Axis0PosPx, "axis_0_pos_mm": &c.Axis0PosMm,
		"axis_1_pos_px": &c.Axis1PosPx, "axis_1_pos_mm": &c.Axis1PosMm,
		"axis_2_pos_px": &c.Axis2PosPx, "axis_2_pos_mm": &c.Axis2PosMm,
	}
	for name, p := range positions {
		if p.Auto || len(p.Values) == 0 {
			continue
		}
		if len(p.Values) != n {
			return stitcherr.Configf(nil, "%s expects %d positions (one per item), got %d", name, n, len(p.Values))
		}
	}
	if c.Axis0PosPx.IsSet() && c.Axis0PosMm.IsSet() {
		return stitcherr.Configf(nil, "axis 0 position is provided twice: as mm and as px")
	}
	if c.Axis2PosPx.IsSet() && c.Axis2PosMm.IsSet() {
		return stitcherr.Configf(nil, "axis 2 position is provided twice: as mm and as px")
	}
	if c.BunchSize <= 0 {
		c.BunchSize = 50
	}

	c.normalized = n
	return nil
}

// Reverse flips every per-item and per-junction array, used when the serie
// was supplied in exact reverse order.
func (c *StitchingConfiguration) Reverse() {
	reverse(c.Inputs)
	for _, p := range []*Positions{&c.Axis0PosPx, &c.Axis0PosMm, &c.Axis1PosPx, &c.Axis1PosMm, &c.Axis2PosPx, &c.Axis2PosMm} {
		reverse(p.Values)
	}
	reverse(c.FlipLR)
	reverse(c.FlipUD)
	reverse(c.Axis0Params.ImgRegMethod)
	reverse(c.Axis0Params.OverlapSize)
	reverse(c.Axis2Params.ImgRegMethod)
}

// OverlapSizeOverride returns the user overlap size for junction j, or
// false when it is "auto".
func (c *StitchingConfiguration) OverlapSizeOverride(j int) (int, bool, error) {
	if j >= len(c.Axis0Params.OverlapSize) {
		return 0, false, nil
	}
	return parseOverlapSize(c.Axis0Params.OverlapSize[j])
}

func broadcast[T any](values []T, n int, def T, name string) ([]T, error) {
	switch len(values) {
	case 0:
		out := make([]T, n)
		for i := range out {
			out[i] = def
		}
		return out, nil
	case 1:
		out := make([]T, n)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case n:
		return values, nil
	}
	return nil, stitcherr.Configf(nil, "%s expects a scalar or %d values, got %d", name, n, len(values))
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
