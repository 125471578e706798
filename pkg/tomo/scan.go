package tomo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"tomostitch/internal/models"
	"tomostitch/pkg/frames"
)

// Files of a scan directory.
const (
	scanMetadataFile = "scan.yaml"
	projectionsFile  = "projections.f32"
	reducedFlatsFile = "flats.f32"
	reducedDarksFile = "darks.f32"
	rawFlatsFile     = "raw_flats.f32"
	rawDarksFile     = "raw_darks.f32"
)

// ScanMetadata describes a projection scan. Lengths are in metres, energy
// in keV and angles in degrees.
type ScanMetadata struct {
	Title      string   `yaml:"title,omitempty"`
	SampleName string   `yaml:"sample_name,omitempty"`
	Sources    []string `yaml:"sources,omitempty"`

	// Frames, Height and Width give the projection array shape
	Frames int `yaml:"frames"`
	Height int `yaml:"height"`
	Width  int `yaml:"width"`

	PixelSize   float64 `yaml:"pixel_size"`
	Energy      float64 `yaml:"energy,omitempty"`
	Distance    float64 `yaml:"distance,omitempty"`
	FieldOfView string  `yaml:"field_of_view,omitempty"`

	// RotationAngles holds one angle per projection
	RotationAngles []float64 `yaml:"rotation_angles"`

	// Sample translations, one value per projection
	XTranslation []float64 `yaml:"x_translation,omitempty"`
	YTranslation []float64 `yaml:"y_translation,omitempty"`
	ZTranslation []float64 `yaml:"z_translation,omitempty"`

	StartTime time.Time `yaml:"start_time,omitempty"`
	EndTime   time.Time `yaml:"end_time,omitempty"`

	// Flips applied by the detector
	DetectorFlipLR bool `yaml:"detector_flip_lr,omitempty"`
	DetectorFlipUD bool `yaml:"detector_flip_ud,omitempty"`

	// Indices (in projection numbering) of the reduced flats and darks
	FlatIndices []int `yaml:"flat_indices,omitempty"`
	DarkIndices []int `yaml:"dark_indices,omitempty"`

	// Number of raw flat and dark frames
	RawFlats int `yaml:"raw_flats,omitempty"`
	RawDarks int `yaml:"raw_darks,omitempty"`
}

// MeanTranslation returns the mean of a translation series, 0 if empty.
func MeanTranslation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// ScanItem is a projection scan stored in a directory.
type ScanItem struct {
	dir         string
	meta        ScanMetadata
	projections *BlockStore

	reducedFlats []frames.Reference
	reducedDarks []frames.Reference
	loadedRefs   bool
}

// OpenScan opens the scan directory at path.
func OpenScan(dir string) (*ScanItem, error) {
	data, err := os.ReadFile(filepath.Join(dir, scanMetadataFile))
	if err != nil {
		return nil, fmt.Errorf("error reading scan metadata: %w", err)
	}
	var meta ScanMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing scan metadata: %w", err)
	}
	if len(meta.RotationAngles) != 0 && len(meta.RotationAngles) != meta.Frames {
		return nil, fmt.Errorf("scan %s has %d rotation angles for %d frames", dir, len(meta.RotationAngles), meta.Frames)
	}
	store, err := OpenBlockStore(filepath.Join(dir, projectionsFile), [3]int{meta.Frames, meta.Height, meta.Width})
	if err != nil {
		return nil, err
	}
	return &ScanItem{dir: dir, meta: meta, projections: store}, nil
}

// Identifier implements Item.
func (s *ScanItem) Identifier() string { return FormatScan + ":" + s.dir }

// Kind implements Item.
func (s *ScanItem) Kind() models.Kind { return models.KindScan }

// NUnits returns the number of projections.
func (s *ScanItem) NUnits() int { return s.meta.Frames }

// ReadUnit reads projection index as acquired.
func (s *ScanItem) ReadUnit(index int) (*mat.Dense, error) {
	return s.projections.ReadPlane(models.Axis0, index)
}

// Extent returns the frame height along axis 0, the number of projections
// along axis 1 and the frame width along axis 2.
func (s *ScanItem) Extent(axis models.Axis) int {
	switch axis {
	case models.Axis0:
		return s.meta.Height
	case models.Axis1:
		return s.meta.Frames
	default:
		return s.meta.Width
	}
}

// PixelSize implements Item.
func (s *ScanItem) PixelSize() float64 { return s.meta.PixelSize }

// BoundingBox is centered on the mean sample translation. Along axis 0 the
// z translation is used, along axis 2 the x translation.
func (s *ScanItem) BoundingBox(axis models.Axis) (models.BoundingBox, error) {
	var center float64
	var extent int
	switch axis {
	case models.Axis0:
		center, extent = MeanTranslation(s.meta.ZTranslation), s.meta.Height
	case models.Axis2:
		center, extent = MeanTranslation(s.meta.XTranslation), s.meta.Width
	default:
		return models.BoundingBox{}, fmt.Errorf("scan has no bounding box along %s", axis)
	}
	if s.meta.PixelSize <= 0 {
		return models.BoundingBox{}, fmt.Errorf("scan %s has no pixel size", s.dir)
	}
	half := float64(extent) * s.meta.PixelSize / 2
	return models.BoundingBox{Min: center - half, Max: center + half}, nil
}

// DetectorFlips returns the flips applied by the detector.
func (s *ScanItem) DetectorFlips() (lr, ud bool) {
	return s.meta.DetectorFlipLR, s.meta.DetectorFlipUD
}

// Metadata returns the scan description.
func (s *ScanItem) Metadata() ScanMetadata { return s.meta }

// ReducedFlats returns the reduced flats and the frame index each was taken at.
func (s *ScanItem) ReducedFlats() ([]frames.Reference, error) {
	if err := s.loadReferences(); err != nil {
		return nil, err
	}
	return s.reducedFlats, nil
}

// ReducedDarks returns the reduced darks.
func (s *ScanItem) ReducedDarks() ([]frames.Reference, error) {
	if err := s.loadReferences(); err != nil {
		return nil, err
	}
	return s.reducedDarks, nil
}

// SetReducedFlats replaces the reduced flats in memory.
func (s *ScanItem) SetReducedFlats(refs []frames.Reference) {
	s.loadedRefs = true
	s.reducedFlats = refs
}

// SetReducedDarks replaces the reduced darks in memory.
func (s *ScanItem) SetReducedDarks(refs []frames.Reference) {
	s.loadedRefs = true
	s.reducedDarks = refs
}

// RawFlats reads the raw flat series, if any.
func (s *ScanItem) RawFlats() ([]*mat.Dense, error) {
	return s.readSeries(rawFlatsFile, s.meta.RawFlats)
}

// RawDarks reads the raw dark series, if any.
func (s *ScanItem) RawDarks() ([]*mat.Dense, error) {
	return s.readSeries(rawDarksFile, s.meta.RawDarks)
}

// Close releases the projection file.
func (s *ScanItem) Close() error {
	return s.projections.Close()
}

func (s *ScanItem) loadReferences() error {
	if s.loadedRefs {
		return nil
	}
	flats, err := s.readSeries(reducedFlatsFile, len(s.meta.FlatIndices))
	if err != nil {
		return err
	}
	darks, err := s.readSeries(reducedDarksFile, len(s.meta.DarkIndices))
	if err != nil {
		return err
	}
	s.reducedFlats = toReferences(s.meta.FlatIndices, flats)
	s.reducedDarks = toReferences(s.meta.DarkIndices, darks)
	s.loadedRefs = true
	return nil
}

func (s *ScanItem) readSeries(name string, n int) ([]*mat.Dense, error) {
	if n == 0 {
		return nil, nil
	}
	store, err := OpenBlockStore(filepath.Join(s.dir, name), [3]int{n, s.meta.Height, s.meta.Width})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	out := make([]*mat.Dense, n)
	for i := range out {
		if out[i], err = store.ReadPlane(models.Axis0, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toReferences(indices []int, series []*mat.Dense) []frames.Reference {
	refs := make([]frames.Reference, len(series))
	for i, f := range series {
		refs[i] = frames.Reference{Index: indices[i], Frame: f}
	}
	return refs
}

// ScanData gathers what WriteScan persists.
type ScanData struct {
	Metadata     ScanMetadata
	Projections  []*mat.Dense
	ReducedFlats []frames.Reference
	ReducedDarks []frames.Reference
	RawFlats     []*mat.Dense
	RawDarks     []*mat.Dense
}

// WriteScan writes a complete scan directory. Shape fields of the metadata
// are filled from the projections.
func WriteScan(dir string, data ScanData) error {
	if len(data.Projections) == 0 {
		return errors.New("a scan needs at least one projection")
	}
	meta := data.Metadata
	meta.Frames = len(data.Projections)
	meta.Height, meta.Width = data.Projections[0].Dims()
	meta.FlatIndices = referenceIndices(data.ReducedFlats)
	meta.DarkIndices = referenceIndices(data.ReducedDarks)
	meta.RawFlats = len(data.RawFlats)
	meta.RawDarks = len(data.RawDarks)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating scan directory: %w", err)
	}
	series := []struct {
		name   string
		frames []*mat.Dense
	}{
		{projectionsFile, data.Projections},
		{reducedFlatsFile, referenceFrames(data.ReducedFlats)},
		{reducedDarksFile, referenceFrames(data.ReducedDarks)},
		{rawFlatsFile, data.RawFlats},
		{rawDarksFile, data.RawDarks},
	}
	for _, s := range series {
		if len(s.frames) == 0 {
			continue
		}
		if err := writeSeries(filepath.Join(dir, s.name), s.frames, meta.Height, meta.Width); err != nil {
			return err
		}
	}
	return writeYAML(filepath.Join(dir, scanMetadataFile), meta)
}

func writeSeries(path string, series []*mat.Dense, height, width int) error {
	store, err := CreateBlockStore(path, [3]int{len(series), height, width})
	if err != nil {
		return err
	}
	defer store.Close()
	for i, f := range series {
		if err := store.WritePlane(models.Axis0, i, f); err != nil {
			return err
		}
	}
	return store.Sync()
}

func referenceIndices(refs []frames.Reference) []int {
	if len(refs) == 0 {
		return nil
	}
	out := make([]int, len(refs))
	for i, r := range refs {
		out[i] = r.Index
	}
	return out
}

func referenceFrames(refs []frames.Reference) []*mat.Dense {
	out := make([]*mat.Dense, len(refs))
	for i, r := range refs {
		out[i] = r.Frame
	}
	return out
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
