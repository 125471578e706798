package tomo

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"tomostitch/internal/models"
)

// VolumeMetadata describes a reconstructed volume.
type VolumeMetadata struct {
	// Shape is (depth, height, width): axis 0 is the stitch axis
	Shape [3]int `yaml:"shape"`

	// VoxelSize is the isotropic voxel size in metres
	VoxelSize float64 `yaml:"voxel_size"`

	// Position is the physical center of the volume per axis, in metres.
	// Axis 0 points up: the first row of the volume is its top.
	Position [3]float64 `yaml:"position"`

	// Range of the stored values, used by quantized formats
	Min float64 `yaml:"min,omitempty"`
	Max float64 `yaml:"max,omitempty"`

	Attributes map[string]interface{} `yaml:"attributes,omitempty"`
}

// VolumeItem is a volume backed either by a raw block file or by an
// in-memory array loaded from a TIFF stack.
type VolumeItem struct {
	identifier string
	meta       VolumeMetadata

	store *BlockStore
	data  *models.Volume
}

// OpenVolume opens a raw: or tiff: identifier.
func OpenVolume(identifier string) (*VolumeItem, error) {
	format, path, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatRaw:
		var meta VolumeMetadata
		if err := readYAML(rawMetadataPath(path), &meta); err != nil {
			return nil, err
		}
		store, err := OpenBlockStore(path, meta.Shape)
		if err != nil {
			return nil, err
		}
		return &VolumeItem{identifier: identifier, meta: meta, store: store}, nil
	case FormatTIFF:
		vol, meta, err := ReadTIFFStack(path)
		if err != nil {
			return nil, err
		}
		return &VolumeItem{identifier: identifier, meta: meta, data: vol}, nil
	}
	return nil, fmt.Errorf("%s is not a volume identifier", identifier)
}

// NewMemoryVolume wraps an in-memory volume, mainly for tests and aggregation.
func NewMemoryVolume(identifier string, vol *models.Volume, meta VolumeMetadata) *VolumeItem {
	meta.Shape = vol.Shape()
	return &VolumeItem{identifier: identifier, meta: meta, data: vol}
}

func rawMetadataPath(path string) string {
	return path + ".yaml"
}

// Identifier implements Item.
func (v *VolumeItem) Identifier() string { return v.identifier }

// Kind implements Item.
func (v *VolumeItem) Kind() models.Kind { return models.KindVolume }

// NUnits returns the number of axis-1 slices.
func (v *VolumeItem) NUnits() int { return v.meta.Shape[1] }

// ReadUnit returns vol[:, index, :].
func (v *VolumeItem) ReadUnit(index int) (*mat.Dense, error) {
	return v.ReadSlice(index)
}

// ReadSlice returns the (depth, width) slice at axis-1 index.
func (v *VolumeItem) ReadSlice(index int) (*mat.Dense, error) {
	return v.ExtractSlice(models.Axis1, index)
}

// ExtractSlice extracts a 2D slice from the volume across the given axis.
// Slices across axis 0 are (height, width), across axis 1 (depth, width)
// and across axis 2 (depth, height).
func (v *VolumeItem) ExtractSlice(axis models.Axis, position int) (*mat.Dense, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if position >= v.meta.Shape[axis] {
		return nil, fmt.Errorf("position %d exceeds %s size %d", position, axis, v.meta.Shape[axis])
	}
	if v.store != nil {
		return v.store.ReadPlane(axis, position)
	}

	depth, height, width := v.data.Depth, v.data.Height, v.data.Width
	switch axis {
	case models.Axis0:
		out := mat.NewDense(height, width, nil)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.Set(y, x, v.data.At(position, y, x))
			}
		}
		return out, nil
	case models.Axis1:
		out := mat.NewDense(depth, width, nil)
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				out.Set(z, x, v.data.At(z, position, x))
			}
		}
		return out, nil
	case models.Axis2:
		out := mat.NewDense(depth, height, nil)
		for z := 0; z < depth; z++ {
			for y := 0; y < height; y++ {
				out.Set(z, y, v.data.At(z, y, position))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid axis: %d", int(axis))
}

// Extent implements Item.
func (v *VolumeItem) Extent(axis models.Axis) int { return v.meta.Shape[axis] }

// PixelSize returns the voxel size.
func (v *VolumeItem) PixelSize() float64 { return v.meta.VoxelSize }

// BoundingBox implements Item.
func (v *VolumeItem) BoundingBox(axis models.Axis) (models.BoundingBox, error) {
	if v.meta.VoxelSize <= 0 {
		return models.BoundingBox{}, fmt.Errorf("volume %s has no voxel size", v.identifier)
	}
	half := float64(v.meta.Shape[axis]) * v.meta.VoxelSize / 2
	c := v.meta.Position[axis]
	return models.BoundingBox{Min: c - half, Max: c + half}, nil
}

// Metadata returns the volume description.
func (v *VolumeItem) Metadata() VolumeMetadata { return v.meta }

// Close releases the backing file, if any.
func (v *VolumeItem) Close() error {
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
