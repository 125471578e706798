// Package tomo provides the tomography items that can be stitched (projection
// scans and reconstructed volumes), their on-disk formats and the output
// sinks used to persist stitched results.
//
// Items are addressed by identifiers of the form "<format>:<path>":
//
//	scan:<dir>   projection scan directory (scan.yaml + float32 blocks)
//	raw:<file>   volume stored as a float32 block file with a <file>.yaml sidecar
//	tiff:<dir>   volume stored as a stack of 16-bit TIFF slices along axis 0
package tomo

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
)

// Identifier formats.
const (
	FormatScan = "scan"
	FormatRaw  = "raw"
	FormatTIFF = "tiff"
)

// Item is one input of a stitching: a projection scan or a volume.
type Item interface {
	// Identifier returns the "<format>:<path>" string of the item
	Identifier() string

	Kind() models.Kind

	// NUnits is the number of 2D units that are stitched: projections for
	// scans, axis-1 slices for volumes
	NUnits() int

	// ReadUnit reads one unit. Rows run along the stitch axis.
	ReadUnit(index int) (*mat.Dense, error)

	// Extent returns the size of the item along axis, in pixels
	Extent(axis models.Axis) int

	// PixelSize returns the pixel (or voxel) size in metres
	PixelSize() float64

	// BoundingBox returns the physical extent along axis, in metres
	BoundingBox(axis models.Axis) (models.BoundingBox, error)
}

// ParseIdentifier splits "<format>:<path>".
func ParseIdentifier(identifier string) (format, path string, err error) {
	format, path, ok := strings.Cut(identifier, ":")
	if !ok || path == "" {
		return "", "", fmt.Errorf("invalid identifier %q (expected <format>:<path>)", identifier)
	}
	format = strings.ToLower(format)
	switch format {
	case FormatScan, FormatRaw, FormatTIFF:
		return format, path, nil
	}
	return "", "", fmt.Errorf("unknown format %q in identifier %q", format, identifier)
}

// Open opens the item behind an identifier.
func Open(identifier string) (Item, error) {
	format, path, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if format == FormatScan {
		return OpenScan(path)
	}
	return OpenVolume(identifier)
}
