package tomo

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"tomostitch/internal/models"
)

const tiffMetadataFile = "volume.yaml"

func tiffSlicePath(dir string, z int) string {
	return filepath.Join(dir, fmt.Sprintf("slice_%05d.tif", z))
}

// WriteTIFFStack writes one 16-bit grayscale TIFF per axis-0 index. Values
// are quantized over the [min, max] range of the volume, which is stored in
// the metadata so readers can restore them.
func WriteTIFFStack(dir string, vol *models.Volume, meta VolumeMetadata) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating tiff directory: %w", err)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	for z := 0; z < vol.Depth; z++ {
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				g := math.Round((vol.At(z, y, x) - lo) * scale)
				img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, g)))})
			}
		}
		if err := writeTIFF(tiffSlicePath(dir, z), img); err != nil {
			return err
		}
	}

	meta.Shape = vol.Shape()
	meta.Min, meta.Max = lo, hi
	return writeYAML(filepath.Join(dir, tiffMetadataFile), meta)
}

func writeTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	return f.Close()
}

// ReadTIFFStack loads a stack written by WriteTIFFStack.
func ReadTIFFStack(dir string) (*models.Volume, VolumeMetadata, error) {
	var meta VolumeMetadata
	if err := readYAML(filepath.Join(dir, tiffMetadataFile), &meta); err != nil {
		return nil, meta, err
	}
	depth, height, width := meta.Shape[0], meta.Shape[1], meta.Shape[2]
	vol := models.NewVolume(depth, height, width)
	step := (meta.Max - meta.Min) / 65535

	for z := 0; z < depth; z++ {
		f, err := os.Open(tiffSlicePath(dir, z))
		if err != nil {
			return nil, meta, fmt.Errorf("error opening slice %d: %w", z, err)
		}
		img, err := tiff.Decode(f)
		f.Close()
		if err != nil {
			return nil, meta, fmt.Errorf("error decoding slice %d: %w", z, err)
		}
		b := img.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, meta, fmt.Errorf("slice %d is %dx%d, expected %dx%d", z, b.Dx(), b.Dy(), width, height)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				vol.Set(z, y, x, meta.Min+float64(g.Y)*step)
			}
		}
	}
	return vol, meta, nil
}
