package tomo

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
)

// PreviewImage maps a slice onto 8-bit gray levels, stretched between its
// minimum and maximum.
func PreviewImage(slice *mat.Dense) *image.Gray {
	rows, cols := slice.Dims()
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	data := slice.RawMatrix().Data
	if rows == 0 || cols == 0 {
		return img
	}
	lo, hi := floats.Min(data), floats.Max(data)
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((slice.At(y, x) - lo) * scale)})
		}
	}
	return img
}

// SavePreview writes slice position of v across axis as a JPEG image.
func SavePreview(v *VolumeItem, axis models.Axis, position int, filename string) error {
	slice, err := v.ExtractSlice(axis, position)
	if err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, PreviewImage(slice), &jpeg.Options{Quality: 90})
}

// SaveMiddlePreviews writes the middle slice across each axis into dir and
// returns the file names.
func SaveMiddlePreviews(v *VolumeItem, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var out []string
	for _, axis := range []models.Axis{models.Axis0, models.Axis1, models.Axis2} {
		pos := v.Extent(axis) / 2
		filename := filepath.Join(dir, fmt.Sprintf("slice_axis%d_%05d.jpg", int(axis), pos))
		if err := SavePreview(v, axis, pos, filename); err != nil {
			return nil, err
		}
		out = append(out, filename)
	}
	return out, nil
}
