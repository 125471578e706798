package models

// Volume is an in-memory 3D array stored as a 1D slice in row-major order.
// Index (z, y, x) lives at z*Height*Width + y*Width + x where z runs along
// the stitch axis, y along axis 1 and x along axis 2.
type Volume struct {
	// Data holds the voxel values
	Data []float64

	// Depth is the extent along the stitch axis
	Depth int

	// Height is the extent along axis 1
	Height int

	// Width is the extent along axis 2
	Width int
}

// NewVolume allocates a zeroed volume.
func NewVolume(depth, height, width int) *Volume {
	return &Volume{
		Data:   make([]float64, depth*height*width),
		Depth:  depth,
		Height: height,
		Width:  width,
	}
}

// Shape returns (depth, height, width).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// Index returns the flat offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns voxel (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set stores voxel (z, y, x).
func (v *Volume) Set(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}
