package tomo

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
)

const bytesPerValue = 4

// BlockStore is a 3D array of little-endian float32 values kept in a file.
// Planes are read and written in place so arrays larger than memory can be
// streamed.
type BlockStore struct {
	path  string
	file  *os.File
	shape [3]int
}

// CreateBlockStore creates (or truncates) a store of the given shape.
func CreateBlockStore(path string, shape [3]int) (*BlockStore, error) {
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("invalid block store shape %v", shape)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating block store: %w", err)
	}
	if err := f.Truncate(int64(shape[0]*shape[1]*shape[2]) * bytesPerValue); err != nil {
		f.Close()
		return nil, fmt.Errorf("error sizing block store: %w", err)
	}
	return &BlockStore{path: path, file: f, shape: shape}, nil
}

// OpenBlockStore opens an existing store read-only and checks its size.
func OpenBlockStore(path string, shape [3]int) (*BlockStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening block store: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(shape[0]*shape[1]*shape[2]) * bytesPerValue
	if info.Size() != want {
		f.Close()
		return nil, fmt.Errorf("block store %s holds %d bytes, shape %v needs %d", path, info.Size(), shape, want)
	}
	return &BlockStore{path: path, file: f, shape: shape}, nil
}

// Shape returns (axis 0, axis 1, axis 2) sizes.
func (b *BlockStore) Shape() [3]int {
	return b.shape
}

// Path returns the backing file.
func (b *BlockStore) Path() string {
	return b.path
}

func (b *BlockStore) offset(i, j, k int) int64 {
	return int64((i*b.shape[1]+j)*b.shape[2]+k) * bytesPerValue
}

// ReadPlane reads the 2D plane at index along axis. The plane of axis 0
// is (axis 1, axis 2), the plane of axis 1 is (axis 0, axis 2) and the plane
// of axis 2 is (axis 0, axis 1).
func (b *BlockStore) ReadPlane(axis models.Axis, index int) (*mat.Dense, error) {
	d0, d1, d2 := b.shape[0], b.shape[1], b.shape[2]
	if index < 0 || index >= b.shape[axis] {
		return nil, fmt.Errorf("index %d out of range along %s (size %d)", index, axis, b.shape[axis])
	}
	switch axis {
	case models.Axis0:
		data, err := b.readRun(b.offset(index, 0, 0), d1*d2)
		if err != nil {
			return nil, err
		}
		return mat.NewDense(d1, d2, data), nil
	case models.Axis1:
		out := mat.NewDense(d0, d2, nil)
		for i := 0; i < d0; i++ {
			row, err := b.readRun(b.offset(i, index, 0), d2)
			if err != nil {
				return nil, err
			}
			out.SetRow(i, row)
		}
		return out, nil
	default:
		out := mat.NewDense(d0, d1, nil)
		for i := 0; i < d0; i++ {
			for j := 0; j < d1; j++ {
				v, err := b.readRun(b.offset(i, j, index), 1)
				if err != nil {
					return nil, err
				}
				out.Set(i, j, v[0])
			}
		}
		return out, nil
	}
}

// WritePlane writes a plane along axis 0 or axis 1.
func (b *BlockStore) WritePlane(axis models.Axis, index int, plane mat.Matrix) error {
	d0, d1, d2 := b.shape[0], b.shape[1], b.shape[2]
	if index < 0 || index >= b.shape[axis] {
		return fmt.Errorf("index %d out of range along %s (size %d)", index, axis, b.shape[axis])
	}
	r, c := plane.Dims()
	switch axis {
	case models.Axis0:
		if r != d1 || c != d2 {
			return fmt.Errorf("plane (%d, %d) does not match store plane (%d, %d)", r, c, d1, d2)
		}
		for i := 0; i < r; i++ {
			if err := b.writeRun(b.offset(index, i, 0), mat.Row(nil, i, plane)); err != nil {
				return err
			}
		}
		return nil
	case models.Axis1:
		if r != d0 || c != d2 {
			return fmt.Errorf("plane (%d, %d) does not match store plane (%d, %d)", r, c, d0, d2)
		}
		for i := 0; i < r; i++ {
			if err := b.writeRun(b.offset(i, index, 0), mat.Row(nil, i, plane)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("writing planes along %s is not supported", axis)
}

func (b *BlockStore) readRun(off int64, n int) ([]float64, error) {
	buf := make([]byte, n*bytesPerValue)
	if _, err := b.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", b.path, err)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*bytesPerValue:])))
	}
	return out, nil
}

func (b *BlockStore) writeRun(off int64, values []float64) error {
	buf := make([]byte, len(values)*bytesPerValue)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*bytesPerValue:], math.Float32bits(float32(v)))
	}
	if _, err := b.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("error writing %s: %w", b.path, err)
	}
	return nil
}

// Sync flushes written data to disk.
func (b *BlockStore) Sync() error {
	return b.file.Sync()
}

// Close releases the file.
func (b *BlockStore) Close() error {
	return b.file.Close()
}
