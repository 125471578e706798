package tomo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/models"
	"tomostitch/internal/stitcherr"
)

const partialSuffix = ".partial"

// Sink receives stitched units and publishes them on Commit. Data written
// to a sink that is closed without being committed is removed, so a failed
// stitch never leaves a readable artifact behind.
type Sink interface {
	// Identifier of the artifact once committed
	Identifier() string

	// WriteUnit stores the unit at index (a projection for scans, an axis-1 slice for volumes)
	WriteUnit(index int, unit *mat.Dense) error

	Commit() error

	// Close releases resources. It is safe to call after Commit.
	Close() error
}

var errSinkClosed = errors.New("sink already closed")

// checkTarget refuses to replace an existing artifact unless overwrite is set.
func checkTarget(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return stitcherr.Configf([]string{path}, "output already exists and overwrite is disabled")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
	}
	return nil
}

// streamingSink writes units straight into a block store file.
type streamingSink struct {
	identifier string
	store      *BlockStore
	axis       models.Axis

	// partial is removed on abort; publish moves it into place
	partial string
	publish func() error

	committed bool
	closed    bool
}

func (s *streamingSink) Identifier() string { return s.identifier }

func (s *streamingSink) WriteUnit(index int, unit *mat.Dense) error {
	if s.closed || s.committed {
		return errSinkClosed
	}
	return s.store.WritePlane(s.axis, index, unit)
}

func (s *streamingSink) Commit() error {
	if s.closed || s.committed {
		return errSinkClosed
	}
	if err := s.store.Sync(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("error closing output: %w", err)
	}
	s.closed = true
	if err := s.publish(); err != nil {
		os.RemoveAll(s.partial)
		return err
	}
	s.committed = true
	return nil
}

func (s *streamingSink) Close() error {
	if s.committed {
		return nil
	}
	var err error
	if !s.closed {
		err = s.store.Close()
		s.closed = true
	}
	if rmErr := os.RemoveAll(s.partial); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// CreateScanSink streams projections of the given metadata shape into a new
// scan directory.
func CreateScanSink(dir string, meta ScanMetadata, overwrite bool) (Sink, error) {
	if err := checkTarget(dir, overwrite); err != nil {
		return nil, err
	}
	partial := dir + partialSuffix
	if err := os.RemoveAll(partial); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(partial, 0755); err != nil {
		return nil, fmt.Errorf("error creating scan directory: %w", err)
	}
	store, err := CreateBlockStore(filepath.Join(partial, projectionsFile), [3]int{meta.Frames, meta.Height, meta.Width})
	if err != nil {
		os.RemoveAll(partial)
		return nil, err
	}
	meta.FlatIndices, meta.DarkIndices, meta.RawFlats, meta.RawDarks = nil, nil, 0, 0
	return &streamingSink{
		identifier: FormatScan + ":" + dir,
		store:      store,
		axis:       models.Axis0,
		partial:    partial,
		publish: func() error {
			if err := writeYAML(filepath.Join(partial, scanMetadataFile), meta); err != nil {
				return err
			}
			return replace(partial, dir)
		},
	}, nil
}

// CreateVolumeSink creates a sink for a raw: or tiff: identifier. Raw
// volumes are streamed slice by slice; TIFF volumes are assembled in memory
// and written on commit.
func CreateVolumeSink(identifier string, meta VolumeMetadata, overwrite bool) (Sink, error) {
	format, path, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	for _, s := range meta.Shape {
		if s <= 0 {
			return nil, fmt.Errorf("invalid output volume shape %v", meta.Shape)
		}
	}
	if err := checkTarget(path, overwrite); err != nil {
		return nil, err
	}

	switch format {
	case FormatRaw:
		partial := path + partialSuffix
		store, err := CreateBlockStore(partial, meta.Shape)
		if err != nil {
			return nil, err
		}
		return &streamingSink{
			identifier: identifier,
			store:      store,
			axis:       models.Axis1,
			partial:    partial,
			publish: func() error {
				if err := writeYAML(rawMetadataPath(path), meta); err != nil {
					return err
				}
				return replace(partial, path)
			},
		}, nil
	case FormatTIFF:
		return &memorySink{
			identifier: identifier,
			dir:        path,
			meta:       meta,
			vol:        models.NewVolume(meta.Shape[0], meta.Shape[1], meta.Shape[2]),
		}, nil
	}
	return nil, fmt.Errorf("%s is not a volume identifier", identifier)
}

// memorySink assembles a volume in memory and writes it as a TIFF stack.
type memorySink struct {
	identifier string
	dir        string
	meta       VolumeMetadata
	vol        *models.Volume
	done       bool
}

func (m *memorySink) Identifier() string { return m.identifier }

func (m *memorySink) WriteUnit(index int, unit *mat.Dense) error {
	if m.done {
		return errSinkClosed
	}
	if index < 0 || index >= m.vol.Height {
		return fmt.Errorf("slice index %d out of range (height %d)", index, m.vol.Height)
	}
	r, c := unit.Dims()
	if r != m.vol.Depth || c != m.vol.Width {
		return fmt.Errorf("slice (%d, %d) does not match volume slice (%d, %d)", r, c, m.vol.Depth, m.vol.Width)
	}
	for z := 0; z < r; z++ {
		for x := 0; x < c; x++ {
			m.vol.Set(z, index, x, unit.At(z, x))
		}
	}
	return nil
}

func (m *memorySink) Commit() error {
	if m.done {
		return errSinkClosed
	}
	m.done = true
	partial := m.dir + partialSuffix
	if err := os.RemoveAll(partial); err != nil {
		return err
	}
	if err := WriteTIFFStack(partial, m.vol, m.meta); err != nil {
		os.RemoveAll(partial)
		return err
	}
	if err := replace(partial, m.dir); err != nil {
		os.RemoveAll(partial)
		return err
	}
	m.vol = nil
	return nil
}

func (m *memorySink) Close() error {
	m.done = true
	m.vol = nil
	return nil
}

// replace moves src onto dst, removing any previous dst.
func replace(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("error removing previous output: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("error publishing output: %w", err)
	}
	return nil
}

// WriteVolume writes a complete volume under a raw: or tiff: identifier.
func WriteVolume(identifier string, vol *models.Volume, meta VolumeMetadata, overwrite bool) error {
	meta.Shape = vol.Shape()
	sink, err := CreateVolumeSink(identifier, meta, overwrite)
	if err != nil {
		return err
	}
	defer sink.Close()
	item := NewMemoryVolume(identifier, vol, meta)
	for y := 0; y < vol.Height; y++ {
		slice, err := item.ReadSlice(y)
		if err != nil {
			return err
		}
		if err := sink.WriteUnit(y, slice); err != nil {
			return err
		}
	}
	return sink.Commit()
}
