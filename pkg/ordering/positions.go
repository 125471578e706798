package ordering

import (
	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/tomo"
)

// EstimatePositions converts the axis-0 and axis-2 positions to pixels.
// Positions in mm are divided by the pixel size; missing or "auto"
// positions are derived from the bounding box centers, relative to the
// first item. Axis-1 positions are ignored.
func (s *Serie) EstimatePositions(cfg *config.StitchingConfiguration) error {
	if cfg.Axis1PosPx.IsSet() || cfg.Axis1PosMm.IsSet() || cfg.Axis1PosPx.Auto || cfg.Axis1PosMm.Auto {
		monitoring.Warnf("axis 1 positions are not handled and will be ignored")
	}
	var err error
	if s.Table.Axis0Positions, err = s.positions(models.Axis0, cfg.Axis0PosPx, cfg.Axis0PosMm, cfg.PixelSize); err != nil {
		return err
	}
	if s.Table.Axis2Positions, err = s.positions(models.Axis2, cfg.Axis2PosPx, cfg.Axis2PosMm, cfg.PixelSize); err != nil {
		return err
	}
	return nil
}

func (s *Serie) positions(axis models.Axis, px, mm config.Positions, override float64) ([]float64, error) {
	out := make([]float64, s.Len())
	switch {
	case px.IsSet():
		copy(out, px.Values)
	case mm.IsSet():
		for i, it := range s.Items {
			size := pixelSize(it, override)
			if size <= 0 {
				return nil, stitcherr.Configf([]string{it.Identifier()}, "cannot convert mm positions without a pixel size")
			}
			out[i] = MillimetresToPixels(mm.Values[i], size)
		}
	default:
		var origin float64
		for i, it := range s.Items {
			box, err := it.BoundingBox(axis)
			if err != nil {
				return nil, stitcherr.Configf([]string{it.Identifier()}, "cannot derive %s position: %v", axis, err)
			}
			size := pixelSize(it, override)
			if size <= 0 {
				return nil, stitcherr.Configf([]string{it.Identifier()}, "cannot derive positions without a pixel size")
			}
			center := box.Center() / size
			if i == 0 {
				origin = center
			}
			out[i] = center - origin
		}
	}
	return out, nil
}

// MillimetresToPixels converts a position in mm for a pixel size in metres.
func MillimetresToPixels(mm, pixelSize float64) float64 {
	return mm * 1e-3 / pixelSize
}

func pixelSize(it tomo.Item, override float64) float64 {
	if override > 0 {
		return override
	}
	return it.PixelSize()
}
