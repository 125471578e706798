package ordering

import (
	"math"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/tomo"
)

const (
	// pixelSizeTolerance is relative
	pixelSizeTolerance = 1e-5

	// angleTolerance is absolute, in degrees
	angleTolerance = 1e-1
)

// Validate checks that the items can be stitched together. Scans must share
// their number of projections, field of view, pixel size and frame width,
// and acquire compatible rotation angles; this also settles their reading
// orders. Volumes must share their voxel size.
func (s *Serie) Validate() error {
	if s.Len() < 2 {
		return stitcherr.Configf(s.Identifiers(), "at least two items are required to stitch")
	}
	kind := s.Items[0].Kind()
	for _, it := range s.Items[1:] {
		if it.Kind() != kind {
			return stitcherr.Configf(s.Identifiers(), "cannot stitch scans and volumes together")
		}
	}

	for i := 1; i < s.Len(); i++ {
		prev, cur := s.Items[i-1], s.Items[i]
		ids := []string{prev.Identifier(), cur.Identifier()}
		if !closeRelative(prev.PixelSize(), cur.PixelSize(), pixelSizeTolerance) {
			return stitcherr.Configf(ids, "pixel sizes differ: %g vs %g", prev.PixelSize(), cur.PixelSize())
		}
	}

	s.Table.ReadingOrders = make([]models.ReadingOrder, s.Len())
	for i := range s.Table.ReadingOrders {
		s.Table.ReadingOrders[i] = models.Forward
	}
	if kind != models.KindScan {
		return nil
	}

	scans := make([]*tomo.ScanItem, s.Len())
	for i, it := range s.Items {
		scan, ok := it.(*tomo.ScanItem)
		if !ok {
			return stitcherr.Configf([]string{it.Identifier()}, "item reports a scan kind but is a %T", it)
		}
		scans[i] = scan
	}

	for i := 1; i < len(scans); i++ {
		prev, cur := scans[i-1].Metadata(), scans[i].Metadata()
		ids := []string{scans[i-1].Identifier(), scans[i].Identifier()}
		if prev.Frames != cur.Frames {
			return stitcherr.Configf(ids, "number of projections differ: %d vs %d", prev.Frames, cur.Frames)
		}
		if prev.FieldOfView != cur.FieldOfView {
			return stitcherr.Configf(ids, "fields of view differ: %q vs %q", prev.FieldOfView, cur.FieldOfView)
		}
		if prev.Width != cur.Width {
			return stitcherr.Configf(ids, "frame widths differ: %d vs %d", prev.Width, cur.Width)
		}
		if prev.Energy != cur.Energy {
			monitoring.Warnf("energies differ between %s and %s (%g vs %g keV)", ids[0], ids[1], prev.Energy, cur.Energy)
		}
		if prev.Distance != cur.Distance {
			monitoring.Warnf("distances differ between %s and %s (%g vs %g m)", ids[0], ids[1], prev.Distance, cur.Distance)
		}

		same, reversed := compareAngles(prev.RotationAngles, cur.RotationAngles)
		switch {
		case same:
			s.Table.ReadingOrders[i] = s.Table.ReadingOrders[i-1]
		case reversed:
			s.Table.ReadingOrders[i] = -s.Table.ReadingOrders[i-1]
		default:
			return stitcherr.Configf(ids, "rotation angles are neither identical nor reversed")
		}
	}

	for _, scan := range scans {
		meta := scan.Metadata()
		for name, values := range map[string][]float64{"x": meta.XTranslation, "y": meta.YTranslation, "z": meta.ZTranslation} {
			if evolves(values) {
				monitoring.Warnf("%s translation of %s evolves during the acquisition, the mean is used", name, scan.Identifier())
			}
		}
	}
	return nil
}

func closeRelative(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(math.Abs(a), math.Abs(b))
}

// compareAngles reports whether b equals a, or a reversed, within angleTolerance.
func compareAngles(a, b []float64) (same, reversed bool) {
	if len(a) != len(b) {
		return false, false
	}
	same, reversed = true, true
	n := len(a)
	for i := range a {
		if math.Abs(a[i]-b[i]) > angleTolerance {
			same = false
		}
		if math.Abs(a[i]-b[n-1-i]) > angleTolerance {
			reversed = false
		}
	}
	return same, reversed
}

func evolves(values []float64) bool {
	for _, v := range values {
		if v != values[0] {
			return true
		}
	}
	return false
}
