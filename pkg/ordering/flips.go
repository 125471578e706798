package ordering

import (
	"gonum.org/v1/gonum/mat"

	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/frames"
)

type detectorFlipper interface {
	DetectorFlips() (lr, ud bool)
}

// EstablishFlips combines the flips applied by each detector with the flips
// declared in cfg. The combined transformation must reduce to flips.
func (s *Serie) EstablishFlips(cfg *config.StitchingConfiguration) error {
	s.Table.FlipLR = make([]bool, s.Len())
	s.Table.FlipUD = make([]bool, s.Len())
	for i, it := range s.Items {
		var det mat.Matrix = frames.DetectorMatrix(false, false)
		if d, ok := it.(detectorFlipper); ok {
			det = frames.DetectorMatrix(d.DetectorFlips())
		}
		user := frames.DetectorMatrix(cfg.FlipLR[i], cfg.FlipUD[i])
		lr, ud, err := frames.FlipsOf(frames.Compose(det, user))
		if err != nil {
			return stitcherr.Configf([]string{it.Identifier()}, "%v", err)
		}
		s.Table.FlipLR[i], s.Table.FlipUD[i] = lr, ud
	}
	return nil
}
