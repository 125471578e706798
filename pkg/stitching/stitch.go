package stitching

import (
	"fmt"

	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/tomo"
)

// Stitch opens the inputs of cfg, stitches them with the variant named by
// cfg.Type and returns the output identifier.
func Stitch(cfg *config.StitchingConfiguration) (string, error) {
	if cfg == nil {
		return "", stitcherr.Configf(nil, "no configuration given")
	}
	if len(cfg.Inputs) < 2 {
		return "", stitcherr.Configf(cfg.Inputs, "at least two inputs are required, got %d", len(cfg.Inputs))
	}

	items := make([]tomo.Item, 0, len(cfg.Inputs))
	defer func() {
		for _, it := range items {
			if c, ok := it.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					monitoring.Warnf("failed to close %s: %v", it.Identifier(), err)
				}
			}
		}
	}()
	for _, id := range cfg.Inputs {
		it, err := tomo.Open(id)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", id, err)
		}
		items = append(items, it)
	}
	return StitchItems(&Params{Config: cfg, Items: items})
}

// StitchItems stitches already opened items.
func StitchItems(params *Params) (string, error) {
	if params == nil || params.Config == nil {
		return "", stitcherr.Configf(nil, "no configuration given")
	}
	switch params.Config.Type {
	case config.PreProcessing:
		return NewPreProcessStitcher(params).Stitch()
	case config.PostProcessing:
		return NewPostProcessStitcher(params).Stitch()
	}
	return "", stitcherr.Configf(nil, "unknown stitching type %q", params.Config.Type)
}
