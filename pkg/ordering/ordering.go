// Package ordering sorts a serie of items along the stitch axis, checks
// that the items can be stitched together and settles the per-item
// metadata (reading order, flips, positions in pixels).
//
// Axis 0 points up: the item with the largest axis-0 position is the upper
// one and comes first once ordered.
package ordering

import (
	"sort"

	"tomostitch/internal/models"
	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/pkg/config"
	"tomostitch/pkg/tomo"
)

// ItemTable holds settled per-item metadata, parallel to Serie.Items.
type ItemTable struct {
	FlipLR        []bool
	FlipUD        []bool
	ReadingOrders []models.ReadingOrder

	// Positions in pixels
	Axis0Positions []float64
	Axis2Positions []float64
}

// Serie is an ordered list of items, top first.
type Serie struct {
	Items []tomo.Item
	Table ItemTable

	// Reversed is set when the items were supplied bottom first
	Reversed bool
}

// Identifiers returns the identifiers of the items.
func (s *Serie) Identifiers() []string {
	return identifiers(s.Items)
}

// Len returns the number of items.
func (s *Serie) Len() int {
	return len(s.Items)
}

func identifiers(items []tomo.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Identifier()
	}
	return out
}

// Order sorts items decreasing along axis 0. The sort key is the declared
// pixel position, else the declared mm position, else the bounding box
// minimum. Tied items keep their given order with a warning. Items supplied
// in exact reverse order are reversed together with
// every per-item and per-junction field of cfg; any other permutation is
// ambiguous and rejected. cfg is normalized for the serie length.
func Order(items []tomo.Item, cfg *config.StitchingConfiguration) (*Serie, error) {
	if err := cfg.Normalize(len(items)); err != nil {
		return nil, err
	}

	keys := make([]float64, len(items))
	switch {
	case cfg.Axis0PosPx.IsSet():
		copy(keys, cfg.Axis0PosPx.Values)
	case cfg.Axis0PosMm.IsSet():
		copy(keys, cfg.Axis0PosMm.Values)
	default:
		for i, it := range items {
			box, err := it.BoundingBox(models.Axis0)
			if err != nil {
				return nil, stitcherr.Configf([]string{it.Identifier()}, "no axis 0 position given and no bounding box: %v", err)
			}
			keys[i] = box.Min
		}
	}

	perm := make([]int, len(items))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return keys[perm[a]] > keys[perm[b]] })
	for k := 1; k < len(perm); k++ {
		if keys[perm[k]] == keys[perm[k-1]] {
			// the stable sort keeps tied items in the given order
			monitoring.Warnf("%s and %s share the axis 0 position %g, keeping the given order",
				items[perm[k-1]].Identifier(), items[perm[k]].Identifier(), keys[perm[k]])
		}
	}

	serie := &Serie{Items: append([]tomo.Item(nil), items...)}
	switch {
	case isIdentity(perm):
	case isReverse(perm):
		monitoring.Warnf("items were provided bottom first, reversing the serie and the per-item settings")
		for i, j := 0, len(serie.Items)-1; i < j; i, j = i+1, j-1 {
			serie.Items[i], serie.Items[j] = serie.Items[j], serie.Items[i]
		}
		cfg.Reverse()
		serie.Reversed = true
	default:
		return nil, stitcherr.Configf(identifiers(items),
			"items are neither ordered along axis 0 nor in exact reverse order, order %v is ambiguous", perm)
	}
	return serie, nil
}

func isIdentity(perm []int) bool {
	for i, p := range perm {
		if p != i {
			return false
		}
	}
	return true
}

func isReverse(perm []int) bool {
	n := len(perm)
	for i, p := range perm {
		if p != n-1-i {
			return false
		}
	}
	return true
}
