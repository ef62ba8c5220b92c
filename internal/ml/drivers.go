package ml

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

// Drivers keeps the topN features by |contribution| and rescales them so the
// absolute shares sum to 1, keeping signs. Ties on magnitude go to the
// feature name in ascending order. A zero total yields an empty map.
func Drivers(names []string, contributions []float64, topN int) map[string]float64 {
	type driver struct {
		name string
		v    float64
	}
	all := make([]driver, 0, len(names))
	for i, n := range names {
		if i < len(contributions) && contributions[i] != 0 && !math.IsNaN(contributions[i]) {
			all = append(all, driver{n, contributions[i]})
		}
	}
	slices.SortFunc(all, func(a, b driver) int {
		if c := cmp.Compare(math.Abs(b.v), math.Abs(a.v)); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	if topN > 0 && len(all) > topN {
		all = all[:topN]
	}

	var total float64
	for _, d := range all {
		total += math.Abs(d.v)
	}
	out := make(map[string]float64, len(all))
	if total == 0 {
		return out
	}
	for _, d := range all {
		out[d.name] = d.v / total
	}
	return out
}
