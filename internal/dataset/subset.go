package dataset

import (
	"math/rand"
	"slices"
)

// BalancedSubset picks int(len(labels)*ratio/numClasses) indices from every
// class without replacement. ratio >= 1 (or <= 0) keeps every index. The
// result is sorted.
func BalancedSubset(labels []int, numClasses int, ratio float64, rng *rand.Rand) []int {
	if ratio <= 0 || ratio >= 1 {
		all := make([]int, len(labels))
		for i := range all {
			all[i] = i
		}
		return all
	}
	perClass := int(float64(len(labels)) * ratio / float64(numClasses))
	byClass := make([][]int, numClasses)
	for i, l := range labels {
		if l >= 0 && l < numClasses {
			byClass[l] = append(byClass[l], i)
		}
	}
	var out []int
	for _, idx := range byClass {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		out = append(out, idx[:min(perClass, len(idx))]...)
	}
	slices.Sort(out)
	return out
}
