package inference

import (
	"cmp"
	"slices"
)

// RankedEntry is one class in a top-k list.
type RankedEntry struct {
	Index       int     `json:"index"`
	Label       string  `json:"class"`
	Probability float32 `json:"prob"`
}

// TopK returns the indices of the k highest probabilities, highest first.
// Equal probabilities are ordered by ascending index so the result is stable.
// k is clamped to len(probs).
func TopK(probs []float32, k int) []int {
	k = max(0, min(k, len(probs)))
	if k == 0 {
		return nil
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		// descending probability, ascending index on ties
		if c := cmp.Compare(probs[b], probs[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return idx[:k:k]
}
