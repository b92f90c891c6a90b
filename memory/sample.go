package memory

import "math/rand"

// SampleIndices draws a replay mini-batch of slot indices from a buffer with
// filled valid slots. When the buffer holds at most k exemplars every slot is
// returned (shuffled); otherwise k distinct indices are drawn uniformly
// without replacement, so no exemplar appears twice in one batch.
func SampleIndices(rng *rand.Rand, filled, k int) []int {
	if filled <= 0 {
		return nil
	}
	perm := rng.Perm(filled)
	if filled <= k {
		return perm
	}
	return perm[:k]
}
