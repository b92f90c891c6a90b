package strategy

import (
	"gorgonia.org/tensor"

	"github.com/KumarNavish/orthog-subspace/dataset"
	"github.com/KumarNavish/orthog-subspace/memory"
)

// Batch is one training mini-batch: a window of example indices into a
// split. Strategies turn it into tensors on demand and read individual
// exemplars when writing episodic memory.
type Batch struct {
	Split   *dataset.Split
	Indices []int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int { return len(b.Indices) }

// Tensors materializes the batch as (images, one-hot labels) with fresh
// backing.
func (b Batch) Tensors() (*tensor.Dense, *tensor.Dense) {
	return b.Split.Batch(b.Indices)
}

// writeRing appends every example of the batch to the ring buffer,
// after the training step that consumed it.
func writeRing(ring *memory.RingBuffer, b Batch) {
	for _, i := range b.Indices {
		img, lab := b.Split.Example(i)
		ring.Write(img, lab)
	}
}

// writeReservoir offers every example of the batch to the reservoir.
func writeReservoir(res *memory.ReservoirBuffer, b Batch) {
	for _, i := range b.Indices {
		img, lab := b.Split.Example(i)
		res.Write(img, lab)
	}
}

// concatRows stacks two (rows, dim) tensors into one, memory rows first.
func concatRows(a, b *tensor.Dense) *tensor.Dense {
	ra, d := a.Shape()[0], a.Shape()[1]
	rb := b.Shape()[0]
	backing := make([]float32, (ra+rb)*d)
	copy(backing, a.Data().([]float32))
	copy(backing[ra*d:], b.Data().([]float32))
	return tensor.New(tensor.WithShape(ra+rb, d), tensor.WithBacking(backing))
}

// classesOf collects the distinct classes present in a stacked one-hot
// label tensor.
func classesOf(labels *tensor.Dense) []int {
	rows, width := labels.Shape()[0], labels.Shape()[1]
	data := labels.Data().([]float32)
	seen := make(map[int]bool)
	var classes []int
	for i := 0; i < rows; i++ {
		best, bestIdx := data[i*width], 0
		for c := 1; c < width; c++ {
			if v := data[i*width+c]; v > best {
				best, bestIdx = v, c
			}
		}
		if !seen[bestIdx] {
			seen[bestIdx] = true
			classes = append(classes, bestIdx)
		}
	}
	return classes
}

func rangeInts(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
