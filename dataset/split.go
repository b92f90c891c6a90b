// Package dataset loads and slices the split-miniImageNet data: decoded
// image tensors with one-hot labels over the full class space, filtered per
// task by the run's class assignment.
package dataset

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Split is one partition (train or test) of a dataset: flattened float32
// images and one-hot labels stored row-per-example.
type Split struct {
	images     []float32
	labels     []float32
	n          int
	imageDim   int
	numClasses int
}

// NewSplit wraps pre-decoded example rows. Images must hold n*imageDim
// values and labels n*numClasses.
func NewSplit(images, labels []float32, imageDim, numClasses int) (*Split, error) {
	if imageDim <= 0 || numClasses <= 0 {
		return nil, errors.Errorf("dataset: invalid example shape (%d,%d)", imageDim, numClasses)
	}
	if len(images)%imageDim != 0 {
		return nil, errors.Errorf("dataset: image data length %d is not a multiple of %d", len(images), imageDim)
	}
	n := len(images) / imageDim
	if len(labels) != n*numClasses {
		return nil, errors.Errorf("dataset: have %d examples but %d label rows", n, len(labels)/numClasses)
	}
	return &Split{images: images, labels: labels, n: n, imageDim: imageDim, numClasses: numClasses}, nil
}

// Len returns the number of examples.
func (s *Split) Len() int { return s.n }

// ImageDim returns the flattened image size.
func (s *Split) ImageDim() int { return s.imageDim }

// NumClasses returns the label-vector width.
func (s *Split) NumClasses() int { return s.numClasses }

// Example returns views of the i-th image and label rows.
func (s *Split) Example(i int) (image, label []float32) {
	return s.images[i*s.imageDim : (i+1)*s.imageDim], s.labels[i*s.numClasses : (i+1)*s.numClasses]
}

// Class returns the class index of the i-th example.
func (s *Split) Class(i int) int {
	_, lab := s.Example(i)
	for c, v := range lab {
		if v > 0 {
			return c
		}
	}
	return -1
}

// ClassSubset copies out every example whose class is in the given set,
// preserving order. This is the per-task view of the full dataset.
func (s *Split) ClassSubset(classes []int) *Split {
	want := make(map[int]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	out := &Split{imageDim: s.imageDim, numClasses: s.numClasses}
	for i := 0; i < s.n; i++ {
		if !want[s.Class(i)] {
			continue
		}
		img, lab := s.Example(i)
		out.images = append(out.images, img...)
		out.labels = append(out.labels, lab...)
		out.n++
	}
	return out
}

// Batch materializes the given example rows as (len(indices), imageDim) and
// (len(indices), numClasses) tensors with fresh backing arrays.
func (s *Split) Batch(indices []int) (*tensor.Dense, *tensor.Dense) {
	n := len(indices)
	imgs := make([]float32, n*s.imageDim)
	labs := make([]float32, n*s.numClasses)
	for i, idx := range indices {
		img, lab := s.Example(idx)
		copy(imgs[i*s.imageDim:(i+1)*s.imageDim], img)
		copy(labs[i*s.numClasses:(i+1)*s.numClasses], lab)
	}
	x := tensor.New(tensor.WithShape(n, s.imageDim), tensor.WithBacking(imgs))
	y := tensor.New(tensor.WithShape(n, s.numClasses), tensor.WithBacking(labs))
	return x, y
}

// Dataset bundles the train and test splits plus image geometry.
type Dataset struct {
	Train, Test *Split

	Height, Width, Channels int
	NumClasses              int
}

// ImageDim returns the flattened image size H*W*C.
func (d *Dataset) ImageDim() int { return d.Height * d.Width * d.Channels }
