// Package memory implements the bounded episodic-memory buffers used for
// experience replay: a per-class FIFO ring buffer and a reservoir-sampled
// buffer. Both store exemplars as parallel fixed-size float32 arrays and are
// mutated in place; capacity never changes after construction.
package memory

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Config fixes the shape of every slot in a buffer.
type Config struct {
	Capacity   int // total number of slots
	ImageDim   int // flattened image size (H*W*C)
	NumClasses int // width of the one-hot label vector
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return errors.Errorf("memory: capacity must be positive, got %d", c.Capacity)
	}
	if c.ImageDim <= 0 {
		return errors.Errorf("memory: image dim must be positive, got %d", c.ImageDim)
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("memory: class count must be positive, got %d", c.NumClasses)
	}
	return nil
}

// Buffer is the shared slot storage underlying both eviction policies.
// Slots are zero-initialized and overwritten in place, never deallocated.
type Buffer struct {
	cfg    Config
	images []float32 // Capacity*ImageDim, row per slot
	labels []float32 // Capacity*NumClasses, row per slot
}

func newBuffer(cfg Config) (Buffer, error) {
	if err := cfg.validate(); err != nil {
		return Buffer{}, err
	}
	return Buffer{
		cfg:    cfg,
		images: make([]float32, cfg.Capacity*cfg.ImageDim),
		labels: make([]float32, cfg.Capacity*cfg.NumClasses),
	}, nil
}

// Capacity returns the fixed slot count.
func (b *Buffer) Capacity() int { return b.cfg.Capacity }

// Image returns the stored image vector for a slot. The returned slice
// aliases the buffer's backing array.
func (b *Buffer) Image(slot int) []float32 {
	return b.images[slot*b.cfg.ImageDim : (slot+1)*b.cfg.ImageDim]
}

// Label returns the stored label vector for a slot, aliasing backing storage.
func (b *Buffer) Label(slot int) []float32 {
	return b.labels[slot*b.cfg.NumClasses : (slot+1)*b.cfg.NumClasses]
}

// writeSlot overwrites one slot in place.
func (b *Buffer) writeSlot(slot int, image, label []float32) {
	if len(image) != b.cfg.ImageDim || len(label) != b.cfg.NumClasses {
		panic(errors.Errorf("memory: exemplar shape (%d,%d) does not match buffer (%d,%d)",
			len(image), len(label), b.cfg.ImageDim, b.cfg.NumClasses))
	}
	copy(b.Image(slot), image)
	copy(b.Label(slot), label)
}

// Gather materializes the given slots as a replay mini-batch of two tensors,
// shaped (len(slots), ImageDim) and (len(slots), NumClasses). The tensors own
// fresh backing arrays, so later buffer writes do not mutate a drawn batch.
func (b *Buffer) Gather(slots []int) (*tensor.Dense, *tensor.Dense) {
	n := len(slots)
	imgs := make([]float32, n*b.cfg.ImageDim)
	labs := make([]float32, n*b.cfg.NumClasses)
	for i, s := range slots {
		copy(imgs[i*b.cfg.ImageDim:(i+1)*b.cfg.ImageDim], b.Image(s))
		copy(labs[i*b.cfg.NumClasses:(i+1)*b.cfg.NumClasses], b.Label(s))
	}
	x := tensor.New(tensor.WithShape(n, b.cfg.ImageDim), tensor.WithBacking(imgs))
	y := tensor.New(tensor.WithShape(n, b.cfg.NumClasses), tensor.WithBacking(labs))
	return x, y
}

// classOf decodes the class index from a one-hot (or multi-hot) label vector.
// For multi-hot labels the lowest set class wins, matching the write path of
// per-exemplar updates where exactly one class is expected.
func classOf(label []float32) int {
	for c, v := range label {
		if v > 0 {
			return c
		}
	}
	panic(errors.New("memory: label vector has no positive entry"))
}
