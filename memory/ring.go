package memory

import "github.com/pkg/errors"

// RingBuffer reserves an equal quota of slots for every class it has been
// told about and overwrites each class's region in FIFO order. Class regions
// are laid out contiguously in the order classes are first assigned, so a
// task's exemplars always occupy one contiguous range of slots.
type RingBuffer struct {
	Buffer

	quota    int   // slots reserved per class
	offsets  []int // class -> base slot of its region, -1 when unassigned
	countCls []int // class -> samples written so far (monotonic, wraps via modulo)

	assigned int // classes with a region so far
	pending  int // classes assigned since the last CompleteTask
	filled   int // slots considered valid for sampling
}

// NewRingBuffer allocates a zero-initialized ring buffer. The capacity must
// be evenly divisible by the total class count; the per-class quota is
// Capacity / NumClasses.
func NewRingBuffer(cfg Config) (*RingBuffer, error) {
	base, err := newBuffer(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Capacity%cfg.NumClasses != 0 {
		return nil, errors.Errorf("memory: capacity %d is not divisible by %d classes", cfg.Capacity, cfg.NumClasses)
	}
	offsets := make([]int, cfg.NumClasses)
	for c := range offsets {
		offsets[c] = -1
	}
	return &RingBuffer{
		Buffer:   base,
		quota:    cfg.Capacity / cfg.NumClasses,
		offsets:  offsets,
		countCls: make([]int, cfg.NumClasses),
	}, nil
}

// Quota returns the number of slots reserved per class.
func (b *RingBuffer) Quota() int { return b.quota }

// AssignClasses establishes the slot regions for a new task's classes, in
// the order given, at the first unclaimed position. Assignment happens once
// per class; classes that already own a region keep it, so re-announcing a
// task is harmless and older regions are never reshuffled.
func (b *RingBuffer) AssignClasses(classes []int) {
	for _, c := range classes {
		if c < 0 || c >= b.cfg.NumClasses {
			panic(errors.Errorf("memory: class %d outside the label space [0,%d)", c, b.cfg.NumClasses))
		}
		if b.offsets[c] >= 0 {
			continue
		}
		b.offsets[c] = b.assigned * b.quota
		b.assigned++
		b.pending++
	}
}

// Write stores one exemplar at the FIFO position of its class region:
// offset[c] + count[c] mod quota. The class counter increments on every
// write, wrapped or not. Writing a class with no assigned region is a
// programmer error and panics.
func (b *RingBuffer) Write(image, label []float32) {
	c := classOf(label)
	off := b.offsets[c]
	if off < 0 {
		panic(errors.Errorf("memory: class %d has no assigned region", c))
	}
	b.writeSlot(off+b.countCls[c]%b.quota, image, label)
	b.countCls[c]++
}

// CompleteTask marks the regions assigned since the previous call as valid
// for replay sampling. The filled count advances by a full per-task quota
// whether or not every slot was actually written, matching the convention
// that a finished task's region is replayable as a block.
func (b *RingBuffer) CompleteTask() {
	b.filled += b.pending * b.quota
	if b.filled > b.cfg.Capacity {
		b.filled = b.cfg.Capacity
	}
	b.pending = 0
}

// Filled reports how many slots are currently eligible for sampling.
func (b *RingBuffer) Filled() int { return b.filled }

// ClassOffset returns the base slot of a class region, or -1 when the class
// has not been assigned yet.
func (b *RingBuffer) ClassOffset(class int) int { return b.offsets[class] }

// WriteCount returns how many exemplars have ever been written for a class.
func (b *RingBuffer) WriteCount(class int) int { return b.countCls[class] }
