package memory

import "math/rand"

// ReservoirBuffer keeps a uniform random sample of everything it has been
// offered, using single-pass reservoir sampling: at any point each of the
// seen exemplars has probability capacity/seen of occupying a slot,
// regardless of arrival order or class balance.
type ReservoirBuffer struct {
	Buffer

	seen int // exemplars offered so far, never reset
	rng  *rand.Rand
}

// NewReservoirBuffer allocates a zero-initialized reservoir. The rand source
// drives both the admission draw and the slot choice; seed it per run for
// reproducible experiments.
func NewReservoirBuffer(cfg Config, rng *rand.Rand) (*ReservoirBuffer, error) {
	base, err := newBuffer(cfg)
	if err != nil {
		return nil, err
	}
	return &ReservoirBuffer{Buffer: base, rng: rng}, nil
}

// Write offers one exemplar to the reservoir. While the buffer is filling,
// the exemplar is appended at slot seen. Afterwards it replaces a uniformly
// chosen slot with probability capacity/(seen+1) and is discarded otherwise.
// The seen counter advances by exactly one either way.
func (b *ReservoirBuffer) Write(image, label []float32) {
	if b.seen < b.cfg.Capacity {
		b.writeSlot(b.seen, image, label)
	} else if j := b.rng.Intn(b.seen + 1); j < b.cfg.Capacity {
		b.writeSlot(j, image, label)
	}
	b.seen++
}

// Seen returns the total number of exemplars ever offered.
func (b *ReservoirBuffer) Seen() int { return b.seen }

// Filled reports how many slots hold valid exemplars.
func (b *ReservoirBuffer) Filled() int {
	if b.seen < b.cfg.Capacity {
		return b.seen
	}
	return b.cfg.Capacity
}
