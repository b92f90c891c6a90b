package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// exemplar builds a one-hot labeled image whose pixels all carry the marker
// value, so a slot's provenance is readable from any pixel.
func exemplar(marker float32, class, imageDim, numClasses int) ([]float32, []float32) {
	img := make([]float32, imageDim)
	for i := range img {
		img[i] = marker
	}
	lab := make([]float32, numClasses)
	lab[class] = 1
	return img, lab
}

func TestRingBufferSlotRule(t *testing.T) {
	cfg := Config{Capacity: 12, ImageDim: 4, NumClasses: 4}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)
	require.Equal(t, 3, rb.Quota())

	rb.AssignClasses([]int{2, 0})

	// The n-th write for a class lands at offset + n mod quota, independent
	// of interleaving with other classes.
	for n := 0; n < 7; n++ {
		img, lab := exemplar(float32(100+n), 2, cfg.ImageDim, cfg.NumClasses)
		rb.Write(img, lab)
		imgOther, labOther := exemplar(float32(200+n), 0, cfg.ImageDim, cfg.NumClasses)
		rb.Write(imgOther, labOther)
	}
	require.Equal(t, 7, rb.WriteCount(2))
	require.Equal(t, 0, rb.ClassOffset(2))
	require.Equal(t, 3, rb.ClassOffset(0))

	// Writes 0..6 of class 2 hit slots 0,1,2,0,1,2,0: slot 0 holds write 6,
	// slot 1 holds write 4, slot 2 holds write 5.
	assert.Equal(t, float32(106), rb.Image(0)[0])
	assert.Equal(t, float32(104), rb.Image(1)[0])
	assert.Equal(t, float32(105), rb.Image(2)[0])
}

func TestRingBufferOverwrite(t *testing.T) {
	cfg := Config{Capacity: 4, ImageDim: 2, NumClasses: 2}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)
	rb.AssignClasses([]int{0})

	// quota+1 writes: the wrapped write replaces the first, not vice versa.
	for n := 0; n <= rb.Quota(); n++ {
		img, lab := exemplar(float32(n), 0, cfg.ImageDim, cfg.NumClasses)
		rb.Write(img, lab)
	}
	assert.Equal(t, float32(rb.Quota()), rb.Image(0)[0])
	assert.Equal(t, float32(1), rb.Image(1)[0])
}

func TestRingBufferCapacityInvariant(t *testing.T) {
	cfg := Config{Capacity: 6, ImageDim: 3, NumClasses: 3}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)
	rb.AssignClasses([]int{0, 1, 2})

	for n := 0; n < 100; n++ {
		img, lab := exemplar(float32(n), n%3, cfg.ImageDim, cfg.NumClasses)
		rb.Write(img, lab)
		require.Equal(t, cfg.Capacity, rb.Capacity())
		require.Len(t, rb.images, cfg.Capacity*cfg.ImageDim)
		require.Len(t, rb.labels, cfg.Capacity*cfg.NumClasses)
	}
}

func TestRingBufferStableOffsets(t *testing.T) {
	cfg := Config{Capacity: 8, ImageDim: 1, NumClasses: 4}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)

	rb.AssignClasses([]int{3, 1})
	require.Equal(t, 0, rb.ClassOffset(3))
	require.Equal(t, 2, rb.ClassOffset(1))

	// Re-announcing a task never moves established regions.
	rb.AssignClasses([]int{1, 3})
	require.Equal(t, 0, rb.ClassOffset(3))
	require.Equal(t, 2, rb.ClassOffset(1))

	rb.AssignClasses([]int{0})
	require.Equal(t, 4, rb.ClassOffset(0))
	require.Equal(t, -1, rb.ClassOffset(2))
}

func TestRingBufferUnassignedClassPanics(t *testing.T) {
	cfg := Config{Capacity: 4, ImageDim: 1, NumClasses: 2}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)

	img, lab := exemplar(1, 1, cfg.ImageDim, cfg.NumClasses)
	assert.Panics(t, func() { rb.Write(img, lab) })
}

func TestRingBufferIndivisibleCapacity(t *testing.T) {
	_, err := NewRingBuffer(Config{Capacity: 7, ImageDim: 1, NumClasses: 2})
	require.Error(t, err)
}

func TestRingBufferFilledCounter(t *testing.T) {
	cfg := Config{Capacity: 12, ImageDim: 1, NumClasses: 6}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)

	require.Equal(t, 0, rb.Filled())
	rb.AssignClasses([]int{0, 1})
	rb.CompleteTask()
	require.Equal(t, 4, rb.Filled())
	rb.AssignClasses([]int{2, 3})
	rb.CompleteTask()
	require.Equal(t, 8, rb.Filled())
}

// End-to-end scenario: capacity 6, two classes with quota 3. Four writes of
// class 0 then two of class 1. The fourth class-0 write wraps onto slot 0.
func TestRingBufferScenario(t *testing.T) {
	cfg := Config{Capacity: 6, ImageDim: 2, NumClasses: 2}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)
	require.Equal(t, 3, rb.Quota())
	rb.AssignClasses([]int{0, 1})

	a := make([][]float32, 4)
	for i := range a {
		img, lab := exemplar(float32(10+i), 0, cfg.ImageDim, cfg.NumClasses)
		a[i] = img
		rb.Write(img, lab)
	}
	for i := 0; i < 2; i++ {
		img, lab := exemplar(float32(20+i), 1, cfg.ImageDim, cfg.NumClasses)
		rb.Write(img, lab)
	}

	// Class-0 region [0,1,2] = [A3, A1, A2]; class-1 region [3,4,5] = [B0, B1, zero].
	assert.Equal(t, a[3], rb.Image(0))
	assert.Equal(t, a[1], rb.Image(1))
	assert.Equal(t, a[2], rb.Image(2))
	assert.Equal(t, float32(20), rb.Image(3)[0])
	assert.Equal(t, float32(21), rb.Image(4)[0])
	assert.Equal(t, []float32{0, 0}, rb.Image(5))
}

func TestReservoirPreFill(t *testing.T) {
	cfg := Config{Capacity: 5, ImageDim: 2, NumClasses: 3}
	rv, err := NewReservoirBuffer(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	for n := 0; n < cfg.Capacity; n++ {
		img, lab := exemplar(float32(n), n%3, cfg.ImageDim, cfg.NumClasses)
		rv.Write(img, lab)
		// Before the buffer is full every offer is retained, appended in order.
		require.Equal(t, float32(n), rv.Image(n)[0])
		require.Equal(t, n+1, rv.Seen())
		require.Equal(t, n+1, rv.Filled())
	}
}

func TestReservoirScenario(t *testing.T) {
	cfg := Config{Capacity: 3, ImageDim: 1, NumClasses: 2}
	rv, err := NewReservoirBuffer(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	for n := 0; n < 3; n++ {
		img, lab := exemplar(float32(n), 0, cfg.ImageDim, cfg.NumClasses)
		rv.Write(img, lab)
	}
	// Pre-fill phase is deterministic: s0,s1,s2 occupy slots 0,1,2.
	require.Equal(t, []float32{0}, rv.Image(0))
	require.Equal(t, []float32{1}, rv.Image(1))
	require.Equal(t, []float32{2}, rv.Image(2))

	for n := 3; n < 5; n++ {
		img, lab := exemplar(float32(n), 0, cfg.ImageDim, cfg.NumClasses)
		rv.Write(img, lab)
	}
	require.Equal(t, 5, rv.Seen())
	require.Equal(t, 3, rv.Filled())

	// The buffer holds three distinct members of {s0..s4}.
	held := map[float32]bool{}
	for s := 0; s < 3; s++ {
		v := rv.Image(s)[0]
		require.GreaterOrEqual(t, v, float32(0))
		require.Less(t, v, float32(5))
		held[v] = true
	}
	require.Len(t, held, 3)
}

func TestReservoirAsymptoticUniformity(t *testing.T) {
	const (
		capacity = 10
		stream   = 200
		trials   = 2000
	)
	cfg := Config{Capacity: capacity, ImageDim: 1, NumClasses: 1}
	rng := rand.New(rand.NewSource(42))

	retained := make([]int, stream)
	for trial := 0; trial < trials; trial++ {
		rv, err := NewReservoirBuffer(cfg, rng)
		require.NoError(t, err)
		for n := 0; n < stream; n++ {
			rv.Write([]float32{float32(n)}, []float32{1})
		}
		for s := 0; s < capacity; s++ {
			retained[int(rv.Image(s)[0])]++
		}
	}

	// Every exemplar's empirical retention rate should be close to
	// capacity/stream = 0.05. Tolerance is loose; this is a statistical test.
	want := float64(capacity) / float64(stream)
	for n := 0; n < stream; n++ {
		got := float64(retained[n]) / float64(trials)
		assert.InDelta(t, want, got, 0.03, "sample %d retention %f", n, got)
	}
}

func TestSampleIndices(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	// filled <= k: the full slot set comes back, shuffled.
	got := SampleIndices(rng, 4, 10)
	require.Len(t, got, 4)
	seen := map[int]bool{}
	for _, i := range got {
		seen[i] = true
	}
	require.Len(t, seen, 4)

	// filled > k: k distinct indices inside [0, filled).
	for trial := 0; trial < 50; trial++ {
		got = SampleIndices(rng, 100, 16)
		require.Len(t, got, 16)
		dup := map[int]bool{}
		for _, i := range got {
			require.GreaterOrEqual(t, i, 0)
			require.Less(t, i, 100)
			require.False(t, dup[i], "duplicate index in replay batch")
			dup[i] = true
		}
	}

	require.Nil(t, SampleIndices(rng, 0, 8))
}

func TestGather(t *testing.T) {
	cfg := Config{Capacity: 4, ImageDim: 2, NumClasses: 2}
	rb, err := NewRingBuffer(cfg)
	require.NoError(t, err)
	rb.AssignClasses([]int{0, 1})
	for n := 0; n < 4; n++ {
		img, lab := exemplar(float32(n), n%2, cfg.ImageDim, cfg.NumClasses)
		rb.Write(img, lab)
	}

	x, y := rb.Gather([]int{2, 0})
	require.Equal(t, tensor.Shape{2, 2}, x.Shape())
	require.Equal(t, tensor.Shape{2, 2}, y.Shape())
	xs := x.Data().([]float32)
	assert.Equal(t, rb.Image(2)[0], xs[0])
	assert.Equal(t, rb.Image(0)[0], xs[2])

	// The gathered batch owns its data: a later overwrite must not leak in.
	img, lab := exemplar(99, 0, cfg.ImageDim, cfg.NumClasses)
	rb.Write(img, lab)
	assert.Equal(t, xs[2], x.Data().([]float32)[2])
}
