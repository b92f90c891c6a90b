package task

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayoutPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l, err := NewLayout(100, 10, 3, false, rng)
	require.NoError(t, err)

	require.Equal(t, 7, l.NumTasks())
	require.Equal(t, 10, l.ClassesPerTask)

	// Trained labels are exactly [30, 100), each used once.
	var all []int
	for _, set := range l.Tasks {
		require.Len(t, set, 10)
		all = append(all, set...)
	}
	sort.Ints(all)
	require.Len(t, all, 70)
	for i, c := range all {
		assert.Equal(t, 30+i, c)
	}
}

func TestNewLayoutOnlineCrossVal(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l, err := NewLayout(100, 10, 3, true, rng)
	require.NoError(t, err)

	require.Equal(t, 3, l.NumTasks())
	for _, set := range l.Tasks {
		for _, c := range set {
			require.Less(t, c, 30)
		}
	}
}

func TestNewLayoutDeterministicPerSeed(t *testing.T) {
	a, err := NewLayout(20, 4, 1, false, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	b, err := NewLayout(20, 4, 1, false, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.Equal(t, a.Tasks, b.Tasks)
}

func TestNewLayoutRejectsUnevenSplit(t *testing.T) {
	_, err := NewLayout(100, 9, 0, false, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestAdditiveMask(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l, err := NewLayout(12, 4, 0, false, rng)
	require.NoError(t, err)

	mask := l.AdditiveMask(1)
	require.Len(t, mask, 12)
	open := 0
	for c, v := range mask {
		if v == 0 {
			open++
			assert.Contains(t, l.Tasks[1], c)
		} else {
			assert.Equal(t, float32(blocked), v)
		}
	}
	require.Equal(t, 3, open)

	// Union over two tasks opens both class sets.
	union := l.AdditiveMask(0, 2)
	open = 0
	for _, v := range union {
		if v == 0 {
			open++
		}
	}
	require.Equal(t, 6, open)
}

func TestMaskForClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l, err := NewLayout(12, 4, 0, false, rng)
	require.NoError(t, err)

	// One class from task 0 and one from task 3 opens both tasks in full.
	mask := l.MaskForClasses([]int{l.Tasks[0][1], l.Tasks[3][0]})
	for _, c := range l.Tasks[0] {
		assert.Equal(t, float32(0), mask[c])
	}
	for _, c := range l.Tasks[3] {
		assert.Equal(t, float32(0), mask[c])
	}
	for _, c := range l.Tasks[1] {
		assert.Equal(t, float32(blocked), mask[c])
	}
}

func TestSlotRegion(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	l, err := NewLayout(12, 4, 0, false, rng)
	require.NoError(t, err)

	lo, hi := l.SlotRegion(0, 5)
	require.Equal(t, 0, lo)
	require.Equal(t, 15, hi)
	lo, hi = l.SlotRegion(2, 5)
	require.Equal(t, 30, lo)
	require.Equal(t, 45, hi)
}
