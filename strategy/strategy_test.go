package strategy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("a-gem")
	require.NoError(t, err)
	assert.Equal(t, AGEM, m)

	m, err = ParseMethod(" ER-RING ")
	require.NoError(t, err)
	assert.Equal(t, ERRing, m)

	_, err = ParseMethod("GEM")
	assert.Error(t, err)
}

func TestMethodCapabilities(t *testing.T) {
	assert.True(t, AGEM.UsesRing())
	assert.True(t, ERRing.UsesRing())
	assert.True(t, ERSubspace.UsesRing())
	assert.False(t, ERReservoir.UsesRing())
	assert.True(t, ERReservoir.UsesReservoir())
	assert.False(t, Vanilla.UsesRing())
	assert.True(t, PNN.Columnar())
	assert.False(t, SubspaceProj.Columnar())
	assert.True(t, RWalk.Regularized())
	assert.False(t, AGEM.Regularized())
}

func TestNewCoversEveryMethod(t *testing.T) {
	for _, m := range Methods() {
		s, err := New(Config{Method: m, Lambda: 1, FisherEMADecay: 0.9, FisherUpdateAfter: 10, ProjectionRank: 4})
		require.NoError(t, err, "method %s", m)
		assert.Equal(t, m, s.Method())
	}
	_, err := New(Config{Method: "NOPE"})
	assert.Error(t, err)
}

func TestNewRejectsZeroFisherCadence(t *testing.T) {
	for _, m := range []Method{EWC, RWalk} {
		_, err := New(Config{Method: m, Lambda: 1, FisherEMADecay: 0.9, FisherUpdateAfter: 0})
		assert.Error(t, err, "method %s", m)
	}
}

func TestProjectAGEMConflict(t *testing.T) {
	g := [][]float32{{1, 0}, {-1}}
	ref := [][]float32{{-1, 0}, {1}}
	projectAGEM(g, ref)
	// Dot was -2, |ref|^2 = 2, so g - (-1)*ref leaves g orthogonal-or-
	// aligned with ref.
	assert.InDelta(t, 0, dotAll(g, ref), 1e-6)
	assert.InDelta(t, 0, float64(g[0][0]), 1e-6)
	assert.InDelta(t, 0, float64(g[1][0]), 1e-6)
}

func TestProjectAGEMNoConflict(t *testing.T) {
	g := [][]float32{{1, 2}}
	ref := [][]float32{{1, 0}}
	projectAGEM(g, ref)
	assert.Equal(t, [][]float32{{1, 2}}, g)
}

func TestProjectAGEMZeroReference(t *testing.T) {
	g := [][]float32{{1, -3}}
	projectAGEM(g, [][]float32{{0, 0}})
	assert.Equal(t, [][]float32{{1, -3}}, g)
}

func TestProjectAGEMNeverIncreasesMemoryLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 100; trial++ {
		g := [][]float32{make([]float32, 8)}
		ref := [][]float32{make([]float32, 8)}
		for j := 0; j < 8; j++ {
			g[0][j] = float32(rng.NormFloat64())
			ref[0][j] = float32(rng.NormFloat64())
		}
		projectAGEM(g, ref)
		assert.GreaterOrEqual(t, dotAll(g, ref), -1e-4)
	}
}

func TestPenaltyGradZeroAtAnchor(t *testing.T) {
	q := quadraticPenalty{lambda: 10}
	names := []string{"W1"}
	weights := [][]float32{{0.5, -0.25}}
	q.consolidate(names, weights, paramState{"W1": {2, 3}})

	grads := [][]float32{{0, 0}}
	q.addPenaltyGrad(names, weights, grads)
	assert.Equal(t, [][]float32{{0, 0}}, grads)
}

func TestPenaltyGradPullsTowardAnchor(t *testing.T) {
	q := quadraticPenalty{lambda: 2}
	names := []string{"W1"}
	q.consolidate(names, [][]float32{{1, 1}}, paramState{"W1": {3, 0}})

	moved := [][]float32{{1.5, 4}}
	grads := [][]float32{{0, 0}}
	q.addPenaltyGrad(names, moved, grads)
	// lambda * imp * (w - w*): 2*3*0.5 for the first weight, importance
	// zero kills the second.
	assert.InDelta(t, 3.0, float64(grads[0][0]), 1e-6)
	assert.InDelta(t, 0.0, float64(grads[0][1]), 1e-6)
}

func TestPenaltyNoOpBeforeConsolidation(t *testing.T) {
	q := quadraticPenalty{lambda: 100}
	grads := [][]float32{{1, 2}}
	q.addPenaltyGrad([]string{"W1"}, [][]float32{{9, 9}}, grads)
	assert.Equal(t, [][]float32{{1, 2}}, grads)
}

func TestConsolidateCopies(t *testing.T) {
	q := quadraticPenalty{lambda: 1}
	weights := [][]float32{{1, 2}}
	imp := paramState{"W1": {5, 5}}
	q.consolidate([]string{"W1"}, weights, imp)

	weights[0][0] = 99
	imp["W1"][0] = 99
	assert.Equal(t, float32(1), q.anchor["W1"][0])
	assert.Equal(t, float32(5), q.importance["W1"][0])
}

func TestEWCFisherRefresh(t *testing.T) {
	s := newEWC(Config{Method: EWC, Lambda: 1, FisherEMADecay: 0.9, FisherUpdateAfter: 2})
	s.tmp.vec("W1", 2)
	copy(s.tmp["W1"], []float32{4, 8})
	s.refreshFisher()

	// running = 0.9*0 + 0.1 * tmp/updateAfter
	assert.InDelta(t, 0.2, float64(s.running["W1"][0]), 1e-6)
	assert.InDelta(t, 0.4, float64(s.running["W1"][1]), 1e-6)
	assert.Equal(t, float32(0), s.tmp["W1"][0])

	copy(s.tmp["W1"], []float32{2, 2})
	s.refreshFisher()
	assert.InDelta(t, 0.9*0.2+0.1*1, float64(s.running["W1"][0]), 1e-6)
}

func TestPITaskEndImportance(t *testing.T) {
	s := newPI(Config{Method: PI, Lambda: 1})
	s.names = []string{"W1"}
	s.weights = [][]float32{{2}}
	s.ref = paramState{"W1": {1}}
	s.small = paramState{"W1": {3}}

	require.NoError(t, s.TaskEnd(nil, 0))

	// big = small / ((w-ref)^2 + xi) = 3 / 1.1
	assert.InDelta(t, 3/1.1, float64(s.importance["W1"][0]), 1e-5)
	assert.Equal(t, float32(2), s.anchor["W1"][0])
	assert.Equal(t, float32(0), s.small["W1"][0])
	assert.Equal(t, float32(2), s.ref["W1"][0])
}

func TestMASTaskEndAverages(t *testing.T) {
	s := newMAS(Config{Method: MAS, Lambda: 1})
	s.names = []string{"W1"}
	s.weights = [][]float32{{0}}
	s.acc = paramState{"W1": {6}}
	s.steps = 3

	require.NoError(t, s.TaskEnd(nil, 0))
	assert.InDelta(t, 2.0, float64(s.importance["W1"][0]), 1e-6)
}

func TestRWalkScoreNonNegative(t *testing.T) {
	s := newRWalk(Config{Method: RWalk, Lambda: 1, FisherEMADecay: 0.9, FisherUpdateAfter: 1})
	s.names = []string{"W1"}
	s.weights = [][]float32{{1}}
	s.tmpFisher = paramState{"W1": {4}}
	s.small = paramState{"W1": {-2}} // loss went up along the path
	s.refW = paramState{"W1": {0}}

	s.refresh()
	assert.Equal(t, float32(0), s.score["W1"][0])

	require.NoError(t, s.TaskEnd(nil, 0))
	// importance falls back to the Fisher term alone.
	assert.InDelta(t, 0.4, float64(s.importance["W1"][0]), 1e-6)
}

func TestConcatRows(t *testing.T) {
	a := tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{1, 2}))
	b := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{3, 4, 5, 6}))
	c := concatRows(a, b)
	assert.Equal(t, tensor.Shape{3, 2}, c.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data().([]float32))
}

func TestClassesOf(t *testing.T) {
	y := tensor.New(tensor.WithShape(3, 4), tensor.WithBacking([]float32{
		0, 1, 0, 0,
		0, 0, 0, 1,
		0, 1, 0, 0,
	}))
	assert.ElementsMatch(t, []int{1, 3}, classesOf(y))
}

func TestProjectorProperties(t *testing.T) {
	s := newSubspace(Config{Method: SubspaceProj, ProjectionRank: 4}, false)
	rng := rand.New(rand.NewSource(11))
	p, err := s.newProjector(10, rng)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{10, 10}, p.Shape())

	data := p.Data().([]float32)
	dim := 10

	var trace float64
	for i := 0; i < dim; i++ {
		trace += float64(data[i*dim+i])
		for j := 0; j < dim; j++ {
			// Symmetry.
			assert.InDelta(t, float64(data[i*dim+j]), float64(data[j*dim+i]), 1e-4)
			// Idempotence: (P*P)[i][j] == P[i][j].
			var pp float64
			for k := 0; k < dim; k++ {
				pp += float64(data[i*dim+k]) * float64(data[k*dim+j])
			}
			assert.InDelta(t, float64(data[i*dim+j]), pp, 1e-4)
		}
	}
	// The trace of a rank-r orthogonal projector is r.
	assert.InDelta(t, 4.0, trace, 1e-3)
}

func TestProjectorSharedDirections(t *testing.T) {
	s := newSubspace(Config{Method: SubspaceProj, ProjectionRank: 3, ShareDims: 1}, false)
	rng := rand.New(rand.NewSource(3))
	p1, err := s.newProjector(8, rng)
	require.NoError(t, err)
	p2, err := s.newProjector(8, rng)
	require.NoError(t, err)

	// The shared leading direction lies in both subspaces, so each
	// projector maps it to itself.
	dim := 8
	v := make([]float64, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		v[i] = s.shared.At(i, 0)
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	for _, p := range []*tensor.Dense{p1, p2} {
		data := p.Data().([]float32)
		for i := 0; i < dim; i++ {
			var got float64
			for j := 0; j < dim; j++ {
				got += float64(data[i*dim+j]) * v[j] / norm
			}
			assert.InDelta(t, v[i]/norm, got, 1e-4)
		}
	}
}

func TestRegionSlots(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	slots := regionSlots(rng, 10, 15)
	assert.ElementsMatch(t, []int{10, 11, 12, 13, 14}, slots)
}

func TestSubspaceProjectionLookup(t *testing.T) {
	s := newSubspace(Config{Method: ERSubspace, ProjectionRank: 2}, true)
	assert.Nil(t, s.Projection(0))
	s.projs = append(s.projs, tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(make([]float32, 4))))
	assert.NotNil(t, s.Projection(0))
	assert.Nil(t, s.Projection(1))
}

func TestRangeInts(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4}, rangeInts(2, 5))
	assert.Empty(t, rangeInts(3, 3))
}
