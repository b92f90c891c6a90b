package strategy

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/KumarNavish/orthog-subspace/model"
)

// subspace trains each task inside a low-rank subspace of the hidden
// feature space. A rank-r orthonormal basis is drawn per task and its
// projector P = Q Qᵀ right-multiplies the hidden features, so updates for
// different tasks interfere only through the optionally shared leading
// directions. With replay enabled it additionally takes a memory step on a
// random earlier task, inside that task's subspace.
type subspace struct {
	rank   int
	share  int
	replay bool

	projs  []*tensor.Dense
	shared *mat.Dense // shared leading columns, drawn once
}

func newSubspace(cfg Config, replay bool) *subspace {
	return &subspace{rank: cfg.ProjectionRank, share: cfg.ShareDims, replay: replay}
}

func (s *subspace) Method() Method {
	if s.replay {
		return ERSubspace
	}
	return SubspaceProj
}

// Projection returns the projector for task t, or nil if that task has
// not started yet. Evaluation feeds it back through the network so test
// features live in the same subspace training used.
func (s *subspace) Projection(t int) *tensor.Dense {
	if t < 0 || t >= len(s.projs) {
		return nil
	}
	return s.projs[t]
}

func (s *subspace) TaskStart(rc *RunContext, t int) error {
	if s.replay {
		rc.Ring.AssignClasses(rc.Layout.Tasks[t])
	}
	for len(s.projs) <= t {
		p, err := s.newProjector(rc.Net.Cfg().HiddenDim, rc.Rng)
		if err != nil {
			return err
		}
		s.projs = append(s.projs, p)
	}
	return nil
}

func (s *subspace) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	opts := model.CompileOpts{Projection: s.projs[t]}
	sg, loss, grads, err := rc.runStep(t, x, y, rc.Layout.AdditiveMask(t), opts)
	if err != nil {
		return 0, err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)

	if s.replay {
		if t > 0 {
			if err := s.replayStep(rc, t); err != nil {
				return 0, err
			}
		}
		writeRing(rc.Ring, batch)
	}
	return loss, nil
}

// replayStep picks one random earlier task and takes a step on its entire
// ring region, shuffled, inside that task's subspace.
func (s *subspace) replayStep(rc *RunContext, t int) error {
	tt := rc.Rng.Intn(t)
	lo, hi := rc.Layout.SlotRegion(tt, rc.Ring.Quota())
	if hi > rc.Ring.Filled() {
		return nil
	}
	mx, my := rc.Ring.Gather(regionSlots(rc.Rng, lo, hi))
	opts := model.CompileOpts{Projection: s.projs[tt]}
	sg, _, grads, err := rc.runStep(tt, mx, my, rc.Layout.AdditiveMask(tt), opts)
	if err != nil {
		return err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)
	return nil
}

func (s *subspace) TaskEnd(rc *RunContext, t int) error {
	if s.replay {
		rc.Ring.CompleteTask()
	}
	return nil
}

// newProjector draws a Gaussian (dim, rank) basis candidate, pins the
// shared leading columns, orthonormalizes with QR, and returns the rank-r
// projector Q Qᵀ as a float32 tensor.
func (s *subspace) newProjector(dim int, rng *rand.Rand) (*tensor.Dense, error) {
	rank := s.rank
	if rank <= 0 || rank > dim {
		rank = dim
	}
	share := s.share
	if share > rank {
		share = rank
	}

	if share > 0 && s.shared == nil {
		s.shared = gaussianMatrix(dim, share, rng)
	}
	cand := gaussianMatrix(dim, rank, rng)
	for c := 0; c < share; c++ {
		for r := 0; r < dim; r++ {
			cand.Set(r, c, s.shared.At(r, c))
		}
	}

	var qr mat.QR
	qr.Factorize(cand)
	var q mat.Dense
	qr.QTo(&q)
	basis := q.Slice(0, dim, 0, rank)

	var p mat.Dense
	p.Mul(basis, basis.T())
	if r, c := p.Dims(); r != dim || c != dim {
		return nil, errors.Errorf("strategy: projector is (%d, %d), want (%d, %d)", r, c, dim, dim)
	}

	backing := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			backing[i*dim+j] = float32(p.At(i, j))
		}
	}
	return tensor.New(tensor.WithShape(dim, dim), tensor.WithBacking(backing)), nil
}

// regionSlots lists every slot of one task's ring region in shuffled
// order.
func regionSlots(rng *rand.Rand, lo, hi int) []int {
	slots := rng.Perm(hi - lo)
	for i := range slots {
		slots[i] += lo
	}
	return slots
}

func gaussianMatrix(rows, cols int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}
