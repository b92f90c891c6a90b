package strategy

import "github.com/KumarNavish/orthog-subspace/model"

// The penalty methods share one mechanism: after each task they anchor the
// weights and estimate a per-weight importance, and on later tasks they
// pull the weights back toward the anchor with gradient
// lambda * importance * (w - w*). They differ only in how importance is
// estimated: squared gradients under an EMA (EWC), the optimization path
// integral (PI), accumulated gradient magnitudes (MAS), or a
// Fisher-weighted path score (RWalk).

const (
	piDampening    = 0.1  // xi in the path-integral denominators
	rwalkDampening = 1e-3 // eps under the Fisher-scaled path score
)

// quadraticPenalty is the shared anchor-plus-importance state.
type quadraticPenalty struct {
	lambda     float32
	anchor     paramState
	importance paramState
}

// addPenaltyGrad folds the consolidation pull into the task gradients,
// in place. Before the first consolidation it is a no-op.
func (q *quadraticPenalty) addPenaltyGrad(names []string, weights, grads [][]float32) {
	if q.importance == nil {
		return
	}
	for i, name := range names {
		imp, ok := q.importance[name]
		if !ok {
			continue
		}
		anchor := q.anchor[name]
		for j := range grads[i] {
			grads[i][j] += q.lambda * imp[j] * (weights[i][j] - anchor[j])
		}
	}
}

// consolidate anchors the current weights and installs the importance
// estimate the next tasks will be penalized against.
func (q *quadraticPenalty) consolidate(names []string, weights [][]float32, importance paramState) {
	q.anchor = make(paramState, len(names))
	for i, name := range names {
		q.anchor[name] = append([]float32(nil), weights[i]...)
	}
	q.importance = importance.clone()
}

// penaltyStep is the shared step for the family: run the task batch,
// let the method harvest the raw task gradients, add the penalty, and
// apply the solver.
func penaltyStep(rc *RunContext, t int, batch Batch, q *quadraticPenalty,
	observe func(names []string, weights, raw [][]float32)) (float64, error) {

	x, y := batch.Tensors()
	sg, loss, grads, err := rc.runStep(t, x, y, rc.Layout.AdditiveMask(t), model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	names, weights := sg.ParamNames(), sg.Weights()
	if observe != nil {
		observe(names, weights, grads)
	}
	q.addPenaltyGrad(names, weights, grads)
	rc.Solver.Step(names, weights, grads)
	return loss, nil
}

// ewc estimates importance as an exponential moving average of squared
// task gradients, refreshed every updateAfter steps.
type ewc struct {
	quadraticPenalty
	decay       float32
	updateAfter int

	tmp     paramState
	running paramState
	steps   int
	names   []string
	weights [][]float32
}

func newEWC(cfg Config) *ewc {
	return &ewc{
		quadraticPenalty: quadraticPenalty{lambda: cfg.Lambda},
		decay:            cfg.FisherEMADecay,
		updateAfter:      cfg.FisherUpdateAfter,
		tmp:              paramState{},
		running:          paramState{},
	}
}

func (*ewc) Method() Method                   { return EWC }
func (*ewc) TaskStart(*RunContext, int) error { return nil }

func (s *ewc) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	return penaltyStep(rc, t, batch, &s.quadraticPenalty, func(names []string, weights, raw [][]float32) {
		s.names, s.weights = names, weights
		for i, name := range names {
			tmp := s.tmp.vec(name, len(raw[i]))
			for j, g := range raw[i] {
				tmp[j] += g * g
			}
		}
		s.steps++
		if s.steps%s.updateAfter == 0 {
			s.refreshFisher()
		}
	})
}

// refreshFisher folds the accumulated squared gradients into the running
// estimate and clears the accumulator.
func (s *ewc) refreshFisher() {
	scale := float32(1) / float32(s.updateAfter)
	for name, tmp := range s.tmp {
		run := s.running.vec(name, len(tmp))
		for j := range run {
			run[j] = s.decay*run[j] + (1-s.decay)*scale*tmp[j]
			tmp[j] = 0
		}
	}
}

func (s *ewc) TaskEnd(rc *RunContext, t int) error {
	if s.names == nil {
		return nil
	}
	s.consolidate(s.names, s.weights, s.running)
	return nil
}

// pi is synaptic intelligence: each weight's importance is the loss drop
// attributed to its movement over the task, normalized by how far it
// traveled.
type pi struct {
	quadraticPenalty

	small   paramState // per-task path integral -g * dw
	big     paramState // accumulated importance across tasks
	ref     paramState // weights at the last consolidation
	names   []string
	weights [][]float32
}

func newPI(cfg Config) *pi {
	return &pi{
		quadraticPenalty: quadraticPenalty{lambda: cfg.Lambda},
		small:            paramState{},
		big:              paramState{},
	}
}

func (*pi) Method() Method                   { return PI }
func (*pi) TaskStart(*RunContext, int) error { return nil }

func (s *pi) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	var names []string
	var raw, weights, before [][]float32
	loss, err := penaltyStep(rc, t, batch, &s.quadraticPenalty, func(n []string, w, g [][]float32) {
		// The penalty is folded into g after this callback, so keep a
		// copy of the pure task gradient for the path integral.
		names, weights, raw = n, w, cloneVecs(g)
		before = cloneVecs(w)
	})
	if err != nil {
		return 0, err
	}
	s.names, s.weights = names, weights
	if s.ref == nil {
		s.ref = paramState{}
		for i, name := range names {
			s.ref[name] = append([]float32(nil), before[i]...)
		}
	}
	for i, name := range names {
		small := s.small.vec(name, len(raw[i]))
		for j := range raw[i] {
			small[j] += -raw[i][j] * (weights[i][j] - before[i][j])
		}
	}
	return loss, nil
}

func (s *pi) TaskEnd(rc *RunContext, t int) error {
	if s.names == nil {
		return nil
	}
	for i, name := range s.names {
		small := s.small.vec(name, len(s.weights[i]))
		big := s.big.vec(name, len(s.weights[i]))
		ref := s.ref.vec(name, len(s.weights[i]))
		for j := range big {
			delta := s.weights[i][j] - ref[j]
			big[j] += small[j] / (delta*delta + piDampening)
			small[j] = 0
			ref[j] = s.weights[i][j]
		}
	}
	s.consolidate(s.names, s.weights, s.big)
	return nil
}

// mas scores importance by the average magnitude of the gradients each
// weight receives, accumulated over every task seen so far.
type mas struct {
	quadraticPenalty

	acc     paramState
	steps   int
	names   []string
	weights [][]float32
}

func newMAS(cfg Config) *mas {
	return &mas{
		quadraticPenalty: quadraticPenalty{lambda: cfg.Lambda},
		acc:              paramState{},
	}
}

func (*mas) Method() Method                   { return MAS }
func (*mas) TaskStart(*RunContext, int) error { return nil }

func (s *mas) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	return penaltyStep(rc, t, batch, &s.quadraticPenalty, func(names []string, weights, raw [][]float32) {
		s.names, s.weights = names, weights
		for i, name := range names {
			acc := s.acc.vec(name, len(raw[i]))
			for j, g := range raw[i] {
				if g < 0 {
					g = -g
				}
				acc[j] += g
			}
		}
		s.steps++
	})
}

func (s *mas) TaskEnd(rc *RunContext, t int) error {
	if s.names == nil || s.steps == 0 {
		return nil
	}
	imp := paramState{}
	inv := float32(1) / float32(s.steps)
	for name, acc := range s.acc {
		v := make([]float32, len(acc))
		for j, a := range acc {
			v[j] = a * inv
		}
		imp[name] = v
	}
	s.consolidate(s.names, s.weights, imp)
	return nil
}

// rwalk combines the EWC Fisher EMA with a path score: the loss drop along
// the trajectory scaled by the Fisher metric, averaged into a running
// score at every Fisher refresh.
type rwalk struct {
	quadraticPenalty
	decay       float32
	updateAfter int

	tmpFisher paramState
	runFisher paramState
	small     paramState
	score     paramState
	refW      paramState // weights at the last Fisher refresh
	steps     int
	names     []string
	weights   [][]float32
}

func newRWalk(cfg Config) *rwalk {
	return &rwalk{
		quadraticPenalty: quadraticPenalty{lambda: cfg.Lambda},
		decay:            cfg.FisherEMADecay,
		updateAfter:      cfg.FisherUpdateAfter,
		tmpFisher:        paramState{},
		runFisher:        paramState{},
		small:            paramState{},
		score:            paramState{},
		refW:             paramState{},
	}
}

func (*rwalk) Method() Method                   { return RWalk }
func (*rwalk) TaskStart(*RunContext, int) error { return nil }

func (s *rwalk) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	var names []string
	var raw, weights, before [][]float32
	loss, err := penaltyStep(rc, t, batch, &s.quadraticPenalty, func(n []string, w, g [][]float32) {
		names, weights, raw = n, w, cloneVecs(g)
		before = cloneVecs(w)
	})
	if err != nil {
		return 0, err
	}
	s.names, s.weights = names, weights
	for i, name := range names {
		tmp := s.tmpFisher.vec(name, len(raw[i]))
		small := s.small.vec(name, len(raw[i]))
		if _, ok := s.refW[name]; !ok {
			s.refW[name] = append([]float32(nil), before[i]...)
		}
		for j, g := range raw[i] {
			tmp[j] += g * g
			small[j] += -g * (weights[i][j] - before[i][j])
		}
	}
	s.steps++
	if s.steps%s.updateAfter == 0 {
		s.refresh()
	}
	return loss, nil
}

// refresh updates the Fisher EMA and folds the path integral since the
// last refresh into the running score.
func (s *rwalk) refresh() {
	scale := float32(1) / float32(s.updateAfter)
	for i, name := range s.names {
		tmp := s.tmpFisher.vec(name, len(s.weights[i]))
		run := s.runFisher.vec(name, len(s.weights[i]))
		small := s.small.vec(name, len(s.weights[i]))
		score := s.score.vec(name, len(s.weights[i]))
		ref := s.refW.vec(name, len(s.weights[i]))
		for j := range run {
			run[j] = s.decay*run[j] + (1-s.decay)*scale*tmp[j]
			tmp[j] = 0

			delta := s.weights[i][j] - ref[j]
			inc := small[j] / (0.5*run[j]*delta*delta + rwalkDampening)
			if inc < 0 {
				inc = 0
			}
			score[j] = 0.5 * (score[j] + inc)
			small[j] = 0
			ref[j] = s.weights[i][j]
		}
	}
}

func (s *rwalk) TaskEnd(rc *RunContext, t int) error {
	if s.names == nil {
		return nil
	}
	imp := paramState{}
	for i, name := range s.names {
		fisher := s.runFisher.vec(name, len(s.weights[i]))
		score := s.score.vec(name, len(s.weights[i]))
		v := make([]float32, len(fisher))
		for j := range v {
			v[j] = fisher[j] + score[j]
		}
		imp[name] = v
	}
	s.consolidate(s.names, s.weights, imp)
	return nil
}
