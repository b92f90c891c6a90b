package model

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// SolverMethod selects the weight-update rule.
type SolverMethod int

const (
	SolverSGD SolverMethod = iota
	SolverMomentum
	SolverAdam
)

// ParseSolver maps the CLI optimizer names onto the closed method set.
func ParseSolver(s string) (SolverMethod, error) {
	switch strings.ToUpper(s) {
	case "SGD":
		return SolverSGD, nil
	case "MOMENTUM":
		return SolverMomentum, nil
	case "ADAM":
		return SolverAdam, nil
	default:
		return 0, errors.Errorf("model: unknown optimizer %q", s)
	}
}

// SolverOptions carries the update-rule hyperparameters.
type SolverOptions struct {
	LearnRate float64
	Momentum  float64 // momentum coefficient
	Beta1     float64 // adam first-moment decay
	Beta2     float64 // adam second-moment decay
	Eps       float64 // adam denominator guard
}

// DefaultSolverOptions mirrors the experiment defaults: plain SGD at 0.1.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		LearnRate: 0.1,
		Momentum:  0.9,
		Beta1:     0.9,
		Beta2:     0.999,
		Eps:       1e-8,
	}
}

// Solver applies gradients to the canonical weight slices in place. State
// (momentum and Adam moments) is keyed by parameter name so it survives
// graph rebuilds, and is dropped wholesale by Reset at task boundaries.
type Solver struct {
	method SolverMethod
	opts   SolverOptions

	k    int
	vel  map[string][]float32
	mom1 map[string][]float32
	mom2 map[string][]float32
}

// NewSolver builds a solver with per-parameter state maps.
func NewSolver(method SolverMethod, opts SolverOptions) *Solver {
	s := &Solver{method: method, opts: opts}
	s.Reset()
	return s
}

// Reset discards all accumulated state, the per-task optimizer reset of the
// original experiment protocol.
func (s *Solver) Reset() {
	s.k = 0
	s.vel = make(map[string][]float32)
	s.mom1 = make(map[string][]float32)
	s.mom2 = make(map[string][]float32)
}

// Step updates each weight slice in place from its gradient. names, weights
// and grads are aligned.
func (s *Solver) Step(names []string, weights, grads [][]float32) {
	s.k++
	lr := float32(s.opts.LearnRate)
	for i, name := range names {
		w, g := weights[i], grads[i]
		switch s.method {
		case SolverSGD:
			for j := range w {
				w[j] -= lr * g[j]
			}
		case SolverMomentum:
			v := s.state(s.vel, name, len(w))
			mu := float32(s.opts.Momentum)
			for j := range w {
				v[j] = mu*v[j] - lr*g[j]
				w[j] += v[j]
			}
		case SolverAdam:
			m := s.state(s.mom1, name, len(w))
			v := s.state(s.mom2, name, len(w))
			b1 := float32(s.opts.Beta1)
			b2 := float32(s.opts.Beta2)
			c1 := 1 - float32(math.Pow(s.opts.Beta1, float64(s.k)))
			c2 := 1 - float32(math.Pow(s.opts.Beta2, float64(s.k)))
			eps := float32(s.opts.Eps)
			for j := range w {
				m[j] = b1*m[j] + (1-b1)*g[j]
				v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
				mHat := m[j] / c1
				vHat := v[j] / c2
				w[j] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
			}
		}
	}
}

func (s *Solver) state(m map[string][]float32, name string, size int) []float32 {
	if v, ok := m[name]; ok {
		return v
	}
	v := make([]float32, size)
	m[name] = v
	return v
}
