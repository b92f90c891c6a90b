// Package model holds the shared classifier scaffold every continual-learning
// strategy trains: a gorgonia expression graph over canonical weight tensors
// that persist across graph rebuilds, with optional task-scoped columns whose
// older tasks can be frozen.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Config fixes the scaffold geometry for one run.
type Config struct {
	InputDim   int
	HiddenDim  int
	NumClasses int // width of the logit layer, the full class space
	NumTasks   int
	Columnar   bool // one adapter column + head per task (progressive nets)
}

func (c Config) validate() error {
	if c.InputDim <= 0 || c.HiddenDim <= 0 || c.NumClasses <= 0 {
		return errors.Errorf("model: invalid dims %d/%d/%d", c.InputDim, c.HiddenDim, c.NumClasses)
	}
	if c.Columnar && c.NumTasks <= 0 {
		return errors.Errorf("model: columnar scaffold needs a task count, got %d", c.NumTasks)
	}
	return nil
}

// Network owns the canonical parameter tensors. Compiled step graphs wrap
// these same tensors, so an in-place optimizer update is immediately visible
// to every graph built from this network.
type Network struct {
	cfg     Config
	weights map[string]*tensor.Dense
	frozen  map[string]bool
}

// New initializes a scaffold with Glorot-uniform weights drawn from rng.
func New(cfg Config, rng *rand.Rand) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := &Network{
		cfg:     cfg,
		weights: make(map[string]*tensor.Dense),
		frozen:  make(map[string]bool),
	}
	if cfg.Columnar {
		for t := 0; t < cfg.NumTasks; t++ {
			n.addColumn(columnNames(t), rng)
		}
	} else {
		n.addColumn(columnNames(-1), rng)
	}
	return n, nil
}

// Cfg returns the scaffold geometry.
func (n *Network) Cfg() Config { return n.cfg }

type paramSet struct {
	w1, b1, w2, b2 string
}

func columnNames(task int) paramSet {
	if task < 0 {
		return paramSet{w1: "W1", b1: "b1", w2: "W2", b2: "b2"}
	}
	return paramSet{
		w1: fmt.Sprintf("W1_task%d", task),
		b1: fmt.Sprintf("b1_task%d", task),
		w2: fmt.Sprintf("W2_task%d", task),
		b2: fmt.Sprintf("b2_task%d", task),
	}
}

func (n *Network) addColumn(names paramSet, rng *rand.Rand) {
	n.weights[names.w1] = glorot(rng, n.cfg.InputDim, n.cfg.HiddenDim)
	n.weights[names.b1] = zeros(1, n.cfg.HiddenDim)
	n.weights[names.w2] = glorot(rng, n.cfg.HiddenDim, n.cfg.NumClasses)
	n.weights[names.b2] = zeros(1, n.cfg.NumClasses)
}

// glorot draws a (rows, cols) matrix from the Glorot/Xavier uniform range.
func glorot(rng *rand.Rand, rows, cols int) *tensor.Dense {
	limit := float32(math.Sqrt(6 / float64(rows+cols)))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func zeros(rows, cols int) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32))
}

// FreezeTasksBelow locks every column belonging to a task before the given
// one, so subsequent step graphs exclude those parameters from training.
func (n *Network) FreezeTasksBelow(task int) {
	if !n.cfg.Columnar {
		return
	}
	for t := 0; t < task && t < n.cfg.NumTasks; t++ {
		names := columnNames(t)
		for _, name := range []string{names.w1, names.b1, names.w2, names.b2} {
			n.frozen[name] = true
		}
	}
}

// trainableNames returns the parameter names updated when training the given
// task, in a stable order.
func (n *Network) trainableNames(task int) []string {
	names := n.activeNames(task)
	out := names[:0:0]
	for _, name := range names {
		if !n.frozen[name] {
			out = append(out, name)
		}
	}
	return out
}

func (n *Network) activeNames(task int) []string {
	var ps paramSet
	if n.cfg.Columnar {
		ps = columnNames(task)
	} else {
		ps = columnNames(-1)
	}
	return []string{ps.w1, ps.b1, ps.w2, ps.b2}
}

// ParamNames lists every parameter in a stable order.
func (n *Network) ParamNames() []string {
	names := make([]string, 0, len(n.weights))
	for name := range n.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
