// Package strategy implements the continual-learning methods that drive
// training over a task sequence: plain fine-tuning, quadratic-penalty
// regularizers (EWC, PI, MAS, RWalk), gradient projection (A-GEM),
// experience replay over ring and reservoir memories, progressive columns,
// and orthogonal-subspace training.
package strategy

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/KumarNavish/orthog-subspace/memory"
	"github.com/KumarNavish/orthog-subspace/model"
	"github.com/KumarNavish/orthog-subspace/task"
)

// Method names a continual-learning strategy. The set is closed: dispatch
// happens over these constants, never over raw strings.
type Method string

const (
	Vanilla      Method = "VAN"
	EWC          Method = "EWC"
	PI           Method = "PI"
	MAS          Method = "MAS"
	RWalk        Method = "RWALK"
	AGEM         Method = "A-GEM"
	ERRing       Method = "ER-RING"
	ERReservoir  Method = "ER-RESERVOIR"
	PNN          Method = "PNN"
	SubspaceProj Method = "SUBSPACE-PROJ"
	ERSubspace   Method = "ER-SUBSPACE"
)

// Methods lists every supported method, in presentation order.
func Methods() []Method {
	return []Method{Vanilla, EWC, PI, MAS, RWalk, AGEM, ERRing, ERReservoir, PNN, SubspaceProj, ERSubspace}
}

// ParseMethod maps a CLI spelling onto a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods() {
		if m == known {
			return known, nil
		}
	}
	return "", errors.Errorf("strategy: unknown method %q", s)
}

// UsesRing reports whether the method stores exemplars in the per-class
// ring buffer.
func (m Method) UsesRing() bool {
	return m == AGEM || m == ERRing || m == ERSubspace
}

// UsesReservoir reports whether the method stores exemplars in the
// reservoir buffer.
func (m Method) UsesReservoir() bool { return m == ERReservoir }

// Columnar reports whether the method trains one network column per task.
func (m Method) Columnar() bool { return m == PNN }

// Regularized reports whether the method consolidates with a quadratic
// penalty, and therefore reads the synaptic-strength hyperparameter.
func (m Method) Regularized() bool {
	return m == EWC || m == PI || m == MAS || m == RWalk
}

// Config carries the method hyperparameters taken from the CLI.
type Config struct {
	Method            Method
	Lambda            float32 // synaptic strength for the penalty methods
	FisherEMADecay    float32
	FisherUpdateAfter int
	ProjectionRank    int // subspace rank per task
	ShareDims         int // leading basis directions shared across tasks
}

// Strategy is one continual-learning method. The harness calls TaskStart
// once per task, Step once per training batch, and TaskEnd after the
// task's final batch.
type Strategy interface {
	Method() Method
	TaskStart(rc *RunContext, t int) error
	Step(rc *RunContext, t, iter int, batch Batch) (float64, error)
	TaskEnd(rc *RunContext, t int) error
}

// Projector is implemented by strategies that evaluate through a
// per-task feature projection.
type Projector interface {
	Projection(t int) *tensor.Dense
}

// New builds the strategy for cfg.Method.
func New(cfg Config) (Strategy, error) {
	switch cfg.Method {
	case Vanilla:
		return &vanilla{}, nil
	case EWC:
		if cfg.FisherUpdateAfter <= 0 {
			return nil, errors.Errorf("strategy: %s needs FisherUpdateAfter > 0, got %d", cfg.Method, cfg.FisherUpdateAfter)
		}
		return newEWC(cfg), nil
	case PI:
		return newPI(cfg), nil
	case MAS:
		return newMAS(cfg), nil
	case RWalk:
		if cfg.FisherUpdateAfter <= 0 {
			return nil, errors.Errorf("strategy: %s needs FisherUpdateAfter > 0, got %d", cfg.Method, cfg.FisherUpdateAfter)
		}
		return newRWalk(cfg), nil
	case AGEM:
		return &agem{}, nil
	case ERRing:
		return &erRing{}, nil
	case ERReservoir:
		return &erReservoir{}, nil
	case PNN:
		return &pnn{}, nil
	case SubspaceProj:
		return newSubspace(cfg, false), nil
	case ERSubspace:
		return newSubspace(cfg, true), nil
	default:
		return nil, errors.Errorf("strategy: unknown method %q", cfg.Method)
	}
}

// RunContext is the per-run state a strategy operates on: the network and
// its solver, the class layout, whichever episodic memory the method
// uses, and a seeded RNG. Compiled step graphs are cached per batch size
// so replay unions of different widths do not recompile every iteration.
type RunContext struct {
	Net       *model.Network
	Solver    *model.Solver
	Layout    *task.Layout
	Ring      *memory.RingBuffer
	Reservoir *memory.ReservoirBuffer
	Rng       *rand.Rand
	Log       zerolog.Logger
	MemBatch  int // exemplars drawn from memory per replay step

	graphs map[graphKey]*model.StepGraph
}

type graphKey struct {
	batch int
	task  int
}

// graph returns a cached step graph for the batch size and task, compiling
// one on first use. Non-columnar graphs without a projection are shared
// across tasks since their structure does not depend on the task.
func (rc *RunContext) graph(batch, t int, opts model.CompileOpts) (*model.StepGraph, error) {
	key := graphKey{batch: batch, task: t}
	if !rc.Net.Cfg().Columnar && opts.Projection == nil {
		key.task = 0
	}
	if rc.graphs == nil {
		rc.graphs = make(map[graphKey]*model.StepGraph)
	}
	if sg, ok := rc.graphs[key]; ok {
		return sg, nil
	}
	sg, err := rc.Net.Compile(batch, t, opts)
	if err != nil {
		return nil, err
	}
	rc.graphs[key] = sg
	return sg, nil
}

// Close releases every compiled graph.
func (rc *RunContext) Close() error {
	var first error
	for _, sg := range rc.graphs {
		if err := sg.Close(); err != nil && first == nil {
			first = err
		}
	}
	rc.graphs = nil
	return first
}

// runStep runs one forward/backward pass and hands back the graph, the
// loss, and a fresh copy of the gradients. The caller decides what to do
// with the gradients before stepping the solver.
func (rc *RunContext) runStep(t int, x, y *tensor.Dense, mask []float32, opts model.CompileOpts) (*model.StepGraph, float64, [][]float32, error) {
	sg, err := rc.graph(x.Shape()[0], t, opts)
	if err != nil {
		return nil, 0, nil, err
	}
	loss, err := sg.Run(x, y, mask)
	if err != nil {
		return nil, 0, nil, err
	}
	grads, err := sg.Grads()
	if err != nil {
		return nil, 0, nil, err
	}
	return sg, loss, grads, nil
}

// vanilla is plain fine-tuning on the current task.
type vanilla struct{}

func (*vanilla) Method() Method                   { return Vanilla }
func (*vanilla) TaskStart(*RunContext, int) error { return nil }
func (*vanilla) TaskEnd(*RunContext, int) error   { return nil }

func (*vanilla) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	sg, loss, grads, err := rc.runStep(t, x, y, rc.Layout.AdditiveMask(t), model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)
	return loss, nil
}

// pnn trains one column per task and freezes every earlier column, so old
// tasks cannot be overwritten at all.
type pnn struct{}

func (*pnn) Method() Method { return PNN }

func (*pnn) TaskStart(rc *RunContext, t int) error {
	rc.Net.FreezeTasksBelow(t)
	return nil
}

func (*pnn) TaskEnd(*RunContext, int) error { return nil }

func (*pnn) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	sg, loss, grads, err := rc.runStep(t, x, y, rc.Layout.AdditiveMask(t), model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)
	return loss, nil
}
