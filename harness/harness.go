// Package harness orchestrates continual-learning experiments: it builds
// the per-run class layout, network, solver, and episodic memory, drives
// the chosen strategy over the task sequence, and aggregates accuracy and
// forgetting across runs.
package harness

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/KumarNavish/orthog-subspace/dataset"
	"github.com/KumarNavish/orthog-subspace/memory"
	"github.com/KumarNavish/orthog-subspace/model"
	"github.com/KumarNavish/orthog-subspace/stats"
	"github.com/KumarNavish/orthog-subspace/strategy"
	"github.com/KumarNavish/orthog-subspace/task"
)

// ErrNonFiniteLoss aborts a run whose training loss became NaN or Inf.
// A diverged run would poison every later measurement, so it is fatal.
var ErrNonFiniteLoss = errors.New("harness: non-finite training loss")

// Config is one experiment: a strategy, its hyperparameters, and the
// training schedule shared by every run.
type Config struct {
	Strategy strategy.Config

	NumRuns        int
	NumTasks       int
	Holdout        int // leading tasks reserved for hyperparameter selection
	TrainIters     int
	BatchSize      int
	MemBatch       int // exemplars replayed per step
	MemSize        int // stored exemplars per class
	HiddenDim      int
	BaseSeed       int64
	SingleEpoch    bool // one pass over the task's data instead of TrainIters
	OnlineCrossVal bool

	Solver     model.SolverMethod
	SolverOpts model.SolverOptions
}

func (c Config) validate() error {
	switch {
	case c.NumRuns <= 0:
		return errors.New("harness: NumRuns must be positive")
	case c.NumTasks <= 0:
		return errors.New("harness: NumTasks must be positive")
	case c.BatchSize <= 0:
		return errors.New("harness: BatchSize must be positive")
	case c.TrainIters <= 0 && !c.SingleEpoch:
		return errors.New("harness: TrainIters must be positive")
	case c.MemBatch <= 0:
		return errors.New("harness: MemBatch must be positive")
	case c.HiddenDim <= 0:
		return errors.New("harness: HiddenDim must be positive")
	case c.Holdout < 0 || c.Holdout >= c.NumTasks:
		return errors.Errorf("harness: Holdout %d out of range for %d tasks", c.Holdout, c.NumTasks)
	case c.MemSize <= 0 && (c.Strategy.Method.UsesRing() || c.Strategy.Method.UsesReservoir()):
		return errors.Errorf("harness: method %s needs MemSize > 0", c.Strategy.Method)
	case c.Strategy.FisherUpdateAfter <= 0 && c.Strategy.Method.Regularized():
		return errors.Errorf("harness: method %s needs FisherUpdateAfter > 0", c.Strategy.Method)
	}
	return nil
}

// Harness binds a config to a dataset and a logger.
type Harness struct {
	cfg Config
	ds  *dataset.Dataset
	log zerolog.Logger
}

func New(cfg Config, ds *dataset.Dataset, log zerolog.Logger) (*Harness, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, errors.New("harness: nil dataset")
	}
	return &Harness{cfg: cfg, ds: ds, log: log}, nil
}

// Run executes every run of the experiment and returns the aggregated
// report.
func (h *Harness) Run() (*Report, error) {
	runs := make([]stats.AccuracyMatrix, 0, h.cfg.NumRuns)
	labels := make([][][]int, 0, h.cfg.NumRuns)
	for r := 0; r < h.cfg.NumRuns; r++ {
		seed := h.cfg.BaseSeed + int64(r)
		h.log.Info().Int("run", r).Int64("seed", seed).Str("method", string(h.cfg.Strategy.Method)).Msg("starting run")
		m, tasks, err := h.runOnce(r, seed)
		if err != nil {
			return nil, errors.Wrapf(err, "run %d", r)
		}
		runs = append(runs, m)
		labels = append(labels, tasks)
		h.log.Info().Int("run", r).Float64("final_acc", m.FinalAccuracy()).Float64("forgetting", m.Forgetting()).Msg("run finished")
	}
	return newReport(h.cfg, runs, labels)
}

// runOnce trains one seeded run across the full task sequence and returns
// its accuracy matrix along with the run's class-to-task assignment.
func (h *Harness) runOnce(r int, seed int64) (stats.AccuracyMatrix, [][]int, error) {
	rng := rand.New(rand.NewSource(seed))

	layout, err := task.NewLayout(h.ds.NumClasses, h.cfg.NumTasks, h.cfg.Holdout, h.cfg.OnlineCrossVal, rng)
	if err != nil {
		return nil, nil, err
	}
	method := h.cfg.Strategy.Method

	net, err := model.New(model.Config{
		InputDim:   h.ds.ImageDim(),
		HiddenDim:  h.cfg.HiddenDim,
		NumClasses: h.ds.NumClasses,
		NumTasks:   layout.NumTasks(),
		Columnar:   method.Columnar(),
	}, rng)
	if err != nil {
		return nil, nil, err
	}

	strat, err := strategy.New(h.cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	rc := &strategy.RunContext{
		Net:      net,
		Solver:   model.NewSolver(h.cfg.Solver, h.cfg.SolverOpts),
		Layout:   layout,
		Rng:      rng,
		Log:      h.log.With().Int("run", r).Logger(),
		MemBatch: h.cfg.MemBatch,
	}
	defer rc.Close()

	memCfg := memory.Config{
		Capacity:   h.cfg.MemSize * h.ds.NumClasses,
		ImageDim:   h.ds.ImageDim(),
		NumClasses: h.ds.NumClasses,
	}
	if method.UsesRing() {
		if rc.Ring, err = memory.NewRingBuffer(memCfg); err != nil {
			return nil, nil, err
		}
	}
	if method.UsesReservoir() {
		if rc.Reservoir, err = memory.NewReservoirBuffer(memCfg, rng); err != nil {
			return nil, nil, err
		}
	}

	acc := stats.NewAccuracyMatrix(layout.NumTasks())
	for t := 0; t < layout.NumTasks(); t++ {
		if err := h.trainTask(rc, strat, t); err != nil {
			return nil, nil, errors.Wrapf(err, "task %d", t)
		}
		if err := h.evalRow(rc, strat, acc[t]); err != nil {
			return nil, nil, errors.Wrapf(err, "evaluating after task %d", t)
		}
		rc.Log.Info().Int("task", t).Float64("mean_acc", meanRow(acc[t][:t+1])).Msg("task finished")
	}
	return acc, layout.Tasks, nil
}

// trainTask runs the strategy over one task's training batches.
func (h *Harness) trainTask(rc *strategy.RunContext, strat strategy.Strategy, t int) error {
	if err := strat.TaskStart(rc, t); err != nil {
		return err
	}
	rc.Solver.Reset()

	split := h.ds.Train.ClassSubset(rc.Layout.Tasks[t])
	if split.Len() == 0 {
		return errors.Errorf("harness: no training examples for task %d", t)
	}
	order := rc.Rng.Perm(split.Len())

	iters := h.cfg.TrainIters
	if h.cfg.SingleEpoch {
		iters = (split.Len() + h.cfg.BatchSize - 1) / h.cfg.BatchSize
	}
	for iter := 0; iter < iters; iter++ {
		indices := batchWindow(order, iter, h.cfg.BatchSize)
		if h.cfg.SingleEpoch {
			indices = epochWindow(order, iter, h.cfg.BatchSize)
		}
		batch := strategy.Batch{Split: split, Indices: indices}
		loss, err := strat.Step(rc, t, iter, batch)
		if err != nil {
			return err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errors.Wrapf(ErrNonFiniteLoss, "iter %d", iter)
		}
		if iter%100 == 0 {
			rc.Log.Debug().Int("task", t).Int("iter", iter).Float64("loss", loss).Msg("training step")
		}
	}
	return strat.TaskEnd(rc, t)
}

// epochWindow slices the iter-th batch of a single pass over the data.
// The final batch holds the residual examples, so one epoch visits every
// example exactly once.
func epochWindow(order []int, iter, batchSize int) []int {
	lo := iter * batchSize
	hi := lo + batchSize
	if lo >= len(order) {
		return nil
	}
	if hi > len(order) {
		hi = len(order)
	}
	return order[lo:hi]
}

// batchWindow slices one mini-batch out of a shuffled index order,
// cycling through the data when the schedule outlasts it.
func batchWindow(order []int, iter, batchSize int) []int {
	n := len(order)
	if n <= batchSize {
		return order
	}
	offset := (iter * batchSize) % (n - batchSize + 1)
	return order[offset : offset+batchSize]
}

// evalRow measures test accuracy on every task, writing one matrix row.
// Subspace strategies evaluate through the task's stored projection.
func (h *Harness) evalRow(rc *strategy.RunContext, strat strategy.Strategy, row []float64) error {
	proj, _ := strat.(strategy.Projector)
	for j, classes := range rc.Layout.Tasks {
		split := h.ds.Test.ClassSubset(classes)
		if split.Len() == 0 {
			return errors.Errorf("harness: no test examples for task %d", j)
		}
		x, y := split.Batch(rangeInts(split.Len()))
		opts := model.CompileOpts{}
		if proj != nil {
			opts.Projection = proj.Projection(j)
		}
		a, err := rc.Net.Evaluate(x, y, rc.Layout.AdditiveMask(j), j, opts)
		if err != nil {
			return err
		}
		row[j] = a
	}
	return nil
}

func rangeInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func meanRow(row []float64) float64 {
	if len(row) == 0 {
		return 0
	}
	var sum float64
	for _, v := range row {
		sum += v
	}
	return sum / float64(len(row))
}
