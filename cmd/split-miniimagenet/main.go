// Command split-miniimagenet runs continual-learning experiments on the
// split miniImageNet benchmark: the class space is partitioned into a
// sequence of tasks, a chosen strategy trains through them in order, and
// average accuracy and forgetting are reported across seeded runs.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/KumarNavish/orthog-subspace/dataset"
	"github.com/KumarNavish/orthog-subspace/harness"
	"github.com/KumarNavish/orthog-subspace/model"
	"github.com/KumarNavish/orthog-subspace/strategy"
)

func main() {
	var (
		impMethod         = flag.String("imp-method", "VAN", "continual-learning method (VAN, EWC, PI, MAS, RWALK, A-GEM, ER-RING, ER-RESERVOIR, PNN, SUBSPACE-PROJ, ER-SUBSPACE)")
		numRuns           = flag.Int("num-runs", 5, "number of seeded runs to average over")
		numTasks          = flag.Int("num-tasks", 20, "number of tasks the class space is split into")
		holdout           = flag.Int("holdout-tasks", 3, "leading tasks reserved for hyperparameter selection")
		trainIters        = flag.Int("train-iters", 2000, "training iterations per task")
		batchSize         = flag.Int("batch-size", 10, "training batch size")
		singleEpoch       = flag.Bool("train-single-epoch", false, "train one pass over each task instead of train-iters")
		randomSeed        = flag.Int64("random-seed", 1234, "base seed; run r uses seed+r")
		learningRate      = flag.Float64("learning-rate", 0.1, "solver learning rate")
		optim             = flag.String("optim", "SGD", "solver (SGD, MOMENTUM, ADAM)")
		synapStgth        = flag.Float32("synap-stgth", 10, "synaptic strength for the penalty methods")
		fisherEMADecay    = flag.Float64("fisher-ema-decay", 0.9, "decay of the running Fisher estimate")
		fisherUpdateAfter = flag.Int("fisher-update-after", 50, "steps between Fisher refreshes")
		memSize           = flag.Int("mem-size", 1, "stored exemplars per class")
		epsMemBatch       = flag.Int("eps-mem-batch", 10, "exemplars replayed per step")
		projectionRank    = flag.Int("projection-rank", 64, "subspace rank per task for the subspace methods")
		shareDims         = flag.Int("share-dims", 0, "leading subspace directions shared across tasks")
		hiddenDim         = flag.Int("hidden-dim", 256, "hidden layer width")
		dataFile          = flag.String("data-file", "", "miniImageNet pickle; synthetic data when empty")
		logDir            = flag.String("log-dir", "results", "directory for report JSON")
		onlineCrossVal    = flag.Bool("online-cross-val", false, "train the holdout tasks as the leading tasks")
		crossValidateMode = flag.Bool("cross-validate-mode", false, "grid-search learning rate and synaptic strength on the holdout tasks")
		debug             = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	method, err := strategy.ParseMethod(*impMethod)
	if err != nil {
		log.Fatal().Err(err).Msg("bad --imp-method")
	}
	solver, err := model.ParseSolver(*optim)
	if err != nil {
		log.Fatal().Err(err).Msg("bad --optim")
	}

	ds, err := loadDataset(*dataFile, *randomSeed, log)
	if err != nil {
		log.Fatal().Err(err).Msg("loading dataset")
	}

	opts := model.DefaultSolverOptions()
	opts.LearnRate = *learningRate

	cfg := harness.Config{
		Strategy: strategy.Config{
			Method:            method,
			Lambda:            *synapStgth,
			FisherEMADecay:    float32(*fisherEMADecay),
			FisherUpdateAfter: *fisherUpdateAfter,
			ProjectionRank:    *projectionRank,
			ShareDims:         *shareDims,
		},
		NumRuns:        *numRuns,
		NumTasks:       *numTasks,
		Holdout:        *holdout,
		TrainIters:     *trainIters,
		BatchSize:      *batchSize,
		MemBatch:       *epsMemBatch,
		MemSize:        *memSize,
		HiddenDim:      *hiddenDim,
		BaseSeed:       *randomSeed,
		SingleEpoch:    *singleEpoch,
		OnlineCrossVal: *onlineCrossVal,
		Solver:         solver,
		SolverOpts:     opts,
	}

	if *crossValidateMode {
		runCrossValidation(cfg, ds, log, *logDir)
		return
	}

	h, err := harness.New(cfg, ds, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building harness")
	}
	report, err := h.Run()
	if err != nil {
		log.Fatal().Err(err).Msg("experiment failed")
	}
	path, err := report.Save(*logDir)
	if err != nil {
		log.Fatal().Err(err).Msg("writing report")
	}

	s := report.Summary
	fmt.Printf("method=%s runs=%d acc=%.4f±%.4f fgt=%.4f±%.4f\n", report.Method, report.NumRuns, s.AccMean, s.AccStd, s.FgtMean, s.FgtStd)
	log.Info().Str("report", path).Msg("done")
}

// runCrossValidation sweeps the grids the benchmark uses for learning
// rate and synaptic strength, then prints every point with the winner
// first.
func runCrossValidation(cfg harness.Config, ds *dataset.Dataset, log zerolog.Logger, logDir string) {
	learnRates := []float64{0.3, 0.1, 0.03, 0.01, 0.003}
	lambdas := []float32{0.1, 1, 10, 100}
	if !cfg.Strategy.Method.Regularized() {
		lambdas = []float32{cfg.Strategy.Lambda}
	}

	results, err := harness.CrossValidate(cfg, ds, log, learnRates, lambdas)
	if err != nil {
		log.Fatal().Err(err).Msg("cross-validation failed")
	}
	for i, r := range results {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		fmt.Printf("%s lr=%-6g lambda=%-6g acc=%.4f±%.4f fgt=%.4f\n",
			marker, r.Point.LearnRate, r.Point.Lambda, r.Report.Summary.AccMean, r.Report.Summary.AccStd, r.Report.Summary.FgtMean)
	}
	if _, err := results[0].Report.Save(logDir); err != nil {
		log.Fatal().Err(err).Msg("writing report")
	}
}

// loadDataset reads the miniImageNet pickle when a path is given and
// falls back to a small synthetic benchmark otherwise, which keeps the
// binary runnable without the 3 GB download.
func loadDataset(path string, seed int64, log zerolog.Logger) (*dataset.Dataset, error) {
	if path != "" {
		log.Info().Str("path", path).Msg("loading miniImageNet")
		return dataset.LoadMiniImageNet(path)
	}
	log.Info().Msg("no --data-file, generating synthetic data")
	return dataset.Synthetic(dataset.SyntheticConfig{
		Height:        14,
		Width:         14,
		Channels:      3,
		NumClasses:    100,
		TrainPerClass: 30,
		TestPerClass:  10,
		ClassSpread:   1.5,
		Noise:         0.3,
	}, seed)
}
