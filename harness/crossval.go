package harness

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/KumarNavish/orthog-subspace/dataset"
)

// CrossValPoint is one hyperparameter combination tried during grid
// search.
type CrossValPoint struct {
	LearnRate float64 `json:"learn_rate"`
	Lambda    float32 `json:"lambda"`
}

// CrossValResult pairs a grid point with the report it produced.
type CrossValResult struct {
	Point  CrossValPoint `json:"point"`
	Report *Report       `json:"report"`
}

// CrossValidate grid-searches learning rate and synaptic strength over
// the holdout tasks, training each combination with the online
// cross-validation layout, and returns every result with the best one
// first. Best means highest mean final accuracy.
func CrossValidate(cfg Config, ds *dataset.Dataset, log zerolog.Logger, learnRates []float64, lambdas []float32) ([]CrossValResult, error) {
	if len(learnRates) == 0 || len(lambdas) == 0 {
		return nil, errors.New("harness: empty cross-validation grid")
	}
	cfg.OnlineCrossVal = true

	var results []CrossValResult
	best := -1
	for _, lr := range learnRates {
		for _, lam := range lambdas {
			trial := cfg
			trial.SolverOpts.LearnRate = lr
			trial.Strategy.Lambda = lam
			log.Info().Float64("learn_rate", lr).Float32("lambda", lam).Msg("cross-validation point")

			h, err := New(trial, ds, log)
			if err != nil {
				return nil, err
			}
			report, err := h.Run()
			if err != nil {
				return nil, errors.Wrapf(err, "cross-validating lr=%g lambda=%g", lr, lam)
			}
			results = append(results, CrossValResult{Point: CrossValPoint{LearnRate: lr, Lambda: lam}, Report: report})
			if best < 0 || report.Summary.AccMean > results[best].Report.Summary.AccMean {
				best = len(results) - 1
			}
		}
	}
	results[0], results[best] = results[best], results[0]
	return results, nil
}
