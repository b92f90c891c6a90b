package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/KumarNavish/orthog-subspace/stats"
)

// Report is the outcome of one experiment: every run's accuracy matrix
// plus the aggregate over runs.
type Report struct {
	ID         string                 `json:"id"`
	Method     string                 `json:"method"`
	CreatedAt  time.Time              `json:"created_at"`
	NumRuns    int                    `json:"num_runs"`
	NumTasks   int                    `json:"num_tasks"`
	TrainIters int                    `json:"train_iters"`
	BatchSize  int                    `json:"batch_size"`
	MemSize    int                    `json:"mem_size"`
	BaseSeed   int64                  `json:"base_seed"`
	LearnRate  float64                `json:"learn_rate"`
	Lambda     float32                `json:"lambda"`
	TaskLabels [][][]int              `json:"task_labels"` // per run, per task, class ids
	Runs       []stats.AccuracyMatrix `json:"runs"`
	Summary    stats.Summary          `json:"summary"`
}

func newReport(cfg Config, runs []stats.AccuracyMatrix, labels [][][]int) (*Report, error) {
	summary, err := stats.Aggregate(runs)
	if err != nil {
		return nil, err
	}
	return &Report{
		ID:         uuid.NewString(),
		Method:     string(cfg.Strategy.Method),
		CreatedAt:  time.Now().UTC(),
		NumRuns:    cfg.NumRuns,
		NumTasks:   cfg.NumTasks,
		TrainIters: cfg.TrainIters,
		BatchSize:  cfg.BatchSize,
		MemSize:    cfg.MemSize,
		BaseSeed:   cfg.BaseSeed,
		LearnRate:  cfg.SolverOpts.LearnRate,
		Lambda:     cfg.Strategy.Lambda,
		TaskLabels: labels,
		Runs:       runs,
		Summary:    summary,
	}, nil
}

// Save writes the report as pretty-printed JSON under dir, named by its
// experiment ID, and returns the file path.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "harness: creating log dir")
	}
	path := filepath.Join(dir, r.ID+".json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "harness: encoding report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "harness: writing report")
	}
	return path, nil
}
