// Package stats aggregates accuracy and forgetting across experiment runs.
package stats

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// AccuracyMatrix holds one run's evaluation history: row t is the accuracy
// over every task after training task t. Entries above the diagonal measure
// not-yet-trained tasks (near chance); Forgetting only reads entries at or
// after each task's training point.
type AccuracyMatrix [][]float64

// NewAccuracyMatrix allocates a zeroed numTasks x numTasks matrix.
func NewAccuracyMatrix(numTasks int) AccuracyMatrix {
	m := make(AccuracyMatrix, numTasks)
	for i := range m {
		m[i] = make([]float64, numTasks)
	}
	return m
}

// FinalAccuracy is the mean accuracy over all tasks after the last task was
// trained.
func (m AccuracyMatrix) FinalAccuracy() float64 {
	last := m[len(m)-1]
	return stat.Mean(last, nil)
}

// Forgetting is the mean, over every task but the last, of the gap between
// the best accuracy the task ever reached and its accuracy after the final
// task was trained.
func (m AccuracyMatrix) Forgetting() float64 {
	n := len(m)
	if n < 2 {
		return 0
	}
	gaps := make([]float64, 0, n-1)
	for j := 0; j < n-1; j++ {
		best := m[j][j]
		for l := j + 1; l < n-1; l++ {
			if m[l][j] > best {
				best = m[l][j]
			}
		}
		gaps = append(gaps, best-m[n-1][j])
	}
	return stat.Mean(gaps, nil)
}

// Summary is the cross-run aggregate reported for one experiment.
type Summary struct {
	AccMean float64
	AccStd  float64
	FgtMean float64
	FgtStd  float64
}

// Aggregate reduces per-run accuracy matrices to mean and standard deviation
// of final accuracy and forgetting.
func Aggregate(runs []AccuracyMatrix) (Summary, error) {
	if len(runs) == 0 {
		return Summary{}, errors.New("stats: no runs to aggregate")
	}
	accs := make([]float64, len(runs))
	fgts := make([]float64, len(runs))
	for i, m := range runs {
		accs[i] = m.FinalAccuracy()
		fgts[i] = m.Forgetting()
	}
	s := Summary{
		AccMean: stat.Mean(accs, nil),
		FgtMean: stat.Mean(fgts, nil),
	}
	if len(runs) > 1 {
		s.AccStd = stat.StdDev(accs, nil)
		s.FgtStd = stat.StdDev(fgts, nil)
	}
	return s, nil
}
