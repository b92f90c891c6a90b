// Package task fixes the class-to-task assignment for one experiment run.
// A Layout is built once per run from a seeded shuffle of the label space and
// is the single source of truth for task class sets, logit masks, and the
// episodic-memory slot regions derived from them.
package task

import (
	"math/rand"

	"github.com/pkg/errors"
)

// blocked is the additive-mask value that zeroes a logit after softmax.
const blocked = -1e9

// Layout is the ordered partition of the (shuffled) label space into tasks.
type Layout struct {
	TotalClasses   int
	ClassesPerTask int
	Tasks          [][]int // class sets, in training order
}

// NewLayout shuffles the label space and slices it into numTasks - holdout
// trained tasks (the first holdout tasks' worth of labels is reserved for
// hyperparameter cross-validation and skipped). With onlineCrossVal set, the
// holdout tasks themselves are trained instead, starting at label 0.
func NewLayout(totalClasses, numTasks, holdout int, onlineCrossVal bool, rng *rand.Rand) (*Layout, error) {
	if numTasks <= 0 || totalClasses <= 0 {
		return nil, errors.Errorf("task: need positive class and task counts, got %d/%d", totalClasses, numTasks)
	}
	if totalClasses%numTasks != 0 {
		return nil, errors.Errorf("task: %d classes do not split evenly into %d tasks", totalClasses, numTasks)
	}
	cpt := totalClasses / numTasks

	trained := numTasks - holdout
	offset := holdout * cpt
	if onlineCrossVal {
		trained = holdout
		offset = 0
	}
	if trained <= 0 {
		return nil, errors.Errorf("task: holdout %d leaves no tasks to train", holdout)
	}

	labels := make([]int, trained*cpt)
	for i := range labels {
		labels[i] = offset + i
	}
	rng.Shuffle(len(labels), func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })

	tasks := make([][]int, trained)
	for t := range tasks {
		tasks[t] = labels[t*cpt : (t+1)*cpt]
	}
	return &Layout{TotalClasses: totalClasses, ClassesPerTask: cpt, Tasks: tasks}, nil
}

// NumTasks returns the number of trained tasks.
func (l *Layout) NumTasks() int { return len(l.Tasks) }

// AdditiveMask builds a (1, TotalClasses) mask row for the given tasks:
// zero on their classes, a large negative value everywhere else, so adding
// it to logits before softmax confines predictions to those classes.
func (l *Layout) AdditiveMask(tasks ...int) []float32 {
	mask := make([]float32, l.TotalClasses)
	for i := range mask {
		mask[i] = blocked
	}
	for _, t := range tasks {
		for _, c := range l.Tasks[t] {
			mask[c] = 0
		}
	}
	return mask
}

// MaskForClasses builds an additive mask covering every task that owns any
// of the given classes, the union masking used for replay batches that mix
// exemplars from several tasks.
func (l *Layout) MaskForClasses(classes []int) []float32 {
	want := make(map[int]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	var tasks []int
	for t, set := range l.Tasks {
		for _, c := range set {
			if want[c] {
				tasks = append(tasks, t)
				break
			}
		}
	}
	return l.AdditiveMask(tasks...)
}

// SlotRegion returns the half-open slot range reserved in a per-class FIFO
// buffer for one task, given the per-class quota. Regions are contiguous in
// task order: task t owns [t*cpt*quota, (t+1)*cpt*quota).
func (l *Layout) SlotRegion(t, quota int) (lo, hi int) {
	span := l.ClassesPerTask * quota
	return t * span, (t + 1) * span
}
