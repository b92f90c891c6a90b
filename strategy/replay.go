package strategy

import (
	"github.com/KumarNavish/orthog-subspace/memory"
	"github.com/KumarNavish/orthog-subspace/model"
)

// erRing is experience replay over the per-class ring buffer: every step
// trains on the current batch stacked with a sample of stored exemplars,
// then writes the batch into memory.
type erRing struct{}

func (*erRing) Method() Method { return ERRing }

func (*erRing) TaskStart(rc *RunContext, t int) error {
	rc.Ring.AssignClasses(rc.Layout.Tasks[t])
	return nil
}

func (*erRing) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	mask := rc.Layout.AdditiveMask(t)

	if filled := rc.Ring.Filled(); t > 0 && filled > 0 {
		slots := memory.SampleIndices(rc.Rng, filled, rc.MemBatch)
		mx, my := rc.Ring.Gather(slots)
		x, y = concatRows(mx, x), concatRows(my, y)
		mask = rc.Layout.AdditiveMask(rangeInts(0, t+1)...)
	}

	sg, loss, grads, err := rc.runStep(t, x, y, mask, model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)

	writeRing(rc.Ring, batch)
	return loss, nil
}

func (*erRing) TaskEnd(rc *RunContext, t int) error {
	rc.Ring.CompleteTask()
	return nil
}

// erReservoir replays from the reservoir buffer. The logit mask opens the
// tasks of whichever classes landed in the stacked batch, since reservoir
// contents are not segregated by task.
type erReservoir struct{}

func (*erReservoir) Method() Method                   { return ERReservoir }
func (*erReservoir) TaskStart(*RunContext, int) error { return nil }
func (*erReservoir) TaskEnd(*RunContext, int) error   { return nil }

func (*erReservoir) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	mask := rc.Layout.AdditiveMask(t)

	if filled := rc.Reservoir.Filled(); filled > 0 {
		slots := memory.SampleIndices(rc.Rng, filled, rc.MemBatch)
		mx, my := rc.Reservoir.Gather(slots)
		x, y = concatRows(mx, x), concatRows(my, y)
		mask = rc.Layout.MaskForClasses(classesOf(y))
	}

	sg, loss, grads, err := rc.runStep(t, x, y, mask, model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)

	writeReservoir(rc.Reservoir, batch)
	return loss, nil
}
