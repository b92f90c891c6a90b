package strategy

import (
	"github.com/KumarNavish/orthog-subspace/memory"
	"github.com/KumarNavish/orthog-subspace/model"
)

// agem is averaged gradient episodic memory: the current-task gradient is
// projected so it never increases the average loss over a sampled batch of
// stored exemplars from earlier tasks.
type agem struct{}

func (*agem) Method() Method { return AGEM }

func (*agem) TaskStart(rc *RunContext, t int) error {
	rc.Ring.AssignClasses(rc.Layout.Tasks[t])
	return nil
}

func (*agem) Step(rc *RunContext, t, iter int, batch Batch) (float64, error) {
	x, y := batch.Tensors()
	mask := rc.Layout.AdditiveMask(t)

	var ref [][]float32
	if filled := rc.Ring.Filled(); t > 0 && filled > 0 {
		slots := memory.SampleIndices(rc.Rng, filled, rc.MemBatch)
		mx, my := rc.Ring.Gather(slots)
		refMask := rc.Layout.AdditiveMask(rangeInts(0, t)...)
		_, _, refGrads, err := rc.runStep(t, mx, my, refMask, model.CompileOpts{})
		if err != nil {
			return 0, err
		}
		ref = refGrads
	}

	sg, loss, grads, err := rc.runStep(t, x, y, mask, model.CompileOpts{})
	if err != nil {
		return 0, err
	}
	if ref != nil {
		projectAGEM(grads, ref)
	}
	rc.Solver.Step(sg.ParamNames(), sg.Weights(), grads)

	writeRing(rc.Ring, batch)
	return loss, nil
}

func (*agem) TaskEnd(rc *RunContext, t int) error {
	rc.Ring.CompleteTask()
	return nil
}
