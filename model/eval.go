package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Evaluate runs a forward-only pass over a test batch and returns argmax
// accuracy. A fresh graph is built per call, sized to the batch, wrapping
// the canonical weights; evaluation never mutates them. A non-nil opts
// projection is applied to the hidden features, mirroring training.
func (n *Network) Evaluate(x, y *tensor.Dense, mask []float32, task int, opts CompileOpts) (float64, error) {
	b := x.Shape()[0]
	if b == 0 {
		return 0, errors.New("model: empty evaluation batch")
	}
	g := gorgonia.NewGraph()

	xn := gorgonia.NodeFromAny(g, x, gorgonia.WithName("x_eval"))
	maskT := tensor.New(tensor.WithShape(1, n.cfg.NumClasses), tensor.WithBacking(append([]float32(nil), mask...)))
	maskN := gorgonia.NodeFromAny(g, maskT, gorgonia.WithName("mask_eval"))

	nodes := make(map[string]*gorgonia.Node)
	for _, name := range n.activeNames(task) {
		w := n.weights[name]
		nodes[name] = gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(w.Shape()...),
			gorgonia.WithName(name),
			gorgonia.WithValue(w))
	}
	ps := columnNames(-1)
	if n.cfg.Columnar {
		ps = columnNames(task)
	}

	var proj *gorgonia.Node
	if opts.Projection != nil {
		proj = gorgonia.NodeFromAny(g, opts.Projection, gorgonia.WithName("subspace_proj_eval"))
	}

	probs, err := forward(xn, maskN, proj, nodes[ps.w1], nodes[ps.b1], nodes[ps.w2], nodes[ps.b2])
	if err != nil {
		return 0, err
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "model: evaluation pass")
	}

	return accuracy(probs.Value().Data().([]float32), y.Data().([]float32), n.cfg.NumClasses), nil
}

// accuracy compares row-wise argmax of predicted probabilities against
// one-hot targets.
func accuracy(probs, labels []float32, numClasses int) float64 {
	rows := len(labels) / numClasses
	correct := 0
	for i := 0; i < rows; i++ {
		if argmaxRow(probs, i, numClasses) == argmaxRow(labels, i, numClasses) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

func argmaxRow(data []float32, row, width int) int {
	best, bestIdx := data[row*width], 0
	for c := 1; c < width; c++ {
		if v := data[row*width+c]; v > best {
			best, bestIdx = v, c
		}
	}
	return bestIdx
}
