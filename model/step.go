package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// StepGraph is one compiled training graph: fixed batch size, fixed active
// task, parameter nodes wrapping the network's canonical tensors. It is
// rebuilt whenever the batch size changes (replay unions grow as memory
// fills) and cheap to keep around per size.
type StepGraph struct {
	net  *Network
	g    *gorgonia.ExprGraph
	x    *gorgonia.Node
	y    *gorgonia.Node
	mask *gorgonia.Node

	lossVal gorgonia.Value

	names  []string // trainable parameter names, aligned with params
	params []*gorgonia.Node
	vm     gorgonia.VM
}

// CompileOpts carries optional graph features.
type CompileOpts struct {
	// Projection, when set, right-multiplies the hidden features by a fixed
	// (HiddenDim, HiddenDim) subspace projector before the logit layer.
	Projection *tensor.Dense
}

// Compile builds the forward/backward graph for one batch size and active
// task. The same canonical weight tensors back every compiled graph, so a
// weight update through one graph is seen by all of them.
func (n *Network) Compile(batchSize, task int, opts CompileOpts) (*StepGraph, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("model: batch size must be positive, got %d", batchSize)
	}
	g := gorgonia.NewGraph()
	sg := &StepGraph{net: n, g: g}

	sg.x = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(batchSize, n.cfg.InputDim),
		gorgonia.WithName("x"),
		gorgonia.WithValue(zeros(batchSize, n.cfg.InputDim)))
	sg.y = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(batchSize, n.cfg.NumClasses),
		gorgonia.WithName("y"),
		gorgonia.WithValue(zeros(batchSize, n.cfg.NumClasses)))
	sg.mask = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(1, n.cfg.NumClasses),
		gorgonia.WithName("logit_mask"),
		gorgonia.WithValue(zeros(1, n.cfg.NumClasses)))

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
		if s := opts.Projection.Shape(); len(s) != 2 || s[0] != n.cfg.HiddenDim || s[1] != n.cfg.HiddenDim {
			return nil, errors.Errorf("model: projection must be (%d, %d), got %v", n.cfg.HiddenDim, n.cfg.HiddenDim, s)
		}
		proj = gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(n.cfg.HiddenDim, n.cfg.HiddenDim),
			gorgonia.WithName("subspace_proj"),
			gorgonia.WithValue(opts.Projection))
	}

	probs, err := forward(sg.x, sg.mask, proj, nodes[ps.w1], nodes[ps.b1], nodes[ps.w2], nodes[ps.b2])
	if err != nil {
		return nil, err
	}

	loss, err := crossEntropy(probs, sg.y)
	if err != nil {
		return nil, err
	}
	gorgonia.Read(loss, &sg.lossVal)

	sg.names = n.trainableNames(task)
	for _, name := range sg.names {
		sg.params = append(sg.params, nodes[name])
	}
	if len(sg.params) == 0 {
		return nil, errors.Errorf("model: no trainable parameters for task %d", task)
	}
	if _, err := gorgonia.Grad(loss, sg.params...); err != nil {
		return nil, errors.Wrap(err, "model: building gradient graph")
	}
	sg.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(sg.params...))
	return sg, nil
}

// forward computes masked class probabilities for a hidden-relu column:
// softmax(relu(x W1 + b1) W2 + b2 + mask). The additive mask confines
// probability mass to the active tasks' classes. A non-nil proj
// right-multiplies the hidden features, constraining them to a task
// subspace before the logit layer.
func forward(x, mask, proj, w1, b1, w2, b2 *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := gorgonia.Mul(x, w1)
	if err != nil {
		return nil, err
	}
	h, err = gorgonia.BroadcastAdd(h, b1, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	h, err = gorgonia.Rectify(h)
	if err != nil {
		return nil, err
	}
	if proj != nil {
		h, err = gorgonia.Mul(h, proj)
		if err != nil {
			return nil, err
		}
	}
	logits, err := gorgonia.Mul(h, w2)
	if err != nil {
		return nil, err
	}
	logits, err = gorgonia.BroadcastAdd(logits, b2, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	logits, err = gorgonia.BroadcastAdd(logits, mask, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	return gorgonia.SoftMax(logits)
}

// crossEntropy is mean categorical cross-entropy against one-hot targets,
// with a small epsilon inside the log for numeric safety.
func crossEntropy(probs, y *gorgonia.Node) (*gorgonia.Node, error) {
	eps := gorgonia.NodeFromAny(probs.Graph(), float32(1e-7))
	safe, err := gorgonia.Add(probs, eps)
	if err != nil {
		return nil, err
	}
	logP, err := gorgonia.Log(safe)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(y, logP)
	if err != nil {
		return nil, err
	}
	perExample, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(perExample)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// Run executes one forward/backward pass over the given batch and returns
// the loss. Gradients are left bound to the parameter nodes for Grads.
func (sg *StepGraph) Run(x, y *tensor.Dense, mask []float32) (float64, error) {
	if err := gorgonia.Let(sg.x, x); err != nil {
		return 0, errors.Wrap(err, "model: binding batch images")
	}
	if err := gorgonia.Let(sg.y, y); err != nil {
		return 0, errors.Wrap(err, "model: binding batch labels")
	}
	m := tensor.New(tensor.WithShape(1, sg.net.cfg.NumClasses), tensor.WithBacking(append([]float32(nil), mask...)))
	if err := gorgonia.Let(sg.mask, m); err != nil {
		return 0, errors.Wrap(err, "model: binding logit mask")
	}
	sg.vm.Reset()
	if err := sg.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "model: training step")
	}
	return float64(sg.lossVal.Data().(float32)), nil
}

// ParamNames returns the trainable parameter names, aligned with Weights
// and Grads.
func (sg *StepGraph) ParamNames() []string { return sg.names }

// Weights returns in-place views of the trainable canonical tensors.
// Mutating them is the update path.
func (sg *StepGraph) Weights() [][]float32 {
	out := make([][]float32, len(sg.names))
	for i, name := range sg.names {
		out[i] = sg.net.weights[name].Data().([]float32)
	}
	return out
}

// Grads copies out the gradients bound by the last Run, aligned with
// ParamNames.
func (sg *StepGraph) Grads() ([][]float32, error) {
	out := make([][]float32, len(sg.params))
	for i, p := range sg.params {
		gv, err := p.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "model: gradient of %s", sg.names[i])
		}
		src := gv.Data().([]float32)
		out[i] = append([]float32(nil), src...)
	}
	return out, nil
}

// Close releases the tape machine.
func (sg *StepGraph) Close() error {
	if sg.vm != nil {
		return sg.vm.Close()
	}
	return nil
}
