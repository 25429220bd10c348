// Package pointnet composes the spatial primitives and shared MLPs into the
// hierarchical segmentation network: three set abstraction stages, three
// feature propagation stages and a pointwise classifier head.
package pointnet

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Network maps [B, 3, NumPoints] clouds to [B, NumClasses, NumPoints]
// per-point class scores.
//
// An Eval-mode Forward reads parameters only and may run concurrently
// with other Eval-mode calls. Train-mode Forward, Backward and any
// parameter update mutate the network; callers serialize them against
// every other call.
type Network struct {
	cfg Config
	SA  [3]*SetAbstraction
	FP  [3]*FeaturePropagation

	headConv *nn.Conv1x1
	headNorm *nn.BatchNorm
	dropout  nn.Dropout
	cls      *nn.Conv1x1
}

// NewNetwork validates cfg and builds a network with parameters drawn from
// rng, or from a randomly seeded generator when rng is nil.
func NewNetwork(cfg Config, rng *rand.Rand) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	net := &Network{cfg: cfg}
	for i := range cfg.SA {
		net.SA[i] = NewSetAbstraction(fmt.Sprintf("sa%d", i+1), cfg.SA[i], rng)
	}
	// Construction order matches the forward order fp3, fp2, fp1.
	for i := len(cfg.FP) - 1; i >= 0; i-- {
		net.FP[i] = NewFeaturePropagation(fmt.Sprintf("fp%d", i+1), cfg.FP[i], rng)
	}
	in := last(cfg.FP[0].MLP)
	net.headConv = nn.NewConv1x1("cls.0", in, cfg.HeadChannels, 1, false, rng)
	net.headNorm = nn.NewBatchNorm("cls.1", cfg.HeadChannels)
	net.dropout = nn.Dropout{P: cfg.Dropout}
	net.cls = nn.NewConv1x1("cls.4", cfg.HeadChannels, cfg.NumClasses, 1, true, rng)
	return net, nil
}

// Config returns the topology the network was built with.
func (net *Network) Config() Config { return net.cfg }

// RunOptions controls one forward pass.
type RunOptions struct {
	Mode nn.Mode
	// Start picks the first FPS centroid per stage and batch element. Nil
	// draws it from RNG.
	Start pointops.StartPicker
	// RNG drives random FPS starts and dropout. Nil uses a freshly seeded
	// generator.
	RNG *rand.Rand
}

// Trace records a Train-mode forward for Backward.
type Trace struct {
	sa       [3]*SATrace
	fp       [3]*FPTrace
	headIn   tensor.Tensor
	headNorm *nn.BNTrace
	headReLU tensor.Tensor
	dropout  *nn.DropoutTrace
	clsIn    tensor.Tensor
}

// CheckCloud returns a *tensor.ShapeError unless xyz is [B, 3, NumPoints]
// with B >= 1.
func (net *Network) CheckCloud(xyz tensor.Tensor) error {
	if err := tensor.CheckShape("point cloud", xyz.Shape, tensor.Any, 3, net.cfg.NumPoints); err != nil {
		return err
	}
	if xyz.Dim(0) < 1 {
		return &tensor.ShapeError{What: "point cloud", Want: []int{tensor.Any, 3, net.cfg.NumPoints}, Got: xyz.Shape}
	}
	return nil
}

// Forward returns raw class scores [B, NumClasses, NumPoints]. It panics
// with a *tensor.ShapeError when xyz is not a valid cloud; use CheckCloud
// first on untrusted input. The trace is nil unless opts.Mode is Train.
func (net *Network) Forward(xyz tensor.Tensor, opts RunOptions) (tensor.Tensor, *Trace) {
	if err := net.CheckCloud(xyz); err != nil {
		panic(err)
	}
	rng := opts.RNG
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	start := opts.Start
	if start == nil {
		start = pointops.RandomStart(rng)
	}
	mode := opts.Mode
	var tr Trace

	xyzs := [4]tensor.Tensor{xyz}
	feats := [4]tensor.Tensor{{}}
	for i, sa := range net.SA {
		xyzs[i+1], feats[i+1], tr.sa[i] = sa.Forward(xyzs[i], feats[i], mode, start)
	}

	up := feats[3]
	for i := len(net.FP) - 1; i >= 0; i-- {
		up, tr.fp[i] = net.FP[i].Forward(xyzs[i], xyzs[i+1], feats[i], up, mode)
	}

	h := net.headConv.Forward(up)
	h, normTrace := net.headNorm.Forward(h, mode)
	a := nn.ReLU(h)
	d, dropTrace := net.dropout.Forward(a, mode, rng)
	logits := net.cls.Forward(d)

	if mode != nn.Train {
		return logits, nil
	}
	tr.headIn, tr.headNorm, tr.headReLU, tr.dropout, tr.clsIn = up, normTrace, a, dropTrace, d
	return logits, &tr
}

// Backward accumulates parameter gradients for the traced forward given
// the gradient of the loss with respect to the logits.
func (net *Network) Backward(tr *Trace, dLogits tensor.Tensor) {
	if tr == nil {
		panic("pointnet: backward needs a Train-mode trace")
	}
	g := net.cls.Backward(tr.clsIn, dLogits)
	g = net.dropout.Backward(tr.dropout, g)
	g = nn.ReLUBackward(tr.headReLU, g)
	g = net.headNorm.Backward(tr.headNorm, g)
	g = net.headConv.Backward(tr.headIn, g)

	// dFeats[i] is the gradient on the features SA[i-1] produced.
	var dFeats [4]tensor.Tensor
	up := g
	for i := range net.FP {
		var dSkip tensor.Tensor
		dSkip, up = net.FP[i].Backward(tr.fp[i], up)
		dFeats[i] = dSkip
	}
	dFeats[3] = up

	for i := len(net.SA) - 1; i >= 0; i-- {
		dIn := net.SA[i].Backward(tr.sa[i], dFeats[i+1])
		if i > 0 && !dIn.Empty() {
			tensor.AddInPlace(dFeats[i], dIn)
		}
	}
}

// Parameters returns every trainable parameter in state-dict order.
func (net *Network) Parameters() []*nn.Param {
	var ps []*nn.Param
	for _, sa := range net.SA {
		ps = append(ps, sa.MLP.Params()...)
	}
	for i := len(net.FP) - 1; i >= 0; i-- {
		ps = append(ps, net.FP[i].MLP.Params()...)
	}
	ps = append(ps, net.headConv.Params()...)
	ps = append(ps, net.headNorm.Params()...)
	ps = append(ps, net.cls.Params()...)
	return ps
}

// Buffers returns every running statistic in state-dict order.
func (net *Network) Buffers() []*nn.Param {
	var bs []*nn.Param
	for _, sa := range net.SA {
		bs = append(bs, sa.MLP.Buffers()...)
	}
	for i := len(net.FP) - 1; i >= 0; i-- {
		bs = append(bs, net.FP[i].MLP.Buffers()...)
	}
	return append(bs, net.headNorm.Buffers()...)
}

// State returns parameters followed by buffers: everything a checkpoint
// must hold.
func (net *Network) State() []*nn.Param {
	return append(net.Parameters(), net.Buffers()...)
}

// SetNormMomentum sets the running-statistics update rate of every
// batch-norm layer.
func (net *Network) SetNormMomentum(m float32) {
	for _, sa := range net.SA {
		for _, bn := range sa.MLP.Norms() {
			bn.Momentum = m
		}
	}
	for _, fp := range net.FP {
		for _, bn := range fp.MLP.Norms() {
			bn.Momentum = m
		}
	}
	net.headNorm.Momentum = m
}

// ZeroGrad clears every parameter gradient.
func (net *Network) ZeroGrad() {
	for _, p := range net.Parameters() {
		p.ZeroGrad()
	}
}
