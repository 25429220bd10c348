package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// SharedMLP is a stack of (1x1 conv without bias, batch norm, ReLU) layers
// applied identically at every spatial position. The 1-D variant runs on
// [B, C, N] tensors and the 2-D variant on [B, C, S, K] tensors; only the
// channel dimension changes between layers.
type SharedMLP struct {
	Channels []int
	convs    []*Conv1x1
	norms    []*BatchNorm
}

// NewSharedMLP1d builds a per-point stack. Parameter names follow
// "<prefix>.net.<i>.<field>" with conv layers at i = 0, 3, 6, ... and norm
// layers at i = 1, 4, 7, ...
func NewSharedMLP1d(prefix string, channels []int, rng *rand.Rand) *SharedMLP {
	return newSharedMLP(prefix, channels, 1, rng)
}

// NewSharedMLP2d builds a per-point-per-neighbour stack.
func NewSharedMLP2d(prefix string, channels []int, rng *rand.Rand) *SharedMLP {
	return newSharedMLP(prefix, channels, 2, rng)
}

func newSharedMLP(prefix string, channels []int, spatialDims int, rng *rand.Rand) *SharedMLP {
	if len(channels) < 2 {
		panic(fmt.Sprintf("nn: shared MLP %s needs at least two channel widths, got %v", prefix, channels))
	}
	m := &SharedMLP{Channels: append([]int(nil), channels...)}
	for i := 0; i+1 < len(channels); i++ {
		conv := NewConv1x1(fmt.Sprintf("%s.net.%d", prefix, 3*i), channels[i], channels[i+1], spatialDims, false, rng)
		norm := NewBatchNorm(fmt.Sprintf("%s.net.%d", prefix, 3*i+1), channels[i+1])
		m.convs = append(m.convs, conv)
		m.norms = append(m.norms, norm)
	}
	return m
}

// In is the expected input channel count.
func (m *SharedMLP) In() int { return m.Channels[0] }

// Out is the produced channel count.
func (m *SharedMLP) Out() int { return m.Channels[len(m.Channels)-1] }

// Norms returns the batch-norm layers in order.
func (m *SharedMLP) Norms() []*BatchNorm { return m.norms }

// Params returns trainable parameters in layer order.
func (m *SharedMLP) Params() []*Param {
	var ps []*Param
	for i := range m.convs {
		ps = append(ps, m.convs[i].Params()...)
		ps = append(ps, m.norms[i].Params()...)
	}
	return ps
}

// Buffers returns the running statistics of every norm layer.
func (m *SharedMLP) Buffers() []*Param {
	var bs []*Param
	for _, n := range m.norms {
		bs = append(bs, n.Buffers()...)
	}
	return bs
}

// MLPTrace records the per-layer activations of a Train-mode forward.
type MLPTrace struct {
	inputs []tensor.Tensor
	norms  []*BNTrace
	relus  []tensor.Tensor
}

// Forward runs every layer in order. In Eval mode the returned trace is nil
// and no state changes; in Train mode the norm layers update their running
// statistics.
func (m *SharedMLP) Forward(x tensor.Tensor, mode Mode) (tensor.Tensor, *MLPTrace) {
	var tr *MLPTrace
	if mode == Train {
		tr = &MLPTrace{}
	}
	for i := range m.convs {
		z := m.convs[i].Forward(x)
		z, bt := m.norms[i].Forward(z, mode)
		a := ReLU(z)
		if tr != nil {
			tr.inputs = append(tr.inputs, x)
			tr.norms = append(tr.norms, bt)
			tr.relus = append(tr.relus, a)
		}
		x = a
	}
	return x, tr
}

// Backward propagates dy through the traced forward, accumulating parameter
// gradients, and returns the gradient with respect to the input.
func (m *SharedMLP) Backward(tr *MLPTrace, dy tensor.Tensor) tensor.Tensor {
	if tr == nil {
		panic("nn: shared MLP backward needs a Train-mode trace")
	}
	for i := len(m.convs) - 1; i >= 0; i-- {
		dy = ReLUBackward(tr.relus[i], dy)
		dy = m.norms[i].Backward(tr.norms[i], dy)
		dy = m.convs[i].Backward(tr.inputs[i], dy)
	}
	return dy
}
