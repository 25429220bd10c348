// Package nn provides the learned building blocks of the point network:
// pointwise (1x1) convolutions, batch normalization, ReLU, dropout and the
// shared MLP stacks built from them.
//
// Behaviour that differs between training and inference is selected by an
// explicit Mode argument on every forward call; no module carries a hidden
// train/eval toggle. Forward calls in Train mode return a trace that the
// matching Backward consumes.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Mode selects training or inference behaviour for a forward pass.
type Mode int

const (
	// Eval uses accumulated normalization statistics and disables dropout.
	Eval Mode = iota
	// Train normalizes with batch statistics, updates running statistics
	// and applies dropout.
	Train
)

func (m Mode) String() string {
	switch m {
	case Eval:
		return "eval"
	case Train:
		return "train"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Param is a named array of values. Trainable parameters carry a Grad of
// the same length; buffers such as running statistics have a nil Grad.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, trainable bool, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{Name: name, Shape: shape, Value: make([]float32, n)}
	if trainable {
		p.Grad = make([]float32, n)
	}
	return p
}

// ZeroGrad clears accumulated gradients.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// Trainable reports whether the optimizer updates p.
func (p *Param) Trainable() bool { return p.Grad != nil }

func fillUniform(v []float32, bound float64, rng *rand.Rand) {
	for i := range v {
		v[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

func fill(v []float32, x float32) {
	for i := range v {
		v[i] = x
	}
}

func kaimingBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
