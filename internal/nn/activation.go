package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// ReLU returns max(x, 0) as a new tensor.
func ReLU(x tensor.Tensor) tensor.Tensor {
	y := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y
}

// ReLUBackward masks dy by the sign of the forward output y.
func ReLUBackward(y, dy tensor.Tensor) tensor.Tensor {
	dx := tensor.New(dy.Shape...)
	for i, v := range y.Data {
		if v > 0 {
			dx.Data[i] = dy.Data[i]
		}
	}
	return dx
}

// Dropout zeroes each element with probability P in Train mode and scales
// survivors by 1/(1-P). In Eval mode it is the identity.
type Dropout struct {
	P float64
}

// DropoutTrace records the scaled keep mask of a Train-mode forward.
type DropoutTrace struct {
	mask []float32
}

// Forward applies dropout using rng for the mask. rng may be nil in Eval
// mode.
func (d Dropout) Forward(x tensor.Tensor, mode Mode, rng *rand.Rand) (tensor.Tensor, *DropoutTrace) {
	if mode != Train || d.P == 0 {
		return x, nil
	}
	if d.P < 0 || d.P >= 1 {
		panic(fmt.Sprintf("nn: dropout probability %v outside [0,1)", d.P))
	}
	scale := float32(1 / (1 - d.P))
	tr := &DropoutTrace{mask: make([]float32, x.Len())}
	y := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if rng.Float64() >= d.P {
			tr.mask[i] = scale
			y.Data[i] = v * scale
		}
	}
	return y, tr
}

// Backward applies the recorded mask to dy. A nil trace passes dy through.
func (d Dropout) Backward(tr *DropoutTrace, dy tensor.Tensor) tensor.Tensor {
	if tr == nil {
		return dy
	}
	dx := tensor.New(dy.Shape...)
	for i, g := range dy.Data {
		dx.Data[i] = g * tr.mask[i]
	}
	return dx
}
