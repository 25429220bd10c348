package nn

import (
	"fmt"
	"math"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

const (
	// DefaultMomentum is the running-statistics update rate.
	DefaultMomentum = 0.1
	// DefaultEpsilon stabilises the normalization denominator.
	DefaultEpsilon = 1e-5
)

// BatchNorm normalizes every channel of a [B, C, d...] tensor.
//
// In Train mode it uses the statistics of the current batch and folds
// them into RunningMean/RunningVar; in Eval mode it uses the running
// statistics unchanged. A Train-mode forward therefore mutates the layer
// and must not overlap any other call on the same layer.
type BatchNorm struct {
	Channels    int
	Momentum    float32
	Epsilon     float32
	Gamma       *Param
	Beta        *Param
	RunningMean *Param
	RunningVar  *Param
	// Batches counts Train-mode forward calls.
	Batches int64
}

// NewBatchNorm builds a layer named name with unit scale, zero shift and
// running statistics at mean 0, variance 1.
func NewBatchNorm(name string, channels int) *BatchNorm {
	bn := &BatchNorm{
		Channels:    channels,
		Momentum:    DefaultMomentum,
		Epsilon:     DefaultEpsilon,
		Gamma:       newParam(name+".weight", true, channels),
		Beta:        newParam(name+".bias", true, channels),
		RunningMean: newParam(name+".running_mean", false, channels),
		RunningVar:  newParam(name+".running_var", false, channels),
	}
	fill(bn.Gamma.Value, 1)
	fill(bn.RunningVar.Value, 1)
	return bn
}

// Params returns the trainable scale and shift.
func (bn *BatchNorm) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }

// Buffers returns the running statistics.
func (bn *BatchNorm) Buffers() []*Param { return []*Param{bn.RunningMean, bn.RunningVar} }

// BNTrace holds what Backward needs from a Train-mode forward.
type BNTrace struct {
	normalized tensor.Tensor
	invStd     []float32
}

// Forward normalizes x. The trace is nil in Eval mode.
func (bn *BatchNorm) Forward(x tensor.Tensor, mode Mode) (tensor.Tensor, *BNTrace) {
	if x.Rank() < 2 || x.Dim(1) != bn.Channels {
		panic(&tensor.ShapeError{What: fmt.Sprintf("batchnorm %s input", bn.Gamma.Name), Want: []int{tensor.Any, bn.Channels, tensor.Any}, Got: x.Shape})
	}
	b, c := x.Dim(0), bn.Channels
	l := tensor.Numel(x.Shape[2:])
	y := tensor.New(x.Shape...)

	if mode != Train {
		for ci := 0; ci < c; ci++ {
			inv := float32(1 / math.Sqrt(float64(bn.RunningVar.Value[ci]+bn.Epsilon)))
			scale := bn.Gamma.Value[ci] * inv
			shift := bn.Beta.Value[ci] - bn.RunningMean.Value[ci]*scale
			for bi := 0; bi < b; bi++ {
				off := (bi*c + ci) * l
				for i, v := range x.Data[off : off+l] {
					y.Data[off+i] = v*scale + shift
				}
			}
		}
		return y, nil
	}

	n := b * l
	tr := &BNTrace{normalized: tensor.New(x.Shape...), invStd: make([]float32, c)}
	for ci := 0; ci < c; ci++ {
		var sum, sumSq float64
		for bi := 0; bi < b; bi++ {
			off := (bi*c + ci) * l
			for _, v := range x.Data[off : off+l] {
				sum += float64(v)
			}
		}
		mean := sum / float64(n)
		for bi := 0; bi < b; bi++ {
			off := (bi*c + ci) * l
			for _, v := range x.Data[off : off+l] {
				d := float64(v) - mean
				sumSq += d * d
			}
		}
		variance := sumSq / float64(n)
		inv := 1 / math.Sqrt(variance+float64(bn.Epsilon))
		tr.invStd[ci] = float32(inv)

		gamma, beta := bn.Gamma.Value[ci], bn.Beta.Value[ci]
		for bi := 0; bi < b; bi++ {
			off := (bi*c + ci) * l
			for i, v := range x.Data[off : off+l] {
				xh := float32((float64(v) - mean) * inv)
				tr.normalized.Data[off+i] = xh
				y.Data[off+i] = gamma*xh + beta
			}
		}

		unbiased := variance
		if n > 1 {
			unbiased = sumSq / float64(n-1)
		}
		m := bn.Momentum
		bn.RunningMean.Value[ci] = (1-m)*bn.RunningMean.Value[ci] + m*float32(mean)
		bn.RunningVar.Value[ci] = (1-m)*bn.RunningVar.Value[ci] + m*float32(unbiased)
	}
	bn.Batches++
	return y, tr
}

// Backward accumulates scale and shift gradients and returns the gradient
// with respect to the input of the traced forward.
func (bn *BatchNorm) Backward(tr *BNTrace, dy tensor.Tensor) tensor.Tensor {
	if tr == nil {
		panic("nn: batchnorm backward needs a Train-mode trace")
	}
	b, c := dy.Dim(0), bn.Channels
	l := tensor.Numel(dy.Shape[2:])
	n := float32(b * l)
	dx := tensor.New(dy.Shape...)

	for ci := 0; ci < c; ci++ {
		var dGamma, dBeta float32
		for bi := 0; bi < b; bi++ {
			off := (bi*c + ci) * l
			for i, g := range dy.Data[off : off+l] {
				dBeta += g
				dGamma += g * tr.normalized.Data[off+i]
			}
		}
		bn.Gamma.Grad[ci] += dGamma
		bn.Beta.Grad[ci] += dBeta

		k := bn.Gamma.Value[ci] * tr.invStd[ci] / n
		for bi := 0; bi < b; bi++ {
			off := (bi*c + ci) * l
			for i, g := range dy.Data[off : off+l] {
				dx.Data[off+i] = k * (n*g - dBeta - tr.normalized.Data[off+i]*dGamma)
			}
		}
	}
	return dx
}
