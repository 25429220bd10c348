package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Conv1x1 is a pointwise convolution: the same Out x In linear map applied
// at every spatial position of a [B, In, d1..dk] tensor.
type Conv1x1 struct {
	In, Out int
	Weight  *Param
	Bias    *Param // nil when the layer has no bias
}

// NewConv1x1 builds a layer named name. spatialDims is 1 for per-point
// inputs and 2 for per-point-per-neighbour inputs; it only affects the
// recorded weight shape ([Out, In, 1] or [Out, In, 1, 1]). Weights and
// bias are drawn from U(-1/sqrt(In), 1/sqrt(In)).
func NewConv1x1(name string, in, out, spatialDims int, bias bool, rng *rand.Rand) *Conv1x1 {
	shape := []int{out, in}
	for i := 0; i < spatialDims; i++ {
		shape = append(shape, 1)
	}
	c := &Conv1x1{In: in, Out: out, Weight: newParam(name+".weight", true, shape...)}
	bound := kaimingBound(in)
	fillUniform(c.Weight.Value, bound, rng)
	if bias {
		c.Bias = newParam(name+".bias", true, out)
		fillUniform(c.Bias.Value, bound, rng)
	}
	return c
}

// Params returns the trainable parameters.
func (c *Conv1x1) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}

func (c *Conv1x1) weights() blas32.General {
	return blas32.General{Rows: c.Out, Cols: c.In, Stride: c.In, Data: c.Weight.Value}
}

func (c *Conv1x1) checkInput(x tensor.Tensor) (batch, spatial int) {
	if x.Rank() < 3 || x.Dim(1) != c.In {
		panic(&tensor.ShapeError{What: fmt.Sprintf("conv %s input", c.Weight.Name), Want: []int{tensor.Any, c.In, tensor.Any}, Got: x.Shape})
	}
	return x.Dim(0), tensor.Numel(x.Shape[2:])
}

// Forward maps x [B, In, d...] to [B, Out, d...].
func (c *Conv1x1) Forward(x tensor.Tensor) tensor.Tensor {
	b, l := c.checkInput(x)
	shape := append([]int{b, c.Out}, x.Shape[2:]...)
	y := tensor.New(shape...)
	w := c.weights()
	for bi := 0; bi < b; bi++ {
		xb := blas32.General{Rows: c.In, Cols: l, Stride: l, Data: x.Data[bi*c.In*l : (bi+1)*c.In*l]}
		yb := blas32.General{Rows: c.Out, Cols: l, Stride: l, Data: y.Data[bi*c.Out*l : (bi+1)*c.Out*l]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, xb, 0, yb)
		if c.Bias != nil {
			for o := 0; o < c.Out; o++ {
				row := yb.Data[o*l : (o+1)*l]
				bias := c.Bias.Value[o]
				for i := range row {
					row[i] += bias
				}
			}
		}
	}
	return y
}

// Backward accumulates weight and bias gradients for the forward call
// that consumed x and returns the gradient with respect to x.
func (c *Conv1x1) Backward(x, dy tensor.Tensor) tensor.Tensor {
	b, l := c.checkInput(x)
	dx := tensor.New(x.Shape...)
	w := c.weights()
	dw := blas32.General{Rows: c.Out, Cols: c.In, Stride: c.In, Data: c.Weight.Grad}
	for bi := 0; bi < b; bi++ {
		xb := blas32.General{Rows: c.In, Cols: l, Stride: l, Data: x.Data[bi*c.In*l : (bi+1)*c.In*l]}
		dyb := blas32.General{Rows: c.Out, Cols: l, Stride: l, Data: dy.Data[bi*c.Out*l : (bi+1)*c.Out*l]}
		dxb := blas32.General{Rows: c.In, Cols: l, Stride: l, Data: dx.Data[bi*c.In*l : (bi+1)*c.In*l]}

		blas32.Gemm(blas.NoTrans, blas.Trans, 1, dyb, xb, 1, dw)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, dyb, 0, dxb)
		if c.Bias != nil {
			for o := 0; o < c.Out; o++ {
				var s float32
				for _, v := range dyb.Data[o*l : (o+1)*l] {
					s += v
				}
				c.Bias.Grad[o] += s
			}
		}
	}
	return dx
}
