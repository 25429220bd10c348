// Package tensor holds the shape-tagged arrays that flow through the
// segmentation network.
//
// Every tensor is dense and row-major. Axis 0 is always the batch axis;
// point clouds use the channel-first layout [B, 3, N] at network
// boundaries and the point-major layout [B, N, 3] inside the spatial
// primitives.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Indices is a dense integer array with an explicit shape. Values index
// into the point axis of some other tensor of the same batch size.
type Indices struct {
	Shape []int
	Data  []int
}

// Numel returns the element count for shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New returns a zero-filled tensor of the given shape.
func New(shape ...int) Tensor {
	return Tensor{Shape: cloneShape(shape), Data: make([]float32, Numel(shape))}
}

// FromData wraps data without copying. It panics with a *ShapeError when
// len(data) does not match the shape.
func FromData(data []float32, shape ...int) Tensor {
	if len(data) != Numel(shape) {
		panic(&ShapeError{What: "tensor data", Want: shape, Got: []int{len(data)}})
	}
	return Tensor{Shape: cloneShape(shape), Data: data}
}

// NewIndices returns a zero-filled index tensor of the given shape.
func NewIndices(shape ...int) Indices {
	return Indices{Shape: cloneShape(shape), Data: make([]int, Numel(shape))}
}

// Rank returns the number of axes.
func (t Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i.
func (t Tensor) Dim(i int) int { return t.Shape[i] }

// Len returns the element count.
func (t Tensor) Len() int { return len(t.Data) }

// Empty reports whether the tensor carries no data. A nil feature tensor
// is represented by the zero Tensor.
func (t Tensor) Empty() bool { return t.Shape == nil && t.Data == nil }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	out := Tensor{Shape: cloneShape(t.Shape), Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a view with a new shape over the same data.
func (t Tensor) Reshape(shape ...int) Tensor {
	if Numel(shape) != len(t.Data) {
		panic(&ShapeError{What: "reshape", Want: shape, Got: t.Shape})
	}
	return Tensor{Shape: cloneShape(shape), Data: t.Data}
}

// AllFinite reports whether every element is neither NaN nor Inf.
func (t Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Rank returns the number of axes.
func (x Indices) Rank() int { return len(x.Shape) }

// Len returns the element count.
func (x Indices) Len() int { return len(x.Data) }

// String renders shape only; tensors are far too large to print.
func (t Tensor) String() string { return fmt.Sprintf("Tensor%v", t.Shape) }

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
