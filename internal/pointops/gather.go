package pointops

import (
	"fmt"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Gather selects rows of points [B, N, C] by idx [B, d1..dk], producing
// [B, d1..dk, C]. Index batch b only ever reads from points batch b.
func Gather(points tensor.Tensor, idx tensor.Indices) tensor.Tensor {
	tensor.MustShape("gather points", points, tensor.Any, tensor.Any, tensor.Any)
	if idx.Rank() < 2 || idx.Shape[0] != points.Dim(0) {
		panic(&tensor.ShapeError{What: "gather index", Want: []int{points.Dim(0), tensor.Any}, Got: idx.Shape})
	}

	b, n, c := points.Dim(0), points.Dim(1), points.Dim(2)
	per := idx.Len() / b

	shape := append(append([]int{}, idx.Shape...), c)
	out := tensor.New(shape...)
	for bi := 0; bi < b; bi++ {
		src := points.Data[bi*n*c : (bi+1)*n*c]
		ids := idx.Data[bi*per : (bi+1)*per]
		dst := out.Data[bi*per*c : (bi+1)*per*c]
		for i, j := range ids {
			if j < 0 || j >= n {
				panic(fmt.Sprintf("pointops: gather index %d out of range [0,%d)", j, n))
			}
			copy(dst[i*c:(i+1)*c], src[j*c:(j+1)*c])
		}
	}
	return out
}

// ScatterAdd is the adjoint of Gather: it sums grad [B, d1..dk, C] back
// into a [B, n, C] tensor at the rows named by idx.
func ScatterAdd(grad tensor.Tensor, idx tensor.Indices, n int) tensor.Tensor {
	if idx.Rank() < 2 || grad.Rank() != idx.Rank()+1 || grad.Dim(0) != idx.Shape[0] {
		panic(&tensor.ShapeError{What: "scatter grad", Want: append(append([]int{}, idx.Shape...), tensor.Any), Got: grad.Shape})
	}

	b := idx.Shape[0]
	c := grad.Shape[grad.Rank()-1]
	per := idx.Len() / b

	out := tensor.New(b, n, c)
	for bi := 0; bi < b; bi++ {
		src := grad.Data[bi*per*c : (bi+1)*per*c]
		ids := idx.Data[bi*per : (bi+1)*per]
		dst := out.Data[bi*n*c : (bi+1)*n*c]
		for i, j := range ids {
			row := dst[j*c : (j+1)*c]
			for ci, v := range src[i*c : (i+1)*c] {
				row[ci] += v
			}
		}
	}
	return out
}
