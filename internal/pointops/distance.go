// Package pointops implements the parameter-free spatial primitives of the
// point network: pairwise squared distance, index gathering, k-nearest
// neighbour search, farthest-point sampling and inverse-distance
// interpolation.
//
// All functions take point-major tensors ([B, N, C]) and are pure: they
// never retain or mutate their arguments. Shape violations panic with a
// *tensor.ShapeError.
package pointops

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// SquareDistance returns the [B, N, M] matrix of squared Euclidean
// distances between src [B, N, 3] and dst [B, M, 3].
//
// It uses the expansion |a|^2 + |b|^2 - 2a.b, so entries for coincident
// points may come out slightly negative. Callers that take a reciprocal or
// square root must clamp first.
func SquareDistance(src, dst tensor.Tensor) tensor.Tensor {
	tensor.MustShape("square distance src", src, tensor.Any, tensor.Any, 3)
	tensor.MustShape("square distance dst", dst, src.Dim(0), tensor.Any, 3)

	b, n, m := src.Dim(0), src.Dim(1), dst.Dim(1)
	out := tensor.New(b, n, m)
	for bi := 0; bi < b; bi++ {
		pairwiseInto(
			out.Data[bi*n*m:(bi+1)*n*m],
			src.Data[bi*n*3:(bi+1)*n*3],
			dst.Data[bi*m*3:(bi+1)*m*3],
			n, m,
		)
	}
	return out
}

// pairwiseInto fills out (n x m, row-major) with squared distances for a
// single batch element.
func pairwiseInto(out, src, dst []float32, n, m int) {
	a := blas32.General{Rows: n, Cols: 3, Stride: 3, Data: src}
	bm := blas32.General{Rows: m, Cols: 3, Stride: 3, Data: dst}
	c := blas32.General{Rows: n, Cols: m, Stride: m, Data: out}
	blas32.Gemm(blas.NoTrans, blas.Trans, -2, a, bm, 0, c)

	dstNorm := make([]float32, m)
	for j := 0; j < m; j++ {
		p := dst[j*3 : j*3+3]
		dstNorm[j] = p[0]*p[0] + p[1]*p[1] + p[2]*p[2]
	}
	for i := 0; i < n; i++ {
		p := src[i*3 : i*3+3]
		srcNorm := p[0]*p[0] + p[1]*p[1] + p[2]*p[2]
		row := out[i*m : (i+1)*m]
		for j := range row {
			row[j] += srcNorm + dstNorm[j]
		}
	}
}
