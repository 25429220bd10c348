package pointops

import (
	"github.com/banshee-data/lesionseg/internal/tensor"
)

const (
	// InterpolationNeighbors is the neighbour count used when propagating
	// features from a sparse level to a dense one.
	InterpolationNeighbors = 3

	// minInterpolationDistance keeps inverse-distance weights finite for
	// coincident points.
	minInterpolationDistance = 1e-10
)

// ThreeNNWeights finds, for every target point [B, N1, 3], its nearest
// source points [B, N2, 3] and returns their indices [B, N1, k] together
// with inverse-distance weights [B, N1, k] that sum to one per target.
// k is three, or N2 when the source has fewer points.
func ThreeNNWeights(target, source tensor.Tensor) (tensor.Indices, tensor.Tensor) {
	tensor.MustShape("interpolation target", target, tensor.Any, tensor.Any, 3)
	tensor.MustShape("interpolation source", source, target.Dim(0), tensor.Any, 3)

	k := InterpolationNeighbors
	if source.Dim(1) < k {
		k = source.Dim(1)
	}

	b, n1, n2 := target.Dim(0), target.Dim(1), source.Dim(1)
	idx := tensor.NewIndices(b, n1, k)
	weights := tensor.New(b, n1, k)
	dist := make([]float32, n1*n2)
	for bi := 0; bi < b; bi++ {
		pairwiseInto(dist, target.Data[bi*n1*3:(bi+1)*n1*3], source.Data[bi*n2*3:(bi+1)*n2*3], n1, n2)
		for i := 0; i < n1; i++ {
			row := bi*n1 + i
			w := weights.Data[row*k : (row+1)*k]
			TopKSmallest(dist[i*n2:(i+1)*n2], k, idx.Data[row*k:(row+1)*k], w)
			normalizeInverse(w)
		}
	}
	return idx, weights
}

// normalizeInverse turns squared distances into inverse-distance weights
// summing to one.
func normalizeInverse(w []float32) {
	var sum float32
	for i, d := range w {
		if d < minInterpolationDistance {
			d = minInterpolationDistance
		}
		w[i] = 1 / d
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
}

// Interpolate blends source features [B, N2, C] at every target point as
// the weighted sum over idx/weights from ThreeNNWeights, giving [B, N1, C].
func Interpolate(features tensor.Tensor, idx tensor.Indices, weights tensor.Tensor) tensor.Tensor {
	tensor.MustIndexShape("interpolation index", idx, features.Dim(0), tensor.Any, tensor.Any)
	tensor.MustShape("interpolation weights", weights, idx.Shape...)
	gathered := Gather(features, idx) // [B, N1, k, C]

	b, n1, k := idx.Shape[0], idx.Shape[1], idx.Shape[2]
	c := features.Dim(2)
	out := tensor.New(b, n1, c)
	for row := 0; row < b*n1; row++ {
		dst := out.Data[row*c : (row+1)*c]
		for j := 0; j < k; j++ {
			w := weights.Data[row*k+j]
			src := gathered.Data[(row*k+j)*c : (row*k+j+1)*c]
			for ci, v := range src {
				dst[ci] += w * v
			}
		}
	}
	return out
}

// InterpolateBackward maps a gradient on interpolated features [B, N1, C]
// back to the n2 source points, returning [B, n2, C].
func InterpolateBackward(grad tensor.Tensor, idx tensor.Indices, weights tensor.Tensor, n2 int) tensor.Tensor {
	tensor.MustIndexShape("interpolation index", idx, grad.Dim(0), tensor.Any, tensor.Any)
	b, n1, k := idx.Shape[0], idx.Shape[1], idx.Shape[2]
	tensor.MustShape("interpolation grad", grad, b, n1, tensor.Any)
	c := grad.Dim(2)

	spread := tensor.New(b, n1, k, c)
	for row := 0; row < b*n1; row++ {
		src := grad.Data[row*c : (row+1)*c]
		for j := 0; j < k; j++ {
			w := weights.Data[row*k+j]
			dst := spread.Data[(row*k+j)*c : (row*k+j+1)*c]
			for ci, v := range src {
				dst[ci] = w * v
			}
		}
	}
	return ScatterAdd(spread, idx, n2)
}
