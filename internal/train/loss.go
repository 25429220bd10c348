// Package train fits a segmentation network to labelled point clouds:
// class weighting, weighted cross-entropy, the Adam optimizer, the lesion
// IoU metric and the epoch loop with best-checkpoint retention.
package train

import (
	"fmt"
	"math"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// ClassWeights turns per-class point counts into inverse-frequency loss
// weights normalized to sum to the number of classes.
func ClassWeights(counts []int64) []float32 {
	var total int64
	for _, c := range counts {
		total += c
	}
	denom := float64(max(total, 1))
	w := make([]float64, len(counts))
	var sum float64
	for i, c := range counts {
		w[i] = 1 / (float64(c)/denom + 1e-6)
		sum += w[i]
	}
	out := make([]float32, len(counts))
	for i := range w {
		out[i] = float32(w[i] / sum * float64(len(counts)))
	}
	return out
}

// CrossEntropy computes the class-weighted mean cross-entropy of logits
// [B, C, N] against labels [B*N] and its gradient with respect to the
// logits. The mean is taken over the weights of the target classes.
func CrossEntropy(logits tensor.Tensor, labels []int, weights []float32) (float64, tensor.Tensor) {
	tensor.MustShape("logits", logits, tensor.Any, len(weights), tensor.Any)
	b, c, n := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	if len(labels) != b*n {
		panic(&tensor.ShapeError{What: "labels", Want: []int{b * n}, Got: []int{len(labels)}})
	}

	grad := tensor.New(b, c, n)
	probs := make([]float64, c)
	var lossSum, weightSum float64
	for bi := 0; bi < b; bi++ {
		plane := logits.Data[bi*c*n : (bi+1)*c*n]
		gplane := grad.Data[bi*c*n : (bi+1)*c*n]
		for i := 0; i < n; i++ {
			y := labels[bi*n+i]
			if y < 0 || y >= c {
				panic(fmt.Sprintf("train: label %d out of range [0,%d)", y, c))
			}
			hi := math.Inf(-1)
			for ci := 0; ci < c; ci++ {
				hi = math.Max(hi, float64(plane[ci*n+i]))
			}
			var z float64
			for ci := 0; ci < c; ci++ {
				probs[ci] = math.Exp(float64(plane[ci*n+i]) - hi)
				z += probs[ci]
			}
			w := float64(weights[y])
			lossSum += w * (math.Log(z) + hi - float64(plane[y*n+i]))
			weightSum += w
			for ci := 0; ci < c; ci++ {
				g := probs[ci] / z
				if ci == y {
					g--
				}
				gplane[ci*n+i] = float32(w * g)
			}
		}
	}
	if weightSum == 0 {
		return 0, grad
	}
	scale := float32(1 / weightSum)
	for i := range grad.Data {
		grad.Data[i] *= scale
	}
	return lossSum / weightSum, grad
}
