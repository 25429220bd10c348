package pointnet

import (
	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Argmax selects the highest-scoring class per point from logits
// [B, C, N], returning [B, N]. Exactly equal scores resolve to the lowest
// class index.
func Argmax(logits tensor.Tensor) tensor.Indices {
	tensor.MustShape("logits", logits, tensor.Any, tensor.Any, tensor.Any)
	b, c, n := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	out := tensor.NewIndices(b, n)
	for bi := 0; bi < b; bi++ {
		plane := logits.Data[bi*c*n : (bi+1)*c*n]
		for i := 0; i < n; i++ {
			best := 0
			for ci := 1; ci < c; ci++ {
				if plane[ci*n+i] > plane[best*n+i] {
					best = ci
				}
			}
			out.Data[bi*n+i] = best
		}
	}
	return out
}

// Labels converts one batch element of Argmax output to the byte-per-point
// form written to disk.
func Labels(pred tensor.Indices, batch int) []uint8 {
	n := pred.Shape[1]
	out := make([]uint8, n)
	for i, v := range pred.Data[batch*n : (batch+1)*n] {
		out[i] = uint8(v)
	}
	return out
}

// Predict runs an Eval-mode forward and returns per-point labels [B, N].
func (net *Network) Predict(xyz tensor.Tensor, opts RunOptions) tensor.Indices {
	opts.Mode = nn.Eval
	logits, _ := net.Forward(xyz, opts)
	return Argmax(logits)
}
