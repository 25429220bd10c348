package pointnet

import (
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// FeaturePropagation upsamples sparse features onto a denser point set by
// inverse-distance 3-NN interpolation, prepends any skip features of the
// dense set and refines the result with a per-point shared MLP.
type FeaturePropagation struct {
	MLP *nn.SharedMLP
}

// NewFeaturePropagation builds a stage whose parameters are named
// "<name>.mlp.net.<i>...".
func NewFeaturePropagation(name string, cfg FPConfig, rng *rand.Rand) *FeaturePropagation {
	return &FeaturePropagation{MLP: nn.NewSharedMLP1d(name+".mlp", cfg.MLP, rng)}
}

// FPTrace keeps what Backward needs from a Train-mode forward.
type FPTrace struct {
	n2        int
	skip      int
	neighbors tensor.Indices
	weights   tensor.Tensor
	mlp       *nn.MLPTrace
}

// Forward interpolates sparse [B, C2, N2] at xyz2 [B, 3, N2] onto dense
// xyz1 [B, 3, N1], concatenates skip [B, C1, N1] first when it is not
// empty, and returns [B, C', N1].
func (fp *FeaturePropagation) Forward(xyz1, xyz2, skip, sparse tensor.Tensor, mode nn.Mode) (tensor.Tensor, *FPTrace) {
	tensor.MustShape("propagation dense xyz", xyz1, tensor.Any, 3, tensor.Any)
	b, n1 := xyz1.Dim(0), xyz1.Dim(2)
	tensor.MustShape("propagation sparse xyz", xyz2, b, 3, tensor.Any)
	n2 := xyz2.Dim(2)
	tensor.MustShape("propagation sparse features", sparse, b, tensor.Any, n2)

	neighbors, weights := pointops.ThreeNNWeights(tensor.ChannelsLast(xyz1), tensor.ChannelsLast(xyz2))
	in := tensor.ChannelsFirst(pointops.Interpolate(tensor.ChannelsLast(sparse), neighbors, weights))

	skipC := 0
	if !skip.Empty() {
		tensor.MustShape("propagation skip features", skip, b, tensor.Any, n1)
		skipC = skip.Dim(1)
		in = tensor.ConcatChannels(skip, in)
	}

	out, mlpTrace := fp.MLP.Forward(in, mode)
	if mode != nn.Train {
		return out, nil
	}
	return out, &FPTrace{n2: n2, skip: skipC, neighbors: neighbors, weights: weights, mlp: mlpTrace}
}

// Backward returns the gradients with respect to skip (empty when the
// forward had none) and sparse.
func (fp *FeaturePropagation) Backward(tr *FPTrace, dy tensor.Tensor) (dSkip, dSparse tensor.Tensor) {
	dIn := fp.MLP.Backward(tr.mlp, dy)
	dInterp := dIn
	if tr.skip > 0 {
		dSkip, dInterp = tensor.SplitChannels(dIn, tr.skip)
	}
	dSparse = tensor.ChannelsFirst(pointops.InterpolateBackward(tensor.ChannelsLast(dInterp), tr.neighbors, tr.weights, tr.n2))
	return dSkip, dSparse
}
