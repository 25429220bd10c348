package pointnet

import (
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// SetAbstraction downsamples a cloud to NPoint centroids chosen by farthest
// point sampling, groups each centroid's K nearest input points, runs the
// shared MLP over every neighbour and max-pools over the neighbourhood.
type SetAbstraction struct {
	NPoint int
	K      int
	UseXYZ bool
	MLP    *nn.SharedMLP
}

// NewSetAbstraction builds a stage whose parameters are named
// "<name>.mlp.net.<i>...".
func NewSetAbstraction(name string, cfg SAConfig, rng *rand.Rand) *SetAbstraction {
	return &SetAbstraction{
		NPoint: cfg.NPoint,
		K:      cfg.K,
		UseXYZ: cfg.UseXYZ,
		MLP:    nn.NewSharedMLP2d(name+".mlp", cfg.MLP, rng),
	}
}

// SATrace keeps what Backward needs from a Train-mode forward.
type SATrace struct {
	n           int
	inFeatures  int
	neighbors   tensor.Indices
	mlp         *nn.MLPTrace
	argmax      []int
	pooledShape []int
}

// Forward maps xyz [B, 3, N] and optional features [B, C, N] (empty when
// the input has none) to centroids [B, 3, NPoint] and pooled features
// [B, C', NPoint].
func (sa *SetAbstraction) Forward(xyz, features tensor.Tensor, mode nn.Mode, start pointops.StartPicker) (tensor.Tensor, tensor.Tensor, *SATrace) {
	tensor.MustShape("set abstraction xyz", xyz, tensor.Any, 3, tensor.Any)
	b, n := xyz.Dim(0), xyz.Dim(2)
	if !features.Empty() {
		tensor.MustShape("set abstraction features", features, b, tensor.Any, n)
	}

	points := tensor.ChannelsLast(xyz) // [B, N, 3]
	centroidIdx := pointops.FarthestPointSample(points, sa.NPoint, start)
	centroids := pointops.Gather(points, centroidIdx)   // [B, S, 3]
	neighbors := pointops.KNN(sa.K, points, centroids) // [B, S, K]

	grouped := pointops.Gather(points, neighbors) // [B, S, K, 3]
	for row := 0; row < b*sa.NPoint; row++ {
		c := centroids.Data[row*3 : row*3+3]
		for j := 0; j < sa.K; j++ {
			p := grouped.Data[(row*sa.K+j)*3 : (row*sa.K+j)*3+3]
			p[0] -= c[0]
			p[1] -= c[1]
			p[2] -= c[2]
		}
	}

	in := tensor.ChannelsFirst(grouped) // [B, 3, S, K]
	inFeatures := 0
	if !features.Empty() {
		inFeatures = features.Dim(1)
		groupedFeat := tensor.ChannelsFirst(pointops.Gather(tensor.ChannelsLast(features), neighbors))
		if sa.UseXYZ {
			in = tensor.ConcatChannels(in, groupedFeat)
		} else {
			in = groupedFeat
		}
	}

	out, mlpTrace := sa.MLP.Forward(in, mode) // [B, C', S, K]
	pooled, argmax := maxPoolLast(out)

	var tr *SATrace
	if mode == nn.Train {
		tr = &SATrace{
			n:           n,
			inFeatures:  inFeatures,
			neighbors:   neighbors,
			mlp:         mlpTrace,
			argmax:      argmax,
			pooledShape: out.Shape,
		}
	}
	return tensor.ChannelsFirst(centroids), pooled, tr
}

// Backward returns the gradient with respect to the input features given
// the gradient of the pooled output. It returns an empty tensor when the
// stage had no input features. Coordinates carry no gradient.
func (sa *SetAbstraction) Backward(tr *SATrace, dPooled tensor.Tensor) tensor.Tensor {
	dOut := tensor.New(tr.pooledShape...)
	for i, j := range tr.argmax {
		dOut.Data[j] += dPooled.Data[i]
	}
	dIn := sa.MLP.Backward(tr.mlp, dOut)
	if tr.inFeatures == 0 {
		return tensor.Tensor{}
	}
	dFeat := dIn
	if sa.UseXYZ {
		_, dFeat = tensor.SplitChannels(dIn, 3)
	}
	// [B, C, S, K] -> [B, S, K, C] -> scatter to [B, N, C] -> [B, C, N]
	return tensor.ChannelsFirst(pointops.ScatterAdd(tensor.ChannelsLast(dFeat), tr.neighbors, tr.n))
}

// maxPoolLast reduces the last axis of x by max, returning the pooled
// tensor and, for every pooled element, the flat index of its maximum.
// Ties keep the first occurrence.
func maxPoolLast(x tensor.Tensor) (tensor.Tensor, []int) {
	k := x.Shape[x.Rank()-1]
	pooled := tensor.New(x.Shape[:x.Rank()-1]...)
	argmax := make([]int, pooled.Len())
	for i := range pooled.Data {
		row := x.Data[i*k : (i+1)*k]
		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		pooled.Data[i] = row[best]
		argmax[i] = i*k + best
	}
	return pooled, argmax
}
