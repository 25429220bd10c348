package pointnet_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/tensor"
	"github.com/banshee-data/lesionseg/internal/testutil"
)

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, pointnet.DefaultConfig().Validate())
	require.NoError(t, testutil.SmallNetworkConfig().Validate())
}

func TestConfigValidate_CatchesChannelMismatch(t *testing.T) {
	cfg := pointnet.DefaultConfig()
	cfg.SA[1].MLP = []int{128, 128, 256} // forgot the 3 coordinate channels
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sa2: mlp input width 128, previous stage provides 131")

	cfg = pointnet.DefaultConfig()
	cfg.FP[2].MLP = []int{512, 256, 256}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fp3")

	cfg = pointnet.DefaultConfig()
	cfg.SA[2].NPoint = 1024
	assert.Error(t, cfg.Validate())

	_, err = pointnet.NewNetwork(cfg, rand.New(rand.NewPCG(0, 0)))
	assert.Error(t, err)
}

func TestSetAbstraction_OutputShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	sa := pointnet.NewSetAbstraction("sa", pointnet.SAConfig{NPoint: 10, K: 4, MLP: []int{3 + 5, 8, 12}, UseXYZ: true}, rng)
	xyz := testutil.GridCloud(2, 40)
	feats := tensor.New(2, 5, 40)

	newXYZ, out, tr := sa.Forward(xyz, feats, nn.Eval, pointops.FixedStart(0))
	assert.Nil(t, tr)
	assert.Equal(t, []int{2, 3, 10}, newXYZ.Shape)
	assert.Equal(t, []int{2, 12, 10}, out.Shape)

	// Centroids are input points.
	first := tensor.ChannelsLast(xyz)
	assert.Equal(t, first.Data[:3], tensor.ChannelsLast(newXYZ).Data[:3])
}

func TestSetAbstraction_TranslationInvariantFeatures(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	sa := pointnet.NewSetAbstraction("sa", pointnet.SAConfig{NPoint: 8, K: 4, MLP: []int{3, 6}, UseXYZ: true}, rng)
	xyz := tensor.New(1, 3, 32)
	for i := range xyz.Data {
		xyz.Data[i] = float32(rng.Float64())
	}
	shifted := xyz.Clone()
	for i := 0; i < 32; i++ {
		shifted.Data[i] += 1 // x channel
	}

	_, a, _ := sa.Forward(xyz, tensor.Tensor{}, nn.Eval, pointops.FixedStart(3))
	_, b, _ := sa.Forward(shifted, tensor.Tensor{}, nn.Eval, pointops.FixedStart(3))
	assert.InDeltaSlice(t, a.Data, b.Data, 1e-4)
}

func TestFeaturePropagation_CoincidentPointsStayFinite(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	fp := pointnet.NewFeaturePropagation("fp", pointnet.FPConfig{MLP: []int{2 + 1, 4}}, rng)
	dense := testutil.GridCloud(1, 16)
	sparse := testutil.GridCloud(1, 4) // the first four dense points
	skip := tensor.New(1, 2, 16)
	feats := tensor.FromData([]float32{1, 2, 3, 4}, 1, 1, 4)

	out, tr := fp.Forward(dense, sparse, skip, feats, nn.Eval)
	assert.Nil(t, tr)
	assert.Equal(t, []int{1, 4, 16}, out.Shape)
	assert.True(t, out.AllFinite())
}

func TestNetwork_EndToEndFullTopology(t *testing.T) {
	if testing.Short() {
		t.Skip("full 8192-point forward")
	}
	net, err := pointnet.NewNetwork(pointnet.DefaultConfig(), rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)

	logits, tr := net.Forward(testutil.GridCloud(1, pointnet.NumPoints), pointnet.RunOptions{RNG: rand.New(rand.NewPCG(1, 1))})
	assert.Nil(t, tr)
	require.Equal(t, []int{1, 2, pointnet.NumPoints}, logits.Shape)
	assert.True(t, logits.AllFinite(), "logits contain NaN or Inf")
}

func TestNetwork_StateNames(t *testing.T) {
	net, err := pointnet.NewNetwork(pointnet.DefaultConfig(), rand.New(rand.NewPCG(0, 0)))
	require.NoError(t, err)

	byName := map[string][]int{}
	for _, p := range net.State() {
		_, dup := byName[p.Name]
		require.False(t, dup, "duplicate name %s", p.Name)
		byName[p.Name] = p.Shape
	}
	assert.Equal(t, []int{64, 3, 1, 1}, byName["sa1.mlp.net.0.weight"])
	assert.Equal(t, []int{256}, byName["sa2.mlp.net.7.running_var"])
	assert.Equal(t, []int{256, 768, 1}, byName["fp3.mlp.net.0.weight"])
	assert.Equal(t, []int{128, 128, 1}, byName["fp1.mlp.net.6.weight"])
	assert.Equal(t, []int{128, 128, 1}, byName["cls.0.weight"])
	assert.Equal(t, []int{128}, byName["cls.1.running_mean"])
	assert.Equal(t, []int{2, 128, 1}, byName["cls.4.weight"])
	assert.Equal(t, []int{2}, byName["cls.4.bias"])
	_, hasHeadBias := byName["cls.0.bias"]
	assert.False(t, hasHeadBias)
}

func TestNetwork_RejectsWrongShape(t *testing.T) {
	net := testutil.NewSmallNetwork(t, 1)

	err := net.CheckCloud(tensor.New(1, 3, 100))
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "point cloud: expected shape [* 3 64], got [1 3 100]", err.Error())

	require.Error(t, net.CheckCloud(tensor.New(1, 4, 64)))
	require.NoError(t, net.CheckCloud(tensor.New(2, 3, 64)))

	assert.PanicsWithError(t, "point cloud: expected shape [* 3 64], got [1 64 3]", func() {
		net.Forward(tensor.New(1, 64, 3), pointnet.RunOptions{})
	})
}

func TestNetwork_EvalIsDeterministicAndPure(t *testing.T) {
	net := testutil.NewSmallNetwork(t, 2)
	xyz := testutil.GridCloud(2, 64)
	before := net.Buffers()[0].Value[0]

	opts := pointnet.RunOptions{Start: pointops.FixedStart(0)}
	a, _ := net.Forward(xyz, opts)
	b, _ := net.Forward(xyz, opts)
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, before, net.Buffers()[0].Value[0])
}

func TestNetwork_TrainAndEvalDiffer(t *testing.T) {
	net := testutil.NewSmallNetwork(t, 3)
	xyz := testutil.GridCloud(2, 64)

	opts := pointnet.RunOptions{Start: pointops.FixedStart(0), RNG: rand.New(rand.NewPCG(4, 4))}
	eval, _ := net.Forward(xyz, opts)
	opts.Mode = nn.Train
	train, tr := net.Forward(xyz, opts)
	require.NotNil(t, tr)
	assert.NotEqual(t, eval.Data, train.Data)
}

func TestNetwork_BackwardReachesEveryParameter(t *testing.T) {
	net := testutil.NewSmallNetwork(t, 5)
	xyz := testutil.GridCloud(2, 64)
	rng := rand.New(rand.NewPCG(6, 6))

	net.ZeroGrad()
	logits, tr := net.Forward(xyz, pointnet.RunOptions{Mode: nn.Train, Start: pointops.FixedStart(0), RNG: rng})
	g := tensor.New(logits.Shape...)
	for i := range g.Data {
		g.Data[i] = float32(rng.NormFloat64())
	}
	net.Backward(tr, g)

	for _, p := range net.Parameters() {
		var norm float64
		for _, v := range p.Grad {
			norm += float64(v) * float64(v)
		}
		assert.False(t, math.IsNaN(norm), "%s gradient is NaN", p.Name)
		assert.Greater(t, norm, 0.0, "%s received no gradient", p.Name)
	}
}

func TestArgmax_LowestIndexWinsTies(t *testing.T) {
	// [B=1, C=3, N=3]
	logits := tensor.FromData([]float32{
		1, 5, 2,
		1, 7, 2,
		0, 7, 9,
	}, 1, 3, 3)
	pred := pointnet.Argmax(logits)
	assert.Equal(t, []int{0, 1, 2}, pred.Data)
	assert.Equal(t, []uint8{0, 1, 2}, pointnet.Labels(pred, 0))
}

func TestNetwork_PredictShape(t *testing.T) {
	net := testutil.NewSmallNetwork(t, 7)
	pred := net.Predict(testutil.GridCloud(3, 64), pointnet.RunOptions{Start: pointops.FixedStart(0)})
	require.Equal(t, []int{3, 64}, pred.Shape)
	for _, v := range pred.Data {
		assert.True(t, v == 0 || v == 1)
	}
}
