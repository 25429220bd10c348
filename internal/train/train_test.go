package train_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lesionseg/internal/checkpoint"
	"github.com/banshee-data/lesionseg/internal/dataset"
	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/tensor"
	"github.com/banshee-data/lesionseg/internal/testutil"
	"github.com/banshee-data/lesionseg/internal/timeutil"
	"github.com/banshee-data/lesionseg/internal/train"
)

func TestClassWeights(t *testing.T) {
	w := train.ClassWeights([]int64{300, 100})
	assert.InDelta(t, 0.5, w[0], 1e-5)
	assert.InDelta(t, 1.5, w[1], 1e-5)
	assert.InDelta(t, 2.0, w[0]+w[1], 1e-5)

	// No labelled points at all: every class weighs the same.
	w = train.ClassWeights([]int64{0, 0})
	assert.InDelta(t, 1.0, w[0], 1e-6)
	assert.InDelta(t, 1.0, w[1], 1e-6)
}

func TestCrossEntropy_UniformLogits(t *testing.T) {
	logits := tensor.New(1, 2, 4)
	loss, grad := train.CrossEntropy(logits, []int{0, 1, 1, 0}, []float32{0.3, 1.7})
	assert.InDelta(t, math.Ln2, loss, 1e-9)
	assert.Equal(t, []int{1, 2, 4}, grad.Shape)
}

func TestCrossEntropy_WeightedMean(t *testing.T) {
	// Two points: class-0 target with logit gap 1, class-1 target with gap 2.
	logits := tensor.FromData([]float32{
		1, 0, // class 0 scores
		0, 2, // class 1 scores
	}, 1, 2, 2)
	w := []float32{0.5, 1.5}
	loss, _ := train.CrossEntropy(logits, []int{0, 1}, w)

	nll0 := math.Log(1 + math.Exp(-1))
	nll1 := math.Log(1 + math.Exp(-2))
	want := (0.5*nll0 + 1.5*nll1) / 2.0
	assert.InDelta(t, want, loss, 1e-6)
}

func TestCrossEntropy_GradientMatchesFiniteDifference(t *testing.T) {
	logits := tensor.FromData([]float32{0.2, -1.1, 0.7, 0.4, 0.9, -0.3, 0.1, 1.2, -0.5}, 1, 3, 3)
	labels := []int{2, 0, 1}
	w := []float32{0.7, 1.1, 1.2}
	_, grad := train.CrossEntropy(logits, labels, w)

	const h = 1e-3
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + h
		up, _ := train.CrossEntropy(logits, labels, w)
		logits.Data[i] = orig - h
		down, _ := train.CrossEntropy(logits, labels, w)
		logits.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*h), grad.Data[i], 1e-3, "logit %d", i)
	}
}

func TestCrossEntropy_LabelCountMismatchPanics(t *testing.T) {
	var se *tensor.ShapeError
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.As(err, &se))
	}()
	train.CrossEntropy(tensor.New(1, 2, 4), []int{0, 1}, []float32{1, 1})
}

func TestAdam_FirstStepMovesByLearningRate(t *testing.T) {
	p := &nn.Param{Name: "w", Shape: []int{2}, Value: []float32{1, 1}, Grad: []float32{0.5, -2}}
	buf := &nn.Param{Name: "running_mean", Shape: []int{1}, Value: []float32{3}}
	opt := train.NewAdam([]*nn.Param{p, buf}, train.DefaultAdamConfig())
	opt.Step()
	assert.Equal(t, 1, opt.Steps())
	assert.InDelta(t, 1-1e-3, p.Value[0], 1e-6)
	assert.InDelta(t, 1+1e-3, p.Value[1], 1e-6)
	assert.Equal(t, float32(3), buf.Value[0], "buffers are not optimized")

	opt.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Grad)
}

func TestIoUMeter(t *testing.T) {
	// P = {1,2,3}, G = {2,3,4} over points 0..5.
	pred := tensor.Indices{Shape: []int{1, 6}, Data: []int{0, 1, 1, 1, 0, 0}}
	labels := []int{0, 0, 1, 1, 1, 0}
	m := train.IoUMeter{Class: 1}
	m.Add(pred, labels)
	assert.Equal(t, int64(2), m.Intersection)
	assert.Equal(t, int64(4), m.Union)
	assert.InDelta(t, 0.5, m.IoU(), 1e-12)

	m.Reset()
	m.Add(tensor.Indices{Shape: []int{1, 2}, Data: []int{0, 0}}, []int{0, 0})
	assert.Equal(t, 0.0, m.IoU())
}

func TestOverfitSingleBatch_LossDecreases(t *testing.T) {
	cfg := testutil.SmallNetworkConfig()
	cfg.Dropout = 0
	net, err := pointnet.NewNetwork(cfg, nil)
	require.NoError(t, err)

	xyz := testutil.GridCloud(2, cfg.NumPoints)
	labels := append(testutil.AlternatingLabels(cfg.NumPoints), testutil.AlternatingLabels(cfg.NumPoints)...)
	weights := []float32{1, 1}
	adam := train.DefaultAdamConfig()
	adam.LR = 1e-2
	opt := train.NewAdam(net.Parameters(), adam)
	run := pointnet.RunOptions{Mode: nn.Train, Start: pointops.FixedStart(0)}

	var first, last float64
	for step := 0; step < 40; step++ {
		opt.ZeroGrad()
		logits, tr := net.Forward(xyz, run)
		loss, dLogits := train.CrossEntropy(logits, labels, weights)
		net.Backward(tr, dLogits)
		opt.Step()
		if step == 0 {
			first = loss
		}
		last = loss
	}
	assert.Less(t, last, first)
}

type memRecorder struct{ epochs []runstore.Epoch }

func (r *memRecorder) RecordEpoch(_ context.Context, e runstore.Epoch) error {
	r.epochs = append(r.epochs, e)
	return nil
}

func newTrainer(t *testing.T, epochs int) (*train.Trainer, *fsutil.MemoryFileSystem, *memRecorder) {
	t.Helper()
	t.Cleanup(monitoring.SetLogger(t.Logf))

	fsys := fsutil.NewMemoryFileSystem()
	n := testutil.SmallNetworkConfig().NumPoints
	trainList := testutil.WriteSampleSet(t, fsys, "data", "train.txt", 5, n)
	valList := testutil.WriteSampleSet(t, fsys, "data", "val.txt", 3, n)

	trainDS, err := dataset.Open(fsys, trainList, "data", dataset.Options{NumPoints: n, HasLabel: true, Augment: dataset.DefaultAugmentation()})
	require.NoError(t, err)
	valDS, err := dataset.Open(fsys, valList, "data", dataset.Options{NumPoints: n, HasLabel: true})
	require.NoError(t, err)

	rec := &memRecorder{}
	return &train.Trainer{
		Net:   testutil.NewSmallNetwork(t, 11),
		Train: trainDS,
		Val:   valDS,
		FS:    fsys,
		Opts: train.Options{
			Epochs:    epochs,
			BatchSize: 2,
			Seed:      3,
			SaveDir:   "outputs/ckpts",
			Precision: checkpoint.Float32,
			Adam:      train.DefaultAdamConfig(),
		},
		Recorder: rec,
		RunID:    "run-1",
	}, fsys, rec
}

func TestTrainer_RunsEpochsAndKeepsBest(t *testing.T) {
	tr, fsys, rec := newTrainer(t, 3)
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	clock.Step = time.Second
	tr.Clock = clock
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.Epochs, 3)
	require.Len(t, rec.epochs, 3)
	best := 0.0
	for i, e := range sum.Epochs {
		assert.Equal(t, i+1, e.Epoch)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, time.Second, e.Duration)
		assert.False(t, math.IsNaN(e.TrainLoss))
		assert.GreaterOrEqual(t, e.ValLesionIoU, 0.0)
		assert.LessOrEqual(t, e.ValLesionIoU, 1.0)
		// Saved exactly when strictly better than everything before.
		assert.Equal(t, e.ValLesionIoU > best, e.Saved, "epoch %d", e.Epoch)
		if e.Saved {
			best = e.ValLesionIoU
		}
	}
	assert.Equal(t, best, sum.BestIoU)
	assert.True(t, fsys.Exists("outputs/ckpts/curves.png"))
	assert.True(t, fsys.Exists("outputs/ckpts/report.html"))

	if sum.BestEpoch > 0 {
		ck, err := checkpoint.Load(fsys, sum.CheckpointPath)
		require.NoError(t, err)
		assert.Equal(t, sum.BestEpoch, ck.Epoch)
		assert.Equal(t, sum.BestIoU, ck.ValLesionIoU)
	} else {
		assert.False(t, fsys.Exists("outputs/ckpts/best_model.npz"))
	}
}

func TestTrainer_StopsOnCancel(t *testing.T) {
	tr, _, rec := newTrainer(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Epochs)
	assert.Empty(t, rec.epochs)
}

func TestTrainer_BatchLargerThanDataset(t *testing.T) {
	tr, _, _ := newTrainer(t, 1)
	tr.Opts.BatchSize = 16
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Epochs, 1)
	assert.Equal(t, 0.0, sum.Epochs[0].TrainLoss)
}
