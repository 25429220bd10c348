package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/banshee-data/lesionseg/internal/checkpoint"
	"github.com/banshee-data/lesionseg/internal/dataset"
	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/report"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/timeutil"
)

// Output file names inside Options.SaveDir.
const (
	BestCheckpointName = "best_model.npz"
	CurvesName         = "curves.png"
	ReportName         = "report.html"
)

// EpochRecorder persists epoch results. *runstore.Store implements it.
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, e runstore.Epoch) error
}

// Options configure a Trainer.
type Options struct {
	Epochs    int
	BatchSize int
	Seed      uint64
	SaveDir   string
	Precision checkpoint.Precision
	Adam      AdamConfig
}

// Trainer runs the epoch loop for one network.
type Trainer struct {
	Net   *pointnet.Network
	Train *dataset.Dataset
	Val   *dataset.Dataset
	FS    fsutil.FileSystem
	Opts  Options

	// Recorder and RunID are optional.
	Recorder EpochRecorder
	RunID    string
	// Clock times epochs; nil means the wall clock.
	Clock timeutil.Clock
}

// Summary describes a finished (or cancelled) run.
type Summary struct {
	Epochs         []runstore.Epoch
	BestEpoch      int
	BestIoU        float64
	CheckpointPath string
}

// Run trains for Opts.Epochs epochs. After each epoch the validation
// lesion IoU is computed and the checkpoint is saved when it strictly
// improves on the best so far. Cancelling ctx stops between batches and
// returns the summary so far with ctx.Err().
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	numClasses := t.Net.Config().NumClasses

	counts, err := t.Train.LabelCounts(numClasses)
	if err != nil {
		return sum, fmt.Errorf("counting labels: %w", err)
	}
	weights := ClassWeights(counts)
	monitoring.Logf("[train] class counts %v", counts)
	monitoring.Logf("[train] class weights %v", weights)

	opt := NewAdam(t.Net.Parameters(), t.Opts.Adam)
	rng := rand.New(rand.NewPCG(t.Opts.Seed, t.Opts.Seed^0x5eed))
	bestPath := filepath.Join(t.Opts.SaveDir, BestCheckpointName)
	clock := t.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	for ep := 1; ep <= t.Opts.Epochs; ep++ {
		started := clock.Now()
		loss, err := t.trainEpoch(ctx, ep, opt, weights, rng)
		if err != nil {
			return t.finish(sum), err
		}
		monitoring.Logf("[%d/%d] train loss=%.4f", ep, t.Opts.Epochs, loss)

		iou, err := t.validate(ctx, rng)
		if err != nil {
			return t.finish(sum), err
		}
		monitoring.Logf("          val lesion IoU=%.4f", iou)

		rec := runstore.Epoch{RunID: t.RunID, Epoch: ep, TrainLoss: loss, ValLesionIoU: iou}
		if iou > sum.BestIoU {
			if err := checkpoint.Save(t.FS, bestPath, t.Net, ep, iou, t.Opts.Precision); err != nil {
				return t.finish(sum), err
			}
			sum.BestIoU, sum.BestEpoch, sum.CheckpointPath = iou, ep, bestPath
			rec.Saved = true
			monitoring.Logf("          saved best -> %s", bestPath)
		}
		rec.Duration = clock.Since(started)
		rec.RecordedAt = clock.Now()
		sum.Epochs = append(sum.Epochs, rec)
		monitoring.ObserveEpoch(loss, iou)

		if t.Recorder != nil && t.RunID != "" {
			if err := t.Recorder.RecordEpoch(ctx, rec); err != nil {
				monitoring.Logf("[train] failed to record epoch %d: %v", ep, err)
			}
		}
	}
	return t.finish(sum), nil
}

// trainEpoch runs one pass over shuffled full batches and returns the mean
// batch loss.
func (t *Trainer) trainEpoch(ctx context.Context, ep int, opt *Adam, weights []float32, rng *rand.Rand) (float64, error) {
	batches := t.Train.Batches(t.Opts.BatchSize, rng, true)
	if len(batches) == 0 {
		monitoring.Logf("[train] epoch %d: %d samples is fewer than batch size %d, no updates", ep, t.Train.Len(), t.Opts.BatchSize)
		return 0, nil
	}
	var total float64
	for bi, idx := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := t.Train.LoadBatch(ctx, idx, batchSeed(t.Opts.Seed, ep, bi))
		if err != nil {
			return 0, err
		}
		opt.ZeroGrad()
		logits, tr := t.Net.Forward(batch.XYZ, pointnet.RunOptions{Mode: nn.Train, RNG: rng})
		loss, dLogits := CrossEntropy(logits, batch.Labels, weights)
		t.Net.Backward(tr, dLogits)
		opt.Step()
		total += loss
	}
	return total / float64(len(batches)), nil
}

// validate returns the lesion IoU over every validation point.
func (t *Trainer) validate(ctx context.Context, rng *rand.Rand) (float64, error) {
	meter := IoUMeter{Class: pointnet.LesionClass}
	for _, idx := range t.Val.Batches(t.Opts.BatchSize, nil, false) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := t.Val.LoadBatch(ctx, idx, 0)
		if err != nil {
			return 0, err
		}
		pred := t.Net.Predict(batch.XYZ, pointnet.RunOptions{RNG: rng})
		meter.Add(pred, batch.Labels)
	}
	return meter.IoU(), nil
}

// finish writes the curve artifacts for whatever epochs completed.
func (t *Trainer) finish(sum Summary) Summary {
	if len(sum.Epochs) == 0 {
		return sum
	}
	png := filepath.Join(t.Opts.SaveDir, CurvesName)
	if err := report.WriteCurvesPNG(t.FS, png, sum.Epochs); err != nil {
		monitoring.Logf("[train] failed to write %s: %v", png, err)
	}
	run := report.LocalRun(sum.Epochs)
	run.ID = t.RunID
	html := filepath.Join(t.Opts.SaveDir, ReportName)
	if err := report.WriteDashboardHTML(t.FS, html, run, sum.Epochs); err != nil && !errors.Is(err, report.ErrNoEpochs) {
		monitoring.Logf("[train] failed to write %s: %v", html, err)
	}
	return sum
}

func batchSeed(seed uint64, epoch, batch int) uint64 {
	return seed ^ uint64(epoch)<<32 ^ uint64(batch)
}
