// Package inference wraps a trained network for serving: checkpoint
// loading and hot reload, decoding of request archives and the label
// outputs consumed by downstream tools.
package inference

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/lesionseg/internal/checkpoint"
	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/pointops"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// PredictionRecorder logs served predictions. *runstore.Store implements it.
type PredictionRecorder interface {
	RecordPrediction(ctx context.Context, p runstore.Prediction) (string, error)
}

// Options configure a Predictor.
type Options struct {
	// Seed pins the farthest point sampling starts so repeated requests give
	// identical labels. Nil draws fresh starts per call.
	Seed *uint64
	// Recorder is optional.
	Recorder PredictionRecorder
}

// Predictor serves Eval-mode predictions from one network. Predictions
// share a read lock; Reload takes the write lock.
type Predictor struct {
	fsys fsutil.FileSystem
	opts Options

	mu   sync.RWMutex
	net  *pointnet.Network
	ckpt string
}

// New wraps net, which the caller must not mutate afterwards.
func New(fsys fsutil.FileSystem, net *pointnet.Network, opts Options) *Predictor {
	return &Predictor{fsys: fsys, net: net, opts: opts}
}

// Open builds a network for cfg and loads ckptPath into it. An empty
// ckptPath keeps the random initial parameters, which is only useful for
// exercising the I/O path.
func Open(fsys fsutil.FileSystem, cfg pointnet.Config, ckptPath string, opts Options) (*Predictor, error) {
	net, err := pointnet.NewNetwork(cfg, nil)
	if err != nil {
		return nil, err
	}
	p := New(fsys, net, opts)
	if ckptPath == "" {
		monitoring.Logf("[inference] no checkpoint given, using random parameters (I/O smoke test)")
		return p, nil
	}
	if err := p.Reload(ckptPath); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload applies the checkpoint at path. On error the current parameters
// stay in place.
func (p *Predictor) Reload(path string) error {
	ck, err := checkpoint.Load(p.fsys, path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ck.Apply(p.net); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	p.ckpt = path
	monitoring.Logf("[inference] loaded %s (epoch %d, val lesion IoU %.4f)", path, ck.Epoch, ck.ValLesionIoU)
	return nil
}

// Checkpoint is the path of the loaded checkpoint, empty for random
// parameters.
func (p *Predictor) Checkpoint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ckpt
}

// NumPoints is the cloud size the network accepts.
func (p *Predictor) NumPoints() int { return p.net.Config().NumPoints }

// Predict labels every point of xyz [B, 3, NumPoints], returning [B, N].
// A malformed cloud yields a *tensor.ShapeError.
func (p *Predictor) Predict(xyz tensor.Tensor) (tensor.Indices, error) {
	if err := p.net.CheckCloud(xyz); err != nil {
		return tensor.Indices{}, err
	}
	opts := pointnet.RunOptions{}
	if p.opts.Seed != nil {
		rng := rand.New(rand.NewPCG(*p.opts.Seed, *p.opts.Seed))
		opts.RNG = rng
		opts.Start = pointops.RandomStart(rng)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.net.Predict(xyz, opts), nil
}

// Result is the outcome of one segmentation.
type Result struct {
	Points       []float32
	Labels       []uint8
	LesionPoints int
	Duration     time.Duration
}

// Segment decodes an .npz request body, labels its cloud and reports the
// prediction to metrics and the recorder. source names the request for
// the prediction log.
func (p *Predictor) Segment(ctx context.Context, body []byte, transport, source string) (Result, error) {
	started := time.Now()
	pts, xyz, err := DecodeCloud(body, p.NumPoints())
	if err != nil {
		return Result{}, err
	}
	pred, err := p.Predict(xyz)
	if err != nil {
		return Result{}, err
	}
	labels := pointnet.Labels(pred, 0)
	res := Result{
		Points:       pts,
		Labels:       labels,
		LesionPoints: CountLesion(labels),
		Duration:     time.Since(started),
	}
	monitoring.ObservePrediction(transport, res.Duration.Seconds(), res.LesionPoints)

	if p.opts.Recorder != nil {
		_, err := p.opts.Recorder.RecordPrediction(ctx, runstore.Prediction{
			Transport:      transport,
			Source:         source,
			CheckpointPath: p.Checkpoint(),
			NumPoints:      len(labels),
			LesionPoints:   res.LesionPoints,
			DurationMS:     float64(res.Duration.Microseconds()) / 1000,
		})
		if err != nil {
			monitoring.Logf("[inference] failed to record prediction: %v", err)
		}
	}
	return res, nil
}

// CountLesion counts points labelled as lesion.
func CountLesion(labels []uint8) int {
	n := 0
	for _, l := range labels {
		if int(l) == pointnet.LesionClass {
			n++
		}
	}
	return n
}
