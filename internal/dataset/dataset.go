// Package dataset loads labelled point-cloud samples listed in a text file
// and assembles them into network-ready batches.
package dataset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/npz"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Sample is one cloud with its per-point labels.
type Sample struct {
	// Points is row-major [N, 3].
	Points []float32
	Labels []int
}

// Options configure a Dataset.
type Options struct {
	NumPoints int
	// HasLabel reads the "label" array; otherwise every label is 0.
	HasLabel bool
	// Augment is applied on every load when non-nil.
	Augment *Augmentation
}

// Dataset is a list of .npz sample files under a root directory.
type Dataset struct {
	fsys  fsutil.FileSystem
	root  string
	files []string
	opts  Options
}

// ReadList returns the non-blank, trimmed lines of a list file.
func ReadList(fsys fsutil.FileSystem, path string) ([]string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", path, err)
	}
	var files []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if ln := strings.TrimSpace(sc.Text()); ln != "" {
			files = append(files, ln)
		}
	}
	return files, sc.Err()
}

// Open reads the list file and returns a dataset over its entries, which
// are resolved relative to root.
func Open(fsys fsutil.FileSystem, listPath, root string, opts Options) (*Dataset, error) {
	files, err := ReadList(fsys, listPath)
	if err != nil {
		return nil, err
	}
	return New(fsys, root, files, opts), nil
}

// New returns a dataset over explicit file names.
func New(fsys fsutil.FileSystem, root string, files []string, opts Options) *Dataset {
	return &Dataset{fsys: fsys, root: root, files: files, opts: opts}
}

// Len is the sample count.
func (d *Dataset) Len() int { return len(d.files) }

// Path returns the resolved path of sample i.
func (d *Dataset) Path(i int) string { return filepath.Join(d.root, d.files[i]) }

// Load reads sample i. A cloud that is not [NumPoints, 3], or a label
// array of the wrong length, is reported as a *tensor.ShapeError. rng
// drives augmentation and may be nil when augmentation is off.
func (d *Dataset) Load(i int, rng *rand.Rand) (Sample, error) {
	path := d.Path(i)
	ar, err := npz.Load(d.fsys, path)
	if err != nil {
		return Sample{}, err
	}
	xyzArr, err := ar.Get("xyz")
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := tensor.CheckShape("xyz", xyzArr.Shape, d.opts.NumPoints, 3); err != nil {
		return Sample{}, fmt.Errorf("%s: %w", path, err)
	}
	pts, err := xyzArr.Float32s()
	if err != nil {
		return Sample{}, fmt.Errorf("%s: xyz: %w", path, err)
	}

	labels := make([]int, d.opts.NumPoints)
	if d.opts.HasLabel {
		labelArr, err := ar.Get("label")
		if err != nil {
			return Sample{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := tensor.CheckShape("label", labelArr.Shape, d.opts.NumPoints); err != nil {
			return Sample{}, fmt.Errorf("%s: %w", path, err)
		}
		raw, err := labelArr.Int64s()
		if err != nil {
			return Sample{}, fmt.Errorf("%s: label: %w", path, err)
		}
		for j, v := range raw {
			labels[j] = int(v)
		}
	}

	if d.opts.Augment != nil {
		d.opts.Augment.Apply(pts, rng)
	}
	return Sample{Points: pts, Labels: labels}, nil
}

// LabelCounts tallies labels over every sample. Labels outside
// [0, numClasses) are an error.
func (d *Dataset) LabelCounts(numClasses int) ([]int64, error) {
	counts := make([]int64, numClasses)
	for i := range d.files {
		s, err := d.Load(i, rand.New(rand.NewPCG(0, uint64(i))))
		if err != nil {
			return nil, err
		}
		for j, v := range s.Labels {
			if v < 0 || v >= numClasses {
				return nil, fmt.Errorf("%s: label %d at point %d outside [0,%d)", d.Path(i), v, j, numClasses)
			}
			counts[v]++
		}
	}
	return counts, nil
}

// Batches splits the sample order into batches of size batchSize. The
// order is shuffled when rng is non-nil; a short final batch is dropped
// when dropLast is set.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand, dropLast bool) [][]int {
	order := make([]int, len(d.files))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out [][]int
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			if dropLast {
				break
			}
			end = len(order)
		}
		out = append(out, order[start:end])
	}
	return out
}

// Batch is a stacked set of samples.
type Batch struct {
	// XYZ is channel-first [B, 3, N].
	XYZ tensor.Tensor
	// Labels is row-major [B, N].
	Labels []int
}

// Size is the batch size.
func (b Batch) Size() int { return b.XYZ.Dim(0) }

// LoadBatch loads the given samples concurrently and stacks them. seed
// derives an independent augmentation stream per sample so results do not
// depend on goroutine scheduling.
func (d *Dataset) LoadBatch(ctx context.Context, indices []int, seed uint64) (Batch, error) {
	n := d.opts.NumPoints
	stacked := tensor.New(len(indices), n, 3)
	labels := make([]int, len(indices)*n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for slot, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := d.Load(idx, rand.New(rand.NewPCG(seed, uint64(idx))))
			if err != nil {
				return err
			}
			copy(stacked.Data[slot*n*3:(slot+1)*n*3], s.Points)
			copy(labels[slot*n:(slot+1)*n], s.Labels)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{XYZ: tensor.ChannelsFirst(stacked), Labels: labels}, nil
}
