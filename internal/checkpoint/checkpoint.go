// Package checkpoint persists network parameters and running statistics
// together with the epoch and validation score they were saved at.
//
// A checkpoint is an .npz archive with one array per named tensor
// ("sa1.mlp.net.0.weight", "cls.1.running_var", ...) plus scalar "epoch"
// and "val_lesion_iou" entries.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/nn"
	"github.com/banshee-data/lesionseg/internal/npz"
)

// ErrParamMismatch is returned when a checkpoint does not fit a network.
var ErrParamMismatch = errors.New("checkpoint does not match network")

const (
	epochKey = "epoch"
	iouKey   = "val_lesion_iou"
)

// Precision selects how tensors are stored.
type Precision string

const (
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

// ParsePrecision validates a precision name.
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case Float32, Float16:
		return p, nil
	}
	return "", fmt.Errorf("unknown checkpoint precision %q (want float32 or float16)", s)
}

// Stateful is anything whose full state is a list of named tensors.
type Stateful interface {
	State() []*nn.Param
}

// Checkpoint is a loaded bundle.
type Checkpoint struct {
	Epoch        int
	ValLesionIoU float64
	tensors      map[string]tensorEntry
}

type tensorEntry struct {
	shape []int
	data  []float32
}

// Names lists the stored tensor names, sorted.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.tensors))
	for n := range c.tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Encode renders the state of m as an archive.
func Encode(m Stateful, epoch int, iou float64, prec Precision) *npz.Archive {
	ar := npz.NewArchive()
	for _, p := range m.State() {
		if prec == Float16 {
			ar.Set(p.Name, npz.FromFloat32AsHalf(p.Value, p.Shape...))
		} else {
			ar.Set(p.Name, npz.FromFloat32(p.Value, p.Shape...))
		}
	}
	ar.Set(epochKey, npz.FromInt64([]int64{int64(epoch)}))
	ar.Set(iouKey, npz.FromFloat64([]float64{iou}))
	return ar
}

// Save writes the state of m to path.
func Save(fsys fsutil.FileSystem, path string, m Stateful, epoch int, iou float64, prec Precision) error {
	if err := npz.Save(fsys, path, Encode(m, epoch, iou, prec)); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Decode reads a checkpoint from an archive.
func Decode(ar *npz.Archive) (*Checkpoint, error) {
	c := &Checkpoint{tensors: make(map[string]tensorEntry)}
	for _, name := range ar.Names() {
		a, _ := ar.Get(name)
		switch name {
		case epochKey:
			v, err := a.Int64s()
			if err != nil || len(v) != 1 {
				return nil, fmt.Errorf("checkpoint epoch: want one integer, got %v (%v)", a.Shape, err)
			}
			c.Epoch = int(v[0])
		case iouKey:
			v, err := a.Float64s()
			if err != nil || len(v) != 1 {
				return nil, fmt.Errorf("checkpoint score: want one float, got %v (%v)", a.Shape, err)
			}
			c.ValLesionIoU = v[0]
		default:
			data, err := a.Float32s()
			if err != nil {
				return nil, fmt.Errorf("checkpoint tensor %s: %w", name, err)
			}
			c.tensors[name] = tensorEntry{shape: a.Shape, data: data}
		}
	}
	return c, nil
}

// Load reads the checkpoint at path.
func Load(fsys fsutil.FileSystem, path string) (*Checkpoint, error) {
	ar, err := npz.Load(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	c, err := Decode(ar)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Apply copies stored tensors into m. Every tensor m declares must be
// present with the same shape and the checkpoint must hold nothing else;
// otherwise m is left untouched and the error wraps ErrParamMismatch.
func (c *Checkpoint) Apply(m Stateful) error {
	state := m.State()
	var problems []string
	seen := make(map[string]bool, len(state))
	for _, p := range state {
		seen[p.Name] = true
		e, ok := c.tensors[p.Name]
		switch {
		case !ok:
			problems = append(problems, "missing "+p.Name)
		case !slices.Equal(e.shape, p.Shape):
			problems = append(problems, fmt.Sprintf("%s has shape %v, network expects %v", p.Name, e.shape, p.Shape))
		}
	}
	for _, name := range c.Names() {
		if !seen[name] {
			problems = append(problems, "unexpected "+name)
		}
	}
	if len(problems) > 0 {
		if len(problems) > 5 {
			problems = append(problems[:5], fmt.Sprintf("and %d more", len(problems)-5))
		}
		return fmt.Errorf("%w: %v", ErrParamMismatch, problems)
	}
	for _, p := range state {
		copy(p.Value, c.tensors[p.Name].data)
	}
	return nil
}
