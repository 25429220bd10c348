package pointnet

import (
	"errors"
	"fmt"
)

// Standard topology constants.
const (
	// NumPoints is the fixed cloud size every network input must have.
	NumPoints = 8192
	// NumClasses is background plus lesion.
	NumClasses = 2
	// LesionClass is the label of lesion points.
	LesionClass = 1
)

// SAConfig describes one set abstraction stage.
type SAConfig struct {
	NPoint int   `json:"npoint" yaml:"npoint"`
	K      int   `json:"k" yaml:"k"`
	MLP    []int `json:"mlp" yaml:"mlp"`
	UseXYZ bool  `json:"use_xyz" yaml:"use_xyz"`
}

// FPConfig describes one feature propagation stage.
type FPConfig struct {
	MLP []int `json:"mlp" yaml:"mlp"`
}

// Config is the static topology of a Network. SA[0] is the shallowest
// abstraction; FP[i] propagates into the point set SA[i] consumed, so FP[2]
// runs first and FP[0] restores the input resolution.
type Config struct {
	NumPoints    int         `json:"num_points" yaml:"num_points"`
	NumClasses   int         `json:"num_classes" yaml:"num_classes"`
	SA           [3]SAConfig `json:"sa" yaml:"sa"`
	FP           [3]FPConfig `json:"fp" yaml:"fp"`
	HeadChannels int         `json:"head_channels" yaml:"head_channels"`
	Dropout      float64     `json:"dropout" yaml:"dropout"`
}

// DefaultConfig returns the 8192 -> 2048 -> 512 -> 128 topology.
func DefaultConfig() Config {
	return Config{
		NumPoints:  NumPoints,
		NumClasses: NumClasses,
		SA: [3]SAConfig{
			{NPoint: 2048, K: 32, MLP: []int{3, 64, 64, 128}, UseXYZ: true},
			{NPoint: 512, K: 32, MLP: []int{128 + 3, 128, 128, 256}, UseXYZ: true},
			{NPoint: 128, K: 32, MLP: []int{256 + 3, 256, 256, 512}, UseXYZ: true},
		},
		FP: [3]FPConfig{
			{MLP: []int{128, 128, 128, 128}},
			{MLP: []int{256 + 128, 256, 128}},
			{MLP: []int{512 + 256, 256, 256}},
		},
		HeadChannels: 128,
		Dropout:      0.5,
	}
}

func last(ch []int) int { return ch[len(ch)-1] }

// Validate checks that every stage's declared input width matches what the
// previous stage produces, and that point counts shrink level by level.
func (c Config) Validate() error {
	var errs []error
	if c.NumPoints <= 0 {
		errs = append(errs, fmt.Errorf("num_points must be positive, got %d", c.NumPoints))
	}
	if c.NumClasses < 2 {
		errs = append(errs, fmt.Errorf("num_classes must be at least 2, got %d", c.NumClasses))
	}
	if c.HeadChannels <= 0 {
		errs = append(errs, fmt.Errorf("head_channels must be positive, got %d", c.HeadChannels))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("dropout must be in [0,1), got %v", c.Dropout))
	}
	for i := range c.SA {
		if len(c.SA[i].MLP) < 2 {
			errs = append(errs, fmt.Errorf("sa%d: mlp needs at least two widths, got %v", i+1, c.SA[i].MLP))
		}
	}
	for i := range c.FP {
		if len(c.FP[i].MLP) < 2 {
			errs = append(errs, fmt.Errorf("fp%d: mlp needs at least two widths, got %v", i+1, c.FP[i].MLP))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	points, features := c.NumPoints, 0
	for i, sa := range c.SA {
		if sa.NPoint <= 0 || sa.NPoint > points {
			errs = append(errs, fmt.Errorf("sa%d: npoint %d must be in [1,%d]", i+1, sa.NPoint, points))
		}
		if sa.K <= 0 || sa.K > points {
			errs = append(errs, fmt.Errorf("sa%d: k %d must be in [1,%d]", i+1, sa.K, points))
		}
		want := features
		if sa.UseXYZ || features == 0 {
			want += 3
		}
		if sa.MLP[0] != want {
			errs = append(errs, fmt.Errorf("sa%d: mlp input width %d, previous stage provides %d", i+1, sa.MLP[0], want))
		}
		points, features = sa.NPoint, last(sa.MLP)
	}

	// FP[i] fuses the skip features of level i (none at the input level)
	// with the propagated features from level i+1.
	for i := len(c.FP) - 1; i >= 0; i-- {
		sparse := last(c.SA[i].MLP)
		if i+1 < len(c.FP) {
			sparse = last(c.FP[i+1].MLP)
		}
		skip := 0
		if i > 0 {
			skip = last(c.SA[i-1].MLP)
		}
		if c.FP[i].MLP[0] != skip+sparse {
			errs = append(errs, fmt.Errorf("fp%d: mlp input width %d, expected %d skip + %d propagated", i+1, c.FP[i].MLP[0], skip, sparse))
		}
	}
	return errors.Join(errs...)
}
