package train

import (
	"math"

	"github.com/banshee-data/lesionseg/internal/nn"
)

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LR, Beta1, Beta2, Epsilon float64
}

// DefaultAdamConfig returns lr 1e-3, betas (0.9, 0.999), eps 1e-8.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Adam is the bias-corrected Adam optimizer over a fixed parameter list.
type Adam struct {
	cfg    AdamConfig
	params []*nn.Param
	m, v   [][]float32
	step   int
}

// NewAdam tracks the trainable entries of params.
func NewAdam(params []*nn.Param, cfg AdamConfig) *Adam {
	a := &Adam{cfg: cfg}
	for _, p := range params {
		if !p.Trainable() {
			continue
		}
		a.params = append(a.params, p)
		a.m = append(a.m, make([]float32, len(p.Value)))
		a.v = append(a.v, make([]float32, len(p.Value)))
	}
	return a
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(a.step))
	c2 := 1 - math.Pow(b2, float64(a.step))
	stepSize := a.cfg.LR / c1
	sqrtC2 := math.Sqrt(c2)
	for pi, p := range a.params {
		m, v := a.m[pi], a.v[pi]
		for i, g := range p.Grad {
			gd := float64(g)
			mi := b1*float64(m[i]) + (1-b1)*gd
			vi := b2*float64(v[i]) + (1-b2)*gd*gd
			m[i], v[i] = float32(mi), float32(vi)
			denom := math.Sqrt(vi)/sqrtC2 + a.cfg.Epsilon
			p.Value[i] -= float32(stepSize * mi / denom)
		}
	}
}

// ZeroGrad clears the gradients of every tracked parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}
