package dataset

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
)

// Augmentation rotates a cloud about the Z axis by a uniform random angle
// and adds clipped Gaussian jitter to every coordinate.
type Augmentation struct {
	Sigma float64
	Clip  float64
}

// DefaultAugmentation matches the training defaults.
func DefaultAugmentation() *Augmentation {
	return &Augmentation{Sigma: 0.01, Clip: 0.05}
}

var zAxis = r3.Vec{Z: 1}

// Apply modifies pts ([N, 3] row-major) in place.
func (a *Augmentation) Apply(pts []float32, rng *rand.Rand) {
	rot := r3.NewRotation(rng.Float64()*2*math.Pi, zAxis)
	for i := 0; i+2 < len(pts); i += 3 {
		v := rot.Rotate(r3.Vec{X: float64(pts[i]), Y: float64(pts[i+1]), Z: float64(pts[i+2])})
		pts[i] = float32(v.X) + a.jitter(rng)
		pts[i+1] = float32(v.Y) + a.jitter(rng)
		pts[i+2] = float32(v.Z) + a.jitter(rng)
	}
}

func (a *Augmentation) jitter(rng *rand.Rand) float32 {
	j := a.Sigma * rng.NormFloat64()
	return float32(math.Max(-a.Clip, math.Min(a.Clip, j)))
}
