package pointio

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// TargetPoints is the cloud size the network consumes.
const TargetPoints = 8192

// DefaultSeed is used when no sampling seed is given.
const DefaultSeed = 0

// ErrNoPoints is returned when a cloud with no valid points is normalized.
var ErrNoPoints = errors.New("no valid points to sample from")

// FixCount resamples pts to exactly target points: uniformly without
// replacement when there are more, with replacement when there are fewer,
// and unchanged when the count already matches. It also returns the source
// index of every output point. The same seed always gives the same result.
func FixCount(pts []r3.Vec, target int, seed uint64) ([]r3.Vec, []int, error) {
	n := len(pts)
	if n == 0 {
		return nil, nil, ErrNoPoints
	}

	idx := make([]int, target)
	switch {
	case n == target:
		for i := range idx {
			idx[i] = i
		}
	case n > target:
		sampleuv.WithoutReplacement(idx, n, rand.NewPCG(seed, seed))
	default:
		rng := rand.New(rand.NewPCG(seed, seed))
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
	}

	out := make([]r3.Vec, target)
	for i, j := range idx {
		out[i] = pts[j]
	}
	return out, idx, nil
}
