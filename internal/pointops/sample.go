package pointops

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// initialDistance seeds the running nearest-centroid distance.
const initialDistance = 1e10

// StartPicker chooses the first centroid for batch element b of a cloud
// with n points.
type StartPicker func(b, n int) int

// RandomStart draws each start point uniformly from rng. The returned
// picker is not safe for concurrent use because rng is not.
func RandomStart(rng *rand.Rand) StartPicker {
	return func(_, n int) int { return rng.IntN(n) }
}

// FixedStart always starts from point i, clamped into range.
func FixedStart(i int) StartPicker {
	return func(_, n int) int {
		if i >= n {
			return n - 1
		}
		return i
	}
}

// FarthestPointSample greedily picks npoint centroids from xyz [B, N, 3]:
// each new centroid is the point farthest from its nearest already chosen
// centroid. It returns a [B, npoint] index tensor of distinct indices.
//
// Work is O(npoint*N) per batch element. Chosen points are retired from
// the candidate set, so clouds with duplicate coordinates still yield
// distinct indices; ties go to the lowest index.
func FarthestPointSample(xyz tensor.Tensor, npoint int, start StartPicker) tensor.Indices {
	tensor.MustShape("fps points", xyz, tensor.Any, tensor.Any, 3)
	b, n := xyz.Dim(0), xyz.Dim(1)
	if npoint > n || npoint <= 0 {
		panic(fmt.Sprintf("pointops: cannot sample %d centroids from %d points", npoint, n))
	}

	out := tensor.NewIndices(b, npoint)
	distance := make([]float32, n)
	for bi := 0; bi < b; bi++ {
		pts := xyz.Data[bi*n*3 : (bi+1)*n*3]
		for i := range distance {
			distance[i] = initialDistance
		}

		farthest := start(bi, n)
		for i := 0; i < npoint; i++ {
			out.Data[bi*npoint+i] = farthest
			distance[farthest] = -1

			cx, cy, cz := pts[farthest*3], pts[farthest*3+1], pts[farthest*3+2]
			best, bestDist := -1, float32(-1)
			for j := 0; j < n; j++ {
				if distance[j] < 0 {
					continue
				}
				dx := pts[j*3] - cx
				dy := pts[j*3+1] - cy
				dz := pts[j*3+2] - cz
				d := dx*dx + dy*dy + dz*dz
				if d < distance[j] {
					distance[j] = d
				}
				if distance[j] > bestDist {
					best, bestDist = j, distance[j]
				}
			}
			farthest = best
		}
	}
	return out
}
