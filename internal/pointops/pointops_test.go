package pointops

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

func randomCloud(rng *rand.Rand, b, n int) tensor.Tensor {
	t := tensor.New(b, n, 3)
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2 - 1)
	}
	return t
}

func sqDist(a, b []float32) float64 {
	var s float64
	for i := 0; i < 3; i++ {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}

func TestSquareDistance_MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	src := randomCloud(rng, 2, 7)
	dst := randomCloud(rng, 2, 5)

	d := SquareDistance(src, dst)
	require.Equal(t, []int{2, 7, 5}, d.Shape)
	for b := 0; b < 2; b++ {
		for i := 0; i < 7; i++ {
			for j := 0; j < 5; j++ {
				want := sqDist(src.Data[(b*7+i)*3:], dst.Data[(b*5+j)*3:])
				assert.InDelta(t, want, d.Data[(b*7+i)*5+j], 1e-5)
			}
		}
	}
}

func TestSquareDistance_HandComputed(t *testing.T) {
	src := tensor.FromData([]float32{0, 0, 0, 1, 2, 2}, 1, 2, 3)
	dst := tensor.FromData([]float32{1, 0, 0}, 1, 1, 3)
	d := SquareDistance(src, dst)
	assert.InDeltaSlice(t, []float32{1, 8}, d.Data, 1e-6)
}

func TestGather_BatchAligned(t *testing.T) {
	points := tensor.FromData([]float32{
		0, 1, 2, 3, // batch 0: two points with two channels
		10, 11, 12, 13, // batch 1
	}, 2, 2, 2)
	idx := tensor.Indices{Shape: []int{2, 3}, Data: []int{1, 0, 1, 0, 0, 1}}

	out := Gather(points, idx)
	require.Equal(t, []int{2, 3, 2}, out.Shape)
	assert.Equal(t, []float32{2, 3, 0, 1, 2, 3, 10, 11, 10, 11, 12, 13}, out.Data)
}

func TestGather_OutOfRangePanics(t *testing.T) {
	points := tensor.New(1, 2, 3)
	idx := tensor.Indices{Shape: []int{1, 1}, Data: []int{2}}
	assert.Panics(t, func() { Gather(points, idx) })
}

func TestScatterAdd_IsAdjointOfGather(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	points := randomCloud(rng, 2, 9)
	idx := tensor.NewIndices(2, 4, 3)
	for i := range idx.Data {
		idx.Data[i] = rng.IntN(9)
	}
	g := tensor.New(2, 4, 3, 3)
	for i := range g.Data {
		g.Data[i] = float32(rng.NormFloat64())
	}

	var lhs, rhs float64
	gathered := Gather(points, idx)
	for i := range g.Data {
		lhs += float64(gathered.Data[i]) * float64(g.Data[i])
	}
	back := ScatterAdd(g, idx, 9)
	for i := range points.Data {
		rhs += float64(points.Data[i]) * float64(back.Data[i])
	}
	assert.InDelta(t, lhs, rhs, 1e-4)
}

func TestTopKSmallest_TiesPreferLowerIndex(t *testing.T) {
	row := []float32{3, 1, 2, 1, 0, 2}
	idx := make([]int, 3)
	vals := make([]float32, 3)
	TopKSmallest(row, 3, idx, vals)
	assert.Equal(t, []int{4, 1, 3}, idx)
	assert.Equal(t, []float32{0, 1, 1}, vals)
}

func TestKNN_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	const b, n, s, k = 2, 64, 10, 8
	ref := randomCloud(rng, b, n)
	query := randomCloud(rng, b, s)

	idx := KNN(k, ref, query)
	require.Equal(t, []int{b, s, k}, idx.Shape)

	for bi := 0; bi < b; bi++ {
		for qi := 0; qi < s; qi++ {
			q := query.Data[(bi*s+qi)*3:]
			all := make([]float64, n)
			for j := 0; j < n; j++ {
				all[j] = sqDist(q, ref.Data[(bi*n+j)*3:])
			}
			sort.Float64s(all)

			got := make([]float64, 0, k)
			seen := map[int]bool{}
			for _, j := range idx.Data[(bi*s+qi)*k : (bi*s+qi+1)*k] {
				require.True(t, j >= 0 && j < n, "index %d out of range", j)
				require.False(t, seen[j], "duplicate neighbour %d", j)
				seen[j] = true
				got = append(got, sqDist(q, ref.Data[(bi*n+j)*3:]))
			}
			sort.Float64s(got)
			if diff := cmp.Diff(all[:k], got, cmp.Comparer(func(a, b float64) bool {
				return math.Abs(a-b) < 1e-5
			})); diff != "" {
				t.Fatalf("batch %d query %d neighbours are not the k nearest (-want +got):\n%s", bi, qi, diff)
			}
		}
	}
}

func TestKNN_AgreesWithKDTree(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	const n, s, k = 200, 16, 5
	ref := randomCloud(rng, 1, n)
	query := randomCloud(rng, 1, s)

	pts := make(kdtree.Points, n)
	for j := 0; j < n; j++ {
		p := ref.Data[j*3 : j*3+3]
		pts[j] = kdtree.Point{float64(p[0]), float64(p[1]), float64(p[2])}
	}
	tree := kdtree.New(pts, false)

	idx := KNN(k, ref, query)
	for qi := 0; qi < s; qi++ {
		q := query.Data[qi*3 : qi*3+3]
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, kdtree.Point{float64(q[0]), float64(q[1]), float64(q[2])})

		var want []float64
		for _, c := range keeper.Heap {
			if c.Comparable != nil {
				want = append(want, c.Dist)
			}
		}
		sort.Float64s(want)

		var got []float64
		for _, j := range idx.Data[qi*k : (qi+1)*k] {
			got = append(got, sqDist(q, ref.Data[j*3:]))
		}
		require.Len(t, want, k)
		assert.InDeltaSlice(t, want, got, 1e-5, "query %d", qi)
	}
}

func TestFarthestPointSample_LineOfPoints(t *testing.T) {
	xyz := tensor.New(1, 10, 3)
	for i := 0; i < 10; i++ {
		xyz.Data[i*3] = float32(i)
	}
	idx := FarthestPointSample(xyz, 3, FixedStart(0))
	assert.Equal(t, []int{0, 9, 4}, idx.Data)
}

func TestFarthestPointSample_DistinctAndInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	const b, n, s = 3, 300, 64
	xyz := randomCloud(rng, b, n)

	idx := FarthestPointSample(xyz, s, RandomStart(rng))
	require.Equal(t, []int{b, s}, idx.Shape)
	for bi := 0; bi < b; bi++ {
		seen := map[int]bool{}
		for _, j := range idx.Data[bi*s : (bi+1)*s] {
			assert.True(t, j >= 0 && j < n)
			assert.False(t, seen[j], "batch %d repeats index %d", bi, j)
			seen[j] = true
		}
	}
}

func TestFarthestPointSample_DuplicatePointsStayDistinct(t *testing.T) {
	// Every point coincides: a naive argmax would return index 0 forever.
	xyz := tensor.New(1, 6, 3)
	for i := range xyz.Data {
		xyz.Data[i] = 0.5
	}
	idx := FarthestPointSample(xyz, 6, FixedStart(2))
	assert.Equal(t, []int{2, 0, 1, 3, 4, 5}, idx.Data)
}

func TestFarthestPointSample_PinnedSeedIsReproducible(t *testing.T) {
	xyz := randomCloud(rand.New(rand.NewPCG(11, 12)), 2, 128)
	a := FarthestPointSample(xyz, 32, RandomStart(rand.New(rand.NewPCG(42, 42))))
	b := FarthestPointSample(xyz, 32, RandomStart(rand.New(rand.NewPCG(42, 42))))
	assert.Equal(t, a.Data, b.Data)
}

func TestThreeNNWeights_SumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	target := randomCloud(rng, 2, 50)
	source := randomCloud(rng, 2, 12)

	idx, w := ThreeNNWeights(target, source)
	require.Equal(t, []int{2, 50, 3}, idx.Shape)
	require.Equal(t, []int{2, 50, 3}, w.Shape)
	for row := 0; row < 100; row++ {
		var sum float64
		for j := 0; j < 3; j++ {
			v := w.Data[row*3+j]
			assert.True(t, v >= 0 && v <= 1)
			sum += float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestThreeNNWeights_CoincidentPointIsFinite(t *testing.T) {
	source := tensor.FromData([]float32{0, 0, 0, 1, 0, 0, 0, 1, 0, 5, 5, 5}, 1, 4, 3)
	target := tensor.FromData([]float32{1, 0, 0}, 1, 1, 3)

	idx, w := ThreeNNWeights(target, source)
	assert.True(t, w.AllFinite())
	assert.Equal(t, 1, idx.Data[0])
	assert.InDelta(t, 1.0, w.Data[0], 1e-6)

	feats := tensor.FromData([]float32{1, 2, 3, 4}, 1, 4, 1)
	out := Interpolate(feats, idx, w)
	assert.InDelta(t, 2.0, out.Data[0], 1e-5)
}

func TestThreeNNWeights_FewerSourcesThanThree(t *testing.T) {
	source := tensor.FromData([]float32{0, 0, 0, 2, 0, 0}, 1, 2, 3)
	target := tensor.FromData([]float32{1, 0, 0}, 1, 1, 3)
	idx, w := ThreeNNWeights(target, source)
	assert.Equal(t, []int{1, 1, 2}, idx.Shape)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, w.Data, 1e-6)
}

func TestInterpolateBackward_IsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	target := randomCloud(rng, 1, 20)
	source := randomCloud(rng, 1, 6)
	idx, w := ThreeNNWeights(target, source)

	feats := tensor.New(1, 6, 4)
	for i := range feats.Data {
		feats.Data[i] = float32(rng.NormFloat64())
	}
	g := tensor.New(1, 20, 4)
	for i := range g.Data {
		g.Data[i] = float32(rng.NormFloat64())
	}

	out := Interpolate(feats, idx, w)
	back := InterpolateBackward(g, idx, w, 6)
	var lhs, rhs float64
	for i := range out.Data {
		lhs += float64(out.Data[i]) * float64(g.Data[i])
	}
	for i := range feats.Data {
		rhs += float64(feats.Data[i]) * float64(back.Data[i])
	}
	assert.InDelta(t, lhs, rhs, 1e-4)
}

func TestInterpolate_RejectsIndexShape(t *testing.T) {
	feats := tensor.New(1, 6, 4)
	flat := tensor.NewIndices(1, 20)
	w := tensor.New(1, 20)

	shapePanic := func(f func()) {
		t.Helper()
		defer func() {
			r := recover()
			_, ok := r.(*tensor.ShapeError)
			assert.True(t, ok, "panic value %v", r)
		}()
		f()
	}
	shapePanic(func() { Interpolate(feats, flat, w) })
	shapePanic(func() { InterpolateBackward(tensor.New(1, 20, 4), flat, w, 6) })

	otherBatch := tensor.NewIndices(2, 20, 3)
	shapePanic(func() { Interpolate(feats, otherBatch, tensor.New(2, 20, 3)) })
}
