package pointops

import (
	"container/heap"
	"fmt"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

// candidate is a reference point under consideration for a query.
type candidate struct {
	index int
	dist  float32
}

// worstFirst is a max-heap of candidates: the root is the farthest of the
// current best set, so it is the one evicted when a closer point arrives.
// Equal distances rank the higher index as worse, which makes selection
// deterministic with lowest-index-wins on ties.
type worstFirst []candidate

func (h worstFirst) Len() int { return len(h) }
func (h worstFirst) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].index > h[j].index
}
func (h worstFirst) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h worstFirst) beats(c candidate) bool {
	root := h[0]
	if c.dist != root.dist {
		return c.dist < root.dist
	}
	return c.index < root.index
}

// TopKSmallest writes the indices and values of the k smallest entries of
// row into idx and vals, nearest first.
func TopKSmallest(row []float32, k int, idx []int, vals []float32) {
	if k > len(row) || k <= 0 {
		panic(fmt.Sprintf("pointops: top-%d of %d values", k, len(row)))
	}
	h := make(worstFirst, 0, k)
	for j, d := range row {
		c := candidate{index: j, dist: d}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if h.beats(c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	for i := k - 1; i >= 0; i-- {
		c := heap.Pop(&h).(candidate)
		idx[i] = c.index
		if vals != nil {
			vals[i] = c.dist
		}
	}
}

// KNN returns, for every query point in query [B, S, 3], the indices of
// its k nearest points in ref [B, N, 3] as a [B, S, k] index tensor.
// Neighbours come back nearest first.
func KNN(k int, ref, query tensor.Tensor) tensor.Indices {
	tensor.MustShape("knn reference", ref, tensor.Any, tensor.Any, 3)
	tensor.MustShape("knn query", query, ref.Dim(0), tensor.Any, 3)

	b, n, s := ref.Dim(0), ref.Dim(1), query.Dim(1)
	if k > n {
		panic(fmt.Sprintf("pointops: knn k=%d exceeds %d reference points", k, n))
	}

	out := tensor.NewIndices(b, s, k)
	dist := make([]float32, s*n)
	for bi := 0; bi < b; bi++ {
		pairwiseInto(dist, query.Data[bi*s*3:(bi+1)*s*3], ref.Data[bi*n*3:(bi+1)*n*3], s, n)
		for qi := 0; qi < s; qi++ {
			TopKSmallest(dist[qi*n:(qi+1)*n], k, out.Data[(bi*s+qi)*k:(bi*s+qi+1)*k], nil)
		}
	}
	return out
}
