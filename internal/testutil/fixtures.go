package testutil

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/npz"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// SmallNetworkConfig is a 64-point topology that keeps network tests fast
// while exercising every stage.
func SmallNetworkConfig() pointnet.Config {
	return pointnet.Config{
		NumPoints:  64,
		NumClasses: 2,
		SA: [3]pointnet.SAConfig{
			{NPoint: 32, K: 8, MLP: []int{3, 8, 16}, UseXYZ: true},
			{NPoint: 16, K: 8, MLP: []int{16 + 3, 16, 32}, UseXYZ: true},
			{NPoint: 8, K: 4, MLP: []int{32 + 3, 32, 32}, UseXYZ: true},
		},
		FP: [3]pointnet.FPConfig{
			{MLP: []int{16, 16}},
			{MLP: []int{16 + 32, 16}},
			{MLP: []int{32 + 32, 32}},
		},
		HeadChannels: 16,
		Dropout:      0.5,
	}
}

// NewSmallNetwork builds a SmallNetworkConfig network from a fixed seed.
func NewSmallNetwork(t testing.TB, seed uint64) *pointnet.Network {
	t.Helper()
	net, err := pointnet.NewNetwork(SmallNetworkConfig(), rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

// GridPoints returns n well-separated points laid out on a 32 x 16 x k
// lattice with unit spacing scaled to roughly [0, 1), as an [n, 3] slice.
func GridPoints(n int) []float32 {
	out := make([]float32, 0, n*3)
	for i := 0; i < n; i++ {
		x := float32(i%32) / 32
		y := float32((i/32)%16) / 16
		z := float32(i/512) / 16
		out = append(out, x, y, z)
	}
	return out
}

// GridCloud returns a channel-first [b, 3, n] cloud; batch element bi is
// the lattice shifted by bi along x.
func GridCloud(b, n int) tensor.Tensor {
	pts := GridPoints(n)
	last := tensor.New(b, n, 3)
	for bi := 0; bi < b; bi++ {
		dst := last.Data[bi*n*3 : (bi+1)*n*3]
		copy(dst, pts)
		for i := 0; i < n; i++ {
			dst[i*3] += float32(bi)
		}
	}
	return tensor.ChannelsFirst(last)
}

// AlternatingLabels returns n labels cycling 0, 1 so both classes occur.
func AlternatingLabels(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i % 2
	}
	return out
}

// WriteSample stores an [n, 3] cloud, plus int64 labels when non-nil, as
// an .npz archive at path.
func WriteSample(t testing.TB, fsys fsutil.FileSystem, path string, pts []float32, labels []int64) {
	t.Helper()
	ar := npz.NewArchive()
	ar.Set("xyz", npz.FromFloat32(pts, len(pts)/3, 3))
	if labels != nil {
		ar.Set("label", npz.FromInt64(labels, len(labels)))
	}
	if err := npz.Save(fsys, path, ar); err != nil {
		t.Fatalf("saving sample %s: %v", path, err)
	}
}

// HalfSpaceLabels marks points with x below cut as lesion.
func HalfSpaceLabels(pts []float32, cut float32) []int64 {
	out := make([]int64, len(pts)/3)
	for i := range out {
		if pts[i*3] < cut {
			out[i] = 1
		}
	}
	return out
}

// WriteSampleSet writes count lattice samples of n points under root, each
// shifted slightly, and a list file naming them. It returns the list path.
func WriteSampleSet(t testing.TB, fsys fsutil.FileSystem, root, list string, count, n int) string {
	t.Helper()
	var names []string
	for i := 0; i < count; i++ {
		pts := GridPoints(n)
		for j := range pts {
			pts[j] += float32(i) * 0.01
		}
		name := fmt.Sprintf("case%02d.npz", i)
		WriteSample(t, fsys, filepath.Join(root, name), pts, HalfSpaceLabels(pts, 0.5))
		names = append(names, name)
	}
	listPath := filepath.Join(root, list)
	if err := fsys.WriteFile(listPath, []byte(strings.Join(names, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("writing list: %v", err)
	}
	return listPath
}
