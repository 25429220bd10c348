package inference

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/npz"
	"github.com/banshee-data/lesionseg/internal/pointio"
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// Archive keys.
const (
	XYZKey   = "xyz"
	LabelKey = "pred_label"
)

// DecodeCloud reads the "xyz" array of an .npz body. It must be float32
// or float64 with shape [n, 3]; the cloud comes back both row-major and as
// a channel-first [1, 3, n] tensor.
func DecodeCloud(body []byte, n int) ([]float32, tensor.Tensor, error) {
	ar, err := npz.Decode(body)
	if err != nil {
		return nil, tensor.Tensor{}, fmt.Errorf("decoding request: %w", err)
	}
	return cloudFromArchive(ar, n)
}

// LoadCloud is DecodeCloud for a file.
func LoadCloud(fsys fsutil.FileSystem, path string, n int) ([]float32, tensor.Tensor, error) {
	ar, err := npz.Load(fsys, path)
	if err != nil {
		return nil, tensor.Tensor{}, err
	}
	pts, xyz, err := cloudFromArchive(ar, n)
	if err != nil {
		return nil, tensor.Tensor{}, fmt.Errorf("%s: %w", path, err)
	}
	return pts, xyz, nil
}

func cloudFromArchive(ar *npz.Archive, n int) ([]float32, tensor.Tensor, error) {
	a, err := ar.Get(XYZKey)
	if err != nil {
		return nil, tensor.Tensor{}, err
	}
	if err := tensor.CheckShape(XYZKey, a.Shape, n, 3); err != nil {
		return nil, tensor.Tensor{}, err
	}
	pts, err := a.Float32s()
	if err != nil {
		return nil, tensor.Tensor{}, fmt.Errorf("%s: %w", XYZKey, err)
	}
	return pts, tensor.ChannelsFirst(tensor.FromData(pts, 1, n, 3)), nil
}

// OutputPaths derives the label and debug archive paths for an input. With
// outBin set, the archive sits beside it; otherwise both go in outDir.
func OutputPaths(input, outDir, outBin string) (binPath, npzPath string) {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if outBin != "" {
		return outBin, filepath.Join(filepath.Dir(outBin), base+"_pred.npz")
	}
	return filepath.Join(outDir, base+"_pred_label.bin"),
		filepath.Join(outDir, base+"_pred.npz")
}

// EncodeResult renders the debug archive holding the cloud and labels.
func EncodeResult(pts []float32, labels []uint8) *npz.Archive {
	ar := npz.NewArchive()
	ar.Set(XYZKey, npz.FromFloat32(pts, len(pts)/3, 3))
	ar.Set(LabelKey, npz.FromUint8(labels, len(labels)))
	return ar
}

// WriteResult writes the raw label bytes to binPath and the debug archive
// to npzPath.
func WriteResult(fsys fsutil.FileSystem, binPath, npzPath string, res Result) error {
	if err := pointio.WriteLabels(fsys, binPath, res.Labels); err != nil {
		return err
	}
	return npz.Save(fsys, npzPath, EncodeResult(res.Points, res.Labels))
}
