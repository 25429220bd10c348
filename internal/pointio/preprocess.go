package pointio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/npz"
)

// DemoCaseName is the archive stem written when only an output directory
// is given.
const DemoCaseName = "demo_case"

// PreprocessPaths picks the archive and text outputs. An explicit outNPZ
// wins and gets a "<stem>_8192.xyz" sibling; otherwise both files go into
// outDir under DemoCaseName.
func PreprocessPaths(outNPZ, outDir string, target int) (npzPath, xyzPath string, err error) {
	suffix := "_" + strconv.Itoa(target) + ".xyz"
	switch {
	case outNPZ != "":
		stem := strings.TrimSuffix(outNPZ, filepath.Ext(outNPZ))
		return outNPZ, stem + suffix, nil
	case outDir != "":
		return filepath.Join(outDir, DemoCaseName+".npz"),
			filepath.Join(outDir, DemoCaseName+suffix), nil
	default:
		return "", "", errors.New("an output archive or directory is required")
	}
}

// Preprocess reads the text cloud at in, resamples it to target points
// with seed and writes the "xyz" archive and its text twin. It returns the
// number of points read.
func Preprocess(fsys fsutil.FileSystem, in, npzPath, xyzPath string, target int, seed uint64) (int, error) {
	pts, err := LoadXYZ(fsys, in)
	if err != nil {
		return 0, err
	}
	fixed, _, err := FixCount(pts, target, seed)
	if err != nil {
		return len(pts), fmt.Errorf("%s: %w", in, err)
	}
	ar := npz.NewArchive()
	ar.Set("xyz", npz.FromFloat32(Flatten(fixed), target, 3))
	if err := npz.Save(fsys, npzPath, ar); err != nil {
		return len(pts), err
	}
	if err := SaveXYZ(fsys, xyzPath, fixed); err != nil {
		return len(pts), err
	}
	return len(pts), nil
}
