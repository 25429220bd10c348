package pointio

import (
	"fmt"

	"github.com/banshee-data/lesionseg/internal/fsutil"
)

// WriteLabels dumps one byte per point, in point order, with no header.
// The viewer on the other side relies on len(file) == point count.
func WriteLabels(fsys fsutil.FileSystem, path string, labels []uint8) error {
	for i, v := range labels {
		if v > 1 {
			return fmt.Errorf("label %d at point %d is not 0 or 1", v, i)
		}
	}
	return fsutil.WriteArtifact(fsys, path, labels)
}

// ReadLabels loads a raw label dump and checks it covers want points.
func ReadLabels(fsys fsutil.FileSystem, path string, want int) ([]uint8, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%s holds %d labels, expected %d", path, len(data), want)
	}
	return data, nil
}
