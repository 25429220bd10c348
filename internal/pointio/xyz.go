// Package pointio handles the plain-file formats around the network: .xyz
// text clouds, point-count normalization and the raw per-point label dump
// read by the external viewer.
package pointio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lesionseg/internal/fsutil"
)

// maxLineLen bounds a point line; longer lines are skipped whole.
const maxLineLen = 64 * 1024

// ReadXYZ parses whitespace-separated lines whose first three tokens are
// x, y and z. Lines with fewer tokens, unparseable numbers or more than
// maxLineLen bytes are skipped. Coordinates are rounded to float32
// precision as they are stored that way everywhere downstream.
func ReadXYZ(r io.Reader) ([]r3.Vec, error) {
	var pts []r3.Vec
	br := bufio.NewReaderSize(r, maxLineLen)
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			for err == bufio.ErrBufferFull {
				_, err = br.ReadSlice('\n')
			}
			line = nil
		}
		if p, ok := parseXYZLine(line); ok {
			pts = append(pts, p)
		}
		if err == io.EOF {
			return pts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading xyz: %w", err)
		}
	}
}

func parseXYZLine(line []byte) (r3.Vec, bool) {
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return r3.Vec{}, false
	}
	var xyz [3]float64
	for i := range xyz {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return r3.Vec{}, false
		}
		xyz[i] = float64(float32(v))
	}
	return r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}

// LoadXYZ reads an .xyz file from fsys.
func LoadXYZ(fsys fsutil.FileSystem, path string) ([]r3.Vec, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	pts, err := ReadXYZ(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pts, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 32)
}

// WriteXYZ writes one "x y z" line per point using the shortest float32
// representation.
func WriteXYZ(w io.Writer, pts []r3.Vec) error {
	bw := bufio.NewWriter(w)
	for _, p := range pts {
		if _, err := fmt.Fprintf(bw, "%s %s %s\n", formatCoord(p.X), formatCoord(p.Y), formatCoord(p.Z)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveXYZ writes pts to path on fsys.
func SaveXYZ(fsys fsutil.FileSystem, path string, pts []r3.Vec) error {
	var sb strings.Builder
	if err := WriteXYZ(&sb, pts); err != nil {
		return err
	}
	return fsutil.WriteArtifact(fsys, path, []byte(sb.String()))
}

// Flatten returns pts as a row-major [N, 3] float32 slice.
func Flatten(pts []r3.Vec) []float32 {
	out := make([]float32, 0, len(pts)*3)
	for _, p := range pts {
		out = append(out, float32(p.X), float32(p.Y), float32(p.Z))
	}
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(data []float32) []r3.Vec {
	pts := make([]r3.Vec, len(data)/3)
	for i := range pts {
		pts[i] = r3.Vec{X: float64(data[i*3]), Y: float64(data[i*3+1]), Z: float64(data[i*3+2])}
	}
	return pts
}
