package npz

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/lesionseg/internal/fsutil"
)

// ErrKeyNotFound is returned by Archive.Get for a missing array name.
var ErrKeyNotFound = errors.New("npz: key not found")

// Archive is an ordered set of named arrays, stored on disk as a deflated
// zip of "<name>.npy" members.
type Archive struct {
	names  []string
	arrays map[string]*Array
}

// NewArchive returns an empty archive.
func NewArchive() *Archive {
	return &Archive{arrays: make(map[string]*Array)}
}

// Set adds or replaces an array. Names keep their first insertion order.
func (ar *Archive) Set(name string, a *Array) {
	if _, ok := ar.arrays[name]; !ok {
		ar.names = append(ar.names, name)
	}
	ar.arrays[name] = a
}

// Get returns the named array or an error wrapping ErrKeyNotFound.
func (ar *Archive) Get(name string) (*Array, error) {
	a, ok := ar.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrKeyNotFound, name, strings.Join(ar.sortedNames(), ", "))
	}
	return a, nil
}

// Has reports whether name is present.
func (ar *Archive) Has(name string) bool {
	_, ok := ar.arrays[name]
	return ok
}

// Names lists array names in insertion order.
func (ar *Archive) Names() []string { return append([]string(nil), ar.names...) }

func (ar *Archive) sortedNames() []string {
	s := ar.Names()
	sort.Strings(s)
	return s
}

// WriteTo writes the archive as a compressed .npz.
func (ar *Archive) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, name := range ar.names {
		f, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".npy", Method: zip.Deflate})
		if err != nil {
			return cw.n, fmt.Errorf("npz: adding %s: %w", name, err)
		}
		if _, err := ar.arrays[name].WriteTo(f); err != nil {
			return cw.n, fmt.Errorf("npz: writing %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("npz: finishing archive: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReadArchive decodes an .npz held in r.
func ReadArchive(r io.ReaderAt, size int64) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("npz: opening archive: %w", err)
	}
	ar := NewArchive()
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("npz: opening %s: %w", f.Name, err)
		}
		a, err := ReadArray(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("npz: member %s: %w", f.Name, err)
		}
		ar.Set(name, a)
	}
	return ar, nil
}

// Decode reads an archive from an in-memory .npz.
func Decode(data []byte) (*Archive, error) {
	return ReadArchive(bytes.NewReader(data), int64(len(data)))
}

// Encode renders the archive to bytes.
func (ar *Archive) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ar.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads the .npz at path from fsys.
func Load(fsys fsutil.FileSystem, path string) (*Archive, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	ar, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ar, nil
}

// Save writes the archive to path on fsys, creating the parent directory.
func Save(fsys fsutil.FileSystem, path string, ar *Archive) error {
	return fsutil.WriteArtifactFrom(fsys, path, ar)
}
