// Package npz reads and writes NumPy .npy arrays and .npz archives of them.
//
// Only little-endian C-order arrays of the dtypes the segmentation tools
// exchange are supported: <f2, <f4, <f8, <i4, <i8, |u1 and |b1.
package npz

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// Supported dtype descriptors.
const (
	Float16 = "<f2"
	Float32 = "<f4"
	Float64 = "<f8"
	Int32   = "<i4"
	Int64   = "<i8"
	Uint8   = "|u1"
	Bool    = "|b1"
)

var magic = []byte("\x93NUMPY")

// ErrUnsupported is returned for dtypes, byte orders or layouts the codec
// does not handle.
var ErrUnsupported = errors.New("npz: unsupported array")

// Array is one typed n-dimensional array held as little-endian bytes.
type Array struct {
	Descr string
	Shape []int
	raw   []byte
}

func itemSize(descr string) (int, error) {
	switch descr {
	case Float16:
		return 2, nil
	case Float32, Int32:
		return 4, nil
	case Float64, Int64:
		return 8, nil
	case Uint8, Bool:
		return 1, nil
	}
	return 0, fmt.Errorf("%w: dtype %q", ErrUnsupported, descr)
}

// MaxArrayBytes bounds the data section ReadArray accepts.
const MaxArrayBytes = 1 << 30

func count(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// dataBytes returns the byte size of shape at size bytes per item, failing
// when the product overflows or exceeds MaxArrayBytes.
func dataBytes(shape []int, size int) (int, error) {
	n := size
	for _, d := range shape {
		if d != 0 && n > MaxArrayBytes/d {
			return 0, fmt.Errorf("%w: shape %v exceeds %d bytes", ErrUnsupported, shape, MaxArrayBytes)
		}
		n *= d
	}
	return n, nil
}

// Len is the element count.
func (a *Array) Len() int { return count(a.Shape) }

func newArray(descr string, shape []int, n int) *Array {
	size, _ := itemSize(descr)
	if count(shape) != n {
		panic(fmt.Sprintf("npz: %d values do not fill shape %v", n, shape))
	}
	return &Array{Descr: descr, Shape: append([]int(nil), shape...), raw: make([]byte, n*size)}
}

// FromFloat32 stores data as <f4.
func FromFloat32(data []float32, shape ...int) *Array {
	a := newArray(Float32, shape, len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(a.raw[i*4:], math.Float32bits(v))
	}
	return a
}

// FromFloat32AsHalf stores data as <f2, rounding to nearest even.
func FromFloat32AsHalf(data []float32, shape ...int) *Array {
	a := newArray(Float16, shape, len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(a.raw[i*2:], float16.Fromfloat32(v).Bits())
	}
	return a
}

// FromFloat64 stores data as <f8.
func FromFloat64(data []float64, shape ...int) *Array {
	a := newArray(Float64, shape, len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(a.raw[i*8:], math.Float64bits(v))
	}
	return a
}

// FromInt64 stores data as <i8.
func FromInt64(data []int64, shape ...int) *Array {
	a := newArray(Int64, shape, len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(a.raw[i*8:], uint64(v))
	}
	return a
}

// FromUint8 stores data as |u1.
func FromUint8(data []uint8, shape ...int) *Array {
	a := newArray(Uint8, shape, len(data))
	copy(a.raw, data)
	return a
}

// Float32s converts any floating or integer array to float32.
func (a *Array) Float32s() ([]float32, error) {
	n := a.Len()
	out := make([]float32, n)
	switch a.Descr {
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(a.raw[i*2:])).Float32()
		}
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.raw[i*4:]))
		}
	case Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(a.raw[i*8:])))
		}
	default:
		ints, err := a.Int64s()
		if err != nil {
			return nil, err
		}
		for i, v := range ints {
			out[i] = float32(v)
		}
	}
	return out, nil
}

// Float64s converts any floating or integer array to float64.
func (a *Array) Float64s() ([]float64, error) {
	if a.Descr == Float64 {
		out := make([]float64, a.Len())
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.raw[i*8:]))
		}
		return out, nil
	}
	f, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out, nil
}

// Int64s converts an integer or boolean array to int64. Floating arrays
// are rejected rather than truncated.
func (a *Array) Int64s() ([]int64, error) {
	n := a.Len()
	out := make([]int64, n)
	switch a.Descr {
	case Int32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(a.raw[i*4:])))
		}
	case Int64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(a.raw[i*8:]))
		}
	case Uint8, Bool:
		for i := range out {
			out[i] = int64(a.raw[i])
		}
	default:
		return nil, fmt.Errorf("%w: %s is not an integer dtype", ErrUnsupported, a.Descr)
	}
	return out, nil
}

// Uint8s returns a copy of a |u1 or |b1 array.
func (a *Array) Uint8s() ([]uint8, error) {
	if a.Descr != Uint8 && a.Descr != Bool {
		return nil, fmt.Errorf("%w: %s is not a byte dtype", ErrUnsupported, a.Descr)
	}
	return append([]uint8(nil), a.raw...), nil
}

func (a *Array) header() []byte {
	shape := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		shape[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(shape, ", ")
	if len(a.Shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", a.Descr, tuple)

	// magic(6) + version(2) + length(2) + dict + padding + '\n' is a
	// multiple of 64.
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	return []byte(dict + strings.Repeat(" ", pad) + "\n")
}

// WriteTo encodes a as a version 1.0 .npy stream.
func (a *Array) WriteTo(w io.Writer) (int64, error) {
	h := a.header()
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(h)))
	buf.Write(h)
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(a.raw)
	return int64(n + m), err
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadArray decodes one .npy stream of any format version.
func ReadArray(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	pre := make([]byte, 8)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("npz: reading preamble: %w", err)
	}
	if !bytes.Equal(pre[:6], magic) {
		return nil, fmt.Errorf("npz: bad magic %q", pre[:6])
	}

	var hlen int
	switch pre[6] {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npz: reading header length: %w", err)
		}
		hlen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npz: reading header length: %w", err)
		}
		hlen = int(n)
	default:
		return nil, fmt.Errorf("%w: format version %d.%d", ErrUnsupported, pre[6], pre[7])
	}

	h := make([]byte, hlen)
	if _, err := io.ReadFull(br, h); err != nil {
		return nil, fmt.Errorf("npz: reading header: %w", err)
	}
	a, err := parseHeader(string(h))
	if err != nil {
		return nil, err
	}
	size, err := itemSize(a.Descr)
	if err != nil {
		return nil, err
	}
	n, err := dataBytes(a.Shape, size)
	if err != nil {
		return nil, err
	}
	// Grow with the data actually present rather than trusting the header.
	var data bytes.Buffer
	if _, err := io.CopyN(&data, br, int64(n)); err != nil {
		return nil, fmt.Errorf("npz: reading %d data bytes for shape %v: %w", n, a.Shape, err)
	}
	a.raw = data.Bytes()
	return a, nil
}

func parseHeader(h string) (*Array, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("npz: header has no descr: %q", h)
	}
	descr := m[1]
	// NumPy writes single-byte types with either '|' or '<'.
	switch descr {
	case "<u1":
		descr = Uint8
	case "<b1":
		descr = Bool
	}
	if f := fortranRe.FindStringSubmatch(h); f != nil && f[1] == "True" {
		return nil, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}
	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return nil, fmt.Errorf("npz: header has no shape: %q", h)
	}
	shape := []int{}
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("npz: bad shape entry %q", part)
		}
		shape = append(shape, d)
	}
	return &Array{Descr: descr, Shape: shape}, nil
}
