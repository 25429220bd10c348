package npz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lesionseg/internal/fsutil"
)

func TestHeader_IsPaddedToSixtyFour(t *testing.T) {
	for _, a := range []*Array{
		FromFloat32(make([]float32, 8192*3), 8192, 3),
		FromUint8(make([]uint8, 5), 5),
		FromInt64([]int64{7}),
	} {
		var buf bytes.Buffer
		_, err := a.WriteTo(&buf)
		require.NoError(t, err)
		hlen := int(binary.LittleEndian.Uint16(buf.Bytes()[8:10]))
		assert.Zero(t, (10+hlen)%64, "header for %v not aligned", a.Shape)
		assert.Equal(t, byte('\n'), buf.Bytes()[10+hlen-1])
	}
}

func TestHeader_Tuples(t *testing.T) {
	assert.Contains(t, string(FromUint8([]uint8{1, 0}, 2).header()), "'shape': (2,)")
	assert.Contains(t, string(FromFloat32(make([]float32, 6), 2, 3).header()), "'shape': (2, 3)")
	assert.Contains(t, string(FromFloat64([]float64{0.5}).header()), "'shape': ()")
}

func TestReadArray_VersionTwoHeader(t *testing.T) {
	dict := "{'descr': '<i4', 'fortran_order': False, 'shape': (3,), }"
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{2, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(dict)+1))
	buf.WriteString(dict + "\n")
	for _, v := range []int32{-1, 0, 42} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	a, err := ReadArray(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, a.Shape)
	ints, err := a.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 0, 42}, ints)
}

func TestReadArray_Rejects(t *testing.T) {
	_, err := ReadArray(bytes.NewReader([]byte("not numpy at all")))
	assert.Error(t, err)

	a := FromFloat32([]float32{1, 2}, 2)
	a.Descr = ">f4"
	var buf bytes.Buffer
	_, _ = a.WriteTo(&buf)
	_, err = ReadArray(&buf)
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = FromFloat32([]float32{1}, 1).Int64s()
	assert.True(t, errors.Is(err, ErrUnsupported))
}

// npyWithShape hand-writes a .npy stream whose header claims shape but
// whose data section holds only payload.
func npyWithShape(shape string, payload []byte) []byte {
	dict := "{'descr': '<f4', 'fortran_order': False, 'shape': " + shape + ", }"
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(dict)+1))
	buf.WriteString(dict + "\n")
	buf.Write(payload)
	return buf.Bytes()
}

func archiveWith(t *testing.T, name string, member []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name + ".npy")
	require.NoError(t, err)
	_, err = w.Write(member)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadArray_HostileShapes(t *testing.T) {
	tests := []struct {
		name  string
		shape string
	}{
		{"huge", "(1125899906842624,)"},
		{"overflows int", "(4611686018427387904,)"},
		{"product wraps to zero", "(4294967296, 4294967296)"},
		{"over byte cap", "(268435457, 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadArray(bytes.NewReader(npyWithShape(tt.shape, make([]byte, 16))))
			assert.ErrorIs(t, err, ErrUnsupported)

			_, err = Decode(archiveWith(t, "xyz", npyWithShape(tt.shape, make([]byte, 16))))
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestReadArray_TruncatedData(t *testing.T) {
	_, err := ReadArray(bytes.NewReader(npyWithShape("(1000, 3)", make([]byte, 24))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape [1000 3]")

	a, err := ReadArray(bytes.NewReader(npyWithShape("(0, 3)", nil)))
	require.NoError(t, err)
	assert.Equal(t, 0, a.Len())
}

func TestHalfPrecision(t *testing.T) {
	a := FromFloat32AsHalf([]float32{0.5, -2, 1.0009765625, 65504}, 4)
	assert.Equal(t, Float16, a.Descr)
	got, err := a.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -2, 1.0009765625, 65504}, got)
}

func TestArchive_SaveLoad(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ar := NewArchive()
	ar.Set("xyz", FromFloat32([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	ar.Set("pred_label", FromUint8([]uint8{0, 1}, 2))
	ar.Set("epoch", FromInt64([]int64{3}))

	require.NoError(t, Save(fsys, "out/case_pred.npz", ar))
	back, err := Load(fsys, "out/case_pred.npz")
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz", "pred_label", "epoch"}, back.Names())

	xyz, err := back.Get("xyz")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, xyz.Shape)
	f, err := xyz.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, f)

	labels, err := back.Get("pred_label")
	require.NoError(t, err)
	u, err := labels.Uint8s()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1}, u)

	_, err = back.Get("label")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	assert.Contains(t, err.Error(), "epoch, pred_label, xyz")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(fsutil.NewMemoryFileSystem(), "nope.npz")
	assert.Error(t, err)
}
