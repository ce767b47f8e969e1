package qcf

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

func sampleTensors(t *testing.T) map[string]*tensor.Tensor {
	t.Helper()

	w := tensor.MustNew(tensor.Int8, 4, 3, 3, 3)
	tensor.FillRand(w, 1)
	w.Quant = make([]quant.Info, 4)
	for i := range w.Quant {
		w.Quant[i] = quant.ChooseSymmetric(float32(i+1)*0.5, quant.Int8Range)
	}

	bias := tensor.MustNew(tensor.Int32, 4)
	tensor.FillRand(bias, 2)

	x := tensor.MustNew(tensor.Uint8, 1, 3, 5, 5)
	tensor.FillRand(x, 3)
	x.Quant = []quant.Info{quant.Choose(-1, 3, quant.Uint8Range)}

	fc := tensor.MustNew(tensor.Float32, 2, 7)
	tensor.FillRand(fc, 4)

	half := tensor.MustNew(tensor.Float16, 3)
	half.F16 = []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2), float16.Fromfloat32(1024)}

	blocked, err := tensor.ToBlocked(x, 4)
	require.NoError(t, err)

	return map[string]*tensor.Tensor{
		"conv.weight": w,
		"conv.bias":   bias,
		"input":       x,
		"fc.weight":   fc,
		"scale":       half,
		"input.blk":   blocked,
	}
}

func writeSample(t *testing.T, tensors map[string]*tensor.Tensor, order []string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "model.qcf")
	w, err := Create(path)
	require.NoError(t, err)
	for _, name := range order {
		require.NoError(t, w.WriteTensor(name, tensors[name]))
	}
	require.NoError(t, w.SetMeta("arch", "resnet-tiny"))
	require.NoError(t, w.Close())
	return path
}

var sampleOrder = []string{"conv.weight", "conv.bias", "input", "fc.weight", "scale", "input.blk"}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tensors := sampleTensors(t)
	path := writeSample(t, tensors, sampleOrder)

	f, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.Close()) })

	assert.Equal(t, "resnet-tiny", f.Meta()["arch"])
	entries := f.Entries()
	require.Len(t, entries, len(sampleOrder))
	for i, e := range entries {
		assert.Equal(t, sampleOrder[i], e.Name)
		assert.Zero(t, e.Offset%dataAlign, "tensor %s alignment", e.Name)
	}

	for name, want := range tensors {
		got, err := f.Tensor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want.DType, got.DType, name)
		assert.Equal(t, want.Shape, got.Shape, name)
		assert.Equal(t, want.Layout, got.Layout, name)
		assert.Equal(t, want.Lane, got.Lane, name)
		assert.Equal(t, want.F32, got.F32, name)
		assert.Equal(t, want.F16, got.F16, name)
		assert.Equal(t, want.I8, got.I8, name)
		assert.Equal(t, want.U8, got.U8, name)
		assert.Equal(t, want.I32, got.I32, name)
		if len(want.Quant) == 0 {
			assert.Empty(t, got.Quant, name)
		} else {
			assert.Equal(t, want.Quant, got.Quant, name)
		}
	}
}

func TestOpenReaderAtMatchesOpen(t *testing.T) {
	t.Parallel()

	tensors := sampleTensors(t)
	path := writeSample(t, tensors, sampleOrder)

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	require.NoError(t, err)

	f, err := OpenReaderAt(rf, st.Size())
	require.NoError(t, err)
	defer func() { assert.NoError(t, f.Close()) }()

	assert.False(t, f.Mapped())
	assert.Equal(t, uint32(headerSize), f.Header.HeaderSize)
	assert.Equal(t, FlagDataAligned64, f.Header.Flags&FlagDataAligned64)

	raw, err := f.Raw("conv.bias")
	require.NoError(t, err)
	bias := tensors["conv.bias"].I32
	require.Len(t, raw, 4*len(bias))
	for i, v := range bias {
		assert.Equal(t, v, int32(binary.LittleEndian.Uint32(raw[4*i:])))
	}

	_, err = f.Tensor("missing")
	assert.ErrorIs(t, err, ErrTensorNotFound)
	_, ok := f.Lookup("missing")
	assert.False(t, ok)
}

func TestEmptyContainer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.qcf")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Empty(t, f.Entries())
	assert.Empty(t, f.Meta())
}

func TestWriterRejects(t *testing.T) {
	t.Parallel()

	w, err := Create(filepath.Join(t.TempDir(), "bad.qcf"))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	x := tensor.MustNew(tensor.Float32, 2, 2)
	require.NoError(t, w.WriteTensor("x", x))
	assert.Error(t, w.WriteTensor("x", x), "duplicate name")
	assert.Error(t, w.WriteTensor("", x), "empty name")

	short := &tensor.Tensor{DType: tensor.Float32, Shape: tensor.Shape{4}, F32: make([]float32, 3)}
	assert.Error(t, w.WriteTensor("short", short))

	badQuant := tensor.MustNew(tensor.Int8, 2)
	badQuant.Quant = []quant.Info{{Scale: 0}}
	assert.Error(t, w.WriteTensor("q", badQuant))

	require.NoError(t, w.Finalise())
	assert.Error(t, w.WriteTensor("late", x))
	assert.Error(t, w.Finalise())
}

func TestOpenRejectsCorruption(t *testing.T) {
	t.Parallel()

	tensors := sampleTensors(t)
	path := writeSample(t, tensors, sampleOrder)
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], 9); return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }, ErrCorrupt},
		{"directory past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[16:], uint64(len(b)))
			return b
		}, ErrCorrupt},
		{"tensor offset", func(b []byte) []byte {
			f, err := OpenReaderAt(bytes.NewReader(b), int64(len(b)))
			require.NoError(t, err)
			idx, _ := f.Section(SectionTensorIndex)
			// first entry: count u32, nameLen u16, name, dtype, layout, lane, rank
			p := int(idx.Offset) + 4
			nameLen := int(binary.LittleEndian.Uint16(b[p:]))
			p += 2 + nameLen + 1 + 1 + 2
			rank := int(binary.LittleEndian.Uint32(b[p:]))
			p += 4 + 8*rank
			binary.LittleEndian.PutUint64(b[p:], binary.LittleEndian.Uint64(b[p:])+1)
			return b
		}, ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, err := OpenReaderAt(bytes.NewReader(b), int64(len(b)))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'Q', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var raw [headerSize]byte
	require.True(t, encodeHeader(raw[:], h))
	assert.Equal(t, []byte{0x22, 0x11}, raw[4:6])
	assert.Equal(t, byte(0x08), raw[16])
	assert.Equal(t, byte(0x01), raw[23])
	got, ok := decodeHeader(raw[:])
	require.True(t, ok)
	assert.Equal(t, h, got)

	s := Section{Type: SectionQuant, Version: 2, Offset: 64, Size: 48}
	var sraw [sectionSize]byte
	require.True(t, encodeSection(sraw[:], s))
	gs, ok := decodeSection(sraw[:])
	require.True(t, ok)
	assert.Equal(t, s, gs)
}
