package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quill/internal/tensor"
	"github.com/samcharles93/quill/pkg/qcf"
)

const sampleDesc = `
meta:
  arch: tiny-cnn
tensors:
  - name: stem.weight
    dtype: i8
    shape: [4, 3, 3, 3]
    seed: 1
    per_channel: true
  - name: stem.bias
    dtype: i32
    shape: [4]
    values: [1.4, -2.6, 0, 7]
  - name: act
    dtype: u8
    shape: [1, 3, 4, 4]
    seed: 2
    amplitude: 2
    symmetric: true
  - name: act.blocked
    dtype: u8
    shape: [1, 3, 4, 4]
    seed: 2
    layout: blocked
    lane: 4
  - name: fc.weight
    dtype: f16
    shape: [2, 5]
    seed: 3
`

func TestWritePack(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "tiny.yaml")
	require.NoError(t, os.WriteFile(descPath, []byte(sampleDesc), 0o644))

	desc, err := loadPackDesc(descPath)
	require.NoError(t, err)
	out := filepath.Join(dir, "tiny.qcf")
	n, err := writePack(out, desc)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	f, err := qcf.Open(out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	assert.Equal(t, "tiny-cnn", f.Meta()["arch"])
	require.Len(t, f.Entries(), 5)

	w, err := f.Tensor("stem.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Int8, w.DType)
	require.Len(t, w.Quant, 4)
	for _, q := range w.Quant {
		assert.Zero(t, q.ZeroPoint)
		assert.Positive(t, q.Scale)
	}

	b, err := f.Tensor("stem.bias")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -3, 0, 7}, b.I32)

	act, err := f.Tensor("act")
	require.NoError(t, err)
	require.Len(t, act.Quant, 1)
	assert.EqualValues(t, 128, act.Quant[0].ZeroPoint)

	blk, err := f.Tensor("act.blocked")
	require.NoError(t, err)
	assert.Equal(t, tensor.LayoutBlocked, blk.Layout)
	assert.Equal(t, 4, blk.Lane)

	fc, err := f.Tensor("fc.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, fc.DType)
	assert.Empty(t, fc.Quant)
}

func TestQuantizeTracksRealValues(t *testing.T) {
	td := tensorDesc{Name: "w", DType: "u8", Shape: []int{2, 16}, Seed: 9, Amplitude: 3}
	xs, err := td.values(32)
	require.NoError(t, err)
	x, err := td.build()
	require.NoError(t, err)
	require.Len(t, x.Quant, 1)
	q := x.Quant[0]
	for i, v := range xs {
		got := q.Dequantize(int32(x.U8[i]))
		assert.LessOrEqual(t, math.Abs(float64(got-v)), float64(q.Scale)*1.001, "element %d", i)
	}
}

func TestTensorDescErrors(t *testing.T) {
	for name, td := range map[string]tensorDesc{
		"bad dtype":    {DType: "f64", Shape: []int{2}},
		"bad shape":    {DType: "f32", Shape: []int{-1}},
		"value count":  {DType: "f32", Shape: []int{3}, Values: []float32{1}},
		"bad layout":   {DType: "f32", Shape: []int{1, 1, 1, 1}, Layout: "nhwc"},
		"blocked rank": {DType: "f32", Shape: []int{4}, Layout: "blocked"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := td.build()
			assert.Error(t, err)
		})
	}
}

func TestLoadPackDescRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("meta: {a: b}\n"), 0o644))
	_, err := loadPackDesc(path)
	assert.ErrorContains(t, err, "no tensors")
}
