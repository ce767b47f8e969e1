package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quill/internal/errs"
)

func TestQuantizeMultiplierReconstructs(t *testing.T) {
	t.Parallel()

	triples := []struct{ in, w, out float64 }{
		{0.5, 0.01, 0.25},
		{1, 0.01, 0.01},
		{0.0078125, 0.0039, 0.05},
		{0.02, 0.0007, 0.11},
		{0.9, 0.9, 0.1},
		{0.003, 0.002, 0.9},
		{1.5, 3, 0.001},
	}
	for _, tc := range triples {
		s := tc.in * tc.w / tc.out
		m, shift, err := QuantizeMultiplier(s)
		require.NoError(t, err, "s=%g", s)
		assert.GreaterOrEqual(t, m, int32(1<<30))
		assert.LessOrEqual(t, int64(m), int64(math.MaxInt32))
		got := RealMultiplier(m, shift)
		rel := math.Abs(got-s) / s
		assert.LessOrEqual(t, rel, math.Ldexp(1, -30), "s=%g m=%d shift=%d", s, m, shift)
	}
}

func TestQuantizeMultiplierRejectsUnrepresentable(t *testing.T) {
	t.Parallel()

	for _, s := range []float64{0, -1, math.NaN(), math.Inf(1), 1e-12, 1e12} {
		_, _, err := QuantizeMultiplier(s)
		assert.ErrorIs(t, err, errs.ErrInvalidQuantParams, "s=%g", s)
	}
}

func TestRequantizeRoundsHalfUp(t *testing.T) {
	t.Parallel()

	m, shift, err := QuantizeMultiplier(0.5)
	require.NoError(t, err)

	tests := []struct {
		acc  int32
		want int32
	}{
		{1, 1},
		{-1, 0},
		{3, 2},
		{-3, -1},
		{4, 2},
		{-4, -2},
		{0, 0},
	}
	for _, tc := range tests {
		got := Requantize(tc.acc, m, shift, 0, Range{Lo: math.MinInt32, Hi: math.MaxInt32})
		assert.Equal(t, tc.want, got, "acc=%d", tc.acc)
	}
}

func TestRequantizeSaturates(t *testing.T) {
	t.Parallel()

	m, shift, err := QuantizeMultiplier(1)
	require.NoError(t, err)
	assert.Equal(t, int32(127), Requantize(1000, m, shift, 0, Int8Range))
	assert.Equal(t, int32(-128), Requantize(-1000, m, shift, 0, Int8Range))
	assert.Equal(t, int32(255), Requantize(200, m, shift, 128, Uint8Range))
	assert.Equal(t, int32(0), Requantize(-200, m, shift, 128, Uint8Range))
}

func TestRequantizeDequantizeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info Info
		r    Range
	}{
		{"int8 symmetric", Info{Scale: 0.05}, Int8Range},
		{"int8 asymmetric", Info{Scale: 0.0137, ZeroPoint: -7}, Int8Range},
		{"uint8", Info{Scale: 0.02, ZeroPoint: 128}, Uint8Range},
		{"uint8 tiny scale", Info{Scale: 1.0 / 4096, ZeroPoint: 3}, Uint8Range},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for x := tc.r.Lo; x <= tc.r.Hi; x++ {
				require.Equal(t, x, tc.info.Quantize(tc.info.Dequantize(x), tc.r), "x=%d", x)
			}
		})
	}

	// Integer path: a unit rescale with matching zero points is the identity.
	m, shift, err := QuantizeMultiplier(1)
	require.NoError(t, err)
	for x := int32(0); x <= 255; x++ {
		require.Equal(t, x, Requantize(x-128, m, shift, 128, Uint8Range))
	}
}

func TestDerivePerChannel(t *testing.T) {
	t.Parallel()

	p, err := Derive(0.5, []float32{0.01, 0.02, 0.04}, 0.1, 3, Int8Range)
	require.NoError(t, err)
	require.Equal(t, 3, p.Channels())
	assert.True(t, p.PerChannel())
	require.NoError(t, p.CheckChannels(3))
	assert.ErrorIs(t, p.CheckChannels(4), errs.ErrInvalidQuantParams)

	// 100 * 0.5 * 0.02 / 0.1 = 10, plus zero point.
	assert.Equal(t, int32(13), p.Apply(1, 100))
	assert.Equal(t, int32(23), p.Apply(2, 100))

	acc := []int32{100, -100, 10000}
	dst := make([]int8, 3)
	ApplyRow(p, 0, acc, dst)
	assert.Equal(t, []int8{8, -2, 127}, dst)
}

func TestDeriveRejectsBadParams(t *testing.T) {
	t.Parallel()

	_, err := Derive(0.5, nil, 0.1, 0, Int8Range)
	assert.ErrorIs(t, err, errs.ErrInvalidQuantParams)
	_, err = Derive(0.5, []float32{0}, 0.1, 0, Int8Range)
	assert.ErrorIs(t, err, errs.ErrInvalidQuantParams)
	_, err = Derive(0, []float32{0.1}, 0.1, 0, Int8Range)
	assert.ErrorIs(t, err, errs.ErrInvalidQuantParams)
	_, err = Derive(0.5, []float32{0.1}, 0.1, 200, Int8Range)
	assert.ErrorIs(t, err, errs.ErrInvalidQuantParams)
}

func TestFromInfosRequiresRescaledRecords(t *testing.T) {
	t.Parallel()

	infos := []Info{{Scale: 0.1}, {Scale: 0.2}}
	_, err := FromInfos(infos, 0, Int8Range)
	assert.ErrorIs(t, err, errs.ErrInvalidQuantParams)

	require.NoError(t, Rescale(infos, 1, 0.1))
	p, err := FromInfos(infos, 0, Int8Range)
	require.NoError(t, err)
	assert.Equal(t, int32(5), p.Apply(0, 5))
	assert.Equal(t, int32(10), p.Apply(1, 5))
}

func TestChooseRepresentsZero(t *testing.T) {
	t.Parallel()

	for _, r := range []Range{Int8Range, Uint8Range} {
		info := Choose(-1.3, 2.7, r)
		require.NoError(t, info.Validate())
		zp := info.Quantize(0, r)
		assert.Equal(t, info.ZeroPoint, zp)
		assert.Equal(t, float32(0), info.Dequantize(zp))
		assert.InDelta(t, 2.7, info.Dequantize(info.Quantize(2.7, r)), float64(info.Scale))
	}

	sym := ChooseSymmetric(1.27, Int8Range)
	assert.Equal(t, int32(0), sym.ZeroPoint)
	assert.Equal(t, int32(127), sym.Quantize(1.27, Int8Range))
	assert.Equal(t, int32(-127), sym.Quantize(-1.27, Int8Range))
}

func TestElementwiseAdd(t *testing.T) {
	t.Parallel()

	same := Info{Scale: 0.1}
	p, err := NewAddParams(same, same, same, Int8Range)
	require.NoError(t, err)
	assert.Equal(t, int32(30), p.Add(10, 20))
	assert.Equal(t, int32(127), p.Add(100, 100))
	assert.Equal(t, int32(-5), p.Add(-15, 10))

	a := Info{Scale: 0.02, ZeroPoint: 5}
	b := Info{Scale: 0.07, ZeroPoint: -3}
	out := Info{Scale: 0.05, ZeroPoint: 1}
	p, err = NewAddParams(a, b, out, Int8Range)
	require.NoError(t, err)
	for x := int32(-128); x <= 127; x += 17 {
		for y := int32(-128); y <= 127; y += 13 {
			want := out.Quantize(a.Dequantize(x)+b.Dequantize(y), Int8Range)
			got := p.Add(x, y)
			assert.InDelta(t, want, got, 1, "x=%d y=%d", x, y)
		}
	}
}

func TestDequantizeAccumulator(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.32, DequantizeAccumulator(32, 0.1, 0.1), 1e-6)
}
