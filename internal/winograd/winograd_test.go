package winograd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
)

func TestSingleTileTransformIsScaledCorrelation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	var (
		g [9]int32
		u [Slots]int32
		v [Slots]int32
		m [Slots]int64
		y [TileOut * TileOut]int64
	)
	d := make([]int32, TileIn*TileIn)
	for trial := range 50 {
		for i := range g {
			g[i] = int32(rng.Intn(255) - 127)
		}
		for i := range d {
			d[i] = int32(rng.Intn(511) - 255)
		}
		KernelInt(&g, &u)
		InputInt(d, TileIn, &v)
		for s := range m {
			m[s] = int64(u[s]) * int64(v[s])
		}
		OutputInt(&m, &y)
		for oy := range TileOut {
			for ox := range TileOut {
				var want int64
				for ky := range 3 {
					for kx := range 3 {
						want += int64(g[ky*3+kx]) * int64(d[(oy+ky)*TileIn+ox+kx])
					}
				}
				require.Equal(t, want*Scale, y[oy*TileOut+ox], "trial %d at (%d,%d)", trial, oy, ox)
			}
		}
	}
}

func TestFloatTransformMatchesCorrelation(t *testing.T) {
	t.Parallel()

	g := [9]float32{0.5, -1, 0.25, 2, 0, -0.75, 1, 1, -1}
	d := make([]float32, TileIn*TileIn)
	for i := range d {
		d[i] = float32(i%7) - 3
	}
	var (
		u, v, m [Slots]float32
		y       [TileOut * TileOut]float32
	)
	KernelFloat(&g, &u)
	InputFloat(d, TileIn, &v)
	for s := range m {
		m[s] = u[s] * v[s]
	}
	OutputFloat(&m, &y)
	for oy := range TileOut {
		for ox := range TileOut {
			var want float32
			for ky := range 3 {
				for kx := range 3 {
					want += g[ky*3+kx] * d[(oy+ky)*TileIn+ox+kx]
				}
			}
			assert.InDelta(t, want, y[oy*TileOut+ox], 1e-4)
		}
	}
}

type int8Case struct {
	n, ic, oc, h, w, lane int
	padT, padL, padB, padR int
}

func (c int8Case) problem() conv.Problem {
	return conv.Problem{
		Params: conv.Params{KernelH: 3, KernelW: 3, PadTop: c.padT, PadLeft: c.padL, PadBottom: c.padB, PadRight: c.padR},
		N:      c.n, IC: c.ic, H: c.h, W: c.w, OC: c.oc,
	}
}

func TestInt8MatchesDirect(t *testing.T) {
	t.Parallel()

	cases := []int8Case{
		{n: 1, ic: 4, oc: 8, h: 7, w: 9, lane: 4, padT: 1, padL: 1, padB: 1, padR: 1},
		{n: 2, ic: 8, oc: 8, h: 10, w: 5, lane: 8},
		{n: 1, ic: 4, oc: 4, h: 6, w: 13, lane: 4, padT: 2, padL: 0, padB: 1, padR: 2},
		{n: 1, ic: 16, oc: 8, h: 20, w: 19, lane: 8, padT: 1, padL: 1, padB: 1, padR: 1},
		// Slot tiles are lane rows high, past the largest stationary tile.
		{n: 1, ic: 16, oc: 32, h: 9, w: 11, lane: 16, padT: 1, padL: 1, padB: 1, padR: 1},
	}
	pool := parallel.NewPool(4)
	for i, tc := range cases {
		pr := tc.problem()
		require.NoError(t, pr.Validate())
		rng := rand.New(rand.NewSource(int64(i)))

		in := make([]uint8, pr.InputLen())
		for j := range in {
			in[j] = uint8(rng.Intn(256))
		}
		w := make([]int8, pr.WeightLen())
		for j := range w {
			w[j] = int8(rng.Intn(255) - 127)
		}
		bias := make([]int32, pr.OC)
		scales := make([]float32, pr.OC)
		for j := range bias {
			bias[j] = int32(rng.Intn(20001) - 10000)
			scales[j] = 0.001 * float32(1+j%3)
		}
		qp, err := quant.Derive(0.02, scales, 0.5, 128, quant.Uint8Range)
		require.NoError(t, err)
		const zp = 121

		want := make([]uint8, pr.OutputLen())
		require.NoError(t, conv.DirectInt8(pool, pr, in, zp, w, bias, qp, want))

		k, err := NewInt8Kernel(w, bias, pr.OC, pr.IC, tc.lane, qp)
		require.NoError(t, err)
		got := make([]uint8, pr.OutputLen())
		require.NoError(t, RunInt8(pool, gemm.Config{Lane: tc.lane}, pr, k, in, zp, got))
		assert.Equal(t, want, got, "case %d %+v", i, tc)
	}
}

// Extreme weights and inputs over many channels push the slot sums past
// the int32 range; the result must still equal the direct kernel.
func TestInt8ExtremeValues(t *testing.T) {
	t.Parallel()

	pr := conv.Problem{
		Params: conv.Params{KernelH: 3, KernelW: 3, PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1},
		N:      1, IC: 64, H: 6, W: 6, OC: 4,
	}
	require.NoError(t, pr.Validate())
	in := make([]int8, pr.InputLen())
	for i := range in {
		if i%2 == 0 {
			in[i] = 127
		} else {
			in[i] = -128
		}
	}
	w := make([]int8, pr.WeightLen())
	for i := range w {
		if (i/3)%2 == 0 {
			w[i] = 127
		} else {
			w[i] = -127
		}
	}
	qp, err := quant.Derive(1, []float32{1}, 4096, -3, quant.Int8Range)
	require.NoError(t, err)

	want := make([]int8, pr.OutputLen())
	require.NoError(t, conv.DirectInt8(nil, pr, in, -128, w, nil, qp, want))

	k, err := NewInt8Kernel(w, nil, pr.OC, pr.IC, 4, qp)
	require.NoError(t, err)
	got := make([]int8, pr.OutputLen())
	require.NoError(t, RunInt8(parallel.NewPool(3), gemm.Config{Lane: 4}, pr, k, in, -128, got))
	assert.Equal(t, want, got)
}

func TestFloat32MatchesDirect(t *testing.T) {
	t.Parallel()

	pr := conv.Problem{
		Params: conv.Params{KernelH: 3, KernelW: 3, PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1},
		N:      2, IC: 8, H: 9, W: 11, OC: 8,
	}
	require.NoError(t, pr.Validate())
	rng := rand.New(rand.NewSource(7))
	in := make([]float32, pr.InputLen())
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}
	w := make([]float32, pr.WeightLen())
	for i := range w {
		w[i] = rng.Float32() - 0.5
	}
	bias := make([]float32, pr.OC)
	for i := range bias {
		bias[i] = float32(i) * 0.1
	}

	want := make([]float32, pr.OutputLen())
	require.NoError(t, conv.DirectFloat32(nil, pr, in, w, bias, want))

	k, err := NewFloatKernel(w, bias, pr.OC, pr.IC, 8)
	require.NoError(t, err)
	got := make([]float32, pr.OutputLen())
	require.NoError(t, RunFloat32(parallel.NewPool(2), gemm.Config{Lane: 8}, pr, k, in, got))
	assert.InDeltaSlice(t, want, got, 1e-3)
}

func TestCheckFallbacks(t *testing.T) {
	t.Parallel()

	base := conv.Problem{Params: conv.Params{KernelH: 3, KernelW: 3}, N: 1, IC: 8, H: 8, W: 8, OC: 8}
	require.NoError(t, Check(base, 4))

	for name, p := range map[string]conv.Problem{
		"kernel":   {Params: conv.Params{KernelH: 5, KernelW: 5}, N: 1, IC: 8, H: 8, W: 8, OC: 8},
		"stride":   {Params: conv.Params{KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2}, N: 1, IC: 8, H: 8, W: 8, OC: 8},
		"dilation": {Params: conv.Params{KernelH: 3, KernelW: 3, DilationW: 2}, N: 1, IC: 8, H: 8, W: 8, OC: 8},
		"groups":   {Params: conv.Params{KernelH: 3, KernelW: 3, Groups: 2}, N: 1, IC: 8, H: 8, W: 8, OC: 8},
		"lane":     {Params: conv.Params{KernelH: 3, KernelW: 3}, N: 1, IC: 6, H: 8, W: 8, OC: 8},
	} {
		err := Check(p, 4)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, errs.ErrConfigurationFallback, name)
		fb, ok := errs.AsFallback(err)
		require.True(t, ok)
		assert.Equal(t, "winograd", fb.Variant)
		assert.Contains(t, fb.Reason, name)
	}
}

func TestKernelCacheLayout(t *testing.T) {
	t.Parallel()

	const oc, ic, lane = 8, 4, 4
	w := make([]int8, oc*ic*9)
	// Filter (5, 2) is a centre tap of 1; everything else zero.
	w[(5*ic+2)*9+4] = 1
	qp := &quant.Params{Multiplier: []int32{1 << 30}, Shift: []int32{1}, Range: quant.Int8Range}
	k, err := NewInt8Kernel(w, []int32{0, 0, 0, 0, 0, 3, 0, 0}, oc, ic, lane, qp)
	require.NoError(t, err)

	var (
		g = [9]int32{4: 1}
		u [Slots]int32
	)
	KernelInt(&g, &u)
	for s := range Slots {
		slot := k.Cache.Slot(s)
		tile := slot.Tile(1) // filters 4..7
		assert.Equal(t, u[s], tile[2*lane+1], "slot %d", s)
		assert.Zero(t, slot.Tile(0)[2*lane+1])
	}
	assert.Equal(t, int64(3*Scale), k.Bias[5])

	_, err = NewInt8Kernel(w, nil, 6, ic, lane, qp)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)
}
