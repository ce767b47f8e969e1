package gemm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
)

var dims = []int{1, 2, 3, 4, 7, 8, 9, 12, 13, 16, 31, 32, 33}

func randInt8(rng *rand.Rand, n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8(rng.Intn(256) - 128)
	}
	return out
}

func naiveInt32(a, b []int8, bias []int32, m, n, k int) []int32 {
	out := make([]int32, m*n)
	for i := range m {
		for j := range n {
			var s int32
			if bias != nil {
				s = bias[i]
			}
			for p := range k {
				s += int32(a[i*k+p]) * int32(b[p*n+j])
			}
			out[i*n+j] = s
		}
	}
	return out
}

func testEngine(lane, threads int) *Engine {
	return New(parallel.NewPool(threads), Config{Lane: lane, CacheBytes: 256 << 10, Budget: DefaultBudget})
}

func TestInt8MatchesNaive(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for _, lane := range []int{4, 8} {
		e := testEngine(lane, 3)
		for _, m := range dims {
			for _, n := range dims {
				for _, k := range dims {
					a := randInt8(rng, m*k)
					b := randInt8(rng, k*n)
					bias := make([]int32, m)
					for i := range bias {
						bias[i] = int32(rng.Intn(2001) - 1000)
					}
					pa, err := pack.PackStationary(a, m, k)
					require.NoError(t, err)
					pb, err := pack.PackMoving(b, k, n, lane)
					require.NoError(t, err)

					got := make([]int32, m*n)
					require.NoError(t, Int32(e, pa, pb, bias, 0, got))
					require.Equal(t, naiveInt32(a, b, bias, m, n, k), got, "m=%d n=%d k=%d lane=%d", m, n, k, lane)
				}
			}
		}
	}
}

func TestFloat32MatchesNaive(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(2))
	e := testEngine(4, 4)
	for _, m := range dims {
		for _, n := range dims {
			for _, k := range []int{1, 7, 16, 33} {
				a := make([]float32, m*k)
				b := make([]float32, k*n)
				for i := range a {
					a[i] = rng.Float32()*2 - 1
				}
				for i := range b {
					b[i] = rng.Float32()*2 - 1
				}
				bias := make([]float32, m)
				for i := range bias {
					bias[i] = rng.Float32()
				}
				pa, err := pack.PackStationary(a, m, k)
				require.NoError(t, err)
				pb, err := pack.PackMoving(b, k, n, 4)
				require.NoError(t, err)

				got := make([]float32, m*n)
				require.NoError(t, Float32(e, pa, pb, bias, got))
				for i := range m {
					for j := range n {
						want := float64(bias[i])
						for p := range k {
							want += float64(a[i*k+p]) * float64(b[p*n+j])
						}
						require.InDelta(t, want, got[i*n+j], 1e-4, "m=%d n=%d k=%d at (%d,%d)", m, n, k, i, j)
					}
				}
			}
		}
	}
}

func TestFloat16AccumulatesInFloat32(t *testing.T) {
	t.Parallel()

	const m, n, k = 5, 9, 13
	a := make([]float16.Float16, m*k)
	b := make([]float16.Float16, k*n)
	for i := range a {
		a[i] = float16.Fromfloat32(float32(i%7) * 0.25)
	}
	for i := range b {
		b[i] = float16.Fromfloat32(float32(i%5) - 2)
	}
	pa, err := pack.PackStationary(a, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(b, k, n, 4)
	require.NoError(t, err)

	got := make([]float16.Float16, m*n)
	require.NoError(t, Float16(testEngine(4, 2), pa, pb, nil, got))
	for i := range m {
		for j := range n {
			var want float32
			for p := range k {
				want += a[i*k+p].Float32() * b[p*n+j].Float32()
			}
			assert.Equal(t, float16.Fromfloat32(want), got[i*n+j], "(%d,%d)", i, j)
		}
	}
}

func TestWideInt64(t *testing.T) {
	t.Parallel()

	const m, n, k = 4, 6, 9
	a := make([]int32, m*k)
	b := make([]int32, k*n)
	for i := range a {
		a[i] = 70000 + int32(i)
	}
	for i := range b {
		b[i] = 30000 - int32(i)
	}
	pa, err := pack.PackStationary(a, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(b, k, n, 4)
	require.NoError(t, err)
	bias := []int64{1, 2, 3, 4}

	got := make([]int64, m*n)
	require.NoError(t, Wide(testEngine(4, 2), pa, pb, bias, got))
	for i := range m {
		for j := range n {
			want := bias[i]
			for p := range k {
				want += int64(a[i*k+p]) * int64(b[p*n+j])
			}
			assert.Equal(t, want, got[i*n+j])
		}
	}
	assert.Greater(t, got[0], int64(1<<31))
}

func TestKBlockChaining(t *testing.T) {
	t.Parallel()

	const m, n, k = 13, 17, 33
	rng := rand.New(rand.NewSource(3))
	a := randInt8(rng, m*k)
	b := randInt8(rng, k*n)
	bias := make([]int32, m)
	for i := range bias {
		bias[i] = int32(i * 11)
	}
	pa, err := pack.PackStationary(a, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(b, k, n, 4)
	require.NoError(t, err)
	e := testEngine(4, 3)

	whole, err := NewAccumulator(m, n, k, bias)
	require.NoError(t, err)
	require.NoError(t, Accumulate(e, pa, pb, whole))
	require.True(t, whole.Done())

	for _, split := range [][]int{{33}, {10, 23}, {1, 7, 8, 9, 8}} {
		acc, err := NewAccumulator(m, n, k, bias)
		require.NoError(t, err)
		k0 := 0
		for _, w := range split {
			require.NoError(t, AccumulateBlock(e, pa, pb, acc, k0, k0+w))
			k0 += w
		}
		require.True(t, acc.Done())
		assert.Equal(t, whole.Data, acc.Data, "split %v", split)
	}
}

func TestKBlockOrderEnforced(t *testing.T) {
	t.Parallel()

	a := make([]int8, 4*8)
	b := make([]int8, 8*4)
	pa, err := pack.PackStationary(a, 4, 8)
	require.NoError(t, err)
	pb, err := pack.PackMoving(b, 8, 4, 4)
	require.NoError(t, err)
	e := testEngine(4, 1)

	acc, err := NewAccumulator[int32](4, 4, 8, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, AccumulateBlock(e, pa, pb, acc, 4, 8), errs.ErrInvalidShape)
	require.NoError(t, AccumulateBlock(e, pa, pb, acc, 0, 4))
	assert.ErrorIs(t, AccumulateBlock(e, pa, pb, acc, 0, 4), errs.ErrInvalidShape)
	assert.ErrorIs(t, AccumulateBlock(e, pa, pb, acc, 4, 9), errs.ErrInvalidShape)
	require.NoError(t, AccumulateBlock(e, pa, pb, acc, 4, 8))
	assert.True(t, acc.Done())
}

func TestForcedSmallBlocksMatch(t *testing.T) {
	t.Parallel()

	const m, n, k = 31, 33, 32
	rng := rand.New(rand.NewSource(4))
	a := randInt8(rng, m*k)
	b := randInt8(rng, k*n)
	pa, err := pack.PackStationary(a, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(b, k, n, 4)
	require.NoError(t, err)

	e := New(parallel.NewPool(5), Config{Lane: 4, Blocks: Blocks{M: 12, N: 8, K: 4}})
	got := make([]int32, m*n)
	require.NoError(t, Int32(e, pa, pb, nil, 0, got))
	assert.Equal(t, naiveInt32(a, b, nil, m, n, k), got)
}

func TestOperandChecks(t *testing.T) {
	t.Parallel()

	e := testEngine(4, 1)
	pa, err := pack.PackStationary(make([]int8, 12), 3, 4)
	require.NoError(t, err)
	pb, err := pack.PackMoving(make([]int8, 10), 5, 2, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, Int32(e, pa, pb, nil, 0, make([]int32, 6)), errs.ErrInvalidShape)

	pb2, err := pack.PackMoving(make([]int8, 8), 4, 2, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, Int32(e, pa, pb2, nil, 0, make([]int32, 5)), errs.ErrInvalidShape)
	assert.ErrorIs(t, Int32(e, pa, pb2, []int32{1}, 0, make([]int32, 6)), errs.ErrInvalidShape)

	swapped, err := pack.PackMoving(make([]int8, 12), 3, 4, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, Int32(e, swapped, pb2, nil, 0, make([]int32, 6)), errs.ErrInvalidShape)

	// A zero point folds into the bias; its length is still checked first.
	pu, err := pack.PackMoving(make([]uint8, 8), 4, 2, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, Int32(e, pa, pu, []int32{1}, 3, make([]int32, 6)), errs.ErrInvalidShape)
	assert.ErrorIs(t, Int32(e, pa, pu, []int32{1, 2, 3, 4, 5}, 3, make([]int32, 6)), errs.ErrInvalidShape)
	require.NoError(t, Int32(e, pa, pu, []int32{1, 2, 3}, 3, make([]int32, 6)))
}

func TestMixedHalfRejected(t *testing.T) {
	t.Parallel()

	pa, err := pack.PackStationary(make([]float16.Float16, 4), 2, 2)
	require.NoError(t, err)
	pb, err := pack.PackMoving(make([]float32, 4), 2, 2, 4)
	require.NoError(t, err)
	acc, err := NewAccumulator[float32](2, 2, 2, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, Accumulate(testEngine(4, 1), pa, pb, acc), errs.ErrUnsupportedDtype)
}

// All-ones activations against per-channel weights w_i with scale 0.01 on
// both weights and output: each output is 32*w_i + 128 clipped to uint8.
func TestInt8ScenarioUint8Output(t *testing.T) {
	t.Parallel()

	const m, n, k = 16, 16, 32
	w := make([]int8, m*k)
	for i := range m {
		for p := range k {
			w[i*k+p] = int8(i - 8)
		}
	}
	x := make([]int8, k*n)
	for i := range x {
		x[i] = 1
	}
	scales := make([]float32, m)
	for i := range scales {
		scales[i] = 0.01
	}
	params, err := quant.Derive(1, scales, 0.01, 128, quant.Uint8Range)
	require.NoError(t, err)

	pa, err := pack.PackStationary(w, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(x, k, n, 8)
	require.NoError(t, err)

	out := make([]uint8, m*n)
	require.NoError(t, Int8(testEngine(8, 4), pa, pb, nil, 0, params, out))
	for i := range m {
		want := min(max(32*(i-8)+128, 0), 255)
		for j := range n {
			assert.Equal(t, uint8(want), out[i*n+j], "channel %d col %d", i, j)
		}
	}
}

func TestInt8ZeroPointFolding(t *testing.T) {
	t.Parallel()

	const m, n, k = 5, 7, 11
	rng := rand.New(rand.NewSource(5))
	w := randInt8(rng, m*k)
	x := make([]uint8, k*n)
	for i := range x {
		x[i] = uint8(rng.Intn(256))
	}
	const zp = 131
	bias := []int32{5, -5, 100, 0, 7}

	pa, err := pack.PackStationary(w, m, k)
	require.NoError(t, err)
	pb, err := pack.PackMoving(x, k, n, 4)
	require.NoError(t, err)
	got := make([]int32, m*n)
	require.NoError(t, Int32(testEngine(4, 2), pa, pb, bias, zp, got))

	for i := range m {
		for j := range n {
			want := bias[i]
			for p := range k {
				want += int32(w[i*k+p]) * (int32(x[p*n+j]) - zp)
			}
			assert.Equal(t, want, got[i*n+j])
		}
	}
}

func TestSelectBlocksBudget(t *testing.T) {
	t.Parallel()

	budget := 96 << 10
	for _, tc := range []struct{ m, n, k int }{
		{1024, 1024, 1024},
		{16, 4096, 2048},
		{4096, 8, 512},
		{3, 3, 3},
	} {
		b := SelectBlocks(tc.m, tc.n, tc.k, 1, 4, budget, 8)
		cost := (b.M*b.K+b.K*b.N)*1 + b.M*b.N*4
		assert.LessOrEqual(t, cost, budget, "%+v -> %+v", tc, b)
		assert.LessOrEqual(t, b.M, tc.m)
		assert.LessOrEqual(t, b.N, tc.n)
		assert.LessOrEqual(t, b.K, tc.k)
		if b.N < tc.n {
			assert.Zero(t, b.N%16, "N block %d not tile aligned", b.N)
		}
		if b.K < tc.k {
			assert.Zero(t, b.K%4, "K block %d not aligned", b.K)
		}
	}

	// A tiny K leaves room to grow the spatial block.
	wide := SelectBlocks(64, 4096, 8, 1, 4, budget, 8)
	assert.Greater(t, wide.N, defaultBlockN)
}
