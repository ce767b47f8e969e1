// Package gemm is the blocked, packed matrix multiply engine:
// C[M,N] = A[M,K]·B[K,N] + bias[M], with A packed as the stationary operand
// and B as the moving operand.
//
// Accumulation is always wider than the operands: int8 and uint8 sum into
// int32, float16 into float32, int32 into int64. The output domain is split
// over (M-tile, N-tile) rectangles and each worker runs every K-block of its
// rectangle in order.
package gemm

import (
	"unsafe"

	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
)

// Engine binds a worker pool to a blocking configuration.
type Engine struct {
	pool *parallel.Pool
	cfg  Config
}

func New(pool *parallel.Pool, cfg Config) *Engine {
	if cfg.Lane <= 0 {
		cfg.Lane = 4
	}
	return &Engine{pool: pool, cfg: cfg}
}

func (e *Engine) Config() Config       { return e.cfg }
func (e *Engine) Pool() *parallel.Pool { return e.pool }
func (e *Engine) Lane() int            { return e.cfg.Lane }

// Blocks returns the blocking triple used for an M x N x K product.
func (e *Engine) Blocks(m, n, k, elemSize, accSize int) Blocks {
	if !e.cfg.Blocks.zero() {
		b := e.cfg.Blocks
		return Blocks{M: max(1, b.M), N: max(1, b.N), K: max(1, b.K)}
	}
	return SelectBlocks(m, n, k, elemSize, accSize, e.cfg.budgetBytes(), e.cfg.Lane)
}

func checkOperands[EA, EB pack.Element, T Acc](a *pack.Matrix[EA], b *pack.Matrix[EB], acc *Accumulator[T]) error {
	switch {
	case a.Role != pack.Stationary:
		return errs.Shape("A is packed as %s, want stationary", a.Role)
	case b.Role != pack.Moving:
		return errs.Shape("B is packed as %s, want moving", b.Role)
	case a.Cols != b.Rows:
		return errs.Shape("A is %dx%d, B is %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	case a.Rows != acc.M || b.Cols != acc.N || a.Cols != acc.K:
		return errs.Shape("accumulator is %dx%d depth %d, product is %dx%d depth %d",
			acc.M, acc.N, acc.K, a.Rows, b.Cols, a.Cols)
	}
	return nil
}

// Accumulate adds every remaining K-block of A·B into acc.
func Accumulate[EA, EB pack.Element, T Acc](e *Engine, a *pack.Matrix[EA], b *pack.Matrix[EB], acc *Accumulator[T]) error {
	return run(e, a, b, acc, acc.Next(), acc.K, nil)
}

// AccumulateBlock adds the K range [k0, k1) of A·B into acc. Blocks must
// arrive in increasing, contiguous order starting at 0.
func AccumulateBlock[EA, EB pack.Element, T Acc](e *Engine, a *pack.Matrix[EA], b *pack.Matrix[EB], acc *Accumulator[T], k0, k1 int) error {
	return run(e, a, b, acc, k0, k1, nil)
}

// run adds [k0, k1) into acc across the pool. finish is called by each
// worker once its rectangle (in element coordinates) holds final sums.
func run[EA, EB pack.Element, T Acc](
	e *Engine, a *pack.Matrix[EA], b *pack.Matrix[EB], acc *Accumulator[T], k0, k1 int,
	finish func(r parallel.Rect) error,
) error {
	if err := checkOperands(a, b, acc); err != nil {
		return err
	}
	if err := acc.check(k0, k1); err != nil {
		return err
	}
	kern, err := microFor[EA, EB, T]()
	if err != nil {
		return err
	}

	var (
		ea EA
		t  T
	)
	bl := e.Blocks(acc.M, acc.N, k1-k0, int(unsafe.Sizeof(ea)), int(unsafe.Sizeof(t)))

	err = e.pool.Partitioned(len(a.Tiles), len(b.Tiles), func(r parallel.Rect) error {
		for kb := k0; kb < k1; kb += bl.K {
			accumulateRect(kern, a, b, acc, r, kb, min(kb+bl.K, k1), bl)
		}
		if finish == nil {
			return nil
		}
		m0, m1 := a.TileRange(r.M0, r.M1)
		n0, n1 := b.TileRange(r.N0, r.N1)
		return finish(parallel.Rect{M0: m0, M1: m1, N0: n0, N1: n1})
	})
	if err != nil {
		return err
	}
	acc.next = k1
	return nil
}

// accumulateRect runs one K-block over the tiles of r, grouped into
// M x N cache blocks.
func accumulateRect[EA, EB pack.Element, T Acc](
	kern microFunc[EA, EB, T], a *pack.Matrix[EA], b *pack.Matrix[EB], acc *Accumulator[T],
	r parallel.Rect, k0, k1 int, bl Blocks,
) {
	n := acc.N
	kn := k1 - k0
	for mg := r.M0; mg < r.M1; {
		mgEnd := group(a.Tiles, mg, r.M1, bl.M)
		for ng := r.N0; ng < r.N1; {
			ngEnd := group(b.Tiles, ng, r.N1, bl.N)
			for mt := mg; mt < mgEnd; mt++ {
				at := a.Tiles[mt]
				aData := a.Tile(mt)[k0*at.Width:]
				for nt := ng; nt < ngEnd; nt++ {
					bt := b.Tiles[nt]
					bData := b.Tile(nt)[k0*bt.Width:]
					kern(acc.Data[at.Start*n+bt.Start:], n, aData, at.Width, bData, bt.Width, kn)
				}
			}
			ng = ngEnd
		}
		mg = mgEnd
	}
}

// group returns the end of the run of tiles starting at i whose combined
// width fits in limit. The run always holds at least one tile.
func group(tiles []pack.Tile, i, end, limit int) int {
	w := tiles[i].Width
	j := i + 1
	for j < end && w+tiles[j].Width <= limit {
		w += tiles[j].Width
		j++
	}
	return j
}

func checkDst(have, m, n int) error {
	if have < m*n {
		return errs.Shape("output holds %d elements, need %dx%d", have, m, n)
	}
	return nil
}

// RowSums returns the sum of each row of a packed int8 stationary operand.
func RowSums(a *pack.Matrix[int8]) []int32 {
	out := make([]int32, a.Rows)
	for i, t := range a.Tiles {
		tile := a.Tile(i)
		for k := range a.Cols {
			for r, v := range tile[k*t.Width : (k+1)*t.Width] {
				out[t.Start+r] += int32(v)
			}
		}
	}
	return out
}

// FoldZeroPoint returns bias - zp*rowSums, the seed that makes
// Σ a·b equal Σ a·(b - zp) for moving operands with zero point zp.
func FoldZeroPoint(bias, rowSums []int32, zp int32) []int32 {
	out := make([]int32, len(rowSums))
	for i, s := range rowSums {
		if bias != nil {
			out[i] = bias[i]
		}
		out[i] -= zp * s
	}
	return out
}

// Int8 computes dst = requantize(A·(B - zpB) + bias) for int8 weights and
// int8 or uint8 activations. Requantization runs per output row (channel)
// with p, in the worker that owns the rows. bias may be nil.
func Int8[EB, O ~int8 | ~uint8](
	e *Engine, a *pack.Matrix[int8], b *pack.Matrix[EB], bias []int32, zpB int32, p *quant.Params, dst []O,
) error {
	m, n := a.Rows, b.Cols
	if err := checkDst(len(dst), m, n); err != nil {
		return err
	}
	if bias != nil && len(bias) != m {
		return errs.Shape("bias has %d values for %d rows", len(bias), m)
	}
	if err := p.CheckChannels(m); err != nil {
		return err
	}
	seed := bias
	if zpB != 0 {
		seed = FoldZeroPoint(bias, RowSums(a), zpB)
	}
	acc, err := NewAccumulator(m, n, a.Cols, seed)
	if err != nil {
		return err
	}
	return run(e, a, b, acc, 0, a.Cols, func(r parallel.Rect) error {
		for i := r.M0; i < r.M1; i++ {
			quant.ApplyRow(p, i, acc.Data[i*n+r.N0:i*n+r.N1], dst[i*n+r.N0:i*n+r.N1])
		}
		return nil
	})
}

// Int32 computes the raw int32 accumulators A·(B - zpB) + bias into dst.
func Int32[EB ~int8 | ~uint8](e *Engine, a *pack.Matrix[int8], b *pack.Matrix[EB], bias []int32, zpB int32, dst []int32) error {
	if err := checkDst(len(dst), a.Rows, b.Cols); err != nil {
		return err
	}
	if bias != nil && len(bias) != a.Rows {
		return errs.Shape("bias has %d values for %d rows", len(bias), a.Rows)
	}
	seed := bias
	if zpB != 0 {
		seed = FoldZeroPoint(bias, RowSums(a), zpB)
	}
	acc, err := NewAccumulatorInto(dst, a.Rows, b.Cols, a.Cols, seed)
	if err != nil {
		return err
	}
	return Accumulate(e, a, b, acc)
}

// Float32 computes dst = A·B + bias. dst doubles as the accumulator.
func Float32(e *Engine, a, b *pack.Matrix[float32], bias []float32, dst []float32) error {
	if err := checkDst(len(dst), a.Rows, b.Cols); err != nil {
		return err
	}
	acc, err := NewAccumulatorInto(dst, a.Rows, b.Cols, a.Cols, bias)
	if err != nil {
		return err
	}
	return Accumulate(e, a, b, acc)
}

// Float16 computes dst = A·B + bias with float32 accumulation, narrowing to
// half precision only on write-out.
func Float16(e *Engine, a, b *pack.Matrix[float16.Float16], bias []float32, dst []float16.Float16) error {
	m, n := a.Rows, b.Cols
	if err := checkDst(len(dst), m, n); err != nil {
		return err
	}
	acc, err := NewAccumulator(m, n, a.Cols, bias)
	if err != nil {
		return err
	}
	return run(e, a, b, acc, 0, a.Cols, func(r parallel.Rect) error {
		for i := r.M0; i < r.M1; i++ {
			for j := r.N0; j < r.N1; j++ {
				dst[i*n+j] = float16.Fromfloat32(acc.Data[i*n+j])
			}
		}
		return nil
	})
}

// Wide computes dst = A·B + bias for int32 operands with int64 accumulation.
func Wide(e *Engine, a, b *pack.Matrix[int32], bias []int64, dst []int64) error {
	if err := checkDst(len(dst), a.Rows, b.Cols); err != nil {
		return err
	}
	acc, err := NewAccumulatorInto(dst, a.Rows, b.Cols, a.Cols, bias)
	if err != nil {
		return err
	}
	return Accumulate(e, a, b, acc)
}
