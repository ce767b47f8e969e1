package gemm

import (
	"github.com/samcharles93/quill/internal/errs"
)

// Acc is the set of accumulation types.
type Acc interface {
	~int32 | ~int64 | ~float32
}

// Accumulator carries the running C[M,N] sums of a product across K-blocks.
// It starts from the broadcast bias and only accepts the next contiguous
// K range, so partial products are always added in increasing K order.
type Accumulator[T Acc] struct {
	M, N, K int
	Data    []T

	next int
}

// NewAccumulator allocates an M x N accumulator for a reduction of depth k,
// seeded with bias (one value per row, or nil for zero).
func NewAccumulator[T Acc](m, n, k int, bias []T) (*Accumulator[T], error) {
	return NewAccumulatorInto(nil, m, n, k, bias)
}

// NewAccumulatorInto is NewAccumulator backed by buf when it is large enough.
func NewAccumulatorInto[T Acc](buf []T, m, n, k int, bias []T) (*Accumulator[T], error) {
	if m < 0 || n < 0 || k < 0 {
		return nil, errs.Shape("accumulator dims %dx%d depth %d", m, n, k)
	}
	if buf != nil && len(buf) < m*n {
		return nil, errs.Shape("accumulator buffer holds %d elements, need %d", len(buf), m*n)
	}
	if buf == nil {
		buf = make([]T, m*n)
	}
	a := &Accumulator[T]{M: m, N: n, K: k, Data: buf[:m*n]}
	if err := a.Reset(bias); err != nil {
		return nil, err
	}
	return a, nil
}

// Reset reseeds the accumulator from bias and rewinds it to K offset 0.
func (a *Accumulator[T]) Reset(bias []T) error {
	if bias != nil && len(bias) != a.M {
		return errs.Shape("bias has %d values for %d rows", len(bias), a.M)
	}
	a.next = 0
	if bias == nil {
		clear(a.Data)
		return nil
	}
	for i, b := range bias {
		row := a.Data[i*a.N : (i+1)*a.N]
		for j := range row {
			row[j] = b
		}
	}
	return nil
}

// Next is the K offset the next block must start at.
func (a *Accumulator[T]) Next() int { return a.next }

// Done reports whether every K-block has been added.
func (a *Accumulator[T]) Done() bool { return a.next == a.K }

// Row returns row i of the running sums.
func (a *Accumulator[T]) Row(i int) []T {
	return a.Data[i*a.N : (i+1)*a.N]
}

func (a *Accumulator[T]) check(k0, k1 int) error {
	if k0 != a.next {
		return errs.Shape("k-block [%d, %d) out of order, next block starts at %d", k0, k1, a.next)
	}
	if k1 < k0 || k1 > a.K {
		return errs.Shape("k-block [%d, %d) outside depth %d", k0, k1, a.K)
	}
	return nil
}
