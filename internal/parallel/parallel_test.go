package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quill/internal/errs"
)

func TestPartitionCoversDomainExactly(t *testing.T) {
	t.Parallel()

	dims := []int{1, 2, 3, 5, 7, 16, 33, 100}
	for threads := 1; threads <= 17; threads++ {
		for _, m := range dims {
			for _, n := range dims {
				rects := Partition(m, n, threads)
				require.NotEmpty(t, rects)
				require.LessOrEqual(t, len(rects), threads, "m=%d n=%d threads=%d", m, n, threads)

				hits := make([]int, m*n)
				for _, r := range rects {
					require.Positive(t, r.Rows())
					require.Positive(t, r.Cols())
					for i := r.M0; i < r.M1; i++ {
						for j := r.N0; j < r.N1; j++ {
							hits[i*n+j]++
						}
					}
				}
				for idx, h := range hits {
					require.Equal(t, 1, h, "cell %d m=%d n=%d threads=%d", idx, m, n, threads)
				}
			}
		}
	}
}

func TestPartitionAxisChoice(t *testing.T) {
	t.Parallel()

	// M dominates: rows only.
	for _, r := range Partition(1000, 4, 8) {
		assert.Equal(t, 0, r.N0)
		assert.Equal(t, 4, r.N1)
	}
	// N dominates: columns only.
	for _, r := range Partition(3, 900, 6) {
		assert.Equal(t, 0, r.M0)
		assert.Equal(t, 3, r.M1)
	}
	// Square domain with a non-square thread count still uses a 2-D grid.
	rects := Partition(64, 64, 6)
	assert.Len(t, rects, 6)
	rowsSplit, colsSplit := false, false
	for _, r := range rects {
		rowsSplit = rowsSplit || r.Rows() < 64
		colsSplit = colsSplit || r.Cols() < 64
	}
	assert.True(t, rowsSplit)
	assert.True(t, colsSplit)
}

func TestPartitionEmptyDomain(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Partition(0, 5, 4))
	assert.Nil(t, Partition(5, 0, 4))
}

func TestSplitSizes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, [][2]int{{0, 4}, {4, 7}, {7, 10}}, Split(10, 3))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, Split(2, 5))
	assert.Nil(t, Split(0, 3))
}

func TestPoolRunVisitsEveryIndex(t *testing.T) {
	t.Parallel()

	for _, threads := range []int{1, 3, 8} {
		p := NewPool(threads)
		var seen [100]atomic.Int32
		require.NoError(t, p.Run(len(seen), func(i int) error {
			seen[i].Add(1)
			return nil
		}))
		for i := range seen {
			assert.Equal(t, int32(1), seen[i].Load(), "index %d", i)
		}
	}
}

func TestPoolRunAggregatesFailures(t *testing.T) {
	t.Parallel()

	p := NewPool(4)
	err := p.Run(10, func(i int) error {
		switch i {
		case 2:
			return errs.Shape("task %d", i)
		case 7:
			return errs.Dtype("task %d", i)
		case 9:
			panic("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)
	assert.ErrorIs(t, err, errs.ErrUnsupportedDtype)
	assert.Contains(t, err.Error(), "worker 9 panicked")
}

func TestPoolRecoveredPanicCarriesStack(t *testing.T) {
	t.Parallel()

	for _, threads := range []int{1, 3} {
		err := NewPool(threads).Run(2, func(i int) error {
			if i == 1 {
				panic("boom")
			}
			return nil
		})
		require.Error(t, err)
		var st interface{ StackTrace() errors.StackTrace }
		require.True(t, errors.As(err, &st), "threads=%d", threads)
		assert.NotEmpty(t, st.StackTrace())
	}
}

func TestNilPoolRunsInline(t *testing.T) {
	t.Parallel()

	var p *Pool
	assert.Equal(t, 1, p.Threads())
	count := 0
	require.NoError(t, p.Run(5, func(int) error {
		count++
		return nil
	}))
	assert.Equal(t, 5, count)

	err := p.Run(2, func(i int) error { return errors.Errorf("fail %d", i) })
	assert.ErrorContains(t, err, "fail 0")
	assert.ErrorContains(t, err, "fail 1")
}

func TestPartitionedWritesDisjoint(t *testing.T) {
	t.Parallel()

	const m, n = 37, 23
	out := make([]int32, m*n)
	p := NewPool(5)
	require.NoError(t, p.Partitioned(m, n, func(r Rect) error {
		for i := r.M0; i < r.M1; i++ {
			for j := r.N0; j < r.N1; j++ {
				out[i*n+j]++
			}
		}
		return nil
	}))
	for _, v := range out {
		assert.Equal(t, int32(1), v)
	}
}
