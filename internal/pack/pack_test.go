package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
)

func seq[T Element](n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(i % 120)
	}
	return out
}

func widths(p Plan) []int {
	out := make([]int, len(p.Tiles))
	for i, t := range p.Tiles {
		out[i] = t.Width
	}
	return out
}

func TestPlanStationaryHeights(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rows int
		want []int
	}{
		{rows: 1, want: []int{1}},
		{rows: 3, want: []int{2, 1}},
		{rows: 12, want: []int{12}},
		{rows: 13, want: []int{12, 1}},
		{rows: 23, want: []int{12, 8, 2, 1}},
		{rows: 31, want: []int{12, 12, 4, 2, 1}},
	}
	for _, tt := range tests {
		p := PlanStationary(tt.rows, 5)
		assert.Equal(t, tt.want, widths(p), "rows=%d", tt.rows)
	}
	assert.Empty(t, PlanStationary(0, 5).Tiles)
}

func TestPlanMovingWidths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cols, lane int
		want       []int
	}{
		{cols: 3, lane: 4, want: []int{3}},
		{cols: 4, lane: 4, want: []int{4}},
		{cols: 8, lane: 4, want: []int{8}},
		{cols: 13, lane: 4, want: []int{8, 4, 1}},
		{cols: 23, lane: 4, want: []int{8, 8, 4, 3}},
		{cols: 33, lane: 8, want: []int{16, 16, 1}},
		{cols: 30, lane: 8, want: []int{16, 8, 6}},
	}
	for _, tt := range tests {
		p := PlanMoving(2, tt.cols, tt.lane)
		assert.Equal(t, tt.want, widths(p), "cols=%d lane=%d", tt.cols, tt.lane)
	}
}

func TestPlanUniform(t *testing.T) {
	t.Parallel()

	p := PlanUniform(3, 19, 8)
	assert.Equal(t, []int{8, 8, 3}, widths(p))
	assert.Equal(t, 16*3, p.Tiles[2].Offset)
}

func TestStationaryLayout(t *testing.T) {
	t.Parallel()

	// 3x2 matrix: tiles of height 2 then 1.
	src := []int8{1, 2, 3, 4, 5, 6}
	m, err := PackStationary(src, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 3, 2, 4, 5, 6}, m.Data)
	assert.Equal(t, []int8{1, 3, 2, 4}, m.Tile(0))
}

func TestMovingLayout(t *testing.T) {
	t.Parallel()

	// 2x5 matrix, lane 2: tiles of width 4 then 1.
	src := []int32{0, 1, 2, 3, 4, 10, 11, 12, 13, 14}
	m, err := PackMoving(src, 2, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 10, 11, 12, 13, 4, 14}, m.Data)
}

func TestRoundTripBoundaries(t *testing.T) {
	t.Parallel()

	for _, lane := range []int{4, 8, 16} {
		for rows := 1; rows <= 2*lane+3; rows++ {
			for _, cols := range []int{1, 2, 3, lane - 1, lane, lane + 1, 2*lane - 1, 2 * lane, 2*lane + 1, 3*lane + 2} {
				src := seq[int8](rows * cols)

				s, err := PackStationary(src, rows, cols)
				require.NoError(t, err)
				require.Equal(t, src, Unpack(s), "stationary rows=%d cols=%d", rows, cols)

				m, err := PackMoving(src, rows, cols, lane)
				require.NoError(t, err)
				require.Equal(t, src, Unpack(m), "moving rows=%d cols=%d lane=%d", rows, cols, lane)
			}
		}
	}
}

func TestRoundTripOtherElements(t *testing.T) {
	t.Parallel()

	f32 := seq[float32](7 * 9)
	m, err := PackMoving(f32, 7, 9, 4)
	require.NoError(t, err)
	assert.Equal(t, f32, Unpack(m))

	f16 := make([]float16.Float16, 5*11)
	for i := range f16 {
		f16[i] = float16.Fromfloat32(float32(i) * 0.5)
	}
	s, err := PackStationary(f16, 5, 11)
	require.NoError(t, err)
	assert.Equal(t, f16, Unpack(s))

	u8 := seq[uint8](13 * 3)
	s8, err := PackStationary(u8, 13, 3)
	require.NoError(t, err)
	assert.Equal(t, u8, Unpack(s8))
}

func TestIntoChecksBuffers(t *testing.T) {
	t.Parallel()

	src := seq[int8](12)
	_, err := PackStationaryInto(make([]int8, 11), src, 3, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)

	_, err = PackMovingInto(make([]int8, 11), src, 3, 4, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)

	_, err = PackMoving(src[:5], 3, 4, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)

	dst := make([]int8, 20)
	m, err := PackMovingInto(dst, src, 3, 4, 4)
	require.NoError(t, err)
	assert.Len(t, m.Data, 12)
	assert.Equal(t, src, Unpack(m))
}

func TestPackMovingStrided(t *testing.T) {
	t.Parallel()

	// Take the left 3 columns of a 2x5 matrix.
	src := []int32{1, 2, 3, 9, 9, 4, 5, 6, 9, 9}
	m, err := PackMovingStrided(nil, src, 2, 3, 5, 4)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, Unpack(m))

	_, err = PackMovingStrided(nil, src, 3, 3, 5, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidShape)
}

func TestTileRange(t *testing.T) {
	t.Parallel()

	p := PlanStationary(23, 4)
	lo, hi := p.TileRange(1, 3)
	assert.Equal(t, 12, lo)
	assert.Equal(t, 22, hi)
	assert.Equal(t, 4, p.Depth())
	assert.Equal(t, 23, p.Extent())
}
