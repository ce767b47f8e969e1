// Package pack reorders row-major GEMM operands into the tiled layouts the
// micro kernels stream from.
//
// The stationary operand (weights, A[M,K]) is cut into row tiles of height
// 12, 8, 4, 2 or 1 and stored as [tiles][K][tileRows]. The moving operand
// (activations, B[K,N]) is cut into column tiles of width 2*lane, lane and a
// single narrower tail, stored as [tiles][K][tileCols]. Remainders are packed
// as narrower tiles and never padded.
package pack

import (
	"golang.org/x/exp/constraints"

	"github.com/samcharles93/quill/internal/errs"
)

// Element is any scalar the packer can move. float16.Float16 satisfies it
// through its uint16 underlying type.
type Element interface {
	constraints.Integer | constraints.Float
}

// Role says which side of the product an operand sits on.
type Role uint8

const (
	Stationary Role = iota
	Moving
)

func (r Role) String() string {
	switch r {
	case Stationary:
		return "stationary"
	case Moving:
		return "moving"
	default:
		return "unknown"
	}
}

// StationaryHeights are the row tile heights, largest first.
var StationaryHeights = [...]int{12, 8, 4, 2, 1}

// MaxTileRows bounds a stationary tile.
const MaxTileRows = 12

// Tile is one packed tile: it covers [Start, Start+Width) along the tiled
// axis and its data begins at Offset in the packed buffer.
type Tile struct {
	Start  int
	Width  int
	Offset int
}

// Plan describes how a rows x cols operand is tiled.
type Plan struct {
	Role  Role
	Rows  int
	Cols  int
	Lane  int
	Tiles []Tile
}

// Size is the number of elements the packed buffer holds.
func (p Plan) Size() int { return p.Rows * p.Cols }

// Depth is the length of the shared (K) axis.
func (p Plan) Depth() int {
	if p.Role == Stationary {
		return p.Cols
	}
	return p.Rows
}

// Extent is the length of the tiled axis.
func (p Plan) Extent() int {
	if p.Role == Stationary {
		return p.Rows
	}
	return p.Cols
}

// TileRange returns the [lo, hi) span of the tiled axis covered by tiles [t0, t1).
func (p Plan) TileRange(t0, t1 int) (int, int) {
	if t0 >= t1 {
		return 0, 0
	}
	last := p.Tiles[t1-1]
	return p.Tiles[t0].Start, last.Start + last.Width
}

// PlanStationary tiles the rows of a rows x cols operand greedily over
// StationaryHeights.
func PlanStationary(rows, cols int) Plan {
	p := Plan{Role: Stationary, Rows: rows, Cols: cols}
	start := 0
	for start < rows {
		rem := rows - start
		h := 1
		for _, c := range StationaryHeights {
			if c <= rem {
				h = c
				break
			}
		}
		p.Tiles = append(p.Tiles, Tile{Start: start, Width: h, Offset: start * cols})
		start += h
	}
	return p
}

// PlanMoving tiles the columns of a rows x cols operand: 2*lane wide tiles
// while they fit, one lane wide tile if it fits, then a single tail holding
// whatever is left.
func PlanMoving(rows, cols, lane int) Plan {
	p := Plan{Role: Moving, Rows: rows, Cols: cols, Lane: lane}
	if lane <= 0 {
		lane = 1
	}
	start := 0
	add := func(w int) {
		p.Tiles = append(p.Tiles, Tile{Start: start, Width: w, Offset: start * rows})
		start += w
	}
	for cols-start >= 2*lane {
		add(2 * lane)
	}
	if cols-start >= lane {
		add(lane)
	}
	if rem := cols - start; rem > 0 {
		add(rem)
	}
	return p
}

// PlanUniform tiles the columns of a moving operand into width-wide tiles
// followed by one narrower tail.
func PlanUniform(rows, cols, width int) Plan {
	p := Plan{Role: Moving, Rows: rows, Cols: cols, Lane: width}
	for start := 0; start < cols; start += width {
		w := min(width, cols-start)
		p.Tiles = append(p.Tiles, Tile{Start: start, Width: w, Offset: start * rows})
	}
	return p
}

// PlanStrided tiles the rows of a stationary operand into height-high
// tiles whose data lives stride elements apart from base. It describes
// operands interleaved with others in one buffer, such as transformed
// kernel slots.
func PlanStrided(rows, cols, height, base, stride int) Plan {
	p := Plan{Role: Stationary, Rows: rows, Cols: cols}
	for i, start := 0, 0; start < rows; i, start = i+1, start+height {
		w := min(height, rows-start)
		p.Tiles = append(p.Tiles, Tile{Start: start, Width: w, Offset: base + i*stride})
	}
	return p
}

// Matrix is a packed operand. Data is always a private copy.
type Matrix[T Element] struct {
	Plan
	Data []T
}

// Tile returns the packed data of tile i.
func (m *Matrix[T]) Tile(i int) []T {
	t := m.Tiles[i]
	n := t.Width * m.Depth()
	return m.Data[t.Offset : t.Offset+n]
}

func checkSource(n, rows, cols int) error {
	if rows < 0 || cols < 0 {
		return errs.Shape("negative operand dims %dx%d", rows, cols)
	}
	if n < rows*cols {
		return errs.Shape("source holds %d elements, operand is %dx%d", n, rows, cols)
	}
	return nil
}

func checkDest(n int, p Plan) error {
	if n < p.Size() {
		return errs.Shape("%s buffer holds %d elements, need %d", p.Role, n, p.Size())
	}
	return nil
}

// PackStationary copies row-major src [rows, cols] into a new stationary
// matrix laid out as [tiles][cols][tileRows].
func PackStationary[T Element](src []T, rows, cols int) (*Matrix[T], error) {
	if err := checkSource(len(src), rows, cols); err != nil {
		return nil, err
	}
	m := &Matrix[T]{Plan: PlanStationary(rows, cols), Data: make([]T, rows*cols)}
	packStationary(m.Data, src, m.Plan)
	return m, nil
}

// PackStationaryInto packs into dst, which must hold at least rows*cols elements.
func PackStationaryInto[T Element](dst, src []T, rows, cols int) (*Matrix[T], error) {
	if err := checkSource(len(src), rows, cols); err != nil {
		return nil, err
	}
	p := PlanStationary(rows, cols)
	if err := checkDest(len(dst), p); err != nil {
		return nil, err
	}
	packStationary(dst, src, p)
	return &Matrix[T]{Plan: p, Data: dst[:p.Size()]}, nil
}

func packStationary[T Element](dst, src []T, p Plan) {
	cols := p.Cols
	for _, t := range p.Tiles {
		out := dst[t.Offset : t.Offset+t.Width*cols]
		for r := range t.Width {
			row := src[(t.Start+r)*cols : (t.Start+r+1)*cols]
			for k, v := range row {
				out[k*t.Width+r] = v
			}
		}
	}
}

// PackMoving copies row-major src [rows, cols] into a new moving matrix laid
// out as [tiles][rows][tileCols].
func PackMoving[T Element](src []T, rows, cols, lane int) (*Matrix[T], error) {
	if err := checkSource(len(src), rows, cols); err != nil {
		return nil, err
	}
	m := &Matrix[T]{Plan: PlanMoving(rows, cols, lane), Data: make([]T, rows*cols)}
	packMoving(m.Data, src, cols, m.Plan)
	return m, nil
}

// PackMovingInto packs into dst, which must hold at least rows*cols elements.
func PackMovingInto[T Element](dst, src []T, rows, cols, lane int) (*Matrix[T], error) {
	if err := checkSource(len(src), rows, cols); err != nil {
		return nil, err
	}
	p := PlanMoving(rows, cols, lane)
	if err := checkDest(len(dst), p); err != nil {
		return nil, err
	}
	packMoving(dst, src, cols, p)
	return &Matrix[T]{Plan: p, Data: dst[:p.Size()]}, nil
}

// PackMovingStrided packs a rows x cols window of a row-major source whose
// rows are ld elements apart.
func PackMovingStrided[T Element](dst, src []T, rows, cols, ld, lane int) (*Matrix[T], error) {
	if ld < cols || (rows > 0 && len(src) < (rows-1)*ld+cols) {
		return nil, errs.Shape("strided source too small: %d elements, rows=%d cols=%d ld=%d", len(src), rows, cols, ld)
	}
	p := PlanMoving(rows, cols, lane)
	if dst == nil {
		dst = make([]T, p.Size())
	}
	if err := checkDest(len(dst), p); err != nil {
		return nil, err
	}
	packMoving(dst, src, ld, p)
	return &Matrix[T]{Plan: p, Data: dst[:p.Size()]}, nil
}

func packMoving[T Element](dst, src []T, ld int, p Plan) {
	for _, t := range p.Tiles {
		out := dst[t.Offset : t.Offset+t.Width*p.Rows]
		for k := range p.Rows {
			copy(out[k*t.Width:(k+1)*t.Width], src[k*ld+t.Start:k*ld+t.Start+t.Width])
		}
	}
}

// Unpack restores the row-major [Rows, Cols] matrix m was packed from.
func Unpack[T Element](m *Matrix[T]) []T {
	out := make([]T, m.Size())
	switch m.Role {
	case Stationary:
		cols := m.Cols
		for i, t := range m.Tiles {
			tile := m.Tile(i)
			for k := range cols {
				for r := range t.Width {
					out[(t.Start+r)*cols+k] = tile[k*t.Width+r]
				}
			}
		}
	case Moving:
		cols := m.Cols
		for i, t := range m.Tiles {
			tile := m.Tile(i)
			for k := range m.Rows {
				copy(out[k*cols+t.Start:k*cols+t.Start+t.Width], tile[k*t.Width:(k+1)*t.Width])
			}
		}
	}
	return out
}
