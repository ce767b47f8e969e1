package tensor

import (
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
)

// Layout tags the memory order of a tensor's buffer.
type Layout uint8

const (
	// LayoutNCHW is plain row-major N, C, H, W (and row-major for other ranks).
	LayoutNCHW Layout = iota
	// LayoutBlocked is N, ceil(C/lane), H, W, lane: lane consecutive channels
	// of one pixel are contiguous. Channels past C hold the zero point.
	LayoutBlocked
)

func (l Layout) String() string {
	switch l {
	case LayoutNCHW:
		return "nchw"
	case LayoutBlocked:
		return "blocked"
	default:
		return "layout(?)"
	}
}

// NewBlocked allocates a zeroed [N, C, H, W] tensor in the blocked layout.
func NewBlocked(dtype DType, lane int, shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(s) != 4 || lane <= 0 {
		return nil, errs.Shape("blocked tensor %s at lane %d", s, lane)
	}
	t := &Tensor{DType: dtype, Shape: s.Clone(), Layout: LayoutBlocked, Lane: lane}
	if err := t.alloc(t.StorageElements()); err != nil {
		return nil, err
	}
	return t, nil
}

// ToBlocked copies an NCHW tensor into the blocked layout with the given lane width.
func ToBlocked(t *Tensor, lane int) (*Tensor, error) {
	if t.Layout != LayoutNCHW {
		return nil, errs.Shape("ToBlocked expects nchw, got %s", t.Layout)
	}
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if lane <= 0 {
		return nil, errs.Shape("lane width %d", lane)
	}
	out := &Tensor{
		DType:  t.DType,
		Shape:  t.Shape.Clone(),
		Layout: LayoutBlocked,
		Lane:   lane,
		Quant:  t.Quant,
	}
	if err := out.alloc(out.StorageElements()); err != nil {
		return nil, err
	}
	zp := t.ZeroPoint()
	switch t.DType {
	case Float32:
		blockNCHW(t.F32, out.F32, n, c, h, w, lane, 0)
	case Float16:
		blockNCHW(t.F16, out.F16, n, c, h, w, lane, float16.Float16(0))
	case Int8:
		blockNCHW(t.I8, out.I8, n, c, h, w, lane, int8(zp))
	case Uint8:
		blockNCHW(t.U8, out.U8, n, c, h, w, lane, uint8(zp))
	case Int32:
		blockNCHW(t.I32, out.I32, n, c, h, w, lane, 0)
	}
	return out, nil
}

// FromBlocked copies a blocked tensor back to NCHW, dropping pad channels.
func FromBlocked(t *Tensor) (*Tensor, error) {
	if t.Layout != LayoutBlocked {
		return nil, errs.Shape("FromBlocked expects blocked, got %s", t.Layout)
	}
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	out := &Tensor{DType: t.DType, Shape: t.Shape.Clone(), Layout: LayoutNCHW, Quant: t.Quant}
	if err := out.alloc(out.StorageElements()); err != nil {
		return nil, err
	}
	switch t.DType {
	case Float32:
		unblockNCHW(t.F32, out.F32, n, c, h, w, t.Lane)
	case Float16:
		unblockNCHW(t.F16, out.F16, n, c, h, w, t.Lane)
	case Int8:
		unblockNCHW(t.I8, out.I8, n, c, h, w, t.Lane)
	case Uint8:
		unblockNCHW(t.U8, out.U8, n, c, h, w, t.Lane)
	case Int32:
		unblockNCHW(t.I32, out.I32, n, c, h, w, t.Lane)
	}
	return out, nil
}

func blockNCHW[T any](src, dst []T, n, c, h, w, lane int, fill T) {
	blocks := ceilDiv(c, lane)
	hw := h * w
	for b := range n {
		for blk := range blocks {
			base := (b*blocks + blk) * hw * lane
			for l := range lane {
				ch := blk*lane + l
				if ch >= c {
					for p := range hw {
						dst[base+p*lane+l] = fill
					}
					continue
				}
				plane := src[(b*c+ch)*hw : (b*c+ch+1)*hw]
				for p, v := range plane {
					dst[base+p*lane+l] = v
				}
			}
		}
	}
}

func unblockNCHW[T any](src, dst []T, n, c, h, w, lane int) {
	blocks := ceilDiv(c, lane)
	hw := h * w
	for b := range n {
		for ch := range c {
			blk, l := ch/lane, ch%lane
			base := (b*blocks + blk) * hw * lane
			plane := dst[(b*c+ch)*hw : (b*c+ch+1)*hw]
			for p := range plane {
				plane[p] = src[base+p*lane+l]
			}
		}
	}
}
