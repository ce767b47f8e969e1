// Package tensor describes the operands the kernels consume: dtype, shape,
// memory layout, quantization records and one typed data buffer.
package tensor

import (
	"fmt"
	"math/rand"

	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/quant"
)

// MaxDims is the highest supported rank.
const MaxDims = 8

// Shape holds the logical dimensions. For 4-D activations the order is
// always N, C, H, W regardless of the memory layout.
type Shape []int

// NumElements returns the product of all dims (1 for a scalar).
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

// Validate checks rank and dim signs.
func (s Shape) Validate() error {
	if len(s) > MaxDims {
		return errs.Shape("rank %d exceeds %d", len(s), MaxDims)
	}
	for i, d := range s {
		if d < 0 {
			return errs.Shape("dim %d is negative (%d)", i, d)
		}
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is an N-dimensional array descriptor. Exactly one of the typed
// buffers is populated, selected by DType. Buffers may be borrowed; the
// kernels never retain them past a call.
//
// Quant holds one record for per-tensor quantization or one per channel.
type Tensor struct {
	DType  DType
	Shape  Shape
	Layout Layout
	// Lane is the channel block width for LayoutBlocked, 0 otherwise.
	Lane int

	F32 []float32
	F16 []float16.Float16
	I8  []int8
	U8  []uint8
	I32 []int32

	Quant []quant.Info
}

// New allocates a zeroed NCHW tensor.
func New(dtype DType, shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	t := &Tensor{DType: dtype, Shape: s.Clone(), Layout: LayoutNCHW}
	if err := t.alloc(s.NumElements()); err != nil {
		return nil, err
	}
	return t, nil
}

// MustNew is New for shapes known to be valid, typically in tests.
func MustNew(dtype DType, shape ...int) *Tensor {
	t, err := New(dtype, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) alloc(n int) error {
	switch t.DType {
	case Float32:
		t.F32 = make([]float32, n)
	case Float16:
		t.F16 = make([]float16.Float16, n)
	case Int8:
		t.I8 = make([]int8, n)
	case Uint8:
		t.U8 = make([]uint8, n)
	case Int32:
		t.I32 = make([]int32, n)
	default:
		return errs.Dtype("cannot allocate %s", t.DType)
	}
	return nil
}

// FromFloat32 wraps data as an NCHW float32 tensor.
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	t := &Tensor{DType: Float32, Shape: Shape(shape).Clone(), Layout: LayoutNCHW, F32: data}
	return t, t.Validate()
}

// FromInt8 wraps data as an NCHW int8 tensor with the given records.
func FromInt8(data []int8, q []quant.Info, shape ...int) (*Tensor, error) {
	t := &Tensor{DType: Int8, Shape: Shape(shape).Clone(), Layout: LayoutNCHW, I8: data, Quant: q}
	return t, t.Validate()
}

// FromUint8 wraps data as an NCHW uint8 tensor with the given records.
func FromUint8(data []uint8, q []quant.Info, shape ...int) (*Tensor, error) {
	t := &Tensor{DType: Uint8, Shape: Shape(shape).Clone(), Layout: LayoutNCHW, U8: data, Quant: q}
	return t, t.Validate()
}

// FromInt32 wraps data as an NCHW int32 tensor (biases, raw accumulators).
func FromInt32(data []int32, shape ...int) (*Tensor, error) {
	t := &Tensor{DType: Int32, Shape: Shape(shape).Clone(), Layout: LayoutNCHW, I32: data}
	return t, t.Validate()
}

// Len returns the number of stored elements of the active buffer.
func (t *Tensor) Len() int {
	switch t.DType {
	case Float32:
		return len(t.F32)
	case Float16:
		return len(t.F16)
	case Int8:
		return len(t.I8)
	case Uint8:
		return len(t.U8)
	case Int32:
		return len(t.I32)
	default:
		return 0
	}
}

// StorageElements returns how many elements the layout requires.
func (t *Tensor) StorageElements() int {
	if t.Layout == LayoutBlocked && len(t.Shape) == 4 && t.Lane > 0 {
		n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
		return n * ceilDiv(c, t.Lane) * t.Lane * h * w
	}
	return t.Shape.NumElements()
}

// Validate checks shape, layout and buffer length consistency.
func (t *Tensor) Validate() error {
	if err := t.Shape.Validate(); err != nil {
		return err
	}
	if t.DType.Size() == 0 {
		return errs.Dtype("tensor dtype %s", t.DType)
	}
	if t.Layout == LayoutBlocked {
		if len(t.Shape) != 4 {
			return errs.Shape("blocked layout needs rank 4, got %d", len(t.Shape))
		}
		if t.Lane <= 0 {
			return errs.Shape("blocked layout with lane %d", t.Lane)
		}
	}
	if got, want := t.Len(), t.StorageElements(); got != want {
		return errs.Shape("%s buffer holds %d elements, shape %s needs %d", t.DType, got, t.Shape, want)
	}
	return nil
}

// Channels returns the C dim of an NCHW shape, or dim 0 for 1-D/2-D
// tensors (weights and biases are indexed by output channel first).
func (t *Tensor) Channels() int {
	switch len(t.Shape) {
	case 0:
		return 1
	case 4:
		return t.Shape[1]
	default:
		return t.Shape[0]
	}
}

// QuantChannels returns 1 for per-tensor quantization or the channel count
// for per-channel quantization.
func (t *Tensor) QuantChannels() (int, error) {
	switch n := len(t.Quant); {
	case n == 1:
		return 1, nil
	case n > 1 && n == t.Channels():
		return n, nil
	default:
		return 0, errs.Quant("%d quant records for %d channels", n, t.Channels())
	}
}

// QuantScales returns the per-record scales.
func (t *Tensor) QuantScales() []float32 {
	scales := make([]float32, len(t.Quant))
	for i, q := range t.Quant {
		scales[i] = q.Scale
	}
	return scales
}

// ZeroPoint returns the per-tensor zero point, or 0 when unquantized.
func (t *Tensor) ZeroPoint() int32 {
	if len(t.Quant) == 0 {
		return 0
	}
	return t.Quant[0].ZeroPoint
}

// Dims4 unpacks a rank-4 shape.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, errs.Shape("expected rank 4, got %s", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// FillRand fills the tensor with reproducible pseudo-random values: the full
// integer range for quantized dtypes and roughly (-1, 1) for floats.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	switch t.DType {
	case Float32:
		for i := range t.F32 {
			t.F32[i] = rng.Float32()*2 - 1
		}
	case Float16:
		for i := range t.F16 {
			t.F16[i] = float16.Fromfloat32(rng.Float32()*2 - 1)
		}
	case Int8:
		for i := range t.I8 {
			t.I8[i] = int8(rng.Intn(256) - 128)
		}
	case Uint8:
		for i := range t.U8 {
			t.U8[i] = uint8(rng.Intn(256))
		}
	case Int32:
		for i := range t.I32 {
			t.I32[i] = int32(rng.Intn(2001) - 1000)
		}
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Data returns the active buffer as []T. T must match the dtype exactly.
func Data[T any](t *Tensor) ([]T, error) {
	var buf any
	switch t.DType {
	case Float32:
		buf = t.F32
	case Float16:
		buf = t.F16
	case Int8:
		buf = t.I8
	case Uint8:
		buf = t.U8
	case Int32:
		buf = t.I32
	}
	s, ok := buf.([]T)
	if !ok {
		return nil, errs.Dtype("tensor is %s, want %T", t.DType, *new(T))
	}
	return s, nil
}

// CopyData copies src's buffer into dst. Both must share dtype and length.
func CopyData(dst, src *Tensor) error {
	if dst.DType != src.DType {
		return errs.Dtype("copy %s into %s", src.DType, dst.DType)
	}
	if dst.Len() != src.Len() {
		return errs.Shape("copy %d elements into %d", src.Len(), dst.Len())
	}
	switch src.DType {
	case Float32:
		copy(dst.F32, src.F32)
	case Float16:
		copy(dst.F16, src.F16)
	case Int8:
		copy(dst.I8, src.I8)
	case Uint8:
		copy(dst.U8, src.U8)
	case Int32:
		copy(dst.I32, src.I32)
	}
	return nil
}
