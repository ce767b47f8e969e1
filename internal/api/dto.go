package api

import (
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
	"github.com/samcharles93/quill/internal/version"
)

// Tensor is the wire form of an NCHW tensor. Integer dtypes carry exact
// integral values in Data; Scale and ZeroPoint hold one record per tensor
// or one per output channel.
type Tensor struct {
	DType     string    `json:"dtype"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	Scale     []float32 `json:"scale,omitempty"`
	ZeroPoint []int32   `json:"zero_point,omitempty"`
}

// OutputSpec selects the result dtype and, for quantized results, its
// quantization.
type OutputSpec struct {
	DType     string  `json:"dtype"`
	Scale     float32 `json:"scale,omitempty"`
	ZeroPoint int32   `json:"zero_point,omitempty"`
}

type GEMMRequest struct {
	// A is the stationary [M, K] operand, B the moving [K, N] operand.
	A      Tensor     `json:"a"`
	B      Tensor     `json:"b"`
	Bias   *Tensor    `json:"bias,omitempty"`
	Output OutputSpec `json:"output"`
}

type GEMMResponse struct {
	RequestID string      `json:"request_id"`
	M         int         `json:"m"`
	N         int         `json:"n"`
	K         int         `json:"k"`
	Blocks    BlocksDTO   `json:"blocks"`
	Requant   *RequantDTO `json:"requant,omitempty"`
	Output    Tensor      `json:"output"`
	ElapsedUS int64       `json:"elapsed_us"`
}

type Conv2DRequest struct {
	Input     Tensor        `json:"input"`
	Weights   Tensor        `json:"weights"`
	Bias      *Tensor       `json:"bias,omitempty"`
	Params    conv.Params   `json:"params"`
	Algorithm ops.Algorithm `json:"algorithm,omitempty"`
	Output    OutputSpec    `json:"output"`
}

type Conv2DResponse struct {
	RequestID string        `json:"request_id"`
	Variant   ops.Algorithm `json:"variant"`
	Problem   string        `json:"problem"`
	Requant   *RequantDTO   `json:"requant,omitempty"`
	Output    Tensor        `json:"output"`
	ElapsedUS int64         `json:"elapsed_us"`
}

type BlocksDTO struct {
	M int `json:"m"`
	N int `json:"n"`
	K int `json:"k"`
}

type RequantDTO struct {
	Multiplier []int32 `json:"multiplier"`
	Shift      []int32 `json:"shift"`
	ZeroPoint  int32   `json:"zero_point"`
}

type InfoResponse struct {
	RequestID string       `json:"request_id"`
	Version   version.Info `json:"version"`
	Arch      string       `json:"arch"`
	Features  []string     `json:"features"`
	Lane      int          `json:"lane"`
	Threads   int          `json:"threads"`
	CacheKB   int          `json:"cache_kb"`
	Operators []ops.Kind   `json:"operators"`
}

type HealthResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ErrorResponse struct {
	RequestID string        `json:"request_id"`
	Error     ResponseError `json:"error"`
}

func blocksDTO(b gemm.Blocks) BlocksDTO { return BlocksDTO{M: b.M, N: b.N, K: b.K} }

func requantDTO(p *quant.Params) *RequantDTO {
	if p == nil {
		return nil
	}
	return &RequantDTO{Multiplier: p.Multiplier, Shift: p.Shift, ZeroPoint: p.ZeroPoint}
}

// toTensor validates the wire tensor and decodes it. what names the field
// in error messages.
func (w *Tensor) toTensor(what string) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(w.DType)
	if err != nil {
		return nil, newInvalidRequest("%s: %v", what, err)
	}
	t, err := tensor.New(dt, w.Shape...)
	if err != nil {
		return nil, newInvalidRequest("%s: %v", what, err)
	}
	if len(w.Data) != t.Len() {
		return nil, newInvalidRequest("%s: %d values for shape %v", what, len(w.Data), w.Shape)
	}
	for i, v := range w.Data {
		if dt != tensor.Float32 && dt != tensor.Float16 && (v != math.Trunc(v) || !inRange(dt, v)) {
			return nil, newInvalidRequest("%s: value %g at %d is not a valid %s", what, v, i, dt)
		}
		switch dt {
		case tensor.Float32:
			t.F32[i] = float32(v)
		case tensor.Float16:
			t.F16[i] = float16.Fromfloat32(float32(v))
		case tensor.Int8:
			t.I8[i] = int8(v)
		case tensor.Uint8:
			t.U8[i] = uint8(v)
		case tensor.Int32:
			t.I32[i] = int32(v)
		}
	}
	if len(w.Scale) == 0 {
		if len(w.ZeroPoint) != 0 {
			return nil, newInvalidRequest("%s: zero_point without scale", what)
		}
		return t, nil
	}
	if n := len(w.ZeroPoint); n > 1 && n != len(w.Scale) {
		return nil, newInvalidRequest("%s: %d zero points for %d scales", what, n, len(w.Scale))
	}
	t.Quant = make([]quant.Info, len(w.Scale))
	for i, s := range w.Scale {
		t.Quant[i].Scale = s
		switch len(w.ZeroPoint) {
		case 0:
		case 1:
			t.Quant[i].ZeroPoint = w.ZeroPoint[0]
		default:
			t.Quant[i].ZeroPoint = w.ZeroPoint[i]
		}
		if err := t.Quant[i].Validate(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func inRange(dt tensor.DType, v float64) bool {
	switch dt {
	case tensor.Int8:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case tensor.Uint8:
		return v >= 0 && v <= math.MaxUint8
	case tensor.Int32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	default:
		return true
	}
}

// fromTensor encodes an NCHW tensor for the wire.
func fromTensor(t *tensor.Tensor) Tensor {
	w := Tensor{DType: t.DType.String(), Shape: t.Shape.Clone(), Data: make([]float64, t.Len())}
	for i := range w.Data {
		switch t.DType {
		case tensor.Float32:
			w.Data[i] = float64(t.F32[i])
		case tensor.Float16:
			w.Data[i] = float64(t.F16[i].Float32())
		case tensor.Int8:
			w.Data[i] = float64(t.I8[i])
		case tensor.Uint8:
			w.Data[i] = float64(t.U8[i])
		case tensor.Int32:
			w.Data[i] = float64(t.I32[i])
		}
	}
	for _, q := range t.Quant {
		w.Scale = append(w.Scale, q.Scale)
		w.ZeroPoint = append(w.ZeroPoint, q.ZeroPoint)
	}
	return w
}

// newOutput allocates the result tensor described by spec.
func (spec OutputSpec) newOutput(shape ...int) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(spec.DType)
	if err != nil {
		return nil, newInvalidRequest("output: %v", err)
	}
	t, err := tensor.New(dt, shape...)
	if err != nil {
		return nil, err
	}
	if dt.IsQuantized() {
		q := quant.Info{Scale: spec.Scale, ZeroPoint: spec.ZeroPoint}
		if err := q.Validate(); err != nil {
			return nil, err
		}
		t.Quant = []quant.Info{q}
	}
	return t, nil
}
