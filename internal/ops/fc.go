package ops

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

// FullyConnected computes out[b] = W·x[b] + bias for a [batch, ...] input
// flattened per row, weights [features, depth] and output [batch, features].
// The weights are packed once as the stationary GEMM operand.
type FullyConnected struct {
	binding
	env     *Env
	weights *tensor.Tensor
	bias    *tensor.Tensor
	qp      *quant.Params
}

func NewFullyConnected(env *Env, def Def) (*FullyConnected, error) {
	if def.Weights == nil {
		return nil, errs.Shape("fully_connected %q has no weights", def.Name)
	}
	if err := def.Weights.Validate(); err != nil {
		return nil, errors.Wrap(err, "weights")
	}
	if len(def.Weights.Shape) != 2 {
		return nil, errs.Shape("fully_connected weights must be [features, depth], got %s", def.Weights.Shape)
	}
	if def.Bias != nil {
		if err := def.Bias.Validate(); err != nil {
			return nil, errors.Wrap(err, "bias")
		}
	}
	return &FullyConnected{
		binding: binding{kind: KindFullyConnected, name: def.Name, inputs: 1},
		env:     env,
		weights: def.Weights,
		bias:    def.Bias,
	}, nil
}

func (f *FullyConnected) Kind() Kind { return KindFullyConnected }

// Quant returns the requantization parameters, nil for float layers.
func (f *FullyConnected) Quant() *quant.Params { return f.qp }

func (f *FullyConnected) Init(in []*tensor.Tensor, out *tensor.Tensor) error {
	f.reset()
	if err := f.checkArity(in, out); err != nil {
		return err
	}
	x := in[0]
	if len(x.Shape) < 2 || x.Layout != tensor.LayoutNCHW {
		return errs.Shape("fully_connected input must be nchw [batch, ...], got %s", x.Shape)
	}
	features, depth := f.weights.Shape[0], f.weights.Shape[1]
	batch := x.Shape[0]
	if batch == 0 || x.Shape.NumElements()/batch != depth {
		return errs.Shape("input %s does not flatten to depth %d", x.Shape, depth)
	}
	if want := (tensor.Shape{batch, features}); !out.Shape.Equal(want) {
		return errs.Shape("output shape %s, want %s", out.Shape, want)
	}
	if f.bias != nil && f.bias.Shape.NumElements() != features {
		return errs.Shape("bias has %d values for %d features", f.bias.Shape.NumElements(), features)
	}

	shape := fcShape{batch: batch, features: features, depth: depth}
	e := f.env.Engine()
	var (
		exec execFunc
		err  error
	)
	switch x.DType {
	case tensor.Float32:
		exec, err = f.bindFloat32(e, shape, out)
	case tensor.Float16:
		exec, err = f.bindFloat16(e, shape, out)
	case tensor.Int8, tensor.Uint8:
		exec, err = f.bindQuant(e, shape, x, out)
	default:
		err = errs.Dtype("fully_connected input %s", x.DType)
	}
	if err != nil {
		return err
	}
	f.exec = exec
	f.record(in, out)
	f.env.Log.Debug("fully_connected bound",
		"name", f.name,
		"features", features,
		"depth", depth,
		"batch", batch,
		"dtype", x.DType.String(),
	)
	return nil
}

func (f *FullyConnected) Exec(in []*tensor.Tensor, out *tensor.Tensor) error {
	return f.run(in, out)
}

type fcShape struct {
	batch, features, depth int
}

func (f *FullyConnected) bindFloat32(e *gemm.Engine, s fcShape, out *tensor.Tensor) (execFunc, error) {
	if f.weights.DType != tensor.Float32 || out.DType != tensor.Float32 {
		return nil, errs.Dtype("float fully_connected with %s weights and %s output", f.weights.DType, out.DType)
	}
	bias, err := floatBias(f.bias)
	if err != nil {
		return nil, err
	}
	a, err := pack.PackStationary(f.weights.F32, s.features, s.depth)
	if err != nil {
		return nil, err
	}
	return typed(func(in, out []float32) error {
		return fcRun(e, s, in, out, func(b *pack.Matrix[float32], dst []float32) error {
			return gemm.Float32(e, a, b, bias, dst)
		})
	}), nil
}

func (f *FullyConnected) bindFloat16(e *gemm.Engine, s fcShape, out *tensor.Tensor) (execFunc, error) {
	if f.weights.DType != tensor.Float16 || out.DType != tensor.Float16 {
		return nil, errs.Dtype("half fully_connected with %s weights and %s output", f.weights.DType, out.DType)
	}
	var bias []float32
	if f.bias != nil {
		switch f.bias.DType {
		case tensor.Float32:
			bias = f.bias.F32
		case tensor.Float16:
			bias = make([]float32, len(f.bias.F16))
			for i, v := range f.bias.F16 {
				bias[i] = v.Float32()
			}
		default:
			return nil, errs.Dtype("half fully_connected with %s bias", f.bias.DType)
		}
	}
	a, err := pack.PackStationary(f.weights.F16, s.features, s.depth)
	if err != nil {
		return nil, err
	}
	return typed(func(in, out []float16.Float16) error {
		return fcRun(e, s, in, out, func(b *pack.Matrix[float16.Float16], dst []float16.Float16) error {
			return gemm.Float16(e, a, b, bias, dst)
		})
	}), nil
}

func (f *FullyConnected) bindQuant(e *gemm.Engine, s fcShape, x, out *tensor.Tensor) (execFunc, error) {
	if f.weights.DType != tensor.Int8 {
		return nil, errs.Dtype("quantized fully_connected needs int8 weights, got %s", f.weights.DType)
	}
	var bias []int32
	if f.bias != nil {
		if f.bias.DType != tensor.Int32 {
			return nil, errs.Dtype("quantized fully_connected needs int32 bias, got %s", f.bias.DType)
		}
		bias = f.bias.I32
	}
	qin, err := quantRecord(x, "input")
	if err != nil {
		return nil, err
	}
	qout, err := quantRecord(out, "output")
	if err != nil {
		return nil, err
	}
	if n := len(f.weights.Quant); n != 1 && n != s.features {
		return nil, errs.Quant("%d weight quant records for %d features", n, s.features)
	}
	for _, q := range f.weights.Quant {
		if q.ZeroPoint != 0 {
			return nil, errs.Quant("weight zero point %d: weights must be symmetric", q.ZeroPoint)
		}
	}
	qp, err := quant.Derive(qin.Scale, f.weights.QuantScales(), qout.Scale, qout.ZeroPoint, qout.Range)
	if err != nil {
		return nil, err
	}
	f.qp = qp
	a, err := pack.PackStationary(f.weights.I8, s.features, s.depth)
	if err != nil {
		return nil, err
	}

	q := quantFC{e: e, s: s, a: a, bias: bias, zp: qin.ZeroPoint, qp: qp}
	switch {
	case x.DType == tensor.Int8 && out.DType == tensor.Int8:
		return bindQuantFC[int8, int8](q), nil
	case x.DType == tensor.Int8 && out.DType == tensor.Uint8:
		return bindQuantFC[int8, uint8](q), nil
	case x.DType == tensor.Uint8 && out.DType == tensor.Int8:
		return bindQuantFC[uint8, int8](q), nil
	case x.DType == tensor.Uint8 && out.DType == tensor.Uint8:
		return bindQuantFC[uint8, uint8](q), nil
	default:
		return nil, errs.Dtype("quantized fully_connected from %s to %s", x.DType, out.DType)
	}
}

type quantFC struct {
	e    *gemm.Engine
	s    fcShape
	a    *pack.Matrix[int8]
	bias []int32
	zp   int32
	qp   *quant.Params
}

func bindQuantFC[EI, O int8 | uint8](q quantFC) execFunc {
	return typed(func(in []EI, out []O) error {
		b, err := fcMoving(in, q.s, q.e.Lane())
		if err != nil {
			return err
		}
		return fcWrite(q.s, out, func(dst []O) error {
			return gemm.Int8(q.e, q.a, b, q.bias, q.zp, q.qp, dst)
		})
	})
}

// fcRun packs the activations and runs mul, writing [batch, features].
func fcRun[T pack.Element](e *gemm.Engine, s fcShape, in, out []T, mul func(b *pack.Matrix[T], dst []T) error) error {
	b, err := fcMoving(in, s, e.Lane())
	if err != nil {
		return err
	}
	return fcWrite(s, out, func(dst []T) error { return mul(b, dst) })
}

// fcMoving packs [batch, depth] activations as the [depth, batch] moving
// operand.
func fcMoving[T pack.Element](in []T, s fcShape, lane int) (*pack.Matrix[T], error) {
	if s.batch == 1 {
		return pack.PackMoving(in, s.depth, 1, lane)
	}
	t := make([]T, s.depth*s.batch)
	transpose(t, in, s.batch, s.depth)
	return pack.PackMoving(t, s.depth, s.batch, lane)
}

// fcWrite gives mul a [features, batch] destination and stores it into
// out as [batch, features].
func fcWrite[T any](s fcShape, out []T, mul func(dst []T) error) error {
	if s.batch == 1 {
		return mul(out[:s.features])
	}
	dst := make([]T, s.features*s.batch)
	if err := mul(dst); err != nil {
		return err
	}
	transpose(out, dst, s.features, s.batch)
	return nil
}

// transpose writes the [cols, rows] transpose of the row-major src into dst.
func transpose[T any](dst, src []T, rows, cols int) {
	for i := range rows {
		for j, v := range src[i*cols : (i+1)*cols] {
			dst[j*rows+i] = v
		}
	}
}

func floatBias(t *tensor.Tensor) ([]float32, error) {
	if t == nil {
		return nil, nil
	}
	if t.DType != tensor.Float32 {
		return nil, errs.Dtype("float bias is %s", t.DType)
	}
	return t.F32, nil
}
