package ops

import (
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

// Add sums two tensors of identical shape and layout. Quantized inputs may
// carry independent scales; each is rescaled into the output domain.
type Add struct {
	binding
	env *Env
	ep  *quant.ElementwiseParams
	add func(a, b, out *tensor.Tensor) error
}

func NewAdd(env *Env, def Def) *Add {
	return &Add{binding: binding{kind: KindAdd, name: def.Name, inputs: 2}, env: env}
}

func (a *Add) Kind() Kind { return KindAdd }

// Quant returns the rescaling parameters, nil for float adds.
func (a *Add) Quant() *quant.ElementwiseParams { return a.ep }

func (a *Add) Init(in []*tensor.Tensor, out *tensor.Tensor) error {
	a.reset()
	a.add = nil
	if err := a.checkArity(in, out); err != nil {
		return err
	}
	x, y := in[0], in[1]
	for _, t := range []*tensor.Tensor{y, out} {
		if !t.Shape.Equal(x.Shape) || t.Layout != x.Layout || t.Lane != x.Lane {
			return errs.Shape("add operands %s/%s and %s/%s differ", x.Shape, x.Layout, t.Shape, t.Layout)
		}
		if t.DType != x.DType {
			return errs.Dtype("add mixes %s and %s", x.DType, t.DType)
		}
	}

	pool := a.env.Pool
	switch x.DType {
	case tensor.Float32:
		a.add = func(x, y, out *tensor.Tensor) error {
			return chunked(pool, len(out.F32), func(i0, i1 int) {
				for i := i0; i < i1; i++ {
					out.F32[i] = x.F32[i] + y.F32[i]
				}
			})
		}
	case tensor.Int8, tensor.Uint8:
		if _, err := quantRecord(x, "input 0"); err != nil {
			return err
		}
		if _, err := quantRecord(y, "input 1"); err != nil {
			return err
		}
		qo, err := quantRecord(out, "output")
		if err != nil {
			return err
		}
		ep, err := quant.NewAddParams(x.Quant[0], y.Quant[0], out.Quant[0], qo.Range)
		if err != nil {
			return err
		}
		a.ep = ep
		if x.DType == tensor.Int8 {
			a.add = quantAdd[int8](pool, ep)
		} else {
			a.add = quantAdd[uint8](pool, ep)
		}
	default:
		return errs.Dtype("add on %s", x.DType)
	}
	a.record(in, out)
	a.env.Log.Debug("add bound", "name", a.name, "dtype", x.DType.String(), "elements", x.Len())
	return nil
}

func (a *Add) Exec(in []*tensor.Tensor, out *tensor.Tensor) error {
	if err := a.check(in, out); err != nil {
		return err
	}
	return a.add(in[0], in[1], out)
}

func quantAdd[T int8 | uint8](pool *parallel.Pool, ep *quant.ElementwiseParams) func(x, y, out *tensor.Tensor) error {
	return func(x, y, out *tensor.Tensor) error {
		xs, err := tensor.Data[T](x)
		if err != nil {
			return err
		}
		ys, err := tensor.Data[T](y)
		if err != nil {
			return err
		}
		dst, err := tensor.Data[T](out)
		if err != nil {
			return err
		}
		return chunked(pool, len(dst), func(i0, i1 int) {
			for i := i0; i < i1; i++ {
				dst[i] = T(ep.Add(int32(xs[i]), int32(ys[i])))
			}
		})
	}
}

// chunked splits [0, n) into one contiguous range per worker.
func chunked(pool *parallel.Pool, n int, fn func(i0, i1 int)) error {
	parts := parallel.Split(n, pool.Threads())
	return pool.Run(len(parts), func(i int) error {
		fn(parts[i][0], parts[i][1])
		return nil
	})
}
