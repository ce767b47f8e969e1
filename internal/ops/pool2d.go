package ops

import (
	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/tensor"
)

// Pool2D is max or average pooling over NCHW activations. Quantized
// tensors must share scale and zero point between input and output.
type Pool2D struct {
	binding
	env    *Env
	mode   PoolMode
	window conv.Params
	global bool

	problem conv.Problem
}

func NewPool2D(env *Env, def Def) *Pool2D {
	return &Pool2D{
		binding: binding{kind: KindPool2D, name: def.Name, inputs: 1},
		env:     env,
		mode:    def.Pool,
		window:  def.Conv,
		global:  def.Global,
	}
}

func (p *Pool2D) Kind() Kind { return KindPool2D }

func (p *Pool2D) Init(in []*tensor.Tensor, out *tensor.Tensor) error {
	p.reset()
	if err := p.checkArity(in, out); err != nil {
		return err
	}
	x := in[0]
	if x.Layout != tensor.LayoutNCHW || out.Layout != tensor.LayoutNCHW {
		return errs.Shape("pool2d needs nchw operands")
	}
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return err
	}
	window := p.window
	if p.global {
		window = conv.Params{KernelH: h, KernelW: w}
	}
	pr := conv.PoolProblem(window, n, c, h, w)
	if err := pr.Validate(); err != nil {
		return err
	}
	if want := (tensor.Shape{n, c, pr.OutH(), pr.OutW()}); !out.Shape.Equal(want) {
		return errs.Shape("output shape %s, want %s", out.Shape, want)
	}
	if x.DType != out.DType {
		return errs.Dtype("pool2d from %s to %s", x.DType, out.DType)
	}
	if x.DType.IsQuantized() {
		qin, err := quantRecord(x, "input")
		if err != nil {
			return err
		}
		qout, err := quantRecord(out, "output")
		if err != nil {
			return err
		}
		if qin.Scale != qout.Scale || qin.ZeroPoint != qout.ZeroPoint {
			return errs.Quant("pool2d rescales (%g, %d) to (%g, %d)", qin.Scale, qin.ZeroPoint, qout.Scale, qout.ZeroPoint)
		}
	}

	pool := p.env.Pool
	var exec execFunc
	switch {
	case x.DType == tensor.Float32 && p.mode == PoolMax:
		exec = typed(func(in, out []float32) error { return conv.MaxPool(pool, pr, in, out) })
	case x.DType == tensor.Float32:
		exec = typed(func(in, out []float32) error { return conv.AvgPoolFloat32(pool, pr, in, out) })
	case x.DType == tensor.Int8 && p.mode == PoolMax:
		exec = typed(func(in, out []int8) error { return conv.MaxPool(pool, pr, in, out) })
	case x.DType == tensor.Int8:
		exec = typed(func(in, out []int8) error { return conv.AvgPoolInt8(pool, pr, in, out) })
	case x.DType == tensor.Uint8 && p.mode == PoolMax:
		exec = typed(func(in, out []uint8) error { return conv.MaxPool(pool, pr, in, out) })
	case x.DType == tensor.Uint8:
		exec = typed(func(in, out []uint8) error { return conv.AvgPoolInt8(pool, pr, in, out) })
	default:
		return errs.Dtype("pool2d on %s", x.DType)
	}

	p.exec, p.problem = exec, pr
	p.record(in, out)
	p.env.Log.Debug("pool2d bound", "name", p.name, "mode", p.mode.String(), "window", pr.Params.String())
	return nil
}

func (p *Pool2D) Exec(in []*tensor.Tensor, out *tensor.Tensor) error {
	return p.run(in, out)
}
