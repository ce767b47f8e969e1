package ops

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
	"github.com/samcharles93/quill/internal/winograd"
)

// Conv2D is a 2-D convolution. Activations are NCHW, or blocked when the
// depthwise kernel serves the problem; weights are [OC, IC/groups, KH, KW].
type Conv2D struct {
	binding
	env       *Env
	params    conv.Params
	algorithm Algorithm
	weights   *tensor.Tensor
	bias      *tensor.Tensor

	variant Algorithm
	problem conv.Problem
	qp      *quant.Params
}

func NewConv2D(env *Env, def Def) (*Conv2D, error) {
	if def.Weights == nil {
		return nil, errs.Shape("conv2d %q has no weights", def.Name)
	}
	if err := def.Weights.Validate(); err != nil {
		return nil, errors.Wrap(err, "weights")
	}
	if def.Weights.Layout != tensor.LayoutNCHW {
		return nil, errs.Shape("weights must be nchw, got %s", def.Weights.Layout)
	}
	if def.Bias != nil {
		if err := def.Bias.Validate(); err != nil {
			return nil, errors.Wrap(err, "bias")
		}
	}
	return &Conv2D{
		binding:   binding{kind: KindConv2D, name: def.Name, inputs: 1},
		env:       env,
		params:    def.Conv,
		algorithm: def.Algorithm,
		weights:   def.Weights,
		bias:      def.Bias,
	}, nil
}

func (c *Conv2D) Kind() Kind { return KindConv2D }

// Variant is the kernel Init bound.
func (c *Conv2D) Variant() Algorithm { return c.variant }

// Problem is the geometry Init resolved.
func (c *Conv2D) Problem() conv.Problem { return c.problem }

// Quant returns the requantization parameters, nil for float convolutions.
func (c *Conv2D) Quant() *quant.Params { return c.qp }

func (c *Conv2D) Init(in []*tensor.Tensor, out *tensor.Tensor) error {
	c.reset()
	if err := c.checkArity(in, out); err != nil {
		return err
	}
	x := in[0]
	pr, err := c.geometry(x, out)
	if err != nil {
		return err
	}
	lane := c.env.Lane()
	if x.Layout == tensor.LayoutBlocked {
		lane = x.Lane
	}
	variant, err := c.choose(pr, lane, c.candidates(pr, x.Layout))
	if err != nil {
		return err
	}

	var exec execFunc
	switch x.DType {
	case tensor.Float32:
		exec, err = c.bindFloat(variant, pr, lane, out)
	case tensor.Int8, tensor.Uint8:
		exec, err = c.bindQuant(variant, pr, lane, x, out)
	default:
		err = errs.Dtype("conv2d input %s", x.DType)
	}
	if err != nil {
		return err
	}

	c.variant, c.problem, c.exec = variant, pr, exec
	c.record(in, out)
	c.env.Log.Debug("conv2d bound",
		"name", c.name,
		"variant", variant.String(),
		"params", pr.Params.String(),
		"input", x.Shape.String(),
		"dtype", x.DType.String(),
	)
	return nil
}

func (c *Conv2D) Exec(in []*tensor.Tensor, out *tensor.Tensor) error {
	return c.run(in, out)
}

func (c *Conv2D) geometry(x, out *tensor.Tensor) (conv.Problem, error) {
	n, ic, h, w, err := x.Dims4()
	if err != nil {
		return conv.Problem{}, errors.Wrap(err, "conv2d input")
	}
	oc, icg, kh, kw, err := c.weights.Dims4()
	if err != nil {
		return conv.Problem{}, errors.Wrap(err, "conv2d weights")
	}
	p := c.params
	if p.KernelH == 0 && p.KernelW == 0 {
		p.KernelH, p.KernelW = kh, kw
	}
	if p.KernelH != kh || p.KernelW != kw {
		return conv.Problem{}, errs.Shape("params say %dx%d kernel, weights are %dx%d", p.KernelH, p.KernelW, kh, kw)
	}
	pr := conv.Problem{Params: p, N: n, IC: ic, H: h, W: w, OC: oc}
	if err := pr.Validate(); err != nil {
		return conv.Problem{}, err
	}
	if icg != pr.ICPerGroup() {
		return conv.Problem{}, errs.Shape("weights expect %d input channels per group, input gives %d", icg, pr.ICPerGroup())
	}
	if want := (tensor.Shape{n, oc, pr.OutH(), pr.OutW()}); !out.Shape.Equal(want) {
		return conv.Problem{}, errs.Shape("output shape %s, want %s", out.Shape, want)
	}
	if x.Layout != out.Layout || x.Lane != out.Lane {
		return conv.Problem{}, errs.Shape("input is %s/%d, output is %s/%d", x.Layout, x.Lane, out.Layout, out.Lane)
	}
	if c.bias != nil && c.bias.Shape.NumElements() != oc {
		return conv.Problem{}, errs.Shape("bias has %d values for %d filters", c.bias.Shape.NumElements(), oc)
	}
	return pr, nil
}

// candidates lists variants in preference order. The last entry is always
// a kernel that accepts every problem reaching it.
func (c *Conv2D) candidates(pr conv.Problem, layout tensor.Layout) []Algorithm {
	if layout == tensor.LayoutBlocked {
		return []Algorithm{AlgoDepthwise}
	}
	switch c.algorithm {
	case AlgoAuto:
		if pr.Depthwise() {
			return []Algorithm{AlgoDepthwise, AlgoDirect}
		}
		return []Algorithm{AlgoWinograd, AlgoGEMM, AlgoDirect}
	case AlgoDirect:
		return []Algorithm{AlgoDirect}
	default:
		return []Algorithm{c.algorithm, AlgoDirect}
	}
}

func eligible(a Algorithm, pr conv.Problem, lane int) error {
	switch a {
	case AlgoWinograd:
		return winograd.Check(pr, lane)
	case AlgoDepthwise:
		return conv.CheckDepthwise(pr)
	case AlgoGEMM:
		return conv.CheckLowered(pr)
	default:
		return nil
	}
}

// choose returns the first eligible candidate. Fallbacks from an explicitly
// requested variant are warnings; skipped auto candidates are debug noise.
func (c *Conv2D) choose(pr conv.Problem, lane int, order []Algorithm) (Algorithm, error) {
	var last error
	for _, a := range order {
		err := eligible(a, pr, lane)
		if err == nil {
			return a, nil
		}
		fb, ok := errs.AsFallback(err)
		if !ok {
			return 0, err
		}
		last = err
		args := []any{"name", c.name, "variant", fb.Variant, "reason", fb.Reason}
		if a == c.algorithm {
			c.env.Log.Warn("conv2d fast path unavailable, rebinding", args...)
		} else {
			c.env.Log.Debug("conv2d candidate skipped", args...)
		}
	}
	return 0, errs.Shape("no kernel for %s on blocked input: %v", pr.Params, last)
}

func (c *Conv2D) bindFloat(a Algorithm, pr conv.Problem, lane int, out *tensor.Tensor) (execFunc, error) {
	if c.weights.DType != tensor.Float32 || out.DType != tensor.Float32 {
		return nil, errs.Dtype("float conv2d with %s weights and %s output", c.weights.DType, out.DType)
	}
	bias, err := floatBias(c.bias)
	if err != nil {
		return nil, err
	}
	w, pool := c.weights.F32, c.env.Pool

	switch a {
	case AlgoWinograd:
		k, err := winograd.NewFloatKernel(w, bias, pr.OC, pr.IC, lane)
		if err != nil {
			return nil, err
		}
		cfg := c.env.GEMM
		return typed(func(in, out []float32) error {
			return winograd.RunFloat32(pool, cfg, pr, k, in, out)
		}), nil
	case AlgoDepthwise:
		k, err := conv.NewDepthwiseKernel(w, bias, pr.IC, lane)
		if err != nil {
			return nil, err
		}
		return blocked(lane, typed(func(in, out []float32) error {
			return conv.DepthwiseFloat32(pool, pr, k, in, out)
		})), nil
	case AlgoGEMM:
		k, err := conv.NewLoweredKernel(pr, w)
		if err != nil {
			return nil, err
		}
		e := c.env.Engine()
		return typed(func(in, out []float32) error {
			return conv.LoweredFloat32(e, pr, k, in, bias, out)
		}), nil
	default:
		return typed(func(in, out []float32) error {
			return conv.DirectFloat32(pool, pr, in, w, bias, out)
		}), nil
	}
}

func (c *Conv2D) bindQuant(a Algorithm, pr conv.Problem, lane int, x, out *tensor.Tensor) (execFunc, error) {
	if c.weights.DType != tensor.Int8 {
		return nil, errs.Dtype("quantized conv2d needs int8 weights, got %s", c.weights.DType)
	}
	var bias []int32
	if c.bias != nil {
		if c.bias.DType != tensor.Int32 {
			return nil, errs.Dtype("quantized conv2d needs int32 bias, got %s", c.bias.DType)
		}
		bias = c.bias.I32
	}
	qin, err := quantRecord(x, "input")
	if err != nil {
		return nil, err
	}
	qout, err := quantRecord(out, "output")
	if err != nil {
		return nil, err
	}
	if n := len(c.weights.Quant); n != 1 && n != pr.OC {
		return nil, errs.Quant("%d weight quant records for %d filters", n, pr.OC)
	}
	for _, q := range c.weights.Quant {
		if q.ZeroPoint != 0 {
			return nil, errs.Quant("weight zero point %d: weights must be symmetric", q.ZeroPoint)
		}
	}
	qp, err := quant.Derive(qin.Scale, c.weights.QuantScales(), qout.Scale, qout.ZeroPoint, qout.Range)
	if err != nil {
		return nil, err
	}
	c.qp = qp

	k := quantConv{env: c.env, pr: pr, lane: lane, w: c.weights.I8, bias: bias, zpIn: qin.ZeroPoint, qp: qp}
	switch {
	case x.DType == tensor.Int8 && out.DType == tensor.Int8:
		return bindQuantConv[int8, int8](a, k)
	case x.DType == tensor.Int8 && out.DType == tensor.Uint8:
		return bindQuantConv[int8, uint8](a, k)
	case x.DType == tensor.Uint8 && out.DType == tensor.Int8:
		return bindQuantConv[uint8, int8](a, k)
	case x.DType == tensor.Uint8 && out.DType == tensor.Uint8:
		return bindQuantConv[uint8, uint8](a, k)
	default:
		return nil, errs.Dtype("quantized conv2d from %s to %s", x.DType, out.DType)
	}
}

// quantConv is the constant state of a quantized convolution binding.
type quantConv struct {
	env  *Env
	pr   conv.Problem
	lane int
	w    []int8
	bias []int32
	zpIn int32
	qp   *quant.Params
}

func bindQuantConv[EI, O int8 | uint8](a Algorithm, k quantConv) (execFunc, error) {
	pool := k.env.Pool
	switch a {
	case AlgoWinograd:
		wk, err := winograd.NewInt8Kernel(k.w, k.bias, k.pr.OC, k.pr.IC, k.lane, k.qp)
		if err != nil {
			return nil, err
		}
		cfg := k.env.GEMM
		return typed(func(in []EI, out []O) error {
			return winograd.RunInt8(pool, cfg, k.pr, wk, in, k.zpIn, out)
		}), nil
	case AlgoDepthwise:
		dk, err := conv.NewDepthwiseKernel(k.w, k.bias, k.pr.IC, k.lane)
		if err != nil {
			return nil, err
		}
		return blocked(k.lane, typed(func(in []EI, out []O) error {
			return conv.DepthwiseInt8(pool, k.pr, dk, in, k.zpIn, k.qp, out)
		})), nil
	case AlgoGEMM:
		lk, err := conv.NewLoweredKernel(k.pr, k.w)
		if err != nil {
			return nil, err
		}
		e := k.env.Engine()
		return typed(func(in []EI, out []O) error {
			return conv.LoweredInt8(e, k.pr, lk, in, k.zpIn, k.bias, k.qp, out)
		}), nil
	default:
		return typed(func(in []EI, out []O) error {
			return conv.DirectInt8(pool, k.pr, in, k.zpIn, k.w, k.bias, k.qp, out)
		}), nil
	}
}

// blocked runs a blocked-layout kernel. NCHW operands are converted on the
// way in and out; blocked operands pass straight through.
func blocked(lane int, run execFunc) execFunc {
	return func(in, out *tensor.Tensor) error {
		if in.Layout == tensor.LayoutBlocked {
			return run(in, out)
		}
		bin, err := tensor.ToBlocked(in, lane)
		if err != nil {
			return err
		}
		bout, err := tensor.NewBlocked(out.DType, lane, out.Shape...)
		if err != nil {
			return err
		}
		bout.Quant = out.Quant
		if err := run(bin, bout); err != nil {
			return err
		}
		flat, err := tensor.FromBlocked(bout)
		if err != nil {
			return err
		}
		return tensor.CopyData(out, flat)
	}
}
