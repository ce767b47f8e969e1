package main

import (
	"time"

	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

// quantSpec is the scale and zero point given for a quantized activation.
type quantSpec struct {
	DType     string
	Scale     float64
	ZeroPoint int64
}

func (q quantSpec) dtype() (tensor.DType, error) {
	return tensor.ParseDType(q.DType)
}

func (q quantSpec) info() quant.Info {
	return quant.Info{Scale: float32(q.Scale), ZeroPoint: int32(q.ZeroPoint)}
}

// workload is one operator with operands ready to execute.
type workload struct {
	def    ops.Def
	input  *tensor.Tensor
	output *tensor.Tensor
	// macs is the multiply-accumulate count of one execution.
	macs int64
}

// activation allocates a random activation tensor matching the weight
// dtype: quantized weights take the dtype and quantization of spec.
func activation(weights *tensor.Tensor, spec quantSpec, seed int64, shape ...int) (*tensor.Tensor, error) {
	dt := weights.DType
	if weights.DType.IsQuantized() {
		var err error
		if dt, err = spec.dtype(); err != nil {
			return nil, err
		}
		if !dt.IsQuantized() {
			return nil, errors.Errorf("quantized weights need an int8 or uint8 activation, got %s", dt)
		}
	}
	x, err := tensor.New(dt, shape...)
	if err != nil {
		return nil, err
	}
	tensor.FillRand(x, seed)
	if dt.IsQuantized() {
		x.Quant = []quant.Info{spec.info()}
	}
	return x, nil
}

// result allocates an output of shape for the given input.
func result(x *tensor.Tensor, spec quantSpec, shape ...int) (*tensor.Tensor, error) {
	dt := x.DType
	if dt.IsQuantized() {
		var err error
		if dt, err = spec.dtype(); err != nil {
			return nil, err
		}
	}
	var (
		out *tensor.Tensor
		err error
	)
	if x.Layout == tensor.LayoutBlocked {
		out, err = tensor.NewBlocked(dt, x.Lane, shape...)
	} else {
		out, err = tensor.New(dt, shape...)
	}
	if err != nil {
		return nil, err
	}
	if dt.IsQuantized() {
		out.Quant = []quant.Info{spec.info()}
	}
	return out, nil
}

func convWorkload(name string, w, bias *tensor.Tensor, params conv.Params, algo ops.Algorithm,
	x *tensor.Tensor, outSpec quantSpec,
) (*workload, error) {
	n, ic, h, wd, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	oc, _, kh, kw, err := w.Dims4()
	if err != nil {
		return nil, errors.Wrap(err, "conv weights")
	}
	params.KernelH, params.KernelW = kh, kw
	pr := conv.Problem{Params: params, N: n, IC: ic, H: h, W: wd, OC: oc}
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	out, err := result(x, outSpec, n, oc, pr.OutH(), pr.OutW())
	if err != nil {
		return nil, err
	}
	return &workload{
		def: ops.Def{
			Kind:      ops.KindConv2D,
			Name:      name,
			Conv:      params,
			Algorithm: algo,
			Weights:   w,
			Bias:      bias,
		},
		input:  x,
		output: out,
		macs:   int64(pr.OutputLen()) * int64(pr.ICPerGroup()*kh*kw),
	}, nil
}

func fcWorkload(name string, w, bias, x *tensor.Tensor, outSpec quantSpec) (*workload, error) {
	if len(w.Shape) != 2 {
		return nil, errors.Errorf("fully connected weights must be rank 2, got %s", w.Shape)
	}
	features, depth := w.Shape[0], w.Shape[1]
	batch := x.Shape[0]
	out, err := result(x, outSpec, batch, features)
	if err != nil {
		return nil, err
	}
	return &workload{
		def: ops.Def{
			Kind:    ops.KindFullyConnected,
			Name:    name,
			Weights: w,
			Bias:    bias,
		},
		input:  x,
		output: out,
		macs:   int64(batch) * int64(features) * int64(depth),
	}, nil
}

// timing summarises repeated executions.
type timing struct {
	Runs    int           `json:"runs"`
	Mean    time.Duration `json:"mean_ns"`
	Best    time.Duration `json:"best_ns"`
	OpsPerS float64       `json:"ops_per_s"`
}

// run binds the workload and executes it warmup+runs times.
func (wl *workload) run(r *ops.Registry, warmup, runs int) (ops.Op, timing, error) {
	in := []*tensor.Tensor{wl.input}
	op, err := r.Prepare(wl.def, in, wl.output)
	if err != nil {
		return nil, timing{}, err
	}
	for range warmup {
		if err := op.Exec(in, wl.output); err != nil {
			return nil, timing{}, err
		}
	}
	runs = max(runs, 1)
	var total time.Duration
	best := time.Duration(1<<63 - 1)
	for range runs {
		start := time.Now()
		if err := op.Exec(in, wl.output); err != nil {
			return nil, timing{}, err
		}
		d := time.Since(start)
		total += d
		best = min(best, d)
	}
	t := timing{Runs: runs, Mean: total / time.Duration(runs), Best: best}
	if t.Mean > 0 {
		t.OpsPerS = 2 * float64(wl.macs) / t.Mean.Seconds()
	}
	return op, t, nil
}

// variantOf reports the kernel a conv2d op bound, empty for other kinds.
func variantOf(op ops.Op) string {
	if c, ok := op.(*ops.Conv2D); ok {
		return c.Variant().String()
	}
	return ""
}
