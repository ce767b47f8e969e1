package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

func (s *Server) handleGEMM(c *echo.Context) error {
	req, err := decodeJSON[GEMMRequest](s.body(c).Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	start := s.clock()
	res, err := s.gemm(&req)
	if err != nil {
		return s.writeFailure(c, err)
	}
	res.RequestID = getRequestID(c)
	res.ElapsedUS = s.since(start)
	return writeJSON(c, http.StatusOK, res)
}

func (s *Server) handleConv2D(c *echo.Context) error {
	req, err := decodeJSON[Conv2DRequest](s.body(c).Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	start := s.clock()
	res, err := s.conv2d(&req)
	if err != nil {
		return s.writeFailure(c, err)
	}
	res.RequestID = getRequestID(c)
	res.ElapsedUS = s.since(start)
	return writeJSON(c, http.StatusOK, res)
}

// gemm computes C = A·B + bias with A [M, K] stationary and B [K, N] moving.
func (s *Server) gemm(req *GEMMRequest) (*GEMMResponse, error) {
	a, err := req.A.toTensor("a")
	if err != nil {
		return nil, err
	}
	b, err := req.B.toTensor("b")
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errs.Shape("gemm operands must be rank 2, got %s and %s", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		return nil, errs.Shape("a is %s but b is %s", a.Shape, b.Shape)
	}
	var bias *tensor.Tensor
	if req.Bias != nil {
		if bias, err = req.Bias.toTensor("bias"); err != nil {
			return nil, err
		}
		if bias.Shape.NumElements() != m {
			return nil, errs.Shape("bias has %d values for %d rows", bias.Shape.NumElements(), m)
		}
	}
	out, err := req.Output.newOutput(m, n)
	if err != nil {
		return nil, err
	}

	e := s.env.Engine()
	res := &GEMMResponse{M: m, N: n, K: k}
	switch a.DType {
	case tensor.Float32:
		if b.DType != tensor.Float32 || out.DType != tensor.Float32 {
			return nil, errs.Dtype("f32 gemm with %s b and %s output", b.DType, out.DType)
		}
		biasF, err := floatBias(bias)
		if err != nil {
			return nil, err
		}
		res.Blocks = blocksDTO(e.Blocks(m, n, k, 4, 4))
		if err := floatGEMM(e, a.F32, b.F32, biasF, out.F32, m, n, k, gemm.Float32); err != nil {
			return nil, err
		}
	case tensor.Float16:
		if b.DType != tensor.Float16 || out.DType != tensor.Float16 {
			return nil, errs.Dtype("f16 gemm with %s b and %s output", b.DType, out.DType)
		}
		biasF, err := floatBias(bias)
		if err != nil {
			return nil, err
		}
		res.Blocks = blocksDTO(e.Blocks(m, n, k, 2, 4))
		if err := floatGEMM(e, a.F16, b.F16, biasF, out.F16, m, n, k, gemm.Float16); err != nil {
			return nil, err
		}
	case tensor.Int8:
		qp, err := quantGEMM(e, a, b, bias, out, m, n, k)
		if err != nil {
			return nil, err
		}
		res.Blocks = blocksDTO(e.Blocks(m, n, k, 1, 4))
		res.Requant = requantDTO(qp)
	default:
		return nil, errs.Dtype("gemm with %s a", a.DType)
	}
	res.Output = fromTensor(out)
	return res, nil
}

func floatBias(t *tensor.Tensor) ([]float32, error) {
	if t == nil {
		return nil, nil
	}
	if t.DType != tensor.Float32 {
		return nil, errs.Dtype("float gemm needs f32 bias, got %s", t.DType)
	}
	return t.F32, nil
}

func floatGEMM[T pack.Element](
	e *gemm.Engine, a, b []T, bias []float32, dst []T, m, n, k int,
	mul func(e *gemm.Engine, a, b *pack.Matrix[T], bias []float32, dst []T) error,
) error {
	pa, err := pack.PackStationary(a, m, k)
	if err != nil {
		return err
	}
	pb, err := pack.PackMoving(b, k, n, e.Lane())
	if err != nil {
		return err
	}
	return mul(e, pa, pb, bias, dst)
}

// quantGEMM runs the int8 path: symmetric A with one scale or one per row,
// B with a single scale and zero point, int32 bias and a quantized output.
func quantGEMM(e *gemm.Engine, a, b, bias, out *tensor.Tensor, m, n, k int) (*quant.Params, error) {
	if !b.DType.IsQuantized() || !out.DType.IsQuantized() {
		return nil, errs.Dtype("int8 gemm with %s b and %s output", b.DType, out.DType)
	}
	if cnt := len(a.Quant); cnt != 1 && cnt != m {
		return nil, errs.Quant("a has %d quant records for %d rows", cnt, m)
	}
	for _, q := range a.Quant {
		if q.ZeroPoint != 0 {
			return nil, errs.Quant("a zero point %d: stationary operand must be symmetric", q.ZeroPoint)
		}
	}
	if len(b.Quant) != 1 {
		return nil, errs.Quant("b needs one quant record, got %d", len(b.Quant))
	}
	var biasI []int32
	if bias != nil {
		if bias.DType != tensor.Int32 {
			return nil, errs.Dtype("int8 gemm needs i32 bias, got %s", bias.DType)
		}
		biasI = bias.I32
	}
	r, _ := out.DType.Range()
	qp, err := quant.Derive(b.Quant[0].Scale, a.QuantScales(), out.Quant[0].Scale, out.Quant[0].ZeroPoint, r)
	if err != nil {
		return nil, err
	}
	pa, err := pack.PackStationary(a.I8, m, k)
	if err != nil {
		return nil, err
	}
	q := int8GEMM{e: e, a: pa, bias: biasI, zp: b.Quant[0].ZeroPoint, qp: qp, k: k, n: n}
	switch {
	case b.DType == tensor.Int8 && out.DType == tensor.Int8:
		err = runInt8[int8, int8](q, b, out)
	case b.DType == tensor.Int8 && out.DType == tensor.Uint8:
		err = runInt8[int8, uint8](q, b, out)
	case b.DType == tensor.Uint8 && out.DType == tensor.Int8:
		err = runInt8[uint8, int8](q, b, out)
	default:
		err = runInt8[uint8, uint8](q, b, out)
	}
	if err != nil {
		return nil, err
	}
	return qp, nil
}

type int8GEMM struct {
	e    *gemm.Engine
	a    *pack.Matrix[int8]
	bias []int32
	zp   int32
	qp   *quant.Params
	k, n int
}

func runInt8[EB, O int8 | uint8](q int8GEMM, b, out *tensor.Tensor) error {
	src, err := tensor.Data[EB](b)
	if err != nil {
		return err
	}
	dst, err := tensor.Data[O](out)
	if err != nil {
		return err
	}
	pb, err := pack.PackMoving(src, q.k, q.n, q.e.Lane())
	if err != nil {
		return err
	}
	return gemm.Int8(q.e, q.a, pb, q.bias, q.zp, q.qp, dst)
}

// conv2d binds a Conv2D operator through the registry and runs it once.
func (s *Server) conv2d(req *Conv2DRequest) (*Conv2DResponse, error) {
	x, err := req.Input.toTensor("input")
	if err != nil {
		return nil, err
	}
	w, err := req.Weights.toTensor("weights")
	if err != nil {
		return nil, err
	}
	var bias *tensor.Tensor
	if req.Bias != nil {
		if bias, err = req.Bias.toTensor("bias"); err != nil {
			return nil, err
		}
	}
	n, ic, h, wd, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != 4 {
		return nil, errs.Shape("weights must be [oc, ic/groups, kh, kw], got %s", w.Shape)
	}
	params := req.Params
	if params.KernelH == 0 && params.KernelW == 0 {
		params.KernelH, params.KernelW = w.Shape[2], w.Shape[3]
	}
	pr := conv.Problem{Params: params, N: n, IC: ic, H: h, W: wd, OC: w.Shape[0]}
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	out, err := req.Output.newOutput(n, pr.OC, pr.OutH(), pr.OutW())
	if err != nil {
		return nil, err
	}

	op, err := s.registry.Prepare(ops.Def{
		Kind:      ops.KindConv2D,
		Name:      "request",
		Conv:      params,
		Algorithm: req.Algorithm,
		Weights:   w,
		Bias:      bias,
	}, []*tensor.Tensor{x}, out)
	if err != nil {
		return nil, err
	}
	if err := op.Exec([]*tensor.Tensor{x}, out); err != nil {
		return nil, err
	}
	c := op.(*ops.Conv2D)
	return &Conv2DResponse{
		Variant: c.Variant(),
		Problem: c.Problem().Params.String(),
		Requant: requantDTO(c.Quant()),
		Output:  fromTensor(out),
	}, nil
}
