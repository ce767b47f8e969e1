package conv

import (
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/quant"
)

// CheckLowered reports whether pr can be lowered onto a single GEMM per
// image. Grouped convolutions cannot.
func CheckLowered(pr Problem) error {
	pr.Params = pr.Params.Normalize()
	if pr.Groups != 1 {
		return errs.NewFallback("gemm", "%d groups", pr.Groups)
	}
	return nil
}

// Pointwise reports whether pr is a 1x1, stride 1, unpadded convolution
// whose input plane already is the GEMM moving operand.
func (pr Problem) Pointwise() bool {
	p := pr.Params.Normalize()
	return p.KernelH == 1 && p.KernelW == 1 && p.StrideH == 1 && p.StrideW == 1 &&
		p.PadTop == 0 && p.PadLeft == 0 && p.PadBottom == 0 && p.PadRight == 0
}

// LoweredKernel is a filter bank packed once as the stationary GEMM operand
// [OC, IC*KH*KW].
type LoweredKernel[T int8 | float32] struct {
	Packed *pack.Matrix[T]
}

func NewLoweredKernel[T int8 | float32](pr Problem, w []T) (*LoweredKernel[T], error) {
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	if err := CheckLowered(pr); err != nil {
		return nil, err
	}
	if err := checkLen("weights", len(w), pr.WeightLen()); err != nil {
		return nil, err
	}
	m, err := pack.PackStationary(w, pr.OC, pr.IC*pr.KernelH*pr.KernelW)
	if err != nil {
		return nil, err
	}
	return &LoweredKernel[T]{Packed: m}, nil
}

// Im2col writes the [IC*KH*KW, OH*OW] patch matrix of image n into dst.
// Taps in the padding read fill.
func Im2col[T pack.Element](dst, in []T, pr Problem, n int, fill T) {
	oh, ow := pr.OutH(), pr.OutW()
	cols := oh * ow
	row := 0
	for c := range pr.IC {
		src := in[(n*pr.IC+c)*pr.H*pr.W:]
		for ky := range pr.KernelH {
			for kx := range pr.KernelW {
				out := dst[row*cols : (row+1)*cols]
				for oy := range oh {
					iy := oy*pr.StrideH - pr.PadTop + ky*pr.DilationH
					line := out[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= pr.H {
						for i := range line {
							line[i] = fill
						}
						continue
					}
					for ox := range ow {
						ix := ox*pr.StrideW - pr.PadLeft + kx*pr.DilationW
						if ix < 0 || ix >= pr.W {
							line[ox] = fill
						} else {
							line[ox] = src[iy*pr.W+ix]
						}
					}
				}
				row++
			}
		}
	}
}

// movingOperand packs image n as the GEMM moving operand, through im2col
// unless the convolution is pointwise.
func movingOperand[T pack.Element](pr Problem, in []T, n, lane int, fill T, scratch []T) (*pack.Matrix[T], []T, error) {
	if pr.Pointwise() {
		plane := pr.IC * pr.H * pr.W
		m, err := pack.PackMoving(in[n*plane:(n+1)*plane], pr.IC, pr.H*pr.W, lane)
		return m, scratch, err
	}
	rows := pr.IC * pr.KernelH * pr.KernelW
	cols := pr.OutH() * pr.OutW()
	if cap(scratch) < rows*cols {
		scratch = make([]T, rows*cols)
	}
	scratch = scratch[:rows*cols]
	Im2col(scratch, in, pr, n, fill)
	m, err := pack.PackMoving(scratch, rows, cols, lane)
	return m, scratch, err
}

// LoweredInt8 runs a quantized convolution as one GEMM per image.
func LoweredInt8[EI, O ~int8 | ~uint8](
	e *gemm.Engine, pr Problem, k *LoweredKernel[int8], in []EI, zpIn int32, bias []int32, qp *quant.Params, out []O,
) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := checkBuffers(pr, len(in), k.Packed.Size(), biasLen(bias), len(out)); err != nil {
		return err
	}
	plane := pr.OC * pr.OutH() * pr.OutW()
	var scratch []EI
	for n := range pr.N {
		b, s, err := movingOperand(pr, in, n, e.Lane(), EI(zpIn), scratch)
		if err != nil {
			return err
		}
		scratch = s
		if err := gemm.Int8(e, k.Packed, b, bias, zpIn, qp, out[n*plane:(n+1)*plane]); err != nil {
			return err
		}
	}
	return nil
}

// LoweredFloat32 runs a float convolution as one GEMM per image.
func LoweredFloat32(e *gemm.Engine, pr Problem, k *LoweredKernel[float32], in, bias, out []float32) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := checkBuffers(pr, len(in), k.Packed.Size(), biasLen(bias), len(out)); err != nil {
		return err
	}
	plane := pr.OC * pr.OutH() * pr.OutW()
	var scratch []float32
	for n := range pr.N {
		b, s, err := movingOperand(pr, in, n, e.Lane(), 0, scratch)
		if err != nil {
			return err
		}
		scratch = s
		if err := gemm.Float32(e, k.Packed, b, bias, out[n*plane:(n+1)*plane]); err != nil {
			return err
		}
	}
	return nil
}
