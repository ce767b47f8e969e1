// Package conv holds the convolution geometry and the kernels that compute
// it without a Winograd transform: general direct convolution, the blocked
// depthwise 3x3 kernel and im2col lowering onto the GEMM engine.
package conv

import (
	"fmt"

	"github.com/samcharles93/quill/internal/errs"
)

// Params are the convolution hyper-parameters. Zero strides, dilations and
// groups mean 1.
type Params struct {
	KernelH   int `json:"kernel_h" yaml:"kernel_h"`
	KernelW   int `json:"kernel_w" yaml:"kernel_w"`
	StrideH   int `json:"stride_h" yaml:"stride_h"`
	StrideW   int `json:"stride_w" yaml:"stride_w"`
	PadTop    int `json:"pad_top" yaml:"pad_top"`
	PadLeft   int `json:"pad_left" yaml:"pad_left"`
	PadBottom int `json:"pad_bottom" yaml:"pad_bottom"`
	PadRight  int `json:"pad_right" yaml:"pad_right"`
	DilationH int `json:"dilation_h" yaml:"dilation_h"`
	DilationW int `json:"dilation_w" yaml:"dilation_w"`
	Groups    int `json:"groups" yaml:"groups"`
}

// Normalize fills defaulted fields.
func (p Params) Normalize() Params {
	if p.StrideH == 0 {
		p.StrideH = 1
	}
	if p.StrideW == 0 {
		p.StrideW = 1
	}
	if p.DilationH == 0 {
		p.DilationH = 1
	}
	if p.DilationW == 0 {
		p.DilationW = 1
	}
	if p.Groups == 0 {
		p.Groups = 1
	}
	return p
}

// SymmetricPadding reports whether top equals bottom and left equals right.
func (p Params) SymmetricPadding() bool {
	return p.PadTop == p.PadBottom && p.PadLeft == p.PadRight
}

func (p Params) String() string {
	return fmt.Sprintf("k%dx%d s%dx%d p%d,%d,%d,%d d%dx%d g%d",
		p.KernelH, p.KernelW, p.StrideH, p.StrideW,
		p.PadTop, p.PadLeft, p.PadBottom, p.PadRight,
		p.DilationH, p.DilationW, p.Groups)
}

// Problem is the full geometry of one convolution: parameters plus the
// NCHW input extent and output channel count.
type Problem struct {
	Params
	N, IC, H, W int
	OC          int
}

// OutH and OutW are the output spatial extent.
func (pr Problem) OutH() int {
	return outExtent(pr.H, pr.PadTop+pr.PadBottom, pr.KernelH, pr.StrideH, pr.DilationH)
}

func (pr Problem) OutW() int {
	return outExtent(pr.W, pr.PadLeft+pr.PadRight, pr.KernelW, pr.StrideW, pr.DilationW)
}

func outExtent(in, pad, k, stride, dil int) int {
	span := (k-1)*dil + 1
	if in+pad < span || stride <= 0 {
		return 0
	}
	return (in+pad-span)/stride + 1
}

// ICPerGroup is the number of input channels each filter sees.
func (pr Problem) ICPerGroup() int { return pr.IC / pr.Groups }

// OCPerGroup is the number of filters in each group.
func (pr Problem) OCPerGroup() int { return pr.OC / pr.Groups }

func (pr Problem) InputLen() int  { return pr.N * pr.IC * pr.H * pr.W }
func (pr Problem) OutputLen() int { return pr.N * pr.OC * pr.OutH() * pr.OutW() }

// WeightLen is the element count of an [OC, IC/groups, KH, KW] filter bank.
func (pr Problem) WeightLen() int {
	return pr.OC * pr.ICPerGroup() * pr.KernelH * pr.KernelW
}

// Depthwise reports whether every channel is its own group.
func (pr Problem) Depthwise() bool {
	return pr.Groups > 1 && pr.Groups == pr.IC && pr.Groups == pr.OC
}

// Validate normalizes the parameters and checks the geometry is computable.
func (pr *Problem) Validate() error {
	pr.Params = pr.Params.Normalize()
	switch {
	case pr.N <= 0 || pr.IC <= 0 || pr.H <= 0 || pr.W <= 0 || pr.OC <= 0:
		return errs.Shape("conv input %dx%dx%dx%d with %d filters", pr.N, pr.IC, pr.H, pr.W, pr.OC)
	case pr.KernelH <= 0 || pr.KernelW <= 0:
		return errs.Shape("kernel %dx%d", pr.KernelH, pr.KernelW)
	case pr.StrideH < 0 || pr.StrideW < 0 || pr.DilationH < 0 || pr.DilationW < 0:
		return errs.Shape("negative stride or dilation in %s", pr.Params)
	case pr.PadTop < 0 || pr.PadLeft < 0 || pr.PadBottom < 0 || pr.PadRight < 0:
		return errs.Shape("negative padding in %s", pr.Params)
	case pr.Groups < 0 || pr.IC%pr.Groups != 0 || pr.OC%pr.Groups != 0:
		return errs.Shape("%d groups do not divide %d inputs and %d outputs", pr.Groups, pr.IC, pr.OC)
	case pr.OutH() <= 0 || pr.OutW() <= 0:
		return errs.Shape("%s leaves no output for %dx%d input", pr.Params, pr.H, pr.W)
	}
	return nil
}

func checkLen(what string, have, want int) error {
	if have < want {
		return errs.Shape("%s holds %d elements, need %d", what, have, want)
	}
	return nil
}

func checkBuffers(pr Problem, in, w, bias, out int) error {
	if err := checkLen("input", in, pr.InputLen()); err != nil {
		return err
	}
	if err := checkLen("weights", w, pr.WeightLen()); err != nil {
		return err
	}
	if bias >= 0 && bias != pr.OC {
		return errs.Shape("bias has %d values for %d filters", bias, pr.OC)
	}
	return checkLen("output", out, pr.OutputLen())
}

// biasLen returns len(b), or -1 when no bias is given.
func biasLen[T any](b []T) int {
	if b == nil {
		return -1
	}
	return len(b)
}
