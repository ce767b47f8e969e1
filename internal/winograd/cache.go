package winograd

import (
	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/quant"
)

// Check reports whether pr can run through F(4,3) at the given lane width.
// A non-nil result is a fallback naming the reason.
func Check(pr conv.Problem, lane int) error {
	pr.Params = pr.Params.Normalize()
	switch {
	case pr.KernelH != 3 || pr.KernelW != 3:
		return errs.NewFallback("winograd", "kernel %dx%d", pr.KernelH, pr.KernelW)
	case pr.StrideH != 1 || pr.StrideW != 1:
		return errs.NewFallback("winograd", "stride %dx%d", pr.StrideH, pr.StrideW)
	case pr.DilationH != 1 || pr.DilationW != 1:
		return errs.NewFallback("winograd", "dilation %dx%d", pr.DilationH, pr.DilationW)
	case pr.Groups != 1:
		return errs.NewFallback("winograd", "%d groups", pr.Groups)
	case lane <= 0 || pr.IC%lane != 0 || pr.OC%lane != 0:
		return errs.NewFallback("winograd", "channels %d->%d not a multiple of lane %d", pr.IC, pr.OC, lane)
	}
	return nil
}

// KernelCache is a transformed 3x3 filter bank laid out as
// [OC/lane][36][IC][lane]. Slot s of every lane block together forms the
// stationary operand of slot GEMM s, tiled lane rows high rather than by
// PlanStationary.
type KernelCache[T int32 | float32] struct {
	OC, IC, Lane int
	U            []T

	slots [Slots]*pack.Matrix[T]
}

func newKernelCache[T int32 | float32](oc, ic, lane int) *KernelCache[T] {
	c := &KernelCache[T]{OC: oc, IC: ic, Lane: lane, U: make([]T, oc*Slots*ic)}
	block := Slots * ic * lane
	for s := range Slots {
		c.slots[s] = &pack.Matrix[T]{
			Plan: pack.PlanStrided(oc, ic, lane, s*ic*lane, block),
			Data: c.U,
		}
	}
	return c
}

// Slot returns the [OC, IC] operand of frequency slot s.
func (c *KernelCache[T]) Slot(s int) *pack.Matrix[T] { return c.slots[s] }

func (c *KernelCache[T]) set(oc, ic int, u *[Slots]T) {
	b, l := oc/c.Lane, oc%c.Lane
	for s, v := range u {
		c.U[((b*Slots+s)*c.IC+ic)*c.Lane+l] = v
	}
}

func checkWeights(oc, ic, lane, n int) error {
	if oc <= 0 || ic <= 0 || lane <= 0 || oc%lane != 0 || ic%lane != 0 {
		return errs.Shape("winograd filters %dx%d at lane %d", oc, ic, lane)
	}
	if n < oc*ic*9 {
		return errs.Shape("weights hold %d elements, need %d", n, oc*ic*9)
	}
	return nil
}

// Int8Kernel is the persistent state of a quantized Winograd convolution.
type Int8Kernel struct {
	Cache *KernelCache[int32]
	// Bias is the per-filter bias pre-multiplied by Scale.
	Bias   []int64
	Params *quant.Params
}

// NewInt8Kernel transforms w [OC, IC, 3, 3] with the integer kernel
// transform. bias may be nil.
func NewInt8Kernel(w []int8, bias []int32, oc, ic, lane int, qp *quant.Params) (*Int8Kernel, error) {
	if err := checkWeights(oc, ic, lane, len(w)); err != nil {
		return nil, err
	}
	if bias != nil && len(bias) != oc {
		return nil, errs.Shape("bias has %d values for %d filters", len(bias), oc)
	}
	if err := qp.CheckChannels(oc); err != nil {
		return nil, err
	}
	k := &Int8Kernel{Cache: newKernelCache[int32](oc, ic, lane), Bias: make([]int64, oc), Params: qp}
	var (
		g [9]int32
		u [Slots]int32
	)
	for o := range oc {
		for i := range ic {
			for t, v := range w[(o*ic+i)*9 : (o*ic+i+1)*9] {
				g[t] = int32(v)
			}
			KernelInt(&g, &u)
			k.Cache.set(o, i, &u)
		}
		if bias != nil {
			k.Bias[o] = int64(bias[o]) * Scale
		}
	}
	return k, nil
}

// FloatKernel is the persistent state of a float32 Winograd convolution.
type FloatKernel struct {
	Cache *KernelCache[float32]
	Bias  []float32
}

// NewFloatKernel transforms w [OC, IC, 3, 3] with the exact kernel transform.
func NewFloatKernel(w, bias []float32, oc, ic, lane int) (*FloatKernel, error) {
	if err := checkWeights(oc, ic, lane, len(w)); err != nil {
		return nil, err
	}
	if bias != nil && len(bias) != oc {
		return nil, errs.Shape("bias has %d values for %d filters", len(bias), oc)
	}
	k := &FloatKernel{Cache: newKernelCache[float32](oc, ic, lane), Bias: make([]float32, oc)}
	var (
		g [9]float32
		u [Slots]float32
	)
	for o := range oc {
		for i := range ic {
			copy(g[:], w[(o*ic+i)*9:(o*ic+i+1)*9])
			KernelFloat(&g, &u)
			k.Cache.set(o, i, &u)
		}
	}
	if bias != nil {
		copy(k.Bias, bias)
	}
	return k, nil
}
