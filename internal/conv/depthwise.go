package conv

import (
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
)

const (
	dwRows = 2
	dwCols = 4
	dwTaps = 9
)

// CheckDepthwise reports whether the blocked depthwise 3x3 kernel can run
// pr. A nil result means it can; otherwise the error is a fallback naming
// the reason.
func CheckDepthwise(pr Problem) error {
	pr.Params = pr.Params.Normalize()
	switch {
	case !pr.Depthwise():
		return errs.NewFallback("depthwise", "groups %d, channels %d->%d", pr.Groups, pr.IC, pr.OC)
	case pr.KernelH != 3 || pr.KernelW != 3:
		return errs.NewFallback("depthwise", "kernel %dx%d", pr.KernelH, pr.KernelW)
	case pr.StrideH != pr.StrideW || (pr.StrideH != 1 && pr.StrideH != 2):
		return errs.NewFallback("depthwise", "stride %dx%d", pr.StrideH, pr.StrideW)
	case pr.DilationH != 1 || pr.DilationW != 1:
		return errs.NewFallback("depthwise", "dilation %dx%d", pr.DilationH, pr.DilationW)
	case !pr.SymmetricPadding():
		return errs.NewFallback("depthwise", "non-square padding %d,%d,%d,%d", pr.PadTop, pr.PadLeft, pr.PadBottom, pr.PadRight)
	case pr.PadTop > 1 || pr.PadLeft > 1:
		return errs.NewFallback("depthwise", "padding %d,%d exceeds one pixel", pr.PadTop, pr.PadLeft)
	}
	return nil
}

// DepthwiseKernel is a 3x3 depthwise filter bank relaid out per channel
// block as [C/lane][9][lane], padded with zero taps past C.
type DepthwiseKernel[T int32 | float32] struct {
	C, Lane int
	Taps    []T
	Bias    []T
}

func (k *DepthwiseKernel[T]) Blocks() int { return (k.C + k.Lane - 1) / k.Lane }

// NewDepthwiseKernel relays out w [C, 1, 3, 3] and bias (or nil).
func NewDepthwiseKernel[W int8 | float32, T int32 | float32](w []W, bias []T, c, lane int) (*DepthwiseKernel[T], error) {
	if c <= 0 || lane <= 0 {
		return nil, errs.Shape("depthwise kernel for %d channels at lane %d", c, lane)
	}
	if len(w) < c*dwTaps {
		return nil, errs.Shape("depthwise weights hold %d elements, need %d", len(w), c*dwTaps)
	}
	if bias != nil && len(bias) != c {
		return nil, errs.Shape("bias has %d values for %d channels", len(bias), c)
	}
	k := &DepthwiseKernel[T]{C: c, Lane: lane}
	cb := k.Blocks()
	k.Taps = make([]T, cb*dwTaps*lane)
	k.Bias = make([]T, cb*lane)
	for ch := range c {
		b, l := ch/lane, ch%lane
		for t := range dwTaps {
			k.Taps[(b*dwTaps+t)*lane+l] = T(w[ch*dwTaps+t])
		}
		if bias != nil {
			k.Bias[b*lane+l] = bias[ch]
		}
	}
	return k, nil
}

// DepthwiseInt8 runs a quantized depthwise 3x3 convolution on blocked
// tensors: in is [N, C/lane, H, W, lane] and out is [N, C/lane, OH, OW, lane].
// Padding lanes of the output are written as the output zero point.
func DepthwiseInt8[EI, O ~int8 | ~uint8](
	pool *parallel.Pool, pr Problem, k *DepthwiseKernel[int32], in []EI, zpIn int32, qp *quant.Params, out []O,
) error {
	if err := validateDepthwise(pr, k.C, k.Lane, len(in), len(out)); err != nil {
		return err
	}
	if err := qp.CheckChannels(k.C); err != nil {
		return err
	}
	pr.Params = pr.Params.Normalize()
	lane := k.Lane
	oh, ow := pr.OutH(), pr.OutW()
	cb := k.Blocks()
	return pool.Partitioned(pr.N*cb, (oh+dwRows-1)/dwRows, func(r parallel.Rect) error {
		var padded []int32
		for nb := r.M0; nb < r.M1; nb++ {
			b := nb % cb
			src := in[nb*pr.H*pr.W*lane : (nb+1)*pr.H*pr.W*lane]
			padded = padPlane(padded, src, pr, lane, func(v EI) int32 { return int32(v) - zpIn })
			dst := out[nb*oh*ow*lane : (nb+1)*oh*ow*lane]
			taps := k.Taps[b*dwTaps*lane : (b+1)*dwTaps*lane]
			bias := k.Bias[b*lane : (b+1)*lane]
			depthwisePlane(padded, taps, bias, pr, lane, r.N0*dwRows, min(r.N1*dwRows, oh), func(oy, ox int, acc []int32) {
				px := dst[(oy*ow+ox)*lane : (oy*ow+ox+1)*lane]
				for l, a := range acc {
					ch := b*lane + l
					if ch >= k.C {
						px[l] = O(qp.ZeroPoint)
						continue
					}
					px[l] = O(qp.Apply(ch, a))
				}
			})
		}
		return nil
	})
}

// DepthwiseFloat32 is DepthwiseInt8 for float32 blocked tensors.
func DepthwiseFloat32(pool *parallel.Pool, pr Problem, k *DepthwiseKernel[float32], in, out []float32) error {
	if err := validateDepthwise(pr, k.C, k.Lane, len(in), len(out)); err != nil {
		return err
	}
	pr.Params = pr.Params.Normalize()
	lane := k.Lane
	oh, ow := pr.OutH(), pr.OutW()
	cb := k.Blocks()
	return pool.Partitioned(pr.N*cb, (oh+dwRows-1)/dwRows, func(r parallel.Rect) error {
		var padded []float32
		for nb := r.M0; nb < r.M1; nb++ {
			b := nb % cb
			src := in[nb*pr.H*pr.W*lane : (nb+1)*pr.H*pr.W*lane]
			padded = padPlane(padded, src, pr, lane, func(v float32) float32 { return v })
			dst := out[nb*oh*ow*lane : (nb+1)*oh*ow*lane]
			taps := k.Taps[b*dwTaps*lane : (b+1)*dwTaps*lane]
			bias := k.Bias[b*lane : (b+1)*lane]
			depthwisePlane(padded, taps, bias, pr, lane, r.N0*dwRows, min(r.N1*dwRows, oh), func(oy, ox int, acc []float32) {
				copy(dst[(oy*ow+ox)*lane:(oy*ow+ox+1)*lane], acc)
			})
		}
		return nil
	})
}

func validateDepthwise(pr Problem, c, lane, inLen, outLen int) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := CheckDepthwise(pr); err != nil {
		return err
	}
	if pr.IC != c {
		return errs.Shape("depthwise kernel has %d channels, input has %d", c, pr.IC)
	}
	cb := (c + lane - 1) / lane
	if err := checkLen("blocked input", inLen, pr.N*cb*pr.H*pr.W*lane); err != nil {
		return err
	}
	return checkLen("blocked output", outLen, pr.N*cb*pr.OutH()*pr.OutW()*lane)
}

// padPlane copies one blocked [H, W, lane] plane into a zero-bordered
// [H+pt+pb, W+pl+pr, lane] buffer, converting each value with cvt.
func padPlane[E any, T int32 | float32](buf []T, src []E, pr Problem, lane int, cvt func(E) T) []T {
	ph := pr.H + pr.PadTop + pr.PadBottom
	pw := pr.W + pr.PadLeft + pr.PadRight
	n := ph * pw * lane
	if cap(buf) < n {
		buf = make([]T, n)
	}
	buf = buf[:n]
	clear(buf)
	for y := range pr.H {
		row := buf[((y+pr.PadTop)*pw+pr.PadLeft)*lane:]
		for i, v := range src[y*pr.W*lane : (y+1)*pr.W*lane] {
			row[i] = cvt(v)
		}
	}
	return buf
}

// depthwisePlane computes output rows [oy0, oy1) of one channel block,
// two rows by four columns at a time, calling emit with each pixel's lane
// vector of sums. Stride 2 reads every other input column.
func depthwisePlane[T int32 | float32](
	padded, taps, bias []T, pr Problem, lane, oy0, oy1 int, emit func(oy, ox int, acc []T),
) {
	ow := pr.OutW()
	pw := pr.W + pr.PadLeft + pr.PadRight
	s := pr.StrideH
	acc := make([]T, dwRows*dwCols*lane)
	for oy := oy0; oy < oy1; oy += dwRows {
		rows := min(dwRows, oy1-oy)
		for ox := 0; ox < ow; ox += dwCols {
			cols := min(dwCols, ow-ox)
			for i := range rows * cols {
				copy(acc[i*lane:(i+1)*lane], bias)
			}
			for ky := range 3 {
				for kx := range 3 {
					w := taps[(ky*3+kx)*lane : (ky*3+kx+1)*lane]
					for r := range rows {
						line := padded[((oy+r)*s+ky)*pw*lane:]
						for c := range cols {
							x := line[((ox+c)*s+kx)*lane : ((ox+c)*s+kx+1)*lane]
							a := acc[(r*cols+c)*lane : (r*cols+c+1)*lane]
							for l := range a {
								a[l] += w[l] * x[l]
							}
						}
					}
				}
			}
			for r := range rows {
				for c := range cols {
					emit(oy+r, ox+c, acc[(r*cols+c)*lane:(r*cols+c+1)*lane])
				}
			}
		}
	}
}
