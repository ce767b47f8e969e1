package conv

import (
	"github.com/samcharles93/quill/internal/parallel"
	"github.com/samcharles93/quill/internal/quant"
)

// DirectInt8 is the general quantized convolution: any kernel size, stride,
// padding, dilation and group count. Inputs are NCHW with zero point zpIn,
// weights [OC, IC/groups, KH, KW] int8, bias int32 per filter (or nil) and
// the output NCHW, requantized per filter with qp.
func DirectInt8[EI, O ~int8 | ~uint8](
	pool *parallel.Pool, pr Problem, in []EI, zpIn int32, w []int8, bias []int32, qp *quant.Params, out []O,
) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := checkBuffers(pr, len(in), len(w), biasLen(bias), len(out)); err != nil {
		return err
	}
	if err := qp.CheckChannels(pr.OC); err != nil {
		return err
	}
	oh, ow := pr.OutH(), pr.OutW()
	plane := oh * ow
	return pool.Partitioned(pr.N*pr.OC, oh, func(r parallel.Rect) error {
		acc := make([]int32, ow)
		for no := r.M0; no < r.M1; no++ {
			n, oc := no/pr.OC, no%pr.OC
			var b int32
			if bias != nil {
				b = bias[oc]
			}
			for oy := r.N0; oy < r.N1; oy++ {
				for i := range acc {
					acc[i] = b
				}
				directRow(pr, in, zpIn, w, n, oc, oy, acc)
				dst := out[(n*pr.OC+oc)*plane+oy*ow:]
				quant.ApplyRow(qp, oc, acc, dst[:ow])
			}
		}
		return nil
	})
}

// directRow adds one output row of filter oc into acc. Taps that fall in the
// padding contribute nothing, which equals reading the zero point.
func directRow[EI ~int8 | ~uint8](pr Problem, in []EI, zpIn int32, w []int8, n, oc, oy int, acc []int32) {
	icg := pr.ICPerGroup()
	g := oc / pr.OCPerGroup()
	kh, kw := pr.KernelH, pr.KernelW
	for ci := range icg {
		c := g*icg + ci
		src := in[(n*pr.IC+c)*pr.H*pr.W:]
		filt := w[(oc*icg+ci)*kh*kw:]
		for ky := range kh {
			iy := oy*pr.StrideH - pr.PadTop + ky*pr.DilationH
			if iy < 0 || iy >= pr.H {
				continue
			}
			row := src[iy*pr.W : (iy+1)*pr.W]
			for kx := range kw {
				wv := int32(filt[ky*kw+kx])
				if wv == 0 {
					continue
				}
				for ox := range acc {
					ix := ox*pr.StrideW - pr.PadLeft + kx*pr.DilationW
					if ix < 0 || ix >= pr.W {
						continue
					}
					acc[ox] += wv * (int32(row[ix]) - zpIn)
				}
			}
		}
	}
}

// DirectFloat32 is DirectInt8 for float32 tensors. bias may be nil.
func DirectFloat32(pool *parallel.Pool, pr Problem, in, w, bias, out []float32) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := checkBuffers(pr, len(in), len(w), biasLen(bias), len(out)); err != nil {
		return err
	}
	oh, ow := pr.OutH(), pr.OutW()
	plane := oh * ow
	icg := pr.ICPerGroup()
	kh, kw := pr.KernelH, pr.KernelW
	return pool.Partitioned(pr.N*pr.OC, oh, func(r parallel.Rect) error {
		for no := r.M0; no < r.M1; no++ {
			n, oc := no/pr.OC, no%pr.OC
			g := oc / pr.OCPerGroup()
			var b float32
			if bias != nil {
				b = bias[oc]
			}
			for oy := r.N0; oy < r.N1; oy++ {
				acc := out[(n*pr.OC+oc)*plane+oy*ow:][:ow]
				for i := range acc {
					acc[i] = b
				}
				for ci := range icg {
					c := g*icg + ci
					src := in[(n*pr.IC+c)*pr.H*pr.W:]
					filt := w[(oc*icg+ci)*kh*kw:]
					for ky := range kh {
						iy := oy*pr.StrideH - pr.PadTop + ky*pr.DilationH
						if iy < 0 || iy >= pr.H {
							continue
						}
						row := src[iy*pr.W : (iy+1)*pr.W]
						for kx := range kw {
							wv := filt[ky*kw+kx]
							for ox := range acc {
								ix := ox*pr.StrideW - pr.PadLeft + kx*pr.DilationW
								if ix >= 0 && ix < pr.W {
									acc[ox] += wv * row[ix]
								}
							}
						}
					}
				}
			}
		}
		return nil
	})
}
