package conv

import (
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/parallel"
)

// PoolProblem describes a pooling window over c channels. Every channel
// is its own group, so the geometry helpers of Problem apply unchanged.
func PoolProblem(p Params, n, c, h, w int) Problem {
	p.Groups = c
	return Problem{Params: p, N: n, IC: c, H: h, W: w, OC: c}
}

func validatePool(pr *Problem, inLen, outLen int) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if pr.IC != pr.OC {
		return errs.Shape("pooling maps %d channels to %d", pr.IC, pr.OC)
	}
	if pr.DilationH != 1 || pr.DilationW != 1 {
		return errs.Shape("dilated pooling %s", pr.Params)
	}
	if pr.PadTop >= pr.KernelH || pr.PadBottom >= pr.KernelH || pr.PadLeft >= pr.KernelW || pr.PadRight >= pr.KernelW {
		return errs.Shape("padding %s not smaller than the window", pr.Params)
	}
	if err := checkLen("input", inLen, pr.InputLen()); err != nil {
		return err
	}
	return checkLen("output", outLen, pr.OutputLen())
}

// window calls tap for every input offset of output pixel (oy, ox) that
// lies inside the image.
func window(pr Problem, oy, ox int, tap func(off int)) {
	for ky := range pr.KernelH {
		iy := oy*pr.StrideH - pr.PadTop + ky*pr.DilationH
		if iy < 0 || iy >= pr.H {
			continue
		}
		for kx := range pr.KernelW {
			ix := ox*pr.StrideW - pr.PadLeft + kx*pr.DilationW
			if ix >= 0 && ix < pr.W {
				tap(iy*pr.W + ix)
			}
		}
	}
}

// poolPlanes runs fn over every (image, channel) plane and output row.
func poolPlanes(pool *parallel.Pool, pr Problem, fn func(nc, oy int)) error {
	oh := pr.OutH()
	return pool.Partitioned(pr.N*pr.IC, oh, func(r parallel.Rect) error {
		for nc := r.M0; nc < r.M1; nc++ {
			for oy := r.N0; oy < r.N1; oy++ {
				fn(nc, oy)
			}
		}
		return nil
	})
}

// MaxPool takes the maximum of each window over NCHW planes. Taps in the
// padding are ignored, so quantized tensors keep their scale and zero point.
func MaxPool[T ~int8 | ~uint8 | ~float32](pool *parallel.Pool, pr Problem, in, out []T) error {
	if err := validatePool(&pr, len(in), len(out)); err != nil {
		return err
	}
	oh, ow := pr.OutH(), pr.OutW()
	return poolPlanes(pool, pr, func(nc, oy int) {
		src := in[nc*pr.H*pr.W : (nc+1)*pr.H*pr.W]
		dst := out[(nc*oh+oy)*ow : (nc*oh+oy+1)*ow]
		for ox := range dst {
			first := true
			var m T
			window(pr, oy, ox, func(off int) {
				if first || src[off] > m {
					m, first = src[off], false
				}
			})
			dst[ox] = m
		}
	})
}

// AvgPoolInt8 averages each window of a quantized NCHW tensor over its
// in-image taps, rounding half up. Input and output share quantization.
func AvgPoolInt8[T ~int8 | ~uint8](pool *parallel.Pool, pr Problem, in, out []T) error {
	if err := validatePool(&pr, len(in), len(out)); err != nil {
		return err
	}
	oh, ow := pr.OutH(), pr.OutW()
	return poolPlanes(pool, pr, func(nc, oy int) {
		src := in[nc*pr.H*pr.W : (nc+1)*pr.H*pr.W]
		dst := out[(nc*oh+oy)*ow : (nc*oh+oy+1)*ow]
		for ox := range dst {
			var sum, count int64
			window(pr, oy, ox, func(off int) {
				sum += int64(src[off])
				count++
			})
			dst[ox] = T(floorDiv(2*sum+count, 2*count))
		}
	})
}

// AvgPoolFloat32 is AvgPoolInt8 for float32 tensors.
func AvgPoolFloat32(pool *parallel.Pool, pr Problem, in, out []float32) error {
	if err := validatePool(&pr, len(in), len(out)); err != nil {
		return err
	}
	oh, ow := pr.OutH(), pr.OutW()
	return poolPlanes(pool, pr, func(nc, oy int) {
		src := in[nc*pr.H*pr.W : (nc+1)*pr.H*pr.W]
		dst := out[(nc*oh+oy)*ow : (nc*oh+oy+1)*ow]
		for ox := range dst {
			var (
				sum   float64
				count int
			)
			window(pr, oy, ox, func(off int) {
				sum += float64(src[off])
				count++
			})
			dst[ox] = float32(sum / float64(count))
		}
	})
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
