// Package winograd implements 3x3 stride-1 convolution through the F(4,3)
// transform as a fixed pipeline of fork-join stages:
//
//	Pad -> InputTransform -> Pack -> BatchedGEMM -> OutputTransform+Requantize -> Crop
//
// The quantized path is integer-only. Its kernel transform uses G' = 24·G,
// so every transformed result carries a factor of 576; bias is pre-scaled by
// the same factor and the sum is divided back exactly before the same
// requantization the direct kernel applies. Slot products are accumulated in
// int64 because the scaled sums outgrow int32.
package winograd

import (
	"math"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/parallel"
)

// tileGroup is how many tiles share one interleaved input block.
const tileGroup = 8

// geometry is the tile decomposition of one image.
type geometry struct {
	oh, ow int
	th, tw int // tiles per column and row
	ph, pw int // padded input extent
}

func (g geometry) tiles() int { return g.th * g.tw }

func newGeometry(pr conv.Problem) geometry {
	oh, ow := pr.OutH(), pr.OutW()
	th := (oh + TileOut - 1) / TileOut
	tw := (ow + TileOut - 1) / TileOut
	return geometry{oh: oh, ow: ow, th: th, tw: tw, ph: th*TileOut + 2, pw: tw*TileOut + 2}
}

func validate(pr *conv.Problem, oc, ic, lane, inLen, outLen int) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	if err := Check(*pr, lane); err != nil {
		return err
	}
	if pr.OC != oc || pr.IC != ic {
		return errs.Shape("kernel is %dx%d, convolution is %dx%d", oc, ic, pr.OC, pr.IC)
	}
	if inLen < pr.InputLen() {
		return errs.Shape("input holds %d elements, need %d", inLen, pr.InputLen())
	}
	if outLen < pr.OutputLen() {
		return errs.Shape("output holds %d elements, need %d", outLen, pr.OutputLen())
	}
	return nil
}

// pad copies image n into a zero-bordered [IC, ph, pw] buffer, converting
// each value with cvt.
func pad[E any, T int32 | float32](pool *parallel.Pool, dst []T, in []E, pr conv.Problem, g geometry, n int, cvt func(E) T) error {
	return pool.Run(pr.IC, func(c int) error {
		plane := dst[c*g.ph*g.pw : (c+1)*g.ph*g.pw]
		clear(plane)
		src := in[(n*pr.IC+c)*pr.H*pr.W:]
		for y := range pr.H {
			row := plane[(y+pr.PadTop)*g.pw+pr.PadLeft:]
			for x, v := range src[y*pr.W : (y+1)*pr.W] {
				row[x] = cvt(v)
			}
		}
		return nil
	})
}

// interleave returns where tile t of channel c lands inside one slot's
// [tiles/8][IC][8] block; the last group is narrower.
func interleave(t, c, ic, tiles int) int {
	grp := t / tileGroup
	width := min(tileGroup, tiles-grp*tileGroup)
	return grp*tileGroup*ic + c*width + t%tileGroup
}

// slotInput wraps slot s of the transformed input as a moving operand.
func slotInput[T int32 | float32](v []T, s, ic, tiles int) *pack.Matrix[T] {
	size := ic * tiles
	return &pack.Matrix[T]{Plan: pack.PlanUniform(ic, tiles, tileGroup), Data: v[s*size : (s+1)*size]}
}

// RunInt8 convolves in (NCHW, zero point zpIn) with k into out (NCHW),
// requantizing with k.Params.
func RunInt8[EI, O ~int8 | ~uint8](
	pool *parallel.Pool, cfg gemm.Config, pr conv.Problem, k *Int8Kernel, in []EI, zpIn int32, out []O,
) error {
	c := k.Cache
	if err := validate(&pr, c.OC, c.IC, c.Lane, len(in), len(out)); err != nil {
		return err
	}
	g := newGeometry(pr)
	nt := g.tiles()
	padded := make([]int32, pr.IC*g.ph*g.pw)
	v := make([]int32, Slots*pr.IC*nt)
	m := make([]int64, Slots*pr.OC*nt)
	aligned := make([]O, pr.OC*g.th*TileOut*g.tw*TileOut)
	serial := gemm.New(nil, cfg)
	qp := k.Params

	for n := range pr.N {
		if err := pad(pool, padded, in, pr, g, n, func(x EI) int32 { return int32(x) - zpIn }); err != nil {
			return err
		}

		err := pool.Partitioned(pr.IC, nt, func(r parallel.Rect) error {
			var u [Slots]int32
			for ch := r.M0; ch < r.M1; ch++ {
				plane := padded[ch*g.ph*g.pw:]
				for t := r.N0; t < r.N1; t++ {
					ty, tx := t/g.tw, t%g.tw
					InputInt(plane[ty*TileOut*g.pw+tx*TileOut:], g.pw, &u)
					pos := interleave(t, ch, pr.IC, nt)
					for s, x := range u {
						v[s*pr.IC*nt+pos] = x
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = pool.Run(Slots, func(s int) error {
			return gemm.Wide(serial, c.Slot(s), slotInput(v, s, pr.IC, nt), nil, m[s*pr.OC*nt:(s+1)*pr.OC*nt])
		})
		if err != nil {
			return err
		}

		ah, aw := g.th*TileOut, g.tw*TileOut
		err = pool.Partitioned(pr.OC, nt, func(r parallel.Rect) error {
			var (
				slots [Slots]int64
				y     [TileOut * TileOut]int64
			)
			for oc := r.M0; oc < r.M1; oc++ {
				dst := aligned[oc*ah*aw : (oc+1)*ah*aw]
				for t := r.N0; t < r.N1; t++ {
					for s := range Slots {
						slots[s] = m[(s*pr.OC+oc)*nt+t]
					}
					OutputInt(&slots, &y)
					ty, tx := t/g.tw, t%g.tw
					for i := range TileOut {
						row := dst[(ty*TileOut+i)*aw+tx*TileOut:]
						for j := range TileOut {
							acc := (y[i*TileOut+j] + k.Bias[oc]) / Scale
							row[j] = O(qp.Apply(oc, clamp32(acc)))
						}
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := crop(pool, out, aligned, pr, g, n); err != nil {
			return err
		}
	}
	return nil
}

// RunFloat32 is RunInt8 for float32 tensors.
func RunFloat32(pool *parallel.Pool, cfg gemm.Config, pr conv.Problem, k *FloatKernel, in, out []float32) error {
	c := k.Cache
	if err := validate(&pr, c.OC, c.IC, c.Lane, len(in), len(out)); err != nil {
		return err
	}
	g := newGeometry(pr)
	nt := g.tiles()
	padded := make([]float32, pr.IC*g.ph*g.pw)
	v := make([]float32, Slots*pr.IC*nt)
	m := make([]float32, Slots*pr.OC*nt)
	aligned := make([]float32, pr.OC*g.th*TileOut*g.tw*TileOut)
	serial := gemm.New(nil, cfg)

	for n := range pr.N {
		if err := pad(pool, padded, in, pr, g, n, func(x float32) float32 { return x }); err != nil {
			return err
		}

		err := pool.Partitioned(pr.IC, nt, func(r parallel.Rect) error {
			var u [Slots]float32
			for ch := r.M0; ch < r.M1; ch++ {
				plane := padded[ch*g.ph*g.pw:]
				for t := r.N0; t < r.N1; t++ {
					ty, tx := t/g.tw, t%g.tw
					InputFloat(plane[ty*TileOut*g.pw+tx*TileOut:], g.pw, &u)
					pos := interleave(t, ch, pr.IC, nt)
					for s, x := range u {
						v[s*pr.IC*nt+pos] = x
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = pool.Run(Slots, func(s int) error {
			return gemm.Float32(serial, c.Slot(s), slotInput(v, s, pr.IC, nt), nil, m[s*pr.OC*nt:(s+1)*pr.OC*nt])
		})
		if err != nil {
			return err
		}

		ah, aw := g.th*TileOut, g.tw*TileOut
		err = pool.Partitioned(pr.OC, nt, func(r parallel.Rect) error {
			var (
				slots [Slots]float32
				y     [TileOut * TileOut]float32
			)
			for oc := r.M0; oc < r.M1; oc++ {
				dst := aligned[oc*ah*aw : (oc+1)*ah*aw]
				for t := r.N0; t < r.N1; t++ {
					for s := range Slots {
						slots[s] = m[(s*pr.OC+oc)*nt+t]
					}
					OutputFloat(&slots, &y)
					ty, tx := t/g.tw, t%g.tw
					for i := range TileOut {
						row := dst[(ty*TileOut+i)*aw+tx*TileOut:]
						for j := range TileOut {
							row[j] = y[i*TileOut+j] + k.Bias[oc]
						}
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := crop(pool, out, aligned, pr, g, n); err != nil {
			return err
		}
	}
	return nil
}

// crop copies the true output extent of image n out of the tile-aligned buffer.
func crop[T any](pool *parallel.Pool, out, aligned []T, pr conv.Problem, g geometry, n int) error {
	ah, aw := g.th*TileOut, g.tw*TileOut
	return pool.Run(pr.OC, func(oc int) error {
		src := aligned[oc*ah*aw:]
		dst := out[(n*pr.OC+oc)*g.oh*g.ow:]
		for y := range g.oh {
			copy(dst[y*g.ow:(y+1)*g.ow], src[y*aw:y*aw+g.ow])
		}
		return nil
	})
}

func clamp32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
