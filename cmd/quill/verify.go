package main

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/pack"
	"github.com/samcharles93/quill/internal/tensor"
)

// gemmSizes are the M, N and K extents covering tile edges for every lane.
var gemmSizes = []int{1, 2, 3, 4, 7, 8, 9, 12, 13, 16, 31, 32, 33}

type verifyCheck struct {
	name string
	run  func(r *ops.Registry) (int, error)
}

type verifyResult struct {
	Name  string `json:"name"`
	Cases int    `json:"cases"`
	Error string `json:"error,omitempty"`
}

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check every kernel variant against a reference on random operands",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			env, _, err := newEnv(log)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			registry := ops.NewRegistry(env)

			checks := []verifyCheck{
				{"pack round trip", verifyPacking(env.Lane())},
				{"int8 gemm vs naive", verifyQuantGEMM},
				{"f32 gemm vs naive", verifyFloatGEMM},
				{"int8 conv variants vs direct", verifyConv(tensor.Int8)},
				{"f32 conv variants vs direct", verifyConv(tensor.Float32)},
			}
			var (
				results []verifyResult
				failed  int
			)
			for _, c := range checks {
				n, err := c.run(registry)
				res := verifyResult{Name: c.name, Cases: n}
				if err != nil {
					res.Error = err.Error()
					failed++
					log.Error("verify failed", "check", c.name, "error", err)
				}
				results = append(results, res)
			}

			if jsonOut {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				fmt.Printf("%-32s %6s  %s\n", "Check", "Cases", "Result")
				for _, r := range results {
					status := "ok"
					if r.Error != "" {
						status = "FAIL: " + r.Error
					}
					fmt.Printf("%-32s %6d  %s\n", r.Name, r.Cases, status)
				}
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d checks failed", failed, len(checks)), 1)
			}
			return nil
		},
	}
}

func verifyPacking(lane int) func(*ops.Registry) (int, error) {
	return func(*ops.Registry) (int, error) {
		cases := 0
		for _, rows := range gemmSizes {
			for _, cols := range gemmSizes {
				src := make([]int8, rows*cols)
				for i := range src {
					src[i] = int8(i*7 + rows)
				}
				st, err := pack.PackStationary(src, rows, cols)
				if err != nil {
					return cases, err
				}
				mv, err := pack.PackMoving(src, rows, cols, lane)
				if err != nil {
					return cases, err
				}
				if !slices.Equal(pack.Unpack(st), src) || !slices.Equal(pack.Unpack(mv), src) {
					return cases, errors.Errorf("%dx%d does not unpack to its source", rows, cols)
				}
				cases++
			}
		}
		return cases, nil
	}
}

func verifyQuantGEMM(r *ops.Registry) (int, error) {
	cases := 0
	for _, m := range gemmSizes {
		for _, n := range gemmSizes {
			for _, k := range gemmSizes {
				seed := int64(m*10000 + n*100 + k)
				w, err := randomWeights("i8", seed, m, k)
				if err != nil {
					return cases, err
				}
				x, err := activation(w, defaultInSpec, seed+1, n, k)
				if err != nil {
					return cases, err
				}
				bias, err := randomBias(w, seed+2, m)
				if err != nil {
					return cases, err
				}
				wl, err := fcWorkload("verify", w, bias, x, defaultOutSpec)
				if err != nil {
					return cases, err
				}
				op, _, err := wl.run(r, 0, 1)
				if err != nil {
					return cases, errors.Wrapf(err, "m=%d n=%d k=%d", m, n, k)
				}
				qp := op.(*ops.FullyConnected).Quant()
				zp := x.Quant[0].ZeroPoint
				for b := range n {
					for f := range m {
						acc := bias.I32[f]
						for d := range k {
							acc += int32(w.I8[f*k+d]) * (int32(x.U8[b*k+d]) - zp)
						}
						if want := int8(qp.Apply(f, acc)); wl.output.I8[b*m+f] != want {
							return cases, errors.Errorf("m=%d n=%d k=%d: out[%d,%d] = %d, want %d",
								m, n, k, b, f, wl.output.I8[b*m+f], want)
						}
					}
				}
				cases++
			}
		}
	}
	return cases, nil
}

func verifyFloatGEMM(r *ops.Registry) (int, error) {
	cases := 0
	for _, m := range gemmSizes {
		for _, n := range gemmSizes {
			for _, k := range gemmSizes {
				seed := int64(m*10000 + n*100 + k)
				w, err := randomWeights("f32", seed, m, k)
				if err != nil {
					return cases, err
				}
				x, err := activation(w, quantSpec{}, seed+1, n, k)
				if err != nil {
					return cases, err
				}
				bias, err := randomBias(w, seed+2, m)
				if err != nil {
					return cases, err
				}
				wl, err := fcWorkload("verify", w, bias, x, quantSpec{})
				if err != nil {
					return cases, err
				}
				if _, _, err := wl.run(r, 0, 1); err != nil {
					return cases, errors.Wrapf(err, "m=%d n=%d k=%d", m, n, k)
				}
				for b := range n {
					for f := range m {
						want := bias.F32[f]
						for d := range k {
							want += w.F32[f*k+d] * x.F32[b*k+d]
						}
						if got := wl.output.F32[b*m+f]; !closeEnough(got, want, 1e-4) {
							return cases, errors.Errorf("m=%d n=%d k=%d: out[%d,%d] = %g, want %g", m, n, k, b, f, got, want)
						}
					}
				}
				cases++
			}
		}
	}
	return cases, nil
}

func closeEnough(got, want float32, tol float64) bool {
	return math.Abs(float64(got-want)) <= tol*math.Max(1, math.Abs(float64(want)))
}

type convShape struct {
	n, ic, oc, h, w int
	params          conv.Params
	kernel          int
}

func pad(p int) conv.Params {
	return conv.Params{PadTop: p, PadLeft: p, PadBottom: p, PadRight: p}
}

var verifyConvShapes = []convShape{
	{n: 1, ic: 8, oc: 8, h: 9, w: 7, params: pad(1), kernel: 3},
	{n: 2, ic: 16, oc: 8, h: 12, w: 12, params: pad(1), kernel: 3},
	{n: 1, ic: 3, oc: 5, h: 6, w: 6, params: pad(1), kernel: 3},
	{n: 1, ic: 8, oc: 16, h: 5, w: 4, params: conv.Params{}, kernel: 1},
	{n: 1, ic: 8, oc: 8, h: 11, w: 9, params: conv.Params{PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1, Groups: 8}, kernel: 3},
	{n: 1, ic: 4, oc: 4, h: 8, w: 8, params: conv.Params{StrideH: 2, StrideW: 2, PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1}, kernel: 3},
	{n: 1, ic: 4, oc: 6, h: 7, w: 7, params: conv.Params{Groups: 2, DilationH: 2, DilationW: 2}, kernel: 3},
}

// verifyConv runs every variant on each shape and compares against the
// direct kernel. Int8 results must match exactly; the float Winograd
// transform is allowed a small relative error.
func verifyConv(dt tensor.DType) func(*ops.Registry) (int, error) {
	return func(r *ops.Registry) (int, error) {
		cases := 0
		for i, s := range verifyConvShapes {
			groups := max(s.params.Groups, 1)
			w, err := randomWeights(dt.String(), int64(i), s.oc, s.ic/groups, s.kernel, s.kernel)
			if err != nil {
				return cases, err
			}
			x, err := activation(w, defaultInSpec, int64(100+i), s.n, s.ic, s.h, s.w)
			if err != nil {
				return cases, err
			}
			bias, err := randomBias(w, int64(200+i), s.oc)
			if err != nil {
				return cases, err
			}
			ref, err := convWorkload("reference", w, bias, s.params, ops.AlgoDirect, x, defaultOutSpec)
			if err != nil {
				return cases, err
			}
			if _, _, err := ref.run(r, 0, 1); err != nil {
				return cases, err
			}
			for _, algo := range []ops.Algorithm{ops.AlgoAuto, ops.AlgoWinograd, ops.AlgoDepthwise, ops.AlgoGEMM} {
				wl, err := convWorkload("verify", w, bias, s.params, algo, x, defaultOutSpec)
				if err != nil {
					return cases, err
				}
				op, _, err := wl.run(r, 0, 1)
				if err != nil {
					return cases, errors.Wrapf(err, "shape %d %s", i, algo)
				}
				if err := sameOutput(wl.output, ref.output); err != nil {
					return cases, errors.Wrapf(err, "shape %d requested %s bound %s", i, algo, variantOf(op))
				}
				cases++
			}
		}
		return cases, nil
	}
}

func sameOutput(got, want *tensor.Tensor) error {
	switch got.DType {
	case tensor.Int8:
		for j := range got.I8 {
			if got.I8[j] != want.I8[j] {
				return errors.Errorf("element %d = %d, want %d", j, got.I8[j], want.I8[j])
			}
		}
	case tensor.Float32:
		for j := range got.F32 {
			if !closeEnough(got.F32[j], want.F32[j], 1e-3) {
				return errors.Errorf("element %d = %g, want %g", j, got.F32[j], want.F32[j])
			}
		}
	}
	return nil
}
