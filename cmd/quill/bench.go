package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/cpuinfo"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

var (
	benchWarmup int64
	benchRuns   int64
	benchDType  string
)

type benchRow struct {
	Name      string `json:"name"`
	Requested string `json:"requested,omitempty"`
	Variant   string `json:"variant,omitempty"`
	MACs      int64  `json:"macs"`
	Timing    timing `json:"timing"`
}

type benchReport struct {
	Arch    string     `json:"arch"`
	Lane    int        `json:"lane"`
	Threads int        `json:"threads"`
	CacheKB int        `json:"cache_kb"`
	DType   string     `json:"dtype"`
	Rows    []benchRow `json:"rows"`
}

func benchCmd() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure kernel throughput on synthetic operands",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 1, Destination: &benchWarmup},
			&cli.Int64Flag{Name: "runs", Usage: "number of timed runs", Value: 5, Destination: &benchRuns},
			&cli.StringFlag{Name: "dtype", Usage: "weight dtype (i8, f32, f16 for gemm)", Value: "i8", Destination: &benchDType},
			jsonFlag(),
		},
		Commands: []*cli.Command{
			benchGEMMCmd(),
			benchConvCmd(),
		},
	}
}

func benchGEMMCmd() *cli.Command {
	var m, n, k int64
	return &cli.Command{
		Name:  "gemm",
		Usage: "Blocked GEMM through a fully connected layer: [m, k] weights times [k, n] activations",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "m", Value: 256, Destination: &m},
			&cli.Int64Flag{Name: "n", Value: 256, Destination: &n},
			&cli.Int64Flag{Name: "k", Value: 256, Destination: &k},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, info, err := newEnv(logger.FromContext(ctx))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			w, err := randomWeights(benchDType, 1, int(m), int(k))
			if err != nil {
				return err
			}
			x, err := activation(w, defaultInSpec, 2, int(n), int(k))
			if err != nil {
				return err
			}
			wl, err := fcWorkload("bench", w, nil, x, defaultOutSpec)
			if err != nil {
				return err
			}
			_, tm, err := wl.run(ops.NewRegistry(env), int(benchWarmup), int(benchRuns))
			if err != nil {
				return err
			}
			rep := newBenchReport(env, info)
			rep.Rows = append(rep.Rows, benchRow{Name: fmt.Sprintf("gemm %dx%dx%d", m, n, k), MACs: wl.macs, Timing: tm})
			return printBench(rep)
		},
	}
}

func benchConvCmd() *cli.Command {
	var (
		n, ic, oc, h, w int64
		kernel, stride  int64
		pad, groups     int64
		algorithms      []string
	)
	return &cli.Command{
		Name:  "conv",
		Usage: "Conv2D throughput per kernel variant",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "batch", Value: 1, Destination: &n},
			&cli.Int64Flag{Name: "ic", Value: 32, Destination: &ic},
			&cli.Int64Flag{Name: "oc", Value: 32, Destination: &oc},
			&cli.Int64Flag{Name: "height", Value: 56, Destination: &h},
			&cli.Int64Flag{Name: "width", Value: 56, Destination: &w},
			&cli.Int64Flag{Name: "kernel", Value: 3, Destination: &kernel},
			&cli.Int64Flag{Name: "stride", Value: 1, Destination: &stride},
			&cli.Int64Flag{Name: "pad", Value: 1, Destination: &pad},
			&cli.Int64Flag{Name: "groups", Value: 1, Destination: &groups},
			&cli.StringSliceFlag{
				Name:        "algorithm",
				Usage:       "variants to time",
				Value:       []string{"auto", "winograd", "depthwise", "gemm", "direct"},
				Destination: &algorithms,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, info, err := newEnv(logger.FromContext(ctx))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			if groups <= 0 || ic%groups != 0 {
				return cli.Exit(fmt.Sprintf("--groups %d must divide --ic %d", groups, ic), 2)
			}
			wt, err := randomWeights(benchDType, 1, int(oc), int(ic/groups), int(kernel), int(kernel))
			if err != nil {
				return err
			}
			x, err := activation(wt, defaultInSpec, 2, int(n), int(ic), int(h), int(w))
			if err != nil {
				return err
			}
			bias, err := randomBias(wt, 3, int(oc))
			if err != nil {
				return err
			}
			s, p := int(stride), int(pad)
			params := conv.Params{StrideH: s, StrideW: s, PadTop: p, PadLeft: p, PadBottom: p, PadRight: p, Groups: int(groups)}

			registry := ops.NewRegistry(env)
			rep := newBenchReport(env, info)
			for _, name := range algorithms {
				algo, err := ops.ParseAlgorithm(name)
				if err != nil {
					return cli.Exit(err.Error(), 2)
				}
				wl, err := convWorkload("bench", wt, bias, params, algo, x, defaultOutSpec)
				if err != nil {
					return err
				}
				op, tm, err := wl.run(registry, int(benchWarmup), int(benchRuns))
				if err != nil {
					return err
				}
				rep.Rows = append(rep.Rows, benchRow{
					Name:      fmt.Sprintf("conv %dx%dx%dx%d oc%d %s", n, ic, h, w, oc, params.Normalize()),
					Requested: algo.String(),
					Variant:   variantOf(op),
					MACs:      wl.macs,
					Timing:    tm,
				})
			}
			return printBench(rep)
		},
	}
}

var (
	defaultInSpec  = quantSpec{DType: "u8", Scale: 0.02, ZeroPoint: 128}
	defaultOutSpec = quantSpec{DType: "i8", Scale: 0.1}
)

// randomWeights returns weights of the given dtype; int8 weights are
// symmetric with one scale per filter.
func randomWeights(dtype string, seed int64, shape ...int) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(dtype)
	if err != nil {
		return nil, err
	}
	switch dt {
	case tensor.Int8, tensor.Float32, tensor.Float16:
	default:
		return nil, errors.Errorf("weights must be i8, f32 or f16, got %s", dt)
	}
	w, err := tensor.New(dt, shape...)
	if err != nil {
		return nil, err
	}
	tensor.FillRand(w, seed)
	if dt == tensor.Int8 {
		w.Quant = make([]quant.Info, shape[0])
		for i := range w.Quant {
			w.Quant[i].Scale = 0.002 * float32(1+i%4)
		}
	}
	return w, nil
}

// randomBias returns an int32 bias for int8 weights and f32 otherwise.
func randomBias(w *tensor.Tensor, seed int64, n int) (*tensor.Tensor, error) {
	dt := tensor.Float32
	if w.DType == tensor.Int8 {
		dt = tensor.Int32
	}
	b, err := tensor.New(dt, n)
	if err != nil {
		return nil, err
	}
	tensor.FillRand(b, seed)
	return b, nil
}

func newBenchReport(env *ops.Env, info cpuinfo.Info) benchReport {
	return benchReport{
		Arch:    info.Arch,
		Lane:    env.Lane(),
		Threads: env.Pool.Threads(),
		CacheKB: env.GEMM.CacheBytes >> 10,
		DType:   benchDType,
	}
}

func printBench(rep benchReport) error {
	if jsonOut {
		return printJSON(rep)
	}
	fmt.Println("=== Quill Benchmark ===")
	fmt.Printf("Arch:     %s (lane %d)\n", rep.Arch, rep.Lane)
	fmt.Printf("Threads:  %d of %d CPUs\n", rep.Threads, runtime.NumCPU())
	fmt.Printf("Cache:    %s\n", humanize.IBytes(uint64(rep.CacheKB)<<10))
	fmt.Printf("DType:    %s\n\n", rep.DType)

	fmt.Printf("%-44s %-10s %-10s %10s %10s %12s\n", "Workload", "Requested", "Variant", "Mean", "Best", "Rate")
	for _, r := range rep.Rows {
		fmt.Printf("%-44s %-10s %-10s %10s %10s %12s\n",
			r.Name, r.Requested, r.Variant,
			r.Timing.Mean.Round(time.Microsecond), r.Timing.Best.Round(time.Microsecond),
			humanize.SIWithDigits(r.Timing.OpsPerS, 2, "op/s"))
	}
	return nil
}
