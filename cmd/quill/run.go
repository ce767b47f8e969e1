package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/tensor"
	"github.com/samcharles93/quill/pkg/qcf"
)

type runReport struct {
	Model   string    `json:"model"`
	Kind    ops.Kind  `json:"kind"`
	Variant string    `json:"variant,omitempty"`
	Input   []int     `json:"input_shape"`
	Output  []int     `json:"output_shape"`
	DType   string    `json:"output_dtype"`
	Timing  timing    `json:"timing"`
	Stats   valueStat `json:"output_stats"`
}

// valueStat summarises dequantized output values.
type valueStat struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

func runCmd() *cli.Command {
	var (
		modelPath  string
		modelsPath string
		weights    string
		bias       string
		input      string
		inputShape []int64
		algorithm  string
		stride     int64
		pad        int64
		dilation   int64
		groups     int64
		inSpec     quantSpec
		outSpec    quantSpec
		warmup     int64
		runs       int64
		seed       int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Execute a conv2d or fully connected layer from a .qcf container",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to .qcf file", Destination: &modelPath},
			&cli.StringFlag{Name: "models-path", Usage: "directory to pick a .qcf file from", Destination: &modelsPath},
			&cli.StringFlag{Name: "weights", Aliases: []string{"w"}, Usage: "weight tensor name (rank 4 runs conv2d, rank 2 fully connected)", Required: true, Destination: &weights},
			&cli.StringFlag{Name: "bias", Aliases: []string{"b"}, Usage: "bias tensor name", Destination: &bias},
			&cli.StringFlag{Name: "input", Usage: "input tensor name (default: random input of --input-shape)", Destination: &input},
			&cli.Int64SliceFlag{Name: "input-shape", Usage: "shape of the random input, e.g. 1,3,32,32", Destination: &inputShape},
			&cli.StringFlag{Name: "algorithm", Usage: "conv variant (auto, winograd, depthwise, gemm, direct)", Value: "auto", Destination: &algorithm},
			&cli.Int64Flag{Name: "stride", Value: 1, Destination: &stride},
			&cli.Int64Flag{Name: "pad", Usage: "symmetric padding", Destination: &pad},
			&cli.Int64Flag{Name: "dilation", Value: 1, Destination: &dilation},
			&cli.Int64Flag{Name: "groups", Value: 1, Destination: &groups},
			&cli.StringFlag{Name: "in-dtype", Usage: "random input dtype for quantized weights", Value: "u8", Destination: &inSpec.DType},
			&cli.FloatFlag{Name: "in-scale", Usage: "random input scale", Value: 0.02, Destination: &inSpec.Scale},
			&cli.Int64Flag{Name: "in-zp", Usage: "random input zero point", Value: 128, Destination: &inSpec.ZeroPoint},
			&cli.StringFlag{Name: "out-dtype", Usage: "output dtype for quantized layers", Value: "i8", Destination: &outSpec.DType},
			&cli.FloatFlag{Name: "out-scale", Usage: "output scale for quantized layers", Value: 0.1, Destination: &outSpec.Scale},
			&cli.Int64Flag{Name: "out-zp", Usage: "output zero point for quantized layers", Destination: &outSpec.ZeroPoint},
			&cli.Int64Flag{Name: "warmup", Value: 1, Destination: &warmup},
			&cli.Int64Flag{Name: "runs", Value: 5, Destination: &runs},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if modelsPath == "" {
				modelsPath = configFrom(ctx).ModelsDir
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			algo, err := ops.ParseAlgorithm(algorithm)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			env, _, err := newEnv(log)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			f, err := qcf.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			w, err := f.Tensor(weights)
			if err != nil {
				return err
			}
			var b *tensor.Tensor
			if bias != "" {
				if b, err = f.Tensor(bias); err != nil {
					return err
				}
			}
			var x *tensor.Tensor
			if input != "" {
				x, err = f.Tensor(input)
			} else {
				x, err = activation(w, inSpec, seed, toInts(inputShape)...)
			}
			if err != nil {
				return err
			}

			var wl *workload
			switch len(w.Shape) {
			case 4:
				s, p, d, g := int(stride), int(pad), int(dilation), int(groups)
				params := conv.Params{
					StrideH: s, StrideW: s,
					PadTop: p, PadLeft: p, PadBottom: p, PadRight: p,
					DilationH: d, DilationW: d,
					Groups: g,
				}
				wl, err = convWorkload(weights, w, b, params, algo, x, outSpec)
			case 2:
				wl, err = fcWorkload(weights, w, b, x, outSpec)
			default:
				err = errors.Errorf("weights %q have rank %d; want 4 (conv2d) or 2 (fully connected)", weights, len(w.Shape))
			}
			if err != nil {
				return err
			}

			op, tm, err := wl.run(ops.NewRegistry(env), int(warmup), int(runs))
			if err != nil {
				return err
			}
			out := wl.output
			if out.Layout == tensor.LayoutBlocked {
				if out, err = tensor.FromBlocked(out); err != nil {
					return err
				}
			}
			rep := runReport{
				Model:   path,
				Kind:    op.Kind(),
				Variant: variantOf(op),
				Input:   x.Shape.Clone(),
				Output:  out.Shape.Clone(),
				DType:   out.DType.String(),
				Timing:  tm,
				Stats:   summarize(out),
			}
			if jsonOut {
				return printJSON(rep)
			}
			fmt.Printf("Model:    %s\n", rep.Model)
			fmt.Printf("Op:       %s %s\n", rep.Kind, rep.Variant)
			fmt.Printf("Input:    %v\n", rep.Input)
			fmt.Printf("Output:   %v %s\n", rep.Output, rep.DType)
			fmt.Printf("Mean:     %s (best %s, %d runs)\n", tm.Mean, tm.Best, tm.Runs)
			fmt.Printf("Rate:     %s\n", humanize.SIWithDigits(tm.OpsPerS, 2, "op/s"))
			fmt.Printf("Values:   min %.4g  max %.4g  mean %.4g\n", rep.Stats.Min, rep.Stats.Max, rep.Stats.Mean)
			return nil
		},
	}
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// summarize dequantizes t and reports min, max and mean.
func summarize(t *tensor.Tensor) valueStat {
	n := t.Len()
	if n == 0 {
		return valueStat{}
	}
	s := valueStat{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for i := range n {
		v := valueAt(t, i)
		s.Min, s.Max = min(s.Min, v), max(s.Max, v)
		sum += v
	}
	s.Mean = sum / float64(n)
	return s
}

func valueAt(t *tensor.Tensor, i int) float64 {
	switch t.DType {
	case tensor.Float32:
		return float64(t.F32[i])
	case tensor.Float16:
		return float64(t.F16[i].Float32())
	case tensor.Int32:
		return float64(t.I32[i])
	}
	// Layer outputs carry a single record.
	q := t.Quant[0]
	if t.DType == tensor.Int8 {
		return float64(q.Dequantize(int32(t.I8[i])))
	}
	return float64(q.Dequantize(int32(t.U8[i])))
}
