package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
	"github.com/samcharles93/quill/pkg/qcf"
)

// packDesc describes the tensors of a container to build.
type packDesc struct {
	Meta    map[string]string `yaml:"meta"`
	Tensors []tensorDesc      `yaml:"tensors"`
}

// tensorDesc is one tensor. Values are given explicitly or drawn
// uniformly from [-amplitude, amplitude) with seed; quantized dtypes are
// then quantized from those real values.
type tensorDesc struct {
	Name      string    `yaml:"name"`
	DType     string    `yaml:"dtype"`
	Shape     []int     `yaml:"shape"`
	Layout    string    `yaml:"layout"`
	Lane      int       `yaml:"lane"`
	Seed      int64     `yaml:"seed"`
	Amplitude float32   `yaml:"amplitude"`
	Values    []float32 `yaml:"values"`
	// PerChannel quantizes each slice along axis 0 separately.
	PerChannel bool `yaml:"per_channel"`
	// Symmetric centres uint8 on 128; int8 is always symmetric.
	Symmetric bool `yaml:"symmetric"`
}

func packCmd() *cli.Command {
	var (
		outPath string
		outDir  string
	)

	return &cli.Command{
		Name:      "pack",
		Usage:     "Build a .qcf container from a YAML tensor description",
		ArgsUsage: "<description.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .qcf path (default $QUILL_PACK_OUT_DIR/<name>.qcf or ./out/<name>.qcf)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "out-dir",
				Usage:       "directory for the default output path",
				Destination: &outDir,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cmd.NArg() != 1 {
				return cli.Exit("pack: exactly one description file is required", 2)
			}
			descPath := cmd.Args().First()
			if cfg := configFrom(ctx); cfg.PackOutDir != "" && !cmd.IsSet("out-dir") {
				outDir = cfg.PackOutDir
			}
			out, defaulted, err := resolvePackOut(descPath, outPath, outDir)
			if err != nil {
				return err
			}
			if defaulted {
				log.Debug("defaulted pack output", "path", out)
			}
			desc, err := loadPackDesc(descPath)
			if err != nil {
				return err
			}
			n, err := writePack(out, desc)
			if err != nil {
				return err
			}
			st, err := os.Stat(out)
			if err != nil {
				return err
			}
			log.Info("packed container", "path", out, "tensors", n, "size", humanize.IBytes(uint64(st.Size())))
			fmt.Println(out)
			return nil
		},
	}
}

func loadPackDesc(path string) (*packDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read description")
	}
	var desc packDesc
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrapf(err, "parse description %s", path)
	}
	if len(desc.Tensors) == 0 {
		return nil, errors.Errorf("%s describes no tensors", path)
	}
	return &desc, nil
}

// writePack builds every described tensor into a container at path.
func writePack(path string, desc *packDesc) (int, error) {
	w, err := qcf.Create(path)
	if err != nil {
		return 0, err
	}
	for _, td := range desc.Tensors {
		t, err := td.build()
		if err != nil {
			_ = w.Close()
			return 0, errors.Wrapf(err, "tensor %q", td.Name)
		}
		if err := w.WriteTensor(td.Name, t); err != nil {
			_ = w.Close()
			return 0, err
		}
	}
	for k, v := range desc.Meta {
		if err := w.SetMeta(k, v); err != nil {
			_ = w.Close()
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return len(desc.Tensors), nil
}

func (td tensorDesc) build() (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(td.DType)
	if err != nil {
		return nil, err
	}
	t, err := tensor.New(dt, td.Shape...)
	if err != nil {
		return nil, err
	}
	xs, err := td.values(t.Len())
	if err != nil {
		return nil, err
	}
	switch dt {
	case tensor.Float32:
		copy(t.F32, xs)
	case tensor.Float16:
		for i, v := range xs {
			t.F16[i] = float16.Fromfloat32(v)
		}
	case tensor.Int32:
		for i, v := range xs {
			t.I32[i] = int32(math.Round(float64(v)))
		}
	case tensor.Int8, tensor.Uint8:
		td.quantize(t, xs)
	}

	switch td.Layout {
	case "", "nchw":
		return t, nil
	case "blocked":
		lane := td.Lane
		if lane == 0 {
			lane = 4
		}
		return tensor.ToBlocked(t, lane)
	default:
		return nil, errors.Errorf("unknown layout %q (want nchw or blocked)", td.Layout)
	}
}

func (td tensorDesc) values(n int) ([]float32, error) {
	if len(td.Values) > 0 {
		if len(td.Values) != n {
			return nil, errors.Errorf("%d values for %d elements", len(td.Values), n)
		}
		return td.Values, nil
	}
	amp := td.Amplitude
	if amp == 0 {
		amp = 1
	}
	rng := rand.New(rand.NewSource(td.Seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * amp
	}
	return out, nil
}

// quantize fills an int8 or uint8 tensor from real values, choosing one
// quant record per tensor or per axis-0 slice.
func (td tensorDesc) quantize(t *tensor.Tensor, xs []float32) {
	if len(xs) == 0 {
		return
	}
	r, _ := t.DType.Range()
	channels := 1
	if td.PerChannel {
		channels = t.Shape[0]
	}
	span := len(xs) / channels
	t.Quant = make([]quant.Info, channels)
	for c := range channels {
		vals := xs[c*span : (c+1)*span]
		lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
		for _, v := range vals {
			lo, hi = min(lo, v), max(hi, v)
		}
		var q quant.Info
		switch {
		case t.DType == tensor.Int8:
			q = quant.ChooseSymmetric(max(-lo, hi), r)
		case td.Symmetric:
			// uint8 centred on 128 spans the same grid as int8.
			q = quant.ChooseSymmetric(max(-lo, hi), quant.Int8Range)
			q.ZeroPoint = 128
		default:
			q = quant.Choose(lo, hi, r)
		}
		t.Quant[c] = q
		for i, v := range vals {
			qv := q.Quantize(v, r)
			if t.DType == tensor.Int8 {
				t.I8[c*span+i] = int8(qv)
			} else {
				t.U8[c*span+i] = uint8(qv)
			}
		}
	}
}
