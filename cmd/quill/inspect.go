package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/pkg/qcf"
)

type inspectReport struct {
	Path     string            `json:"path"`
	Size     int64             `json:"size"`
	Major    uint16            `json:"major"`
	Minor    uint16            `json:"minor"`
	Aligned  bool              `json:"data_aligned_64"`
	Mapped   bool              `json:"mapped"`
	Sections []sectionReport   `json:"sections"`
	Tensors  []tensorReport    `json:"tensors"`
	Meta     map[string]string `json:"meta,omitempty"`
}

type sectionReport struct {
	Type    string `json:"type"`
	Version uint32 `json:"version"`
	Offset  uint64 `json:"offset"`
	Size    uint64 `json:"size"`
}

type tensorReport struct {
	Name      string    `json:"name"`
	DType     string    `json:"dtype"`
	Layout    string    `json:"layout"`
	Lane      int       `json:"lane,omitempty"`
	Shape     []int     `json:"shape"`
	Offset    uint64    `json:"offset"`
	Size      uint64    `json:"size"`
	Scale     []float32 `json:"scale,omitempty"`
	ZeroPoint []int32   `json:"zero_point,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath    string
		modelsPath   string
		tensorFilter string
		showQuant    bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .qcf container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .qcf file",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "models-path",
				Usage:       "directory to pick a .qcf file from",
				Destination: &modelsPath,
			},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
			&cli.BoolFlag{Name: "quant", Usage: "list every quantization record", Destination: &showQuant},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if modelsPath == "" {
				modelsPath = configFrom(ctx).ModelsDir
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			st, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("stat %q: %v", path, err), 1)
			}
			f, err := qcf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("open %s: %v", path, err), 1)
			}
			defer func() { _ = f.Close() }()

			rep := buildReport(path, st.Size(), f, tensorFilter)
			if jsonOut {
				return printJSON(rep)
			}
			printReport(os.Stdout, rep, showQuant)
			return nil
		},
	}
}

func buildReport(path string, size int64, f *qcf.File, filter string) inspectReport {
	rep := inspectReport{
		Path:    path,
		Size:    size,
		Major:   f.Header.Major,
		Minor:   f.Header.Minor,
		Aligned: f.Header.Flags&qcf.FlagDataAligned64 != 0,
		Mapped:  f.Mapped(),
		Meta:    f.Meta(),
	}
	for _, s := range f.Sections {
		rep.Sections = append(rep.Sections, sectionReport{
			Type: s.Type.String(), Version: s.Version, Offset: s.Offset, Size: s.Size,
		})
	}
	for _, e := range f.Entries() {
		if filter != "" && !strings.Contains(e.Name, filter) {
			continue
		}
		tr := tensorReport{
			Name:   e.Name,
			DType:  e.DType.String(),
			Layout: e.Layout.String(),
			Lane:   e.Lane,
			Shape:  e.Shape.Clone(),
			Offset: e.Offset,
			Size:   e.Size,
		}
		for _, q := range e.Quant {
			tr.Scale = append(tr.Scale, q.Scale)
			tr.ZeroPoint = append(tr.ZeroPoint, q.ZeroPoint)
		}
		rep.Tensors = append(rep.Tensors, tr)
	}
	return rep
}

func printReport(w io.Writer, rep inspectReport, showQuant bool) {
	_, _ = fmt.Fprintf(w, "QCF:      %s (%s)\n", rep.Path, humanize.IBytes(uint64(rep.Size)))
	_, _ = fmt.Fprintf(w, "Version:  %d.%d\n", rep.Major, rep.Minor)
	_, _ = fmt.Fprintf(w, "Aligned:  %t\n", rep.Aligned)
	_, _ = fmt.Fprintf(w, "Mapped:   %t\n", rep.Mapped)

	_, _ = fmt.Fprintf(w, "\n%-14s %4s %12s %10s\n", "Section", "Ver", "Offset", "Size")
	for _, s := range rep.Sections {
		_, _ = fmt.Fprintf(w, "%-14s %4d %12d %10s\n", s.Type, s.Version, s.Offset, humanize.IBytes(s.Size))
	}

	_, _ = fmt.Fprintf(w, "\n%-32s %-5s %-8s %-20s %10s %6s\n", "Tensor", "DType", "Layout", "Shape", "Size", "Quant")
	for _, t := range rep.Tensors {
		layout := t.Layout
		if t.Lane > 0 {
			layout = fmt.Sprintf("%s/%d", layout, t.Lane)
		}
		_, _ = fmt.Fprintf(w, "%-32s %-5s %-8s %-20s %10s %6d\n",
			t.Name, t.DType, layout, fmt.Sprint(t.Shape), humanize.IBytes(t.Size), len(t.Scale))
		if showQuant {
			for i := range t.Scale {
				_, _ = fmt.Fprintf(w, "    [%d] scale=%g zero_point=%d\n", i, t.Scale[i], t.ZeroPoint[i])
			}
		}
	}

	if len(rep.Meta) > 0 {
		_, _ = fmt.Fprintln(w, "\nMeta:")
		for _, k := range slices.Sorted(maps.Keys(rep.Meta)) {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", k, rep.Meta[k])
		}
	}
}
