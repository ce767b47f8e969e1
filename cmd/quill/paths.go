package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	envPackOutDir = "QUILL_PACK_OUT_DIR"
	envModelsDir  = "QUILL_MODELS_DIR"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolvePackOut picks the container path for a pack description. An
// explicit --out wins; otherwise the description's base name goes under
// outDir, $QUILL_PACK_OUT_DIR or ./out, in that order.
func resolvePackOut(descPath, outFlag, outDir string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := strings.TrimSuffix(filepath.Base(filepath.Clean(descPath)), filepath.Ext(descPath))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, errors.Errorf("invalid pack description path: %q", descPath)
	}

	outDir = strings.TrimSpace(outDir)
	if outDir == "" {
		outDir = strings.TrimSpace(os.Getenv(envPackOutDir))
	}
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, base+".qcf")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

// resolveModelPath returns the container to load: --model when given,
// else the only .qcf in the models directory, else an interactive choice.
func resolveModelPath(modelFlag, modelsDir string, stdin io.Reader, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		return filepath.Clean(modelFlag), nil
	}

	modelsDir = strings.TrimSpace(modelsDir)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if modelsDir == "" {
		return "", errors.Errorf("--model or --models-path is required unless %s is set", envModelsDir)
	}

	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", errors.Errorf("no .qcf files found in %s", modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", errors.Errorf("multiple .qcf files in %s but stdin is not interactive; set --model", modelsDir)
		}
		return selectModel(modelsDir, models, stdin, stderr)
	}
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, errors.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range ents {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".qcf") {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	slices.Sort(models)
	return models, nil
}

func selectModel(modelsDir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "select a container from %s\n", modelsDir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(m))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return "", err
		}
		line = strings.TrimSpace(line)
		idx, convErr := strconv.Atoi(line)
		if line != "" && convErr == nil && idx >= 1 && idx <= len(models) {
			return models[idx-1], nil
		}
		if eof {
			return "", errors.New("no valid selection on stdin; set --model")
		}
		if line != "" {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
		}
	}
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
