package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func stubTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestResolvePackOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		outPath := filepath.Join(t.TempDir(), "nested", "net.qcf")
		got, defaulted, err := resolvePackOut("net.yaml", outPath, "")
		require.NoError(t, err)
		assert.False(t, defaulted)
		assert.Equal(t, filepath.Clean(outPath), got)
		assert.DirExists(t, filepath.Dir(got))
	})

	t.Run("config dir beats env", func(t *testing.T) {
		cfgDir := filepath.Join(t.TempDir(), "cfg")
		t.Setenv(envPackOutDir, filepath.Join(t.TempDir(), "env"))
		got, defaulted, err := resolvePackOut("/tmp/specs/resnet.yaml", "", cfgDir)
		require.NoError(t, err)
		assert.True(t, defaulted)
		assert.Equal(t, filepath.Join(cfgDir, "resnet.qcf"), got)
	})

	t.Run("env output dir overrides default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "pack-out")
		t.Setenv(envPackOutDir, envDir)
		got, _, err := resolvePackOut("mobilenet.yml", "", "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(envDir, "mobilenet.qcf"), got)
	})

	t.Run("default output dir is ./out", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv(envPackOutDir, "")
		got, defaulted, err := resolvePackOut("tiny.yaml", "", "")
		require.NoError(t, err)
		assert.True(t, defaulted)
		assert.Equal(t, filepath.Join(".", "out", "tiny.qcf"), got)
	})

	t.Run("root path is rejected", func(t *testing.T) {
		_, _, err := resolvePackOut(string(filepath.Separator), "", "")
		assert.Error(t, err)
	})
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.qcf", "a.QCF", "ignore.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "c.qcf"), 0o755))

	got, err := discoverModels(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.QCF"), filepath.Join(dir, "b.qcf")}, got)

	_, err = discoverModels(filepath.Join(dir, "b.qcf"))
	assert.Error(t, err)
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelPath("/tmp/net.qcf", "", bytes.NewBuffer(nil), io.Discard)
		require.NoError(t, err)
		assert.Equal(t, filepath.Clean("/tmp/net.qcf"), got)
	})

	t.Run("no source is an error", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		_, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		assert.ErrorContains(t, err, envModelsDir)
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, "only.qcf")
		t.Setenv(envModelsDir, dir)
		stubTTY(t, false)

		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "only.qcf"), got)
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, "a.qcf", "b.qcf")
		stubTTY(t, false)

		_, err := resolveModelPath("", dir, bytes.NewBuffer(nil), io.Discard)
		assert.Error(t, err)
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, "b.qcf", "a.qcf")
		stubTTY(t, true)

		var prompt bytes.Buffer
		got, err := resolveModelPath("", dir, bytes.NewBufferString("7\n2\n"), &prompt)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "b.qcf"), got)
		assert.Contains(t, prompt.String(), `invalid selection "7"`)
	})

	t.Run("eof without selection", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, "a.qcf", "b.qcf")
		stubTTY(t, true)

		_, err := resolveModelPath("", dir, bytes.NewBufferString(""), io.Discard)
		assert.Error(t, err)
	})
}
