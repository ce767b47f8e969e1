package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("chatty")
	assert.ErrorContains(t, err, "chatty")
}

func TestOpenFormats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := Open(&buf, "json", "debug")
	require.NoError(t, err)
	log.Debug("packed", "tiles", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "packed", rec["msg"])
	assert.EqualValues(t, 3, rec["tiles"])

	buf.Reset()
	log, err = Open(&buf, "text", "warn")
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "variant", "winograd")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "variant=winograd")

	_, err = Open(&buf, "xml", "info")
	assert.ErrorContains(t, err, "xml")
	_, err = Open(&buf, "json", "loud")
	assert.Error(t, err)
}

func TestPrettyHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, &PrettyOptions{HandlerOptions: slog.HandlerOptions{Level: slog.LevelDebug}}))
	log.With("op", "conv2d").WithGroup("plan").Info("selected variant", "name", "direct path", "took", 1500*time.Nanosecond)

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "selected variant")
	assert.Contains(t, line, "op=conv2d")
	assert.Contains(t, line, `plan.name="direct path"`)
	assert.Contains(t, line, "plan.took=2µs")
	assert.NotContains(t, line, "\033[", "colors must be off unless requested")
}

func TestPrettyHandlerColorAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &PrettyOptions{HandlerOptions: slog.HandlerOptions{Level: slog.LevelWarn}, Color: true})
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	New(h).Error("boom")
	assert.Contains(t, buf.String(), colorRed)
	assert.Contains(t, buf.String(), colorReset)
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	log := Discard()
	assert.False(t, log.Enabled(slog.LevelError))
	log.Error("nothing happens")
}
