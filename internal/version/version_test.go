package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveUsesStampedValues(t *testing.T) {
	old := [3]string{Version, Commit, BuildTime}
	t.Cleanup(func() { Version, Commit, BuildTime = old[0], old[1], old[2] })

	Version, Commit, BuildTime = "v0.3.0", "0123456789abcdef", "2026-01-02"
	info := Resolve()
	assert.Equal(t, "v0.3.0", info.Version)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Equal(t, "v0.3.0 (0123456789ab)", String())

	Version = ""
	assert.Equal(t, "2026-01-02", Resolve().Version)
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "abc", shortCommit("abc"))
	assert.Len(t, shortCommit("0123456789abcdef0123"), 12)
}
