package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDefaults(t *testing.T) {
	t.Parallel()

	info := Detect()
	assert.True(t, ValidLane(info.Lane), "lane %d", info.Lane)
	assert.Positive(t, info.L1)
	assert.GreaterOrEqual(t, info.L2, info.L1)
	assert.Positive(t, info.Threads)
	assert.NotEmpty(t, info.Arch)
}

func TestValidLane(t *testing.T) {
	t.Parallel()

	for _, lane := range []int{4, 8, 16} {
		assert.True(t, ValidLane(lane))
	}
	for _, lane := range []int{0, 1, 2, 3, 12, 32} {
		assert.False(t, ValidLane(lane))
	}
}
