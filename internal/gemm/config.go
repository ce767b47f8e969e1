package gemm

import (
	"github.com/samcharles93/quill/internal/cpuinfo"
	"github.com/samcharles93/quill/internal/pack"
)

const (
	// DefaultBudget is the share of the cache one block's working set may use.
	DefaultBudget = 0.75

	// kGranularity aligns K blocks.
	kGranularity = 4

	defaultBlockM = 48
	defaultBlockN = 64
)

// Blocks is the (M, N, K) cache blocking triple. M and N are measured in
// rows and columns, and are rounded to whole tiles by the driver.
type Blocks struct {
	M, N, K int
}

func (b Blocks) zero() bool { return b.M == 0 && b.N == 0 && b.K == 0 }

// Config controls blocking and tiling.
type Config struct {
	// Lane is the vector width the moving operand is tiled by.
	Lane int
	// CacheBytes is the capacity block selection targets, normally L2.
	CacheBytes int
	// Budget is the fraction of CacheBytes a block may occupy.
	Budget float64
	// Blocks overrides SelectBlocks when non-zero.
	Blocks Blocks
}

func DefaultConfig(info cpuinfo.Info) Config {
	return Config{
		Lane:       info.Lane,
		CacheBytes: info.L2,
		Budget:     DefaultBudget,
	}
}

func (c Config) budgetBytes() int {
	frac := c.Budget
	if frac <= 0 || frac > 1 {
		frac = DefaultBudget
	}
	cache := c.CacheBytes
	if cache <= 0 {
		cache = 512 << 10
	}
	return int(float64(cache) * frac)
}

// SelectBlocks picks a blocking triple for an M x N x K product so that the
// working set Mb*Kb + Kb*Nb operand elements plus Mb*Nb accumulators stays
// within budget bytes. K is halved first, then N, then M. Whatever budget is
// left when a dimension is already small goes to growing the others. Nb is
// kept a multiple of 2*lane and Kb a multiple of 4 unless the full extent is
// smaller.
func SelectBlocks(m, n, k, elemSize, accSize, budget, lane int) Blocks {
	if lane <= 0 {
		lane = 4
	}
	nAlign := 2 * lane
	cost := func(mb, nb, kb int) int {
		return (mb*kb+kb*nb)*elemSize + mb*nb*accSize
	}

	mb := min(m, defaultBlockM)
	nb := min(n, alignUp(defaultBlockN, nAlign))
	kb := k

	for cost(mb, nb, kb) > budget && kb > kGranularity {
		kb = max(kGranularity, alignUp(kb/2, kGranularity))
	}
	for cost(mb, nb, kb) > budget && nb > nAlign {
		nb = max(nAlign, alignDown(nb/2, nAlign))
	}
	for cost(mb, nb, kb) > budget && mb > 1 {
		mb = max(1, mb/2)
	}

	if kb >= k {
		for nb < n && cost(mb, min(n, nb+nAlign), kb) <= budget {
			nb = min(n, nb+nAlign)
		}
		for mb < m && cost(min(m, mb+pack.MaxTileRows), nb, kb) <= budget {
			mb = min(m, mb+pack.MaxTileRows)
		}
	}

	return Blocks{M: max(1, min(mb, m)), N: max(1, min(nb, n)), K: max(1, min(kb, k))}
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}

func alignDown(v, a int) int {
	return v / a * a
}
