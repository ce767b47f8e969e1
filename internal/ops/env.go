// Package ops binds tensors to kernels. Each operator inspects its operands
// once in Init, prepares constant weights, picks a kernel variant and
// records the exec function that every later Exec call runs unchanged.
package ops

import (
	"github.com/samcharles93/quill/internal/cpuinfo"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/parallel"
)

// Env is the shared execution context of a set of operators.
type Env struct {
	Log  logger.Logger
	Pool *parallel.Pool
	GEMM gemm.Config
}

// NewEnv builds an Env. A nil log discards output; a zero-lane cfg is
// replaced with the defaults for the host CPU.
func NewEnv(log logger.Logger, threads int, cfg gemm.Config) *Env {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Lane == 0 {
		def := gemm.DefaultConfig(cpuinfo.Detect())
		def.Blocks = cfg.Blocks
		if cfg.CacheBytes > 0 {
			def.CacheBytes = cfg.CacheBytes
		}
		if cfg.Budget > 0 {
			def.Budget = cfg.Budget
		}
		cfg = def
	}
	return &Env{Log: log, Pool: parallel.NewPool(threads), GEMM: cfg}
}

// Lane is the vector width kernels tile by.
func (e *Env) Lane() int { return e.GEMM.Lane }

// Engine returns a GEMM engine on the shared pool.
func (e *Env) Engine() *gemm.Engine { return gemm.New(e.Pool, e.GEMM) }
