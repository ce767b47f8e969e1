// Package cpuinfo picks the blocking defaults for the host CPU: the vector
// lane width the kernels tile by and the cache sizes block selection targets.
package cpuinfo

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Info is the hardware description the kernels are tuned against.
type Info struct {
	Arch string
	// Features lists the vector extensions that were detected.
	Features []string
	// Lane is the number of 32-bit lanes in the widest usable vector register.
	Lane int
	// L1 and L2 are data cache sizes in bytes.
	L1, L2 int
	Threads int
}

const (
	defaultL1 = 32 << 10
	defaultL2 = 512 << 10
)

// Detect inspects the running CPU.
func Detect() Info {
	info := Info{
		Arch:    runtime.GOARCH,
		Lane:    4,
		L1:      defaultL1,
		L2:      defaultL2,
		Threads: runtime.GOMAXPROCS(0),
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			info.Features = append(info.Features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			info.Features = append(info.Features, "avx2")
			info.Lane = 8
		}
		if cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW {
			info.Features = append(info.Features, "avx512")
			info.Lane = 16
			info.L2 = 1 << 20
		}
		if cpu.X86.HasAVX512VNNI {
			info.Features = append(info.Features, "avx512vnni")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			info.Features = append(info.Features, "neon")
		}
		if cpu.ARM64.HasASIMDDP {
			info.Features = append(info.Features, "dotprod")
		}
		if cpu.ARM64.HasSVE {
			info.Features = append(info.Features, "sve")
		}
		info.L1 = 64 << 10
	}
	return info
}

// ValidLane reports whether lane is a supported tile width.
func ValidLane(lane int) bool {
	switch lane {
	case 4, 8, 16:
		return true
	default:
		return false
	}
}
