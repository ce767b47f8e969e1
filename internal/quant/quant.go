// Package quant implements the scale/zero-point quantization model and the
// Q31 multiply-shift requantization used after every integer accumulation.
package quant

import (
	"math"

	"github.com/samcharles93/quill/internal/errs"
)

// Range is the saturation interval of a narrow output dtype.
type Range struct {
	Lo, Hi int32
}

var (
	Int8Range  = Range{Lo: math.MinInt8, Hi: math.MaxInt8}
	Uint8Range = Range{Lo: 0, Hi: math.MaxUint8}
)

func (r Range) Clamp(v int64) int32 {
	if v < int64(r.Lo) {
		return r.Lo
	}
	if v > int64(r.Hi) {
		return r.Hi
	}
	return int32(v)
}

func (r Range) Contains(v int32) bool {
	return v >= r.Lo && v <= r.Hi
}

// Info is one quantization record: a whole tensor, or one output channel
// under per-channel quantization.
//
// Multiplier and Shift encode scale_in*Scale/scale_out for the tensor that
// consumes this record. They are only meaningful after Rescale and must be
// re-derived whenever any of the three scales change.
type Info struct {
	Scale      float32
	ZeroPoint  int32
	Multiplier int32
	Shift      int32
	Min, Max   float32
}

// Validate checks that the floating parameters are usable.
func (i Info) Validate() error {
	if !validScale(float64(i.Scale)) {
		return errs.Quant("scale %g", i.Scale)
	}
	return nil
}

// Quantize maps a real value onto the integer grid, rounding half up.
func (i Info) Quantize(x float32, r Range) int32 {
	v := math.Floor(float64(x)/float64(i.Scale)+0.5) + float64(i.ZeroPoint)
	if v < float64(r.Lo) {
		return r.Lo
	}
	if v > float64(r.Hi) {
		return r.Hi
	}
	return int32(v)
}

// Dequantize maps an integer back to its real value.
func (i Info) Dequantize(q int32) float32 {
	return float32(q-i.ZeroPoint) * i.Scale
}

// Choose returns asymmetric parameters covering [lo, hi] on the grid r.
// The real value 0 is always exactly representable.
func Choose(lo, hi float32, r Range) Info {
	lo = min(lo, 0)
	hi = max(hi, 0)
	if hi == lo {
		return Info{Scale: 1, ZeroPoint: clampZero(0, r), Min: lo, Max: hi}
	}
	scale := (hi - lo) / float32(r.Hi-r.Lo)
	zp := float64(r.Lo) - math.Round(float64(lo)/float64(scale))
	return Info{
		Scale:     scale,
		ZeroPoint: clampZero(int64(zp), r),
		Min:       lo,
		Max:       hi,
	}
}

// ChooseSymmetric returns zero-point-free parameters for weights.
func ChooseSymmetric(absMax float32, r Range) Info {
	if absMax <= 0 {
		return Info{Scale: 1, Min: 0, Max: 0}
	}
	return Info{
		Scale: absMax / float32(r.Hi),
		Min:   -absMax,
		Max:   absMax,
	}
}

func clampZero(zp int64, r Range) int32 {
	return r.Clamp(zp)
}

func validScale(s float64) bool {
	return s > 0 && !math.IsInf(s, 0) && !math.IsNaN(s)
}
