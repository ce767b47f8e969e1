package quant

import (
	"math"

	"github.com/samcharles93/quill/internal/errs"
)

const (
	// MaxShift bounds Shift so that the total right shift 31-Shift stays in
	// [0, 62] and the int64 product never needs more than 63 bits.
	MaxShift = 31
	MinShift = -31
)

// QuantizeMultiplier factors a positive real scale s into a Q31 multiplier in
// [2^30, 2^31) and a shift such that s ≈ multiplier / 2^(31-shift).
//
// Shift is the binary exponent of s and is negative for s < 0.5.
func QuantizeMultiplier(s float64) (multiplier, shift int32, err error) {
	if !validScale(s) {
		return 0, 0, errs.Quant("real multiplier %g", s)
	}
	q, exp := math.Frexp(s)
	m := int64(math.Round(q * (1 << 31)))
	if m == 1<<31 {
		m /= 2
		exp++
	}
	if exp > MaxShift || exp < MinShift {
		return 0, 0, errs.Quant("real multiplier %g needs shift %d outside [%d, %d]", s, exp, MinShift, MaxShift)
	}
	return int32(m), int32(exp), nil
}

// RealMultiplier reconstructs the real scale encoded by (multiplier, shift).
func RealMultiplier(multiplier, shift int32) float64 {
	return math.Ldexp(float64(multiplier), int(shift)-31)
}

// MultiplyByQuantizedMultiplier returns round_half_up(v*multiplier / 2^(31-shift)).
// The result saturates to the int32 range.
func MultiplyByQuantizedMultiplier(v int64, multiplier, shift int32) int32 {
	return saturate32(mulShift(v, multiplier, shift))
}

func mulShift(v int64, multiplier, shift int32) int64 {
	if v > math.MaxInt32 {
		v = math.MaxInt32
	} else if v < math.MinInt32 {
		v = math.MinInt32
	}
	prod := v * int64(multiplier)
	rs := 31 - shift
	if rs <= 0 {
		return prod
	}
	return (prod + int64(1)<<(rs-1)) >> rs
}

func saturate32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// Requantize narrows a wide accumulator onto the output grid:
// round_half_up(acc*multiplier / 2^(31-shift)) + zeroPoint, saturated to r.
func Requantize(acc int32, multiplier, shift, zeroPoint int32, r Range) int32 {
	return r.Clamp(mulShift(int64(acc), multiplier, shift) + int64(zeroPoint))
}

// Rescale fills Multiplier/Shift on each record from the scale triple
// inScale*info.Scale/outScale.
func Rescale(infos []Info, inScale, outScale float32) error {
	if !validScale(float64(inScale)) {
		return errs.Quant("input scale %g", inScale)
	}
	if !validScale(float64(outScale)) {
		return errs.Quant("output scale %g", outScale)
	}
	for i := range infos {
		if err := infos[i].Validate(); err != nil {
			return err
		}
		m, s, err := QuantizeMultiplier(float64(inScale) * float64(infos[i].Scale) / float64(outScale))
		if err != nil {
			return err
		}
		infos[i].Multiplier = m
		infos[i].Shift = s
	}
	return nil
}
