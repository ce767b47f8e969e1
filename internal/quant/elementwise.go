package quant

import "github.com/samcharles93/quill/internal/errs"

// elementwiseLeftShift lifts both inputs into a common high-resolution
// domain before they are rescaled and summed.
const elementwiseLeftShift = 20

// ElementwiseParams requantizes a two-input elementwise op whose inputs carry
// independent scales. Each input is rescaled with its own pair and the
// partial products are summed before a single output rescale.
type ElementwiseParams struct {
	InZeroPoint  [2]int32
	InMultiplier [2]int32
	InShift      [2]int32

	OutMultiplier int32
	OutShift      int32
	OutZeroPoint  int32
	Range         Range
}

// NewAddParams derives parameters for out = a + b.
func NewAddParams(a, b, out Info, r Range) (*ElementwiseParams, error) {
	for _, info := range []Info{a, b, out} {
		if err := info.Validate(); err != nil {
			return nil, err
		}
	}
	if !r.Contains(out.ZeroPoint) {
		return nil, errs.Quant("output zero point %d outside [%d, %d]", out.ZeroPoint, r.Lo, r.Hi)
	}
	twiceMax := 2 * float64(max(a.Scale, b.Scale))
	p := &ElementwiseParams{
		InZeroPoint:  [2]int32{a.ZeroPoint, b.ZeroPoint},
		OutZeroPoint: out.ZeroPoint,
		Range:        r,
	}
	var err error
	for i, s := range []float32{a.Scale, b.Scale} {
		p.InMultiplier[i], p.InShift[i], err = QuantizeMultiplier(float64(s) / twiceMax)
		if err != nil {
			return nil, err
		}
	}
	p.OutMultiplier, p.OutShift, err = QuantizeMultiplier(twiceMax / (float64(int64(1)<<elementwiseLeftShift) * float64(out.Scale)))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Add combines one pair of quantized inputs.
func (p *ElementwiseParams) Add(x, y int32) int32 {
	sx := MultiplyByQuantizedMultiplier(int64(x-p.InZeroPoint[0])<<elementwiseLeftShift, p.InMultiplier[0], p.InShift[0])
	sy := MultiplyByQuantizedMultiplier(int64(y-p.InZeroPoint[1])<<elementwiseLeftShift, p.InMultiplier[1], p.InShift[1])
	return Requantize(sx+sy, p.OutMultiplier, p.OutShift, p.OutZeroPoint, p.Range)
}

// DequantizeAccumulator converts an int32 accumulator of input*weight
// products back to a real value.
func DequantizeAccumulator(acc int32, inScale, wScale float32) float32 {
	return float32(float64(acc) * float64(inScale) * float64(wScale))
}
