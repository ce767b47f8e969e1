package quant

import (
	"github.com/samcharles93/quill/internal/errs"
)

// Params is the immutable per-operator requantization state: one
// (multiplier, shift) pair per output channel, or a single pair shared by
// all channels under per-tensor quantization.
type Params struct {
	Multiplier []int32
	Shift      []int32
	ZeroPoint  int32
	Range      Range
}

// Derive builds Params for an operator with input scale inScale, weight
// scales wScales (len 1 or one per output channel) and output scale/zero point.
func Derive(inScale float32, wScales []float32, outScale float32, outZP int32, r Range) (*Params, error) {
	if len(wScales) == 0 {
		return nil, errs.Quant("no weight scales")
	}
	if !r.Contains(outZP) {
		return nil, errs.Quant("output zero point %d outside [%d, %d]", outZP, r.Lo, r.Hi)
	}
	infos := make([]Info, len(wScales))
	for i, s := range wScales {
		infos[i].Scale = s
	}
	if err := Rescale(infos, inScale, outScale); err != nil {
		return nil, err
	}
	p := &Params{
		Multiplier: make([]int32, len(infos)),
		Shift:      make([]int32, len(infos)),
		ZeroPoint:  outZP,
		Range:      r,
	}
	for i, info := range infos {
		p.Multiplier[i] = info.Multiplier
		p.Shift[i] = info.Shift
	}
	return p, nil
}

// FromInfos collects already-rescaled records into Params.
func FromInfos(infos []Info, outZP int32, r Range) (*Params, error) {
	if len(infos) == 0 {
		return nil, errs.Quant("no quantization records")
	}
	p := &Params{
		Multiplier: make([]int32, len(infos)),
		Shift:      make([]int32, len(infos)),
		ZeroPoint:  outZP,
		Range:      r,
	}
	for i, info := range infos {
		if info.Multiplier < 1<<30 || info.Shift < MinShift || info.Shift > MaxShift {
			return nil, errs.Quant("record %d has multiplier %d shift %d", i, info.Multiplier, info.Shift)
		}
		p.Multiplier[i] = info.Multiplier
		p.Shift[i] = info.Shift
	}
	return p, nil
}

// Channels returns how many distinct (multiplier, shift) pairs are stored.
func (p *Params) Channels() int {
	return len(p.Multiplier)
}

// PerChannel reports whether each output channel has its own pair.
func (p *Params) PerChannel() bool {
	return len(p.Multiplier) > 1
}

// CheckChannels verifies the pair count matches an operator with outChannels outputs.
func (p *Params) CheckChannels(outChannels int) error {
	if n := len(p.Multiplier); n != 1 && n != outChannels {
		return errs.Quant("%d requantization pairs for %d output channels", n, outChannels)
	}
	return nil
}

// Apply requantizes acc for output channel ch.
func (p *Params) Apply(ch int, acc int32) int32 {
	if len(p.Multiplier) == 1 {
		ch = 0
	}
	return Requantize(acc, p.Multiplier[ch], p.Shift[ch], p.ZeroPoint, p.Range)
}

// ApplyRow requantizes one output row (all columns belong to channel ch) into dst.
func ApplyRow[T ~int8 | ~uint8](p *Params, ch int, acc []int32, dst []T) {
	if len(p.Multiplier) == 1 {
		ch = 0
	}
	m, s := p.Multiplier[ch], p.Shift[ch]
	for i, a := range acc {
		dst[i] = T(Requantize(a, m, s, p.ZeroPoint, p.Range))
	}
}
