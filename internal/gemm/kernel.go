package gemm

import (
	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/pack"
)

// regCap is the accumulator tile held locally: 12 rows by 2*16 columns.
const regCap = pack.MaxTileRows * 32

// microFunc multiplies one stationary tile (tr rows, [K][tr]) by one moving
// tile (tc columns, [K][tc]) over kn steps and adds the result into the
// tr x tc block of c whose rows are ldc apart.
type microFunc[EA, EB pack.Element, T Acc] func(c []T, ldc int, a []EA, tr int, b []EB, tc int, kn int)

// microFor picks the micro kernel for an operand/accumulator combination.
func microFor[EA, EB pack.Element, T Acc]() (microFunc[EA, EB, T], error) {
	var (
		ea EA
		eb EB
	)
	_, aHalf := any(ea).(float16.Float16)
	_, bHalf := any(eb).(float16.Float16)
	switch {
	case aHalf && bHalf:
		if f, ok := any(microHalf).(func([]T, int, []EA, int, []EB, int, int)); ok {
			return f, nil
		}
		return nil, errs.Dtype("f16 operands accumulate in f32")
	case aHalf || bHalf:
		return nil, errs.Dtype("mixed f16 and non-f16 operands")
	}
	return microGeneric[EA, EB, T], nil
}

func loadTile[T Acc](regs []T, c []T, ldc, tr, tc int) {
	for i := range tr {
		copy(regs[i*tc:(i+1)*tc], c[i*ldc:i*ldc+tc])
	}
}

func storeTile[T Acc](c []T, regs []T, ldc, tr, tc int) {
	for i := range tr {
		copy(c[i*ldc:i*ldc+tc], regs[i*tc:(i+1)*tc])
	}
}

func microGeneric[EA, EB pack.Element, T Acc](c []T, ldc int, a []EA, tr int, b []EB, tc int, kn int) {
	var buf [regCap]T
	regs := buf[:0]
	if tr*tc <= regCap {
		regs = buf[:tr*tc]
	} else {
		regs = make([]T, tr*tc)
	}
	loadTile(regs, c, ldc, tr, tc)
	for k := range kn {
		av := a[k*tr : k*tr+tr]
		bv := b[k*tc : k*tc+tc]
		for i, x := range av {
			xi := T(x)
			row := regs[i*tc : (i+1)*tc]
			for j, y := range bv {
				row[j] += xi * T(y)
			}
		}
	}
	storeTile(c, regs, ldc, tr, tc)
}

func microHalf(c []float32, ldc int, a []float16.Float16, tr int, b []float16.Float16, tc int, kn int) {
	var (
		buf  [regCap]float32
		bRow [32]float32
	)
	regs := buf[:0]
	if tr*tc <= regCap {
		regs = buf[:tr*tc]
	} else {
		regs = make([]float32, tr*tc)
	}
	bw := bRow[:0]
	if tc <= len(bRow) {
		bw = bRow[:tc]
	} else {
		bw = make([]float32, tc)
	}
	loadTile(regs, c, ldc, tr, tc)
	for k := range kn {
		for j, y := range b[k*tc : k*tc+tc] {
			bw[j] = y.Float32()
		}
		for i, x := range a[k*tr : k*tr+tr] {
			xi := x.Float32()
			row := regs[i*tc : (i+1)*tc]
			for j, y := range bw {
				row[j] += xi * y
			}
		}
	}
	storeTile(c, regs, ldc, tr, tc)
}
