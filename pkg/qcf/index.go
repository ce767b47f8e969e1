package qcf

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

const (
	indexVersion = 1
	quantVersion = 1
	metaVersion  = 1

	quantRecordSize = 24
	maxNameLen      = math.MaxUint16
)

// Entry describes one stored tensor. Offset is absolute within the file.
type Entry struct {
	Name   string
	DType  tensor.DType
	Layout tensor.Layout
	Lane   int
	Shape  tensor.Shape
	Offset uint64
	Size   uint64
	Quant  []quant.Info

	quantFirst uint32
}

// Elements is the number of stored elements, including blocked padding.
func (e *Entry) Elements() int {
	t := tensor.Tensor{Shape: e.Shape, Layout: e.Layout, Lane: e.Lane}
	return t.StorageElements()
}

// index section: count u32, then per entry
//
//	nameLen u16 | name | dtype u8 | layout u8 | lane u16 | rank u32 |
//	dims u64 x rank | offset u64 | size u64 | quantFirst u32 | quantCount u32
func appendEntry(dst []byte, e *Entry) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint16(dst, uint16(len(e.Name)))
	dst = append(dst, e.Name...)
	dst = append(dst, byte(e.DType), byte(e.Layout))
	dst = le.AppendUint16(dst, uint16(e.Lane))
	dst = le.AppendUint32(dst, uint32(len(e.Shape)))
	for _, d := range e.Shape {
		dst = le.AppendUint64(dst, uint64(d))
	}
	dst = le.AppendUint64(dst, e.Offset)
	dst = le.AppendUint64(dst, e.Size)
	dst = le.AppendUint32(dst, e.quantFirst)
	dst = le.AppendUint32(dst, uint32(len(e.Quant)))
	return dst
}

func encodeIndex(entries []*Entry) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		out = appendEntry(out, e)
	}
	return out
}

// cursor reads little-endian fields and records the first overrun.
type cursor struct {
	b   []byte
	bad bool
}

func (c *cursor) take(n int) []byte {
	if c.bad || n < 0 || n > len(c.b) {
		c.bad = true
		return nil
	}
	p := c.b[:n]
	c.b = c.b[n:]
	return p
}

func (c *cursor) u8() uint8 {
	if p := c.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if p := c.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if p := c.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if p := c.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

// decodeIndex parses the index and attaches quant records from the quant section.
func decodeIndex(b []byte, records []quant.Info) ([]*Entry, error) {
	c := &cursor{b: b}
	count := c.u32()
	if c.bad {
		return nil, corrupt("short tensor index")
	}
	// Each entry takes at least 42 bytes.
	if uint64(count)*42 > uint64(len(b)) {
		return nil, corrupt("tensor index claims %d entries", count)
	}
	entries := make([]*Entry, 0, count)
	for i := range count {
		e := &Entry{}
		e.Name = string(c.take(int(c.u16())))
		e.DType = tensor.DType(c.u8())
		e.Layout = tensor.Layout(c.u8())
		e.Lane = int(c.u16())
		rank := c.u32()
		if rank == 0 || rank > tensor.MaxDims {
			return nil, corrupt("tensor %d has rank %d", i, rank)
		}
		e.Shape = make(tensor.Shape, rank)
		for d := range e.Shape {
			v := c.u64()
			if v == 0 || v > math.MaxInt32 {
				return nil, corrupt("tensor %q dim %d is %d", e.Name, d, v)
			}
			e.Shape[d] = int(v)
		}
		e.Offset = c.u64()
		e.Size = c.u64()
		e.quantFirst = c.u32()
		qn := c.u32()
		if c.bad {
			return nil, corrupt("tensor index truncated at entry %d", i)
		}
		if uint64(e.quantFirst)+uint64(qn) > uint64(len(records)) {
			return nil, corrupt("tensor %q quant records [%d, +%d) out of range", e.Name, e.quantFirst, qn)
		}
		if qn > 0 {
			e.Quant = records[e.quantFirst : e.quantFirst+qn : e.quantFirst+qn]
		}
		entries = append(entries, e)
	}
	if len(c.b) != 0 {
		return nil, corrupt("%d trailing bytes after tensor index", len(c.b))
	}
	return entries, nil
}

// quant record: scale f32 | zero point i32 | multiplier i32 | shift i32 | min f32 | max f32
func encodeQuant(records []quant.Info) []byte {
	le := binary.LittleEndian
	out := make([]byte, 0, len(records)*quantRecordSize)
	for _, q := range records {
		out = le.AppendUint32(out, math.Float32bits(q.Scale))
		out = le.AppendUint32(out, uint32(q.ZeroPoint))
		out = le.AppendUint32(out, uint32(q.Multiplier))
		out = le.AppendUint32(out, uint32(q.Shift))
		out = le.AppendUint32(out, math.Float32bits(q.Min))
		out = le.AppendUint32(out, math.Float32bits(q.Max))
	}
	return out
}

func decodeQuant(b []byte) ([]quant.Info, error) {
	if len(b)%quantRecordSize != 0 {
		return nil, corrupt("quant section of %d bytes", len(b))
	}
	le := binary.LittleEndian
	out := make([]quant.Info, len(b)/quantRecordSize)
	for i := range out {
		p := b[i*quantRecordSize:]
		out[i] = quant.Info{
			Scale:      math.Float32frombits(le.Uint32(p[0:])),
			ZeroPoint:  int32(le.Uint32(p[4:])),
			Multiplier: int32(le.Uint32(p[8:])),
			Shift:      int32(le.Uint32(p[12:])),
			Min:        math.Float32frombits(le.Uint32(p[16:])),
			Max:        math.Float32frombits(le.Uint32(p[20:])),
		}
	}
	return out, nil
}

// encodePayload serializes the active buffer of t little-endian.
func encodePayload(t *tensor.Tensor) []byte {
	le := binary.LittleEndian
	out := make([]byte, 0, t.Len()*t.DType.Size())
	switch t.DType {
	case tensor.Float32:
		for _, v := range t.F32 {
			out = le.AppendUint32(out, math.Float32bits(v))
		}
	case tensor.Float16:
		for _, v := range t.F16 {
			out = le.AppendUint16(out, v.Bits())
		}
	case tensor.Int8:
		for _, v := range t.I8 {
			out = append(out, byte(v))
		}
	case tensor.Uint8:
		out = append(out, t.U8...)
	case tensor.Int32:
		for _, v := range t.I32 {
			out = le.AppendUint32(out, uint32(v))
		}
	}
	return out
}

// decodePayload fills the active buffer of t from raw.
func decodePayload(t *tensor.Tensor, raw []byte) {
	le := binary.LittleEndian
	n := len(raw) / t.DType.Size()
	switch t.DType {
	case tensor.Float32:
		t.F32 = make([]float32, n)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(le.Uint32(raw[i*4:]))
		}
	case tensor.Float16:
		t.F16 = make([]float16.Float16, n)
		for i := range t.F16 {
			t.F16[i] = float16.Frombits(le.Uint16(raw[i*2:]))
		}
	case tensor.Int8:
		t.I8 = make([]int8, n)
		for i, v := range raw {
			t.I8[i] = int8(v)
		}
	case tensor.Uint8:
		t.U8 = append([]uint8(nil), raw...)
	case tensor.Int32:
		t.I32 = make([]int32, n)
		for i := range t.I32 {
			t.I32[i] = int32(le.Uint32(raw[i*4:]))
		}
	}
}
