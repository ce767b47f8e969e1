// Package qcf implements the Quantized Compute File format.
//
// A QCF file is a single memory-mappable container of named tensors and
// their quantization records. All integers are little-endian. The layout is
//
//	header | tensor data | tensor index | quant records | meta | section directory
//
// Tensor payloads start on 64-byte boundaries; every section starts on an
// 8-byte boundary.
package qcf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Format constants must never change.
const (
	// Magic is the file magic, "QCF\0".
	Magic = "QCF\x00"

	// CurrentMajor changes only on breaking format changes.
	CurrentMajor uint16 = 1
	// CurrentMinor may add optional sections.
	CurrentMinor uint16 = 0

	// FlagDataAligned64 is set when every tensor payload is 64-byte aligned.
	FlagDataAligned64 uint64 = 1 << 0
)

const (
	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 8
	dataAlign    = 64
)

type SectionType uint32

const (
	SectionTensorData  SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0002
	SectionQuant       SectionType = 0x0003
	SectionMeta        SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionTensorData:
		return "tensor_data"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionQuant:
		return "quant"
	case SectionMeta:
		return "meta"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidMagic     = errors.New("qcf: invalid magic")
	ErrUnsupportedMajor = errors.New("qcf: unsupported major version")
	ErrCorrupt          = errors.New("qcf: corrupt file")
	ErrTensorNotFound   = errors.New("qcf: tensor not found")
)

// corrupt wraps ErrCorrupt with detail.
func corrupt(format string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, format, args...)
}

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

type Section struct {
	Type    SectionType
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s Section) End() uint64 { return s.Offset + s.Size }

func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < headerSize {
		return false
	}
	le := binary.LittleEndian
	copy(dst[0:4], h.Magic[:])
	le.PutUint16(dst[4:], h.Major)
	le.PutUint16(dst[6:], h.Minor)
	le.PutUint32(dst[8:], h.HeaderSize)
	le.PutUint32(dst[12:], h.SectionCount)
	le.PutUint64(dst[16:], h.SectionDirOffset)
	le.PutUint64(dst[24:], h.FileSize)
	le.PutUint64(dst[32:], h.Flags)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	var h Header
	if len(src) < headerSize {
		return h, false
	}
	le := binary.LittleEndian
	copy(h.Magic[:], src[0:4])
	h.Major = le.Uint16(src[4:])
	h.Minor = le.Uint16(src[6:])
	h.HeaderSize = le.Uint32(src[8:])
	h.SectionCount = le.Uint32(src[12:])
	h.SectionDirOffset = le.Uint64(src[16:])
	h.FileSize = le.Uint64(src[24:])
	h.Flags = le.Uint64(src[32:])
	return h, true
}

func encodeSection(dst []byte, s Section) bool {
	if len(dst) < sectionSize {
		return false
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(s.Type))
	le.PutUint32(dst[4:], s.Version)
	le.PutUint64(dst[8:], s.Offset)
	le.PutUint64(dst[16:], s.Size)
	return true
}

func decodeSection(src []byte) (Section, bool) {
	if len(src) < sectionSize {
		return Section{}, false
	}
	le := binary.LittleEndian
	return Section{
		Type:    SectionType(le.Uint32(src[0:])),
		Version: le.Uint32(src[4:]),
		Offset:  le.Uint64(src[8:]),
		Size:    le.Uint64(src[16:]),
	}, true
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}
