package tensor

import (
	"fmt"

	"github.com/samcharles93/quill/internal/quant"
)

// DType identifies the element encoding of a tensor buffer.
type DType uint8

const (
	DTypeUnknown DType = iota
	Float32
	Float16
	Int8
	Uint8
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Int8:
		return "i8"
	case Uint8:
		return "u8"
	case Int32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the element size in bytes, or 0 for unknown dtypes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

// IsQuantized reports whether values carry a scale and zero point.
func (d DType) IsQuantized() bool {
	return d == Int8 || d == Uint8
}

// Range returns the saturation range used when narrowing accumulators.
func (d DType) Range() (quant.Range, bool) {
	switch d {
	case Int8:
		return quant.Int8Range, true
	case Uint8:
		return quant.Uint8Range, true
	default:
		return quant.Range{}, false
	}
}

// ParseDType maps the short names used in configs and the container format.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32":
		return Float32, nil
	case "f16", "float16":
		return Float16, nil
	case "i8", "int8":
		return Int8, nil
	case "u8", "uint8":
		return Uint8, nil
	case "i32", "int32":
		return Int32, nil
	default:
		return DTypeUnknown, fmt.Errorf("unknown dtype %q", s)
	}
}
