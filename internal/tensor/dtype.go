// Package tensor provides the tensor and attribute model used by the lowering engine.
package tensor

import (
	"fmt"
	"strings"
)

// DataType represents the element type of a tensor.
type DataType int

// Supported element types.
const (
	None DataType = iota
	Float32
	Float16
	BFloat16
	Float64
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Bool8
)

// Size returns the byte width of one element, or 0 for None and unknown types.
func (dt DataType) Size() int {
	switch dt {
	case Int8, Uint8, Bool8:
		return 1
	case Float16, BFloat16, Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether dt is a concrete element type.
func (dt DataType) Valid() bool {
	return dt.Size() > 0
}

// IsFloat reports whether dt is a floating point type.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Float32, Float16, BFloat16, Float64:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case None:
		return "none"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Bool8:
		return "bool8"
	default:
		return "unknown"
	}
}

// UnmarshalText parses a data type name such as "float16".
func (dt *DataType) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for t := None; t <= Bool8; t++ {
		if t.String() == name {
			*dt = t
			return nil
		}
	}
	return fmt.Errorf("unknown data type %q", text)
}

// MarshalText returns the data type name.
func (dt DataType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

// QuantType is the quantization scheme attached to a tensor.
type QuantType int

// Quantization schemes.
const (
	QuantNone QuantType = iota
	QuantAffineAsymmetric
	QuantAffineSymmetric
	QuantDFP // dynamic fixed point
)

// String returns a short name for the quantization scheme.
func (q QuantType) String() string {
	switch q {
	case QuantNone:
		return "none"
	case QuantAffineAsymmetric:
		return "asym"
	case QuantAffineSymmetric:
		return "sym"
	case QuantDFP:
		return "dfp"
	default:
		return "unknown"
	}
}

// UnmarshalText parses a quantization scheme name.
func (q *QuantType) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for t := QuantNone; t <= QuantDFP; t++ {
		if t.String() == name {
			*q = t
			return nil
		}
	}
	return fmt.Errorf("unknown quantization %q", text)
}

// MarshalText returns the quantization scheme name.
func (q QuantType) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// DType is an element type together with its quantization parameters.
type DType struct {
	Type          DataType  `yaml:"type"`
	Qnt           QuantType `yaml:"quant,omitempty"`
	Scale         float32   `yaml:"scale,omitempty"`
	ZeroPoint     int32     `yaml:"zero_point,omitempty"`
	FixedPointPos int8      `yaml:"fixed_point_pos,omitempty"`
}

// Float32DType returns the unquantized single-precision descriptor.
func Float32DType() DType {
	return DType{Type: Float32}
}

// Unset reports whether no element type has been chosen yet.
func (d DType) Unset() bool {
	return d.Type == None && d.Qnt == QuantNone
}

// Equal reports whether two descriptors are identical.
func (d DType) Equal(other DType) bool {
	return d == other
}

// String returns a compact description, e.g. "uint8|asym(0.5,128)".
func (d DType) String() string {
	switch d.Qnt {
	case QuantAffineAsymmetric, QuantAffineSymmetric:
		return fmt.Sprintf("%s|%s(%g,%d)", d.Type, d.Qnt, d.Scale, d.ZeroPoint)
	case QuantDFP:
		return fmt.Sprintf("%s|dfp(%d)", d.Type, d.FixedPointPos)
	default:
		return d.Type.String()
	}
}
