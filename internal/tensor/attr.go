package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// DimAuto marks a dimensionality that is resolved later by shape inference.
const DimAuto = -1

// ErrInvalidAttr is returned when a tensor cannot be created from its attributes.
var ErrInvalidAttr = errors.New("invalid tensor attributes")

// Attr describes a tensor: shape, element type, and storage flags.
type Attr struct {
	Size          Shape
	DimNum        int // DimAuto until resolved, then len(Size)
	DType         DType
	Virtual       bool // no externally visible storage
	Const         bool
	HighPrecision bool
}

// NewAttr returns resolved attributes for the given shape and element type.
func NewAttr(shape Shape, dtype DType) Attr {
	return Attr{Size: shape.Clone(), DimNum: len(shape), DType: dtype}
}

// AutoAttr returns attributes whose shape is left to inference.
func AutoAttr(dtype DType, virtual bool) Attr {
	return Attr{DimNum: DimAuto, DType: dtype, Virtual: virtual}
}

// Resolved reports whether the dimensionality is known.
func (a *Attr) Resolved() bool {
	return a.DimNum != DimAuto
}

// SetShape resolves the attributes to the given shape.
func (a *Attr) SetShape(s Shape) {
	a.Size = s.Clone()
	a.DimNum = len(s)
}

// Shape returns the resolved extents, or nil when unresolved. Extents beyond
// len(Size) read as zero, as after a query of the dimensionality alone.
func (a *Attr) Shape() Shape {
	if a.DimNum < 0 {
		return nil
	}
	if len(a.Size) < a.DimNum {
		s := make(Shape, a.DimNum)
		copy(s, a.Size)
		return s
	}
	return a.Size[:a.DimNum]
}

// ElementCount returns the product of the resolved extents, or 0 when unresolved.
func (a *Attr) ElementCount() int {
	if !a.Resolved() {
		return 0
	}
	return a.Shape().NumElements()
}

// ByteSize returns ElementCount times the element width.
func (a *Attr) ByteSize() int {
	return a.ElementCount() * a.DType.Type.Size()
}

// Clone returns a deep copy.
func (a Attr) Clone() Attr {
	a.Size = a.Size.Clone()
	return a
}

// Validate checks the attributes against the creation rules.
func (a *Attr) Validate() error {
	if !a.DType.Type.Valid() {
		return fmt.Errorf("%w: unrecognized element type %s", ErrInvalidAttr, a.DType.Type)
	}
	if !a.Resolved() {
		return nil
	}
	if a.DimNum < 0 || a.DimNum > MaxDimNum || len(a.Size) < a.DimNum {
		return fmt.Errorf("%w: dim_num %d with %d extents", ErrInvalidAttr, a.DimNum, len(a.Size))
	}
	if !a.Virtual && a.ElementCount() == 0 {
		return fmt.Errorf("%w: zero elements in shape %v", ErrInvalidAttr, a.Shape())
	}
	if err := a.Shape().Validate(); err != nil && !a.Virtual {
		return fmt.Errorf("%w: %v", ErrInvalidAttr, err)
	}
	return nil
}

// String returns a compact description such as "[4 1 3] float32 vtl".
func (a Attr) String() string {
	var sb strings.Builder
	if a.Resolved() {
		fmt.Fprintf(&sb, "%v", []int(a.Shape()))
	} else {
		sb.WriteString("[auto]")
	}
	fmt.Fprintf(&sb, " %s", a.DType)
	if a.Virtual {
		sb.WriteString(" vtl")
	}
	if a.Const {
		sb.WriteString(" const")
	}
	return sb.String()
}

// AttrMask selects attribute categories for partial query/update.
type AttrMask uint32

// Attribute categories.
const (
	AttrDimNum        AttrMask = 0x1
	AttrDType         AttrMask = 0x2
	AttrSize          AttrMask = 0x4
	AttrFixedPointPos AttrMask = 0x8
	AttrConst         AttrMask = 0x10
	AttrHighPrecision AttrMask = 0x20
	AttrAll           AttrMask = 0xFF
)

// Has reports whether m selects every bit of attr.
func (m AttrMask) Has(attr AttrMask) bool {
	return m&attr == attr
}

// copyAttr copies the categories selected by mask from src into dst.
func copyAttr(dst *Attr, src *Attr, mask AttrMask) {
	if mask.Has(AttrDimNum) {
		dst.DimNum = src.DimNum
	}
	if mask.Has(AttrSize) {
		dst.Size = src.Size.Clone()
	}
	if mask.Has(AttrDType) {
		fpp := dst.DType.FixedPointPos
		dst.DType = src.DType
		dst.DType.FixedPointPos = fpp
	}
	if mask.Has(AttrFixedPointPos) {
		dst.DType.FixedPointPos = src.DType.FixedPointPos
	}
	if mask.Has(AttrConst) {
		dst.Const = src.Const
	}
	if mask.Has(AttrHighPrecision) {
		dst.HighPrecision = src.HighPrecision
	}
}
