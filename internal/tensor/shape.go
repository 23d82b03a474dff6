package tensor

import "fmt"

// MaxDimNum is the maximum number of axes a tensor may have.
const MaxDimNum = 8

// Shape represents the extents of a tensor, fastest-varying axis first.
//
// A time-major sequence tensor is therefore [features, batch, time] and a
// batch-major one [features, time, batch].
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that the rank is within bounds and all extents are positive.
func (s Shape) Validate() error {
	if len(s) > MaxDimNum {
		return fmt.Errorf("rank %d exceeds maximum %d", len(s), MaxDimNum)
	}
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates element strides for the shape.
// The first axis is contiguous: stride[0] = 1, stride[i] = stride[i-1] * s[i-1].
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[0] = 1
	for i := 1; i < len(s); i++ {
		strides[i] = strides[i-1] * s[i-1]
	}
	return strides
}

// Permute returns the shape with out[i] = s[perm[i]].
func (s Shape) Permute(perm []int) (Shape, error) {
	if len(perm) != len(s) {
		return nil, fmt.Errorf("permutation rank %d does not match shape rank %d", len(perm), len(s))
	}
	seen := make([]bool, len(s))
	out := make(Shape, len(s))
	for i, p := range perm {
		if p < 0 || p >= len(s) || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		out[i] = s[p]
	}
	return out, nil
}

// Reshape resolves target against s. At most one extent may be -1 and is
// inferred from the element count.
func (s Shape) Reshape(target []int) (Shape, error) {
	out := make(Shape, len(target))
	infer := -1
	known := 1
	for i, d := range target {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("reshape %v: more than one inferred extent", target)
			}
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("reshape %v: invalid extent %d", target, d)
		default:
			known *= d
		}
		out[i] = d
	}
	total := s.NumElements()
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("cannot reshape %v to %v", s, target)
		}
		out[infer] = total / known
	}
	if out.NumElements() != total {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", s, total, target)
	}
	return out, nil
}
