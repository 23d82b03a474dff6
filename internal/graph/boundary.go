package graph

import "fmt"

// BoundaryList is an ordered list of declared graph input or output tensors.
//
// Positions are part of the external contract: a compiled graph matches its
// parameters by index, so entries are only ever replaced, inserted at an
// explicit position, or shifted.
type BoundaryList struct {
	ids []TensorID
}

// NewBoundaryList returns a list holding ids in order.
func NewBoundaryList(ids ...TensorID) BoundaryList {
	return BoundaryList{ids: append([]TensorID(nil), ids...)}
}

// Len returns the number of declared entries.
func (b *BoundaryList) Len() int {
	return len(b.ids)
}

// At returns the entry at position i, or NoTensor when out of range.
func (b *BoundaryList) At(i int) TensorID {
	if i < 0 || i >= len(b.ids) {
		return NoTensor
	}
	return b.ids[i]
}

// IDs returns a copy of the entries.
func (b *BoundaryList) IDs() []TensorID {
	return append([]TensorID(nil), b.ids...)
}

// Append adds entries at the end.
func (b *BoundaryList) Append(ids ...TensorID) {
	b.ids = append(b.ids, ids...)
}

// Set overwrites the entry at position i.
func (b *BoundaryList) Set(i int, id TensorID) error {
	if i < 0 || i >= len(b.ids) {
		return fmt.Errorf("boundary position %d out of range [0,%d)", i, len(b.ids))
	}
	b.ids[i] = id
	return nil
}

// Index returns the first position at or after from holding id, or -1.
func (b *BoundaryList) Index(id TensorID, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(b.ids); i++ {
		if b.ids[i] == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is declared anywhere in the list.
func (b *BoundaryList) Contains(id TensorID) bool {
	return b.Index(id, 0) >= 0
}

// Splice replaces the entry at pos with ids. Entries after pos shift right by
// len(ids)-1 so their relative order is preserved.
func (b *BoundaryList) Splice(pos int, ids ...TensorID) error {
	if pos < 0 || pos >= len(b.ids) {
		return fmt.Errorf("boundary position %d out of range [0,%d)", pos, len(b.ids))
	}
	if len(ids) == 0 {
		return fmt.Errorf("splice at %d: no replacement entries", pos)
	}
	out := make([]TensorID, 0, len(b.ids)+len(ids)-1)
	out = append(out, b.ids[:pos]...)
	out = append(out, ids...)
	out = append(out, b.ids[pos+1:]...)
	b.ids = out
	return nil
}

// Replace swaps the first occurrence of old for ids, searching from position
// from. It returns the position that was rewritten.
func (b *BoundaryList) Replace(old TensorID, from int, ids ...TensorID) (int, error) {
	pos := b.Index(old, from)
	if pos < 0 {
		return -1, fmt.Errorf("%w: tensor %d is not declared at or after position %d", ErrNotFound, old, from)
	}
	return pos, b.Splice(pos, ids...)
}
