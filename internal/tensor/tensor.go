package tensor

import (
	"errors"
	"fmt"
	"sync"
)

// Storage errors.
var (
	ErrVirtual    = errors.New("tensor is virtual and has no storage")
	ErrMapped     = errors.New("tensor storage is mapped")
	ErrNotMapped  = errors.New("tensor storage is not mapped")
	ErrHandleSize = errors.New("handle is smaller than tensor byte size")
	ErrUnresolved = errors.New("tensor shape is not resolved")
	ErrReleased   = errors.New("tensor has been released")
)

// Tensor is a graph tensor: attributes plus an optional storage handle.
//
// The engine view of the attributes (Attr) is mutated by shape and quantization
// inference. The store view mirrors what the backing storage reports and is
// synchronised with QueryAttr/SetAttr.
//
// Storage is either engine-owned (allocated and released here) or caller-owned
// (installed with SwapHandle or NewFromHandle and never released here).
type Tensor struct {
	mu       sync.Mutex
	attr     Attr
	store    Attr
	cur      handle
	parked   *buffer // engine-owned storage parked while a caller handle is installed
	mapped   *mapping
	released bool
}

// New creates a tensor from attributes.
// Non-virtual tensors with a resolved shape get zeroed engine-owned storage.
func New(attr Attr) (*Tensor, error) {
	if err := attr.Validate(); err != nil {
		return nil, err
	}
	t := &Tensor{attr: attr.Clone(), store: attr.Clone()}
	if !attr.Virtual && attr.Resolved() {
		t.cur = handle{owned: newBuffer(attr.ByteSize())}
	}
	return t, nil
}

// NewWithDefault creates a tensor and fills every element with value.
// Virtual tensors are created without storage and the value is ignored.
func NewWithDefault(attr Attr, value float32) (*Tensor, error) {
	t, err := New(attr)
	if err != nil {
		return nil, err
	}
	if attr.Virtual || !attr.Resolved() || value == 0 {
		return t, nil
	}
	if err := t.Fill(value); err != nil {
		return nil, err
	}
	return t, nil
}

// NewFromHandle creates a non-virtual tensor over caller-owned memory.
func NewFromHandle(attr Attr, data []byte) (*Tensor, error) {
	if attr.Virtual {
		return nil, fmt.Errorf("%w: handle tensor cannot be virtual", ErrInvalidAttr)
	}
	if !attr.Resolved() {
		return nil, fmt.Errorf("%w: handle tensor needs a resolved shape", ErrInvalidAttr)
	}
	if err := attr.Validate(); err != nil {
		return nil, err
	}
	if len(data) < attr.ByteSize() {
		return nil, fmt.Errorf("%w: %d < %d", ErrHandleSize, len(data), attr.ByteSize())
	}
	return &Tensor{attr: attr.Clone(), store: attr.Clone(), cur: handle{caller: data}}, nil
}

// Attr returns the engine view of the attributes.
// Only shape and quantization inference should mutate it, and only before the
// graph is verified.
func (t *Tensor) Attr() *Attr {
	return &t.attr
}

// Shape returns the resolved shape, or nil.
func (t *Tensor) Shape() Shape {
	return t.attr.Shape()
}

// DType returns the element descriptor.
func (t *Tensor) DType() DType {
	return t.attr.DType
}

// Virtual reports whether the tensor has no externally visible storage.
func (t *Tensor) Virtual() bool {
	return t.attr.Virtual
}

// ElementCount returns the number of elements.
func (t *Tensor) ElementCount() int {
	return t.attr.ElementCount()
}

// ByteSize returns the storage size in bytes.
func (t *Tensor) ByteSize() int {
	return t.attr.ByteSize()
}

// StoreAttr returns a copy of the backing-store view of the attributes.
func (t *Tensor) StoreAttr() Attr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Clone()
}

// ResolveStore overwrites the backing-store view, as a driver does after
// verifying the graph.
func (t *Tensor) ResolveStore(a Attr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = a.Clone()
}

// QueryAttr refreshes the attribute categories selected by mask from the
// backing store into the engine view.
func (t *Tensor) QueryAttr(mask AttrMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	copyAttr(&t.attr, &t.store, mask)
	return nil
}

// SetAttr pushes the attribute categories selected by mask from the engine
// view into the backing store.
func (t *Tensor) SetAttr(mask AttrMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	copyAttr(&t.store, &t.attr, mask)
	return nil
}

// ensureStorage allocates engine-owned storage for a non-virtual tensor whose
// shape was resolved after creation. Caller holds t.mu.
func (t *Tensor) ensureStorage() error {
	if t.released {
		return ErrReleased
	}
	if t.attr.Virtual {
		return ErrVirtual
	}
	if !t.attr.Resolved() {
		return ErrUnresolved
	}
	if t.cur.empty() {
		t.cur = handle{owned: newBuffer(t.attr.ByteSize())}
	}
	return nil
}

// HasStorage reports whether a storage handle is installed.
func (t *Tensor) HasStorage() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cur.empty()
}

// CallerOwned reports whether the installed handle belongs to the caller.
func (t *Tensor) CallerOwned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.caller != nil
}

// SwapHandle installs a new storage handle and returns the previous one when
// it belongs to the caller.
//
//   - A caller-owned handle being replaced is returned untouched.
//   - An engine-owned handle replaced by another engine-owned handle is released.
//   - An engine-owned handle replaced by a caller-owned one is parked and
//     reinstated, unmodified, when the caller swaps back to nil.
//
// Passing nil hands the current caller-owned handle back and stops the tensor
// from referencing it.
func (t *Tensor) SwapHandle(data []byte, engineOwned bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return nil, ErrReleased
	}
	if t.mapped != nil {
		return nil, ErrMapped
	}
	if t.attr.Virtual {
		return nil, ErrVirtual
	}
	if data != nil && len(data) < t.attr.ByteSize() {
		return nil, fmt.Errorf("%w: %d < %d", ErrHandleSize, len(data), t.attr.ByteSize())
	}

	prev := t.cur
	var returned []byte
	if prev.caller != nil {
		returned = prev.caller
	}

	switch {
	case data == nil:
		if prev.caller == nil {
			// Nothing to hand back; engine-owned storage stays in place.
			return nil, nil
		}
		t.cur = handle{}
		if t.parked != nil {
			t.cur = handle{owned: t.parked}
			t.parked = nil
		}
	case engineOwned:
		if prev.owned != nil {
			prev.owned.release()
		}
		if t.parked != nil {
			t.parked.release()
			t.parked = nil
		}
		t.cur = handle{owned: adoptBuffer(data)}
	default:
		if prev.owned != nil {
			t.parked = prev.owned
		}
		t.cur = handle{caller: data}
	}
	return returned, nil
}

// Map gives direct access to the tensor storage until Unmap.
//
// ReadOnly returns a snapshot; writes to it are discarded. ReadWrite returns
// the storage itself. WriteOnly returns a zeroed staging region that must be
// fully written before Unmap commits it; reading it first is undefined.
func (t *Tensor) Map(mode AccessMode) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mapped != nil {
		return nil, ErrMapped
	}
	if err := t.ensureStorage(); err != nil {
		return nil, err
	}

	n := t.attr.ByteSize()
	storage := t.cur.bytes()[:n]

	var view []byte
	switch mode {
	case ReadOnly:
		view = make([]byte, n)
		copy(view, storage)
	case ReadWrite:
		view = storage
	case WriteOnly:
		view = make([]byte, n)
	default:
		return nil, fmt.Errorf("unknown access mode %d", mode)
	}
	t.mapped = &mapping{mode: mode, view: view}
	return view, nil
}

// Unmap commits and invalidates the region returned by Map.
func (t *Tensor) Unmap() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mapped == nil {
		return ErrNotMapped
	}
	if t.mapped.mode == WriteOnly {
		copy(t.cur.bytes(), t.mapped.view)
	}
	t.mapped = nil
	return nil
}

// Bytes returns a copy of the tensor contents in storage order.
func (t *Tensor) Bytes() ([]byte, error) {
	view, err := t.Map(ReadOnly)
	if err != nil {
		return nil, err
	}
	if err := t.Unmap(); err != nil {
		return nil, err
	}
	return view, nil
}

// CopyFrom overwrites the tensor contents with data.
func (t *Tensor) CopyFrom(data []byte) error {
	if len(data) != t.ByteSize() {
		return fmt.Errorf("copy of %d bytes into tensor of %d bytes", len(data), t.ByteSize())
	}
	view, err := t.Map(WriteOnly)
	if err != nil {
		return err
	}
	copy(view, data)
	return t.Unmap()
}

// Release frees engine-owned storage. Caller-owned handles are left alone.
// Release is idempotent.
func (t *Tensor) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}
	if t.cur.owned != nil {
		t.cur.owned.release()
	}
	if t.parked != nil {
		t.parked.release()
	}
	t.cur = handle{}
	t.parked = nil
	t.mapped = nil
	t.released = true
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// String returns a human-readable representation of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s", t.attr)
}
