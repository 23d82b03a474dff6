package tensor

import (
	"sync"
	"sync/atomic"
)

// AccessMode selects how a mapped region may be used.
type AccessMode int

// Access modes for Map.
const (
	ReadOnly AccessMode = iota
	ReadWrite
	WriteOnly
)

// String returns a human-readable access mode.
func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case WriteOnly:
		return "write-only"
	default:
		return "unknown"
	}
}

// buffer is a reference-counted block of engine-owned memory.
type buffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex // For safe deallocation
}

// newBuffer creates a new zeroed buffer with refCount = 1.
func newBuffer(size int) *buffer {
	buf := &buffer{
		data: make([]byte, size),
	}
	buf.refCount.Store(1)
	return buf
}

// adoptBuffer wraps memory handed over to the engine with refCount = 1.
func adoptBuffer(data []byte) *buffer {
	buf := &buffer{data: data}
	buf.refCount.Store(1)
	return buf
}

// release decrements the reference count and drops the memory at zero.
func (b *buffer) release() {
	if b.refCount.Add(-1) == 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.data = nil
	}
}

// released reports whether the memory has been dropped.
func (b *buffer) released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data == nil
}

// handle is the storage currently installed under a tensor.
// Exactly one of owned and caller is set, or neither for no storage.
type handle struct {
	owned  *buffer // engine-owned, freed by the engine
	caller []byte  // caller-owned, never freed by the engine
}

func (h handle) empty() bool {
	return h.owned == nil && h.caller == nil
}

func (h handle) bytes() []byte {
	if h.owned != nil {
		return h.owned.data
	}
	return h.caller
}

// mapping is an outstanding Map call.
type mapping struct {
	mode AccessMode
	view []byte
}
