package graph

import (
	"fmt"
	"sort"
)

// Hook is an operator lifecycle callback.
type Hook func(n *Node) error

// OpDef describes an operator kind.
//
// Init allocates per-instance scratch, Check validates input/output type
// combinations, Setup infers output shapes (primitives) or emits a primitive
// subgraph through the node workspace (composites), and Deinit releases what
// Init and Setup allocated. Any hook may be nil.
type OpDef struct {
	Kind      Kind
	InputNum  int // 0 means variable arity
	OutputNum int // 0 means variable arity

	Init   Hook
	Check  Hook
	Setup  Hook
	Deinit Hook
}

// Registry maps operator kinds to their definitions.
type Registry struct {
	defs map[Kind]*OpDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Kind]*OpDef)}
}

// Register adds or replaces an operator definition.
func (r *Registry) Register(def OpDef) {
	d := def
	r.defs[def.Kind] = &d
}

// Get returns the definition for kind.
func (r *Registry) Get(kind Kind) (*OpDef, bool) {
	d, ok := r.defs[kind]
	return d, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (r *Registry) lookup(kind Kind) (*OpDef, error) {
	d, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, kind)
	}
	return d, nil
}

// arity returns the slot counts for a new node, preferring the definition's
// fixed arity when the request is 0.
func (d *OpDef) arity(in, out int) (int, int) {
	if in == 0 {
		in = d.InputNum
	}
	if out == 0 {
		out = d.OutputNum
	}
	return in, out
}
