package graph

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// Workspace is the scratch allocator owned by one composite node.
//
// It tracks every internal tensor and node created while decomposing its
// owner. Everything tracked lives until Deinit, which runs when the owner is
// destroyed or when Init resets the workspace for another setup pass.
type Workspace struct {
	owner   *Node
	tensors []TensorID
	nodes   []*Node
	active  bool
}

// Init prepares the workspace for a setup pass. Calling Init on an active
// workspace is an explicit reset: everything tracked so far is released, so
// a retried setup never sees half-wired leftovers.
func (w *Workspace) Init() {
	if w.active {
		klog.V(4).InfoS("Resetting workspace", "node", w.owner.Label(),
			"tensors", len(w.tensors), "nodes", len(w.nodes))
		w.Deinit()
	}
	w.active = true
}

// Active reports whether Init has been called since the last Deinit.
func (w *Workspace) Active() bool {
	return w.active
}

// Owner returns the composite node owning the workspace.
func (w *Workspace) Owner() *Node {
	return w.owner
}

// Nodes returns the internal nodes in creation order.
func (w *Workspace) Nodes() []*Node {
	return append([]*Node(nil), w.nodes...)
}

// Tensors returns the internal tensor ids in creation order.
func (w *Workspace) Tensors() []TensorID {
	return append([]TensorID(nil), w.tensors...)
}

// NewTensor creates and tracks an internal tensor. Non-virtual tensors are
// filled with fill. On failure it returns NoTensor and an error wrapping
// ErrAllocation; the caller must abandon its setup.
func (w *Workspace) NewTensor(attr tensor.Attr, fill float32) (TensorID, error) {
	g := w.owner.graph
	var (
		id  TensorID
		err error
	)
	if fill != 0 {
		id, err = g.AddTensorWithDefault(attr, fill)
	} else {
		id, err = g.AddTensor(attr)
	}
	if err != nil {
		return NoTensor, fmt.Errorf("internal tensor for %s: %w", w.owner.Label(), err)
	}
	w.tensors = append(w.tensors, id)
	return id, nil
}

// NewNode creates and tracks an internal node of kind. An arity of 0 takes
// the operator's fixed arity. The caller wires the slots and then commits the
// node with SetupNode.
func (w *Workspace) NewNode(kind Kind, inNum, outNum int) (*Node, error) {
	g := w.owner.graph
	def, err := g.registry.lookup(kind)
	if err != nil {
		return nil, err
	}
	in, out := def.arity(inNum, outNum)
	n, err := g.newNode(def, in, out)
	if err != nil {
		return nil, fmt.Errorf("%w: internal node for %s: %w", ErrAllocation, w.owner.Label(), err)
	}
	n.owner = w.owner
	if def.Init != nil {
		if err := def.Init(n); err != nil {
			return nil, &OpError{Op: kind, Node: n.Label(), Stage: StageInit, Err: err}
		}
	}
	w.nodes = append(w.nodes, n)
	return n, nil
}

// SetupNode runs the Check and Setup hooks of an internal node, inferring the
// shapes of its automatic outputs.
func (w *Workspace) SetupNode(n *Node) error {
	if n.owner != w.owner {
		return fmt.Errorf("node %s does not belong to workspace of %s", n.Label(), w.owner.Label())
	}
	return w.owner.graph.setupNode(n)
}

// Deinit releases every tracked node and tensor. It is idempotent.
func (w *Workspace) Deinit() {
	g := w.owner.graph
	for i := len(w.nodes) - 1; i >= 0; i-- {
		if err := g.destroyNode(w.nodes[i]); err != nil {
			klog.ErrorS(err, "Internal node deinit failed", "node", w.nodes[i].Label())
		}
	}
	for _, id := range w.tensors {
		g.RemoveTensor(id)
	}
	if len(w.nodes) > 0 || len(w.tensors) > 0 {
		klog.V(4).InfoS("Workspace released", "node", w.owner.Label(),
			"tensors", len(w.tensors), "nodes", len(w.nodes))
	}
	w.nodes = nil
	w.tensors = nil
	w.active = false
}
