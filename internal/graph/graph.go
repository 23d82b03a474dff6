// Package graph provides the inference graph model: tensor table, nodes,
// declared boundaries, operator registry, and per-node workspaces.
package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Option configures a Graph.
type Option func(*Graph)

// WithName sets a human-readable graph name.
func WithName(name string) Option {
	return func(g *Graph) {
		g.Name = name
	}
}

// WithTensorLimit caps the number of live tensors. Creating a tensor beyond
// the cap fails with ErrAllocation. Zero means unlimited.
func WithTensorLimit(n int) Option {
	return func(g *Graph) {
		g.limit = n
	}
}

// Graph is a directed graph of operator nodes over a tensor table.
//
// Graph mutation is not synchronised; callers serialise builders, splices,
// and setup on one graph.
type Graph struct {
	ID   uuid.UUID
	Name string

	// Inputs and Outputs are the declared boundary tensors, matched by
	// position by a compiled graph.
	Inputs  BoundaryList
	Outputs BoundaryList

	// CompleteSignal is an optional tensor appended to the physical outputs.
	CompleteSignal TensorID

	registry *Registry
	tensors  []*tensor.Tensor // indexed by TensorID, nil once removed
	live     int
	limit    int
	nodes    []*Node // top-level nodes in insertion order
	nextNode NodeID
	order    []*Node // top-level nodes in setup order
}

// New creates an empty graph whose nodes are resolved against reg.
func New(reg *Registry, opts ...Option) *Graph {
	g := &Graph{
		ID:             uuid.New(),
		CompleteSignal: NoTensor,
		registry:       reg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the operator registry.
func (g *Graph) Registry() *Registry {
	return g.registry
}

// SetTensorLimit changes the live tensor cap. Zero means unlimited.
func (g *Graph) SetTensorLimit(n int) {
	g.limit = n
}

// AddTensor creates a tensor and registers it in the tensor table.
func (g *Graph) AddTensor(attr tensor.Attr) (TensorID, error) {
	return g.addTensor(func() (*tensor.Tensor, error) { return tensor.New(attr) })
}

// AddTensorWithDefault creates a tensor filled with value.
func (g *Graph) AddTensorWithDefault(attr tensor.Attr, value float32) (TensorID, error) {
	return g.addTensor(func() (*tensor.Tensor, error) { return tensor.NewWithDefault(attr, value) })
}

// AddTensorFromHandle creates a tensor over caller-owned memory.
func (g *Graph) AddTensorFromHandle(attr tensor.Attr, data []byte) (TensorID, error) {
	return g.addTensor(func() (*tensor.Tensor, error) { return tensor.NewFromHandle(attr, data) })
}

func (g *Graph) addTensor(create func() (*tensor.Tensor, error)) (TensorID, error) {
	if g.limit > 0 && g.live >= g.limit {
		return NoTensor, fmt.Errorf("%w: tensor limit %d reached", ErrAllocation, g.limit)
	}
	t, err := create()
	if err != nil {
		return NoTensor, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	id := TensorID(len(g.tensors))
	g.tensors = append(g.tensors, t)
	g.live++
	return id, nil
}

// Tensor returns the tensor for id, or nil when id is empty or removed.
func (g *Graph) Tensor(id TensorID) *tensor.Tensor {
	if id < 0 || int(id) >= len(g.tensors) {
		return nil
	}
	return g.tensors[id]
}

// TensorCount returns the number of live tensors.
func (g *Graph) TensorCount() int {
	return g.live
}

// TensorIDs returns the ids of all live tensors in ascending order.
func (g *Graph) TensorIDs() []TensorID {
	ids := make([]TensorID, 0, g.live)
	for i, t := range g.tensors {
		if t != nil {
			ids = append(ids, TensorID(i))
		}
	}
	return ids
}

// RemoveTensor releases a tensor and drops it from the table.
func (g *Graph) RemoveTensor(id TensorID) {
	t := g.Tensor(id)
	if t == nil {
		return
	}
	t.Release()
	g.tensors[id] = nil
	g.live--
}

// AddNode creates a top-level node of kind and runs its Init hook.
// Slots beyond len(inputs)/len(outputs) up to the fixed arity are left empty.
func (g *Graph) AddNode(kind Kind, inputs, outputs []TensorID, param any) (*Node, error) {
	def, err := g.registry.lookup(kind)
	if err != nil {
		return nil, err
	}
	n, err := g.newNode(def, len(inputs), len(outputs))
	if err != nil {
		return nil, err
	}
	copy(n.Inputs, inputs)
	copy(n.Outputs, outputs)
	n.Param = param
	if def.Init != nil {
		if err := def.Init(n); err != nil {
			return nil, &OpError{Op: kind, Node: n.Label(), Stage: StageInit, Err: err}
		}
	}
	g.nodes = append(g.nodes, n)
	g.order = nil
	klog.V(4).InfoS("Added node", "graph", g.ID, "node", n.Label(), "inputs", n.Inputs, "outputs", n.Outputs)
	return n, nil
}

func (g *Graph) newNode(def *OpDef, in, out int) (*Node, error) {
	if def.InputNum > 0 && in > def.InputNum {
		return nil, fmt.Errorf("%s takes %d inputs, got %d", def.Kind, def.InputNum, in)
	}
	if def.OutputNum > 0 && out > def.OutputNum {
		return nil, fmt.Errorf("%s takes %d outputs, got %d", def.Kind, def.OutputNum, out)
	}
	if def.InputNum > 0 {
		in = def.InputNum
	}
	if def.OutputNum > 0 {
		out = def.OutputNum
	}
	n := &Node{
		ID:      g.nextNode,
		UID:     uint32(g.nextNode),
		Kind:    def.Kind,
		Inputs:  emptySlots(in),
		Outputs: emptySlots(out),
		graph:   g,
	}
	g.nextNode++
	return n, nil
}

// Nodes returns the top-level nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Node returns the top-level node with id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	for _, n := range g.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeByUID returns the top-level node with uid, or nil.
func (g *Graph) NodeByUID(uid uint32) *Node {
	for _, n := range g.nodes {
		if n.UID == uid {
			return n
		}
	}
	return nil
}

// Consumers returns the top-level nodes reading id, in insertion order.
func (g *Graph) Consumers(id TensorID) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if in == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Producer returns the top-level node writing id, or nil.
func (g *Graph) Producer(id TensorID) *Node {
	for _, n := range g.nodes {
		for _, o := range n.Outputs {
			if o == id {
				return n
			}
		}
	}
	return nil
}

// Setup runs Check and Setup on every top-level node in dependency order.
// Composite nodes reset their workspace, so Setup may be called again after
// the graph has been spliced.
func (g *Graph) Setup() error {
	order, err := topologicalSort(g.nodes)
	if err != nil {
		return err
	}
	g.order = order
	for _, n := range g.order {
		if err := g.setupNode(n); err != nil {
			return err
		}
	}
	if err := g.checkSlots(); err != nil {
		return err
	}
	klog.V(2).InfoS("Graph setup complete", "graph", g.ID, "name", g.Name,
		"nodes", len(g.order), "tensors", g.live)
	return nil
}

func (g *Graph) setupNode(n *Node) error {
	def, err := g.registry.lookup(n.Kind)
	if err != nil {
		return err
	}
	if def.Check != nil {
		if err := def.Check(n); err != nil {
			return &OpError{Op: n.Kind, Node: n.Label(), Stage: StageCheck, Err: err}
		}
	}
	if def.Setup != nil {
		if err := def.Setup(n); err != nil {
			return &OpError{Op: n.Kind, Node: n.Label(), Stage: StageSetup, Err: err}
		}
	}
	klog.V(4).InfoS("Node setup", "node", n.Label(), "inputs", n.Inputs, "outputs", n.Outputs)
	return nil
}

// checkSlots verifies that every non-empty slot of every node, internal ones
// included, refers to a live tensor.
func (g *Graph) checkSlots() error {
	var errs []error
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			for _, id := range append(n.Inputs[:len(n.Inputs):len(n.Inputs)], n.Outputs...) {
				if id != NoTensor && g.Tensor(id) == nil {
					errs = append(errs, fmt.Errorf("%w: node %s references tensor %d", ErrNotFound, n.Label(), id))
				}
			}
			if n.ws != nil {
				walk(n.ws.nodes)
			}
		}
	}
	walk(g.nodes)
	return errors.Join(errs...)
}

// Primitives returns the executable nodes in dependency order: composite
// nodes are replaced by their internal nodes, recursively. A graph whose
// nodes form a cycle falls back to insertion order; Setup reports the cycle.
func (g *Graph) Primitives() []*Node {
	order := g.order
	if order == nil {
		var err error
		if order, err = topologicalSort(g.nodes); err != nil {
			order = g.nodes
		}
	}
	var out []*Node
	var expand func(n *Node)
	expand = func(n *Node) {
		if !n.Composite() {
			out = append(out, n)
			return
		}
		for _, in := range n.ws.nodes {
			expand(in)
		}
	}
	for _, n := range order {
		expand(n)
	}
	return out
}

// Release runs every Deinit hook, tears down workspaces, and releases all
// tensors. The graph must not be used afterwards.
func (g *Graph) Release() error {
	var errs []error
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if err := g.destroyNode(g.nodes[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range g.tensors {
		g.RemoveTensor(TensorID(i))
	}
	g.nodes = nil
	g.order = nil
	return errors.Join(errs...)
}

func (g *Graph) destroyNode(n *Node) error {
	var err error
	if def, ok := g.registry.Get(n.Kind); ok && def.Deinit != nil {
		if derr := def.Deinit(n); derr != nil {
			err = &OpError{Op: n.Kind, Node: n.Label(), Stage: StageDeinit, Err: derr}
		}
	}
	if n.ws != nil {
		n.ws.Deinit()
	}
	return err
}

// topologicalSort orders nodes so producers precede consumers. Roots are
// taken in node ID order and each node's producers in input slot order, so a
// graph built producers first keeps its insertion order. A node that
// transitively reads its own output fails with ErrConfig.
func topologicalSort(nodes []*Node) ([]*Node, error) {
	roots := slices.Clone(nodes)
	slices.SortStableFunc(roots, func(a, b *Node) int { return cmp.Compare(a.ID, b.ID) })

	producer := make(map[TensorID]*Node)
	for _, n := range roots {
		for _, out := range n.Outputs {
			if out != NoTensor {
				producer[out] = n
			}
		}
	}

	const (
		unvisited = iota
		active
		done
	)
	state := make(map[*Node]int, len(roots))
	order := make([]*Node, 0, len(roots))
	var path []string
	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch state[n] {
		case done:
			return nil
		case active:
			return &OpError{Op: n.Kind, Node: n.Label(), Stage: StageSetup,
				Err: fmt.Errorf("%w: dependency cycle %s -> %s", ErrConfig, strings.Join(path, " -> "), n.Label())}
		}
		state[n] = active
		path = append(path, n.Label())
		for _, in := range n.Inputs {
			if dep, ok := producer[in]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		order = append(order, n)
		return nil
	}

	for _, n := range roots {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
