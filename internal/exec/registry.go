package exec

import (
	"fmt"
	"sort"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/parallel"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Value is a dense float32 tensor value in storage order.
type Value struct {
	Shape tensor.Shape
	Data  []float32
}

// NewValue allocates a zeroed value of shape.
func NewValue(shape tensor.Shape) *Value {
	return &Value{Shape: shape.Clone(), Data: make([]float32, shape.NumElements())}
}

// Kernel computes the outputs of one primitive node. Inputs hold nil for
// empty slots; outputs must match the node's output slots.
type Kernel func(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error)

// Context carries per-run state shared by kernels.
type Context struct {
	Graph    *graph.Graph
	Parallel parallel.Config
}

// outputShape returns the resolved shape of output slot i.
func (c *Context) outputShape(n *graph.Node, i int) (tensor.Shape, error) {
	t := n.Output(i)
	if t == nil || !t.Attr().Resolved() {
		return nil, fmt.Errorf("%s: output %d is unresolved", n.Label(), i)
	}
	return t.Shape(), nil
}

// Registry maps operator kinds to kernels.
type Registry struct {
	kernels map[graph.Kind]Kernel
}

// NewRegistry creates a registry with every supported primitive.
func NewRegistry() *Registry {
	r := &Registry{
		kernels: make(map[graph.Kind]Kernel),
	}

	r.registerShapeKernels()
	r.registerRNNKernels()
	r.registerPrePostKernels()

	return r
}

// Register adds or replaces the kernel for kind.
func (r *Registry) Register(kind graph.Kind, k Kernel) {
	r.kernels[kind] = k
}

// Get returns the kernel for kind.
func (r *Registry) Get(kind graph.Kind) (Kernel, bool) {
	k, ok := r.kernels[kind]
	return k, ok
}

// Supported returns the registered kinds in sorted order.
func (r *Registry) Supported() []graph.Kind {
	kinds := make([]graph.Kind, 0, len(r.kernels))
	for k := range r.kernels {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
