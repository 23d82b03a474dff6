package exec

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/parallel"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// ErrNoValue is returned when a node reads a tensor that has neither been
// fed, computed, nor backed by storage.
var ErrNoValue = errors.New("tensor has no value")

// Executor runs set-up graphs.
type Executor struct {
	reg *Registry
	par parallel.Config
}

// New creates an executor over the built-in kernels.
func New() *Executor {
	return NewWithRegistry(NewRegistry())
}

// NewWithRegistry creates an executor over reg.
func NewWithRegistry(reg *Registry) *Executor {
	return &Executor{reg: reg, par: parallel.DefaultConfig()}
}

// SetParallel changes how kernels split their loops.
func (e *Executor) SetParallel(cfg parallel.Config) {
	e.par = cfg
}

// Run executes the primitives of g in dependency order. Feeds provide values
// for graph inputs; any other tensor read before it is computed must be
// backed by storage, such as weights. Computed values of non-virtual tensors
// are written back to their storage. Run returns every value it produced or
// read.
func (e *Executor) Run(g *graph.Graph, feeds map[graph.TensorID][]float32) (map[graph.TensorID]*Value, error) {
	values := make(map[graph.TensorID]*Value, len(feeds))
	for id, data := range feeds {
		t := g.Tensor(id)
		if t == nil {
			return nil, fmt.Errorf("%w: feed for tensor %d", graph.ErrNotFound, id)
		}
		if len(data) != t.ElementCount() {
			return nil, fmt.Errorf("%w: feed for tensor %d has %d values, want %d",
				graph.ErrShapeMismatch, id, len(data), t.ElementCount())
		}
		values[id] = &Value{Shape: t.Shape().Clone(), Data: append([]float32(nil), data...)}
	}

	ctx := &Context{Graph: g, Parallel: e.par}
	prims := g.Primitives()
	for _, n := range prims {
		kernel, ok := e.reg.Get(n.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: no kernel for %s", graph.ErrUnknownOp, n.Kind)
		}
		inputs := make([]*Value, len(n.Inputs))
		for i, id := range n.Inputs {
			if id == graph.NoTensor {
				continue
			}
			v, err := load(g, values, id)
			if err != nil {
				return nil, fmt.Errorf("%s input %d: %w", n.Label(), i, err)
			}
			inputs[i] = v
		}
		outputs, err := kernel(ctx, n, inputs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Label(), err)
		}
		if err := store(g, values, n, outputs); err != nil {
			return nil, err
		}
		klog.V(4).InfoS("Executed node", "node", n.Label(), "kind", n.Kind)
	}
	klog.V(2).InfoS("Graph executed", "graph", g.ID, "nodes", len(prims))
	return values, nil
}

func load(g *graph.Graph, values map[graph.TensorID]*Value, id graph.TensorID) (*Value, error) {
	if v, ok := values[id]; ok {
		return v, nil
	}
	t := g.Tensor(id)
	if t == nil {
		return nil, fmt.Errorf("%w: tensor %d", graph.ErrNotFound, id)
	}
	if t.Virtual() || !t.Attr().Resolved() {
		return nil, fmt.Errorf("%w: tensor %d", ErrNoValue, id)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("tensor %d: %w", id, err)
	}
	v := &Value{Shape: t.Shape().Clone(), Data: data}
	values[id] = v
	return v, nil
}

func store(g *graph.Graph, values map[graph.TensorID]*Value, n *graph.Node, outputs []*Value) error {
	if len(outputs) != len(n.Outputs) {
		return fmt.Errorf("%s: kernel produced %d outputs for %d slots", n.Label(), len(outputs), len(n.Outputs))
	}
	for i, id := range n.Outputs {
		v := outputs[i]
		if id == graph.NoTensor || v == nil {
			continue
		}
		t := g.Tensor(id)
		if t.ElementCount() != len(v.Data) {
			return fmt.Errorf("%w: %s output %d has %d values, tensor holds %d",
				graph.ErrShapeMismatch, n.Label(), i, len(v.Data), t.ElementCount())
		}
		v.Shape = t.Shape().Clone()
		values[id] = v
		if !t.Virtual() {
			if err := t.SetFloat32s(v.Data); err != nil {
				return fmt.Errorf("%s output %d: %w", n.Label(), i, err)
			}
		}
	}
	return nil
}

// strides returns element strides with the first axis fastest.
func strides(s tensor.Shape) []int {
	return s.ComputeStrides()
}
