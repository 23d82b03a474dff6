package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Boundary is the flattened parameter boundary registered for a graph.
type Boundary struct {
	Inputs  []Ref
	Outputs []Ref
}

// Memory is an in-memory Driver. It derives parameter lists from primitive
// nodes and compiles a graph into a single NBG node.
type Memory struct {
	mu         sync.Mutex
	params     map[*graph.Node][]Param
	boundaries map[uuid.UUID]Boundary
	failures   map[graph.Kind]error
}

var _ Driver = (*Memory)(nil)

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{
		params:     make(map[*graph.Node][]Param),
		boundaries: make(map[uuid.UUID]Boundary),
		failures:   make(map[graph.Kind]error),
	}
}

// FailNodeParams makes NodeParams fail with err for every node of kind.
func (m *Memory) FailNodeParams(kind graph.Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = err
}

// NodeParams returns the parameter list of n. The list is built once per
// node; later writes patch it in place.
func (m *Memory) NodeParams(n *graph.Node) ([]Param, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeParams(n)
}

func (m *Memory) nodeParams(n *graph.Node) ([]Param, error) {
	if err := m.failures[n.Kind]; err != nil {
		return nil, fmt.Errorf("%s: %w", n.Label(), err)
	}
	if params, ok := m.params[n]; ok {
		return params, nil
	}
	var (
		params []Param
		err    error
	)
	switch n.Kind {
	case ops.KindPreProcessImage:
		params, err = imageParams(n)
	case ops.KindNBG:
		params, err = nbgParams(n)
	default:
		params = tensorParams(n)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Label(), err)
	}
	m.params[n] = params
	return params, nil
}

// WriteScalar overwrites scalar parameter index of n.
func (m *Memory) WriteScalar(n *graph.Node, index int, value int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	params, err := m.nodeParams(n)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(params) {
		return fmt.Errorf("%w: %s has %d parameters, got index %d", ErrParamIndex, n.Label(), len(params), index)
	}
	ref := params[index].Ref
	if !ref.IsScalar() {
		return fmt.Errorf("%w: %s parameter %d", ErrNotScalar, n.Label(), index)
	}
	ref.Scalar.Value = float64(value)
	if p, ok := n.Param.(*ops.NBGParam); ok && index < len(p.Inputs) {
		p.Inputs[index].Value = float64(value)
	}
	klog.V(4).InfoS("Wrote scalar", "node", n.Label(), "index", index, "value", value)
	return nil
}

// SetParam replaces parameter index of n.
func (m *Memory) SetParam(n *graph.Node, index int, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	params, err := m.nodeParams(n)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(params) {
		return fmt.Errorf("%w: %s has %d parameters, got index %d", ErrParamIndex, n.Label(), len(params), index)
	}
	params[index].Ref = ref
	params[index].Type = ParamTensor
	if ref.IsScalar() {
		params[index].Type = ParamScalar
	}
	return nil
}

// IdentifyInputsOutputs registers the flattened boundary of g. Tensor
// references must name live tensors of g.
func (m *Memory) IdentifyInputsOutputs(g *graph.Graph, inputs, outputs []Ref) error {
	var errs []error
	for _, list := range [][]Ref{inputs, outputs} {
		for i, r := range list {
			if !r.IsScalar() && g.Tensor(r.Tensor) == nil {
				errs = append(errs, fmt.Errorf("%w: boundary entry %d references tensor %d", graph.ErrNotFound, i, r.Tensor))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.boundaries[g.ID] = Boundary{
		Inputs:  append([]Ref(nil), inputs...),
		Outputs: append([]Ref(nil), outputs...),
	}
	klog.V(2).InfoS("Identified graph boundary", "graph", g.ID, "inputs", len(inputs), "outputs", len(outputs))
	return nil
}

// Boundary returns the boundary registered for g.
func (m *Memory) Boundary(g *graph.Graph) (Boundary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boundaries[g.ID]
	return b, ok
}

// Verify checks that every non-virtual tensor has a resolved shape and
// publishes the resolved attributes to the backing store.
func (m *Memory) Verify(g *graph.Graph) error {
	var errs []error
	for _, id := range g.TensorIDs() {
		t := g.Tensor(id)
		if !t.Virtual() && !t.Attr().Resolved() {
			errs = append(errs, fmt.Errorf("tensor %d: non-virtual tensor has unresolved shape", id))
			continue
		}
		t.ResolveStore(*t.Attr())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrUnverified, err)
	}
	return nil
}

// Compile verifies g and builds a new graph holding one NBG node whose
// parameters are the registered boundary of g, or its declared inputs and
// outputs when none was registered.
func (m *Memory) Compile(g *graph.Graph) (*graph.Graph, *graph.Node, error) {
	if err := m.Verify(g); err != nil {
		return nil, nil, err
	}
	b, ok := m.Boundary(g)
	if !ok {
		b = declaredBoundary(g)
	}

	ng := graph.New(g.Registry(), graph.WithName(g.Name+".nbg"))
	clone := func(id graph.TensorID) (graph.TensorID, error) {
		src := g.Tensor(id)
		attr := src.Attr().Clone()
		attr.Virtual = false
		attr.Const = false
		return ng.AddTensor(attr)
	}

	var inputs []ops.NBGInput
	var tensorInputs []graph.TensorID
	for _, r := range b.Inputs {
		if r.IsScalar() {
			inputs = append(inputs, ops.NBGInput{Tensor: graph.NoTensor, ScalarType: r.Scalar.Type, Value: r.Scalar.Value})
			continue
		}
		id, err := clone(r.Tensor)
		if err != nil {
			return nil, nil, fmt.Errorf("compile %s: %w", g.Name, err)
		}
		inputs = append(inputs, ops.NBGInput{Tensor: id})
		tensorInputs = append(tensorInputs, id)
		ng.Inputs.Append(id)
	}
	var outputs []graph.TensorID
	for _, r := range b.Outputs {
		if r.IsScalar() {
			return nil, nil, fmt.Errorf("compile %s: scalar output parameter", g.Name)
		}
		id, err := clone(r.Tensor)
		if err != nil {
			return nil, nil, fmt.Errorf("compile %s: %w", g.Name, err)
		}
		outputs = append(outputs, id)
		ng.Outputs.Append(id)
	}

	n, err := ng.AddNode(ops.KindNBG, tensorInputs, outputs, &ops.NBGParam{Source: g.ID, Inputs: inputs})
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s: %w", g.Name, err)
	}
	n.Name = "nbg"
	if err := ng.Setup(); err != nil {
		return nil, nil, fmt.Errorf("compile %s: %w", g.Name, err)
	}
	klog.V(2).InfoS("Compiled graph", "source", g.ID, "nbg", ng.ID,
		"params", len(inputs), "outputs", len(outputs))
	return ng, n, nil
}

func declaredBoundary(g *graph.Graph) Boundary {
	var b Boundary
	for _, id := range g.Inputs.IDs() {
		b.Inputs = append(b.Inputs, TensorRef(id))
	}
	for _, id := range g.Outputs.IDs() {
		b.Outputs = append(b.Outputs, TensorRef(id))
	}
	if g.CompleteSignal != graph.NoTensor {
		b.Outputs = append(b.Outputs, TensorRef(g.CompleteSignal))
	}
	return b
}

// tensorParams lists the non-empty input slots, then the non-empty output
// slots.
func tensorParams(n *graph.Node) []Param {
	var params []Param
	add := func(ids []graph.TensorID, dir Direction) {
		for _, id := range ids {
			if id == graph.NoTensor {
				continue
			}
			params = append(params, Param{Index: len(params), Type: ParamTensor, Direction: dir, Ref: TensorRef(id)})
		}
	}
	add(n.Inputs, DirInput)
	add(n.Outputs, DirOutput)
	return params
}

// imageParams lists the parameters of an image adapter kernel: the planes,
// the int32 crop scalars {scaleX, scaleY, left, top}, the float32 means and
// scales, the int32 reverse flag, and the output.
func imageParams(n *graph.Node) ([]Param, error) {
	p, ok := n.Param.(*ops.PreProcessImageParam)
	if !ok {
		return nil, fmt.Errorf("unexpected parameter %T", n.Param)
	}
	dstW, dstH := p.Rect.Width, p.Rect.Height
	if len(p.Size) >= 3 {
		dstW, dstH = p.Size[0], p.Size[1]
		if p.Layout == ops.LayoutNHWC {
			dstW, dstH = p.Size[1], p.Size[2]
		}
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("invalid output size %v", p.Size)
	}

	var params []Param
	add := func(dir Direction, ref Ref) {
		typ := ParamTensor
		if ref.IsScalar() {
			typ = ParamScalar
		}
		params = append(params, Param{Index: len(params), Type: typ, Direction: dir, Ref: ref})
	}
	i32 := func(v int) Ref { return ScalarRef(&Scalar{Type: tensor.Int32, Value: float64(v)}) }
	f32 := func(v float32) Ref { return ScalarRef(&Scalar{Type: tensor.Float32, Value: float64(v)}) }

	for _, id := range n.Inputs {
		add(DirInput, TensorRef(id))
	}
	add(DirInput, i32(CropScale(p.Rect.Width, dstW)))
	add(DirInput, i32(CropScale(p.Rect.Height, dstH)))
	add(DirInput, i32(p.Rect.Left))
	add(DirInput, i32(p.Rect.Top))
	for _, v := range p.Mean {
		add(DirInput, f32(v))
	}
	for _, v := range p.Scale {
		add(DirInput, f32(v))
	}
	reverse := 0
	if p.ReverseChannel {
		reverse = 1
	}
	add(DirInput, i32(reverse))
	add(DirOutput, TensorRef(n.Outputs[0]))
	return params, nil
}

// CropScale returns the Q15 fixed-point ratio of a crop extent to the
// output extent.
func CropScale(crop, dst int) int {
	return (crop << 15) / dst
}

func nbgParams(n *graph.Node) ([]Param, error) {
	p, ok := n.Param.(*ops.NBGParam)
	if !ok {
		return nil, fmt.Errorf("unexpected parameter %T", n.Param)
	}
	params := make([]Param, 0, len(p.Inputs)+len(n.Outputs))
	for _, in := range p.Inputs {
		param := Param{Index: len(params), Type: ParamTensor, Direction: DirInput, Ref: TensorRef(in.Tensor)}
		if in.IsScalar() {
			param.Type = ParamScalar
			param.Ref = ScalarRef(&Scalar{Type: in.ScalarType, Value: in.Value})
		}
		params = append(params, param)
	}
	for _, id := range n.Outputs {
		params = append(params, Param{Index: len(params), Type: ParamTensor, Direction: DirOutput, Ref: TensorRef(id)})
	}
	return params, nil
}
