package ops

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// timeMajorPerm swaps the batch and time axes of a 3-D sequence.
var timeMajorPerm = []int{0, 2, 1}

// subgraph emits internal nodes and tensors into the workspace of a
// composite node. Node names are prefixed with the owner label.
type subgraph struct {
	owner *graph.Node
	ws    *graph.Workspace
}

func newSubgraph(owner *graph.Node) subgraph {
	ws := owner.Workspace()
	ws.Init()
	return subgraph{owner: owner, ws: ws}
}

func (s subgraph) tensor(id graph.TensorID) *tensor.Tensor {
	return s.owner.Graph().Tensor(id)
}

// virtual creates an internal tensor whose shape is left to inference.
func (s subgraph) virtual(dtype tensor.DType) (graph.TensorID, error) {
	return s.ws.NewTensor(tensor.AutoAttr(dtype, true), 0)
}

// add creates, wires, and sets up an internal node.
func (s subgraph) add(kind graph.Kind, name string, param any, inputs, outputs []graph.TensorID) (*graph.Node, error) {
	n, err := s.ws.NewNode(kind, len(inputs), len(outputs))
	if err != nil {
		return nil, err
	}
	copy(n.Inputs, inputs)
	copy(n.Outputs, outputs)
	n.Name = s.owner.Label() + "/" + name
	n.Param = param
	if err := s.ws.SetupNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// transpose swaps the batch and time axes of in into out. An empty out gets
// a new virtual tensor.
func (s subgraph) transpose(in, out graph.TensorID, name string) (graph.TensorID, error) {
	if out == graph.NoTensor {
		var err error
		if out, err = s.virtual(s.tensor(in).DType()); err != nil {
			return graph.NoTensor, err
		}
	}
	perm := append([]int(nil), timeMajorPerm...)
	if _, err := s.add(KindPermute, name, &PermuteParam{Perm: perm}, []graph.TensorID{in}, []graph.TensorID{out}); err != nil {
		return graph.NoTensor, err
	}
	return out, nil
}

// splitSteps cuts a time-major sequence into steps slices of one timestep
// and reshapes each to a 2-D [features, batch] tensor.
func (s subgraph) splitSteps(in graph.TensorID, steps, batch int, name string) ([]graph.TensorID, error) {
	dtype := s.tensor(in).DType()
	slices := make([]graph.TensorID, steps)
	for i := range slices {
		id, err := s.virtual(dtype)
		if err != nil {
			return nil, err
		}
		slices[i] = id
	}
	if _, err := s.add(KindSplit, "split_"+name, &SplitParam{Axis: 2}, []graph.TensorID{in}, slices); err != nil {
		return nil, err
	}

	out := make([]graph.TensorID, steps)
	for i, slice := range slices {
		id, err := s.reshape(slice, []int{-1, batch}, fmt.Sprintf("reshape_%s_t%d", name, i))
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// reshape reshapes in into a new virtual tensor of the same element type.
func (s subgraph) reshape(in graph.TensorID, size []int, name string) (graph.TensorID, error) {
	out, err := s.virtual(s.tensor(in).DType())
	if err != nil {
		return graph.NoTensor, err
	}
	if _, err := s.add(KindReshape, name, &ReshapeParam{Size: size}, []graph.TensorID{in}, []graph.TensorID{out}); err != nil {
		return graph.NoTensor, err
	}
	return out, nil
}

// concat joins inputs along axis into out.
func (s subgraph) concat(inputs []graph.TensorID, out graph.TensorID, axis int, name string) error {
	_, err := s.add(KindConcat, name, &ConcatParam{Axis: axis}, inputs, []graph.TensorID{out})
	return err
}

// convert copies in into out, converting the element type.
func (s subgraph) convert(in, out graph.TensorID, name string) error {
	_, err := s.add(KindDataConvert, name, nil, []graph.TensorID{in}, []graph.TensorID{out})
	return err
}

// isFloat32 reports whether the tensor is an unquantized float32 tensor.
func isFloat32(t *tensor.Tensor) bool {
	if t == nil {
		return false
	}
	d := t.DType()
	return d.Type == tensor.Float32 && d.Qnt == tensor.QuantNone
}
