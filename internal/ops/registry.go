package ops

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Operator kinds.
const (
	KindPermute          graph.Kind = "Permute"
	KindSplit            graph.Kind = "Split"
	KindReshape          graph.Kind = "Reshape"
	KindConcat           graph.Kind = "Concat"
	KindDataConvert      graph.Kind = "DataConvert"
	KindRNNCell          graph.Kind = "RNNCell"
	KindSelect           graph.Kind = "Select"
	KindBiRNN            graph.Kind = "BidirectionalSequenceRNN"
	KindPreProcess       graph.Kind = "PreProcess"
	KindPreProcessTensor graph.Kind = "PreProcessTensor"
	KindPreProcessImage  graph.Kind = "PreProcessImage"
	KindPostProcess      graph.Kind = "PostProcess"
	KindNBG              graph.Kind = "NBG"
)

// NewRegistry creates a registry with every operator kind of the engine.
func NewRegistry() *graph.Registry {
	r := graph.NewRegistry()

	registerShapeOps(r)
	registerRNNOps(r)
	registerSelect(r)
	registerPrePostOps(r)
	registerNBG(r)

	return r
}

// paramOf returns the node parameter as *T.
func paramOf[T any](n *graph.Node) (*T, error) {
	p, ok := n.Param.(*T)
	if !ok || p == nil {
		return nil, fmt.Errorf("%s: expected %T parameter, got %T", n.Label(), p, n.Param)
	}
	return p, nil
}

// requireInputs fails unless the first count input slots hold tensors.
func requireInputs(n *graph.Node, count int) error {
	for i := 0; i < count; i++ {
		t := n.Input(i)
		if t == nil {
			return fmt.Errorf("%s: input %d is empty", n.Label(), i)
		}
		if !t.Attr().Resolved() {
			return fmt.Errorf("%s: input %d has unresolved shape", n.Label(), i)
		}
	}
	return nil
}

// inferOutput resolves output idx to shape. A pre-declared output must hold
// the same number of elements.
func inferOutput(n *graph.Node, idx int, shape tensor.Shape) error {
	out := n.Output(idx)
	if out == nil {
		return fmt.Errorf("%s: output %d is empty", n.Label(), idx)
	}
	a := out.Attr()
	if !a.Resolved() {
		a.SetShape(shape)
		return nil
	}
	if a.ElementCount() != shape.NumElements() {
		return fmt.Errorf("%w: %s output %d declared %v, inferred %v",
			graph.ErrShapeMismatch, n.Label(), idx, a.Shape(), shape)
	}
	return nil
}
