package ops

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/google/uuid"
)

// NBGInput is one entry of a compiled graph's input parameter list: a tensor,
// or an immediate scalar when Tensor is NoTensor.
type NBGInput struct {
	Tensor     graph.TensorID
	ScalarType tensor.DataType
	Value      float64
}

// IsScalar reports whether the entry is an immediate scalar.
func (in NBGInput) IsScalar() bool {
	return in.Tensor == graph.NoTensor
}

// NBGParam describes a precompiled network binary graph. The node's input
// slots hold the tensor entries of Inputs in order; its outputs are the
// compiled graph outputs.
type NBGParam struct {
	Source uuid.UUID
	Inputs []NBGInput
}

// TensorInputs returns the tensor entries of the parameter list.
func (p *NBGParam) TensorInputs() []graph.TensorID {
	var ids []graph.TensorID
	for _, in := range p.Inputs {
		if !in.IsScalar() {
			ids = append(ids, in.Tensor)
		}
	}
	return ids
}

func registerNBG(r *graph.Registry) {
	r.Register(graph.OpDef{Kind: KindNBG, Check: checkNBG})
}

func checkNBG(n *graph.Node) error {
	p, err := paramOf[NBGParam](n)
	if err != nil {
		return err
	}
	ids := p.TensorInputs()
	if len(ids) != len(n.Inputs) {
		return fmt.Errorf("%d tensor parameters for %d input slots", len(ids), len(n.Inputs))
	}
	for i, id := range ids {
		if n.Inputs[i] != id {
			return fmt.Errorf("input slot %d holds tensor %d, parameter list has %d", i, n.Inputs[i], id)
		}
	}
	for i := range n.Outputs {
		t := n.Output(i)
		if t == nil || !t.Attr().Resolved() {
			return fmt.Errorf("compiled output %d is unresolved", i)
		}
	}
	return nil
}
