package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Activation selects the nonlinearity of a recurrent cell.
type Activation int

// Supported activations.
const (
	ActNone Activation = iota
	ActRelu
	ActRelu6
	ActTanh
	ActSigmoid
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActRelu:
		return "relu"
	case ActRelu6:
		return "relu6"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// UnmarshalText parses an activation name.
func (a *Activation) UnmarshalText(text []byte) error {
	for _, c := range []Activation{ActNone, ActRelu, ActRelu6, ActTanh, ActSigmoid} {
		if c.String() == string(text) {
			*a = c
			return nil
		}
	}
	return fmt.Errorf("unknown activation %q", text)
}

// Apply evaluates the activation.
func (a Activation) Apply(x float32) float32 {
	switch a {
	case ActRelu:
		return max(x, 0)
	case ActRelu6:
		return min(max(x, 0), 6)
	case ActTanh:
		return float32(math.Tanh(float64(x)))
	case ActSigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	default:
		return x
	}
}

// Internal quantization slots of a recurrent cell: the input-side, the
// state-side, and the auxiliary-input-side accumulators.
const (
	QuantParamI = iota
	QuantParamH
	QuantParamAux
	QuantParamCount
)

// InternalDTypes holds the accumulator types of a recurrent cell. An unset
// slot lets the hardware pick.
type InternalDTypes [QuantParamCount]tensor.DType

// RNNCell slots.
const (
	CellInput = iota
	CellHState
	CellWeightI
	CellWeightH
	CellBiasI
	CellBiasH
	CellAuxInput
	CellAuxWeight
	cellInputNum
)

// RNNCell outputs.
const (
	CellOutput = iota
	CellHStateOut
	cellOutputNum
)

// RNNCellParam configures one recurrent step:
//
//	out = act(x·Wi + bi + h·Wh + bh [+ aux·Wa])
//
// Weights are [in, units] with the input axis fastest.
type RNNCellParam struct {
	Activation    Activation
	InternalDType InternalDTypes
}

func registerRNNOps(r *graph.Registry) {
	r.Register(graph.OpDef{
		Kind:      KindRNNCell,
		InputNum:  cellInputNum,
		OutputNum: cellOutputNum,
		Check:     checkRNNCell,
		Setup:     setupRNNCell,
	})
	r.Register(graph.OpDef{
		Kind:      KindBiRNN,
		InputNum:  birnnInputNum,
		OutputNum: birnnOutputNum,
		Init:      initBiRNN,
		Check:     checkBiRNN,
		Setup:     setupBiRNN,
		Deinit:    deinitBiRNN,
	})
}

func checkRNNCell(n *graph.Node) error {
	if _, err := paramOf[RNNCellParam](n); err != nil {
		return err
	}
	for _, slot := range []int{CellInput, CellHState, CellWeightI, CellWeightH} {
		if n.Input(slot) == nil {
			return fmt.Errorf("%s: required input %d is empty", n.Label(), slot)
		}
	}
	if (n.Input(CellAuxInput) == nil) != (n.Input(CellAuxWeight) == nil) {
		return fmt.Errorf("%s: auxiliary input and weight must be given together", n.Label())
	}
	return nil
}

func setupRNNCell(n *graph.Node) error {
	if err := requireInputs(n, CellWeightH+1); err != nil {
		return err
	}
	in := n.Input(CellInput).Shape()
	wi := n.Input(CellWeightI).Shape()
	wh := n.Input(CellWeightH).Shape()
	h := n.Input(CellHState).Shape()
	if len(in) != 2 || len(wi) != 2 || len(wh) != 2 {
		return fmt.Errorf("%s: input and weights must be 2-D, got %v %v %v", n.Label(), in, wi, wh)
	}
	units, batch := wi[1], in[1]
	if wi[0] != in[0] {
		return fmt.Errorf("%w: %s input weight %v does not match input %v", graph.ErrShapeMismatch, n.Label(), wi, in)
	}
	if wh[0] != units || wh[1] != units {
		return fmt.Errorf("%w: %s state weight %v, want [%d %d]", graph.ErrShapeMismatch, n.Label(), wh, units, units)
	}
	if h.NumElements() != units*batch {
		return fmt.Errorf("%w: %s hidden state %v, want [%d %d]", graph.ErrShapeMismatch, n.Label(), h, units, batch)
	}
	for _, slot := range []int{CellBiasI, CellBiasH} {
		if b := n.Input(slot); b != nil && b.ElementCount() != units {
			return fmt.Errorf("%w: %s bias %v, want %d units", graph.ErrShapeMismatch, n.Label(), b.Shape(), units)
		}
	}
	if aux := n.Input(CellAuxInput); aux != nil {
		a, w := aux.Shape(), n.Input(CellAuxWeight).Shape()
		if len(a) != 2 || len(w) != 2 || w[0] != a[0] || w[1] != units || a[1] != batch {
			return fmt.Errorf("%w: %s auxiliary input %v with weight %v", graph.ErrShapeMismatch, n.Label(), a, w)
		}
	}

	shape := tensor.Shape{units, batch}
	if err := inferOutput(n, CellOutput, shape); err != nil {
		return err
	}
	if n.Output(CellHStateOut) != nil {
		return inferOutput(n, CellHStateOut, shape.Clone())
	}
	return nil
}
