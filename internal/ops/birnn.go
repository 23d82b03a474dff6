package ops

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// BidirectionalSequenceRNN inputs.
const (
	BiRNNInput = iota
	BiRNNFwWeightI
	BiRNNFwWeightH
	BiRNNFwBiasI
	BiRNNFwBiasH
	BiRNNFwHState
	BiRNNBwWeightI
	BiRNNBwWeightH
	BiRNNBwBiasI
	BiRNNBwBiasH
	BiRNNBwHState
	BiRNNAuxInput
	BiRNNFwAuxWeight
	BiRNNBwAuxWeight
	birnnInputNum
)

// BidirectionalSequenceRNN outputs.
const (
	BiRNNFwOutput = iota
	BiRNNFwHStateOut
	BiRNNBwOutput
	BiRNNBwHStateOut
	birnnOutputNum
)

// BiRNNParam configures a bidirectional sequence RNN.
//
// With MergeOutputs the forward and backward outputs are concatenated along
// the feature axis into the forward output, and the final states into the
// forward state output; the backward output slot must stay empty.
type BiRNNParam struct {
	TimeMajor    bool
	MergeOutputs bool
	Activation   Activation

	// InternalDType pre-selects cell accumulator types. Unset slots are
	// filled during setup.
	InternalDType InternalDTypes
}

// birnnState is the per-instance state allocated by Init. The accumulator
// types are shared by every cell of the decomposition and survive re-setup.
type birnnState struct {
	dtypes InternalDTypes
}

// birnnDirection names the slots of one recurrence direction.
type birnnDirection struct {
	name      string
	reverse   bool
	weightI   int
	weightH   int
	biasI     int
	biasH     int
	hstate    int
	auxWeight int
	output    int
	hstateOut int
}

var (
	forward = birnnDirection{
		name: "fw", weightI: BiRNNFwWeightI, weightH: BiRNNFwWeightH,
		biasI: BiRNNFwBiasI, biasH: BiRNNFwBiasH, hstate: BiRNNFwHState,
		auxWeight: BiRNNFwAuxWeight, output: BiRNNFwOutput, hstateOut: BiRNNFwHStateOut,
	}
	backward = birnnDirection{
		name: "bw", reverse: true, weightI: BiRNNBwWeightI, weightH: BiRNNBwWeightH,
		biasI: BiRNNBwBiasI, biasH: BiRNNBwBiasH, hstate: BiRNNBwHState,
		auxWeight: BiRNNBwAuxWeight, output: BiRNNBwOutput, hstateOut: BiRNNBwHStateOut,
	}
)

func initBiRNN(n *graph.Node) error {
	p, err := paramOf[BiRNNParam](n)
	if err != nil {
		return err
	}
	n.State = &birnnState{dtypes: p.InternalDType}
	return nil
}

func deinitBiRNN(n *graph.Node) error {
	n.State = nil
	return nil
}

func checkBiRNN(n *graph.Node) error {
	p, err := paramOf[BiRNNParam](n)
	if err != nil {
		return err
	}
	for _, slot := range []int{BiRNNInput, BiRNNFwWeightI, BiRNNFwWeightH, BiRNNBwWeightI, BiRNNBwWeightH} {
		if n.Input(slot) == nil {
			return fmt.Errorf("required input %d is empty", slot)
		}
	}
	if n.Output(BiRNNFwOutput) == nil {
		return errors.New("forward output is empty")
	}
	if p.MergeOutputs && n.Output(BiRNNBwOutput) != nil {
		return errors.New("merged outputs take no backward output")
	}
	if !p.MergeOutputs && n.Output(BiRNNBwOutput) == nil {
		return errors.New("backward output is empty")
	}
	if aux := n.Input(BiRNNAuxInput) != nil; aux != (n.Input(BiRNNFwAuxWeight) != nil) || aux != (n.Input(BiRNNBwAuxWeight) != nil) {
		return errors.New("auxiliary input needs both auxiliary weights")
	}
	return nil
}

func setupBiRNN(n *graph.Node) error {
	p, err := paramOf[BiRNNParam](n)
	if err != nil {
		return err
	}
	st, ok := n.State.(*birnnState)
	if !ok {
		return fmt.Errorf("%s: not initialised", n.Label())
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}

	b := &birnnBuilder{sub: newSubgraph(n), n: n, p: p, dtypes: &st.dtypes}
	done := false
	defer func() {
		if !done {
			b.sub.ws.Deinit()
		}
	}()
	if err := b.build(); err != nil {
		return err
	}
	done = true
	return nil
}

// birnnBuilder decomposes one BidirectionalSequenceRNN node.
type birnnBuilder struct {
	sub    subgraph
	n      *graph.Node
	p      *BiRNNParam
	dtypes *InternalDTypes

	batch int
	steps int
	units int

	// Per-direction initial and final state tensors.
	h0   [2]graph.TensorID
	hOut [2]graph.TensorID
}

func (b *birnnBuilder) build() error {
	in := b.n.Input(BiRNNInput).Shape()
	wi := b.n.Input(BiRNNFwWeightI).Shape()
	if len(in) != 3 {
		return fmt.Errorf("input must be 3-D, got %v", in)
	}
	if len(wi) != 2 {
		return fmt.Errorf("input weight must be 2-D, got %v", wi)
	}
	if b.p.TimeMajor {
		b.batch, b.steps = in[1], in[2]
	} else {
		b.batch, b.steps = in[2], in[1]
	}
	b.units = wi[1]

	b.inferOutputs(in)
	for i, dir := range []birnnDirection{forward, backward} {
		var err error
		if b.h0[i], err = b.initialState(dir); err != nil {
			return err
		}
		if b.hOut[i], err = b.stateOutput(dir); err != nil {
			return err
		}
	}

	input, err := b.timeMajor(b.n.Inputs[BiRNNInput], "in")
	if err != nil {
		return err
	}
	steps, err := b.sub.splitSteps(input, b.steps, b.batch, "in")
	if err != nil {
		return err
	}
	var auxSteps []graph.TensorID
	if aux := b.n.Inputs[BiRNNAuxInput]; aux != graph.NoTensor {
		if aux, err = b.timeMajor(aux, "aux"); err != nil {
			return err
		}
		if auxSteps, err = b.sub.splitSteps(aux, b.steps, b.batch, "aux"); err != nil {
			return err
		}
	}

	fwOut, fwLast, err := b.cells(forward, b.h0[0], steps, auxSteps)
	if err != nil {
		return err
	}
	bwOut, bwLast, err := b.cells(backward, b.h0[1], steps, auxSteps)
	if err != nil {
		return err
	}

	if b.p.MergeOutputs {
		err = b.merge(fwOut, bwOut, fwLast, bwLast)
	} else {
		err = b.separate(fwOut, bwOut, fwLast, bwLast)
	}
	if err != nil {
		return err
	}
	klog.V(4).InfoS("Decomposed bidirectional RNN", "node", b.n.Label(),
		"steps", b.steps, "batch", b.batch, "units", b.units, "merge", b.p.MergeOutputs,
		"nodes", len(b.sub.ws.Nodes()))
	return nil
}

// inferOutputs resolves declared outputs whose shape is still automatic.
// Sequence outputs keep the input layout.
func (b *birnnBuilder) inferOutputs(in tensor.Shape) {
	width := b.units
	if b.p.MergeOutputs {
		width = 2 * b.units
	}
	resolve := func(slot int, shape tensor.Shape) {
		if t := b.n.Output(slot); t != nil && !t.Attr().Resolved() {
			t.Attr().SetShape(shape)
		}
	}
	resolve(BiRNNFwOutput, tensor.Shape{width, in[1], in[2]})
	resolve(BiRNNFwHStateOut, tensor.Shape{width, b.batch})
	resolve(BiRNNBwOutput, tensor.Shape{b.units, in[1], in[2]})
	resolve(BiRNNBwHStateOut, tensor.Shape{b.units, b.batch})
}

// outputDType returns the element type of the direction's sequence output,
// falling back to the forward output when the slot is empty.
func (b *birnnBuilder) outputDType(dir birnnDirection) tensor.DType {
	if t := b.n.Output(dir.output); t != nil {
		return t.DType()
	}
	return b.n.Output(BiRNNFwOutput).DType()
}

// initialState returns the declared initial state, or synthesizes a
// zero-filled constant one. The synthesized tensor is not written into the
// node slots, so a later setup synthesizes it afresh.
func (b *birnnBuilder) initialState(dir birnnDirection) (graph.TensorID, error) {
	if id := b.n.Inputs[dir.hstate]; id != graph.NoTensor {
		return id, nil
	}
	attr := tensor.NewAttr(tensor.Shape{b.units, b.batch}, b.outputDType(dir))
	attr.Const = true
	return b.sub.ws.NewTensor(attr, 0)
}

// stateOutput returns the tensor receiving the direction's final state. A
// missing slot gets an internal virtual tensor, except for the backward
// state of merged outputs which nothing reads.
func (b *birnnBuilder) stateOutput(dir birnnDirection) (graph.TensorID, error) {
	if id := b.n.Outputs[dir.hstateOut]; id != graph.NoTensor {
		return id, nil
	}
	if b.p.MergeOutputs && dir.reverse {
		return graph.NoTensor, nil
	}
	return b.sub.virtual(b.outputDType(dir))
}

func (b *birnnBuilder) stateDType(dir birnnDirection, idx int) tensor.DType {
	if id := b.hOut[idx]; id != graph.NoTensor {
		return b.sub.tensor(id).DType()
	}
	return b.sub.tensor(b.hOut[0]).DType()
}

// timeMajor transposes a batch-major sequence. Time-major input is returned
// unchanged.
func (b *birnnBuilder) timeMajor(in graph.TensorID, name string) (graph.TensorID, error) {
	if b.p.TimeMajor {
		return in, nil
	}
	return b.sub.transpose(in, graph.NoTensor, "transpose_"+name)
}

// cells emits one recurrent cell per timestep. The backward direction walks
// the steps from last to first but stores every output at the index of the
// step it consumed. It returns the per-step outputs reshaped to
// [units, batch, 1] and the final state.
func (b *birnnBuilder) cells(dir birnnDirection, h0 graph.TensorID, steps, auxSteps []graph.TensorID) ([]graph.TensorID, graph.TensorID, error) {
	idx := 0
	if dir.reverse {
		idx = 1
	}
	outDType, stateDType := b.outputDType(dir), b.stateDType(dir, idx)
	outs := make([]graph.TensorID, b.steps)
	last := h0
	for i := range b.steps {
		t := i
		if dir.reverse {
			t = b.steps - 1 - i
		}
		aux := graph.NoTensor
		if auxSteps != nil {
			aux = auxSteps[t]
		}

		out, err := b.sub.virtual(outDType)
		if err != nil {
			return nil, graph.NoTensor, err
		}
		state, err := b.sub.virtual(stateDType)
		if err != nil {
			return nil, graph.NoTensor, err
		}

		param := &RNNCellParam{Activation: b.p.Activation}
		b.defaultDTypes(dir, steps[t], last, aux)
		param.InternalDType = *b.dtypes

		inputs := make([]graph.TensorID, cellInputNum)
		inputs[CellInput] = steps[t]
		inputs[CellHState] = last
		inputs[CellWeightI] = b.n.Inputs[dir.weightI]
		inputs[CellWeightH] = b.n.Inputs[dir.weightH]
		inputs[CellBiasI] = b.n.Inputs[dir.biasI]
		inputs[CellBiasH] = b.n.Inputs[dir.biasH]
		inputs[CellAuxInput] = aux
		inputs[CellAuxWeight] = graph.NoTensor
		if aux != graph.NoTensor {
			inputs[CellAuxWeight] = b.n.Inputs[dir.auxWeight]
		}
		name := fmt.Sprintf("%s_cell_t%d", dir.name, t)
		if _, err := b.sub.add(KindRNNCell, name, param, inputs, []graph.TensorID{out, state}); err != nil {
			return nil, graph.NoTensor, err
		}
		last = state

		if outs[t], err = b.sub.reshape(out, []int{-1, b.batch, 1}, fmt.Sprintf("reshape_%s_out_t%d", dir.name, t)); err != nil {
			return nil, graph.NoTensor, err
		}
	}
	return outs, last, nil
}

// defaultDTypes fills unset accumulator slots with float32 when both operands
// feeding the slot are float32. The first writer wins.
func (b *birnnBuilder) defaultDTypes(dir birnnDirection, input, state, aux graph.TensorID) {
	g := b.n.Graph()
	set := func(slot int, data graph.TensorID, weight int) {
		if b.dtypes[slot].Unset() && isFloat32(g.Tensor(data)) && isFloat32(b.n.Input(weight)) {
			b.dtypes[slot] = tensor.Float32DType()
		}
	}
	set(QuantParamI, input, dir.weightI)
	set(QuantParamH, state, dir.weightH)
	if aux != graph.NoTensor {
		set(QuantParamAux, aux, dir.auxWeight)
	}
}

// merge concatenates forward and backward outputs per timestep along the
// feature axis, then all timesteps along the time axis.
func (b *birnnBuilder) merge(fw, bw []graph.TensorID, fwLast, bwLast graph.TensorID) error {
	dtype := b.outputDType(forward)
	merged := make([]graph.TensorID, b.steps)
	for t := range merged {
		id, err := b.sub.virtual(dtype)
		if err != nil {
			return err
		}
		if err := b.sub.concat([]graph.TensorID{fw[t], bw[t]}, id, 0, fmt.Sprintf("merge_t%d", t)); err != nil {
			return err
		}
		merged[t] = id
	}
	if err := b.sequenceOutput(merged, BiRNNFwOutput, "concat_time", "transpose_out"); err != nil {
		return err
	}

	if err := b.sub.concat([]graph.TensorID{fwLast, bwLast}, b.hOut[0], 0, "state_merge"); err != nil {
		return err
	}
	if b.hOut[1] != graph.NoTensor {
		return b.sub.convert(bwLast, b.hOut[1], "convert_state_bw")
	}
	return nil
}

// separate writes each direction to its own outputs.
func (b *birnnBuilder) separate(fw, bw []graph.TensorID, fwLast, bwLast graph.TensorID) error {
	if err := b.sub.convert(fwLast, b.hOut[0], "convert_state_fw"); err != nil {
		return err
	}
	if err := b.sequenceOutput(fw, BiRNNFwOutput, "concat_time_fw", "transpose_out_fw"); err != nil {
		return err
	}
	if err := b.sub.convert(bwLast, b.hOut[1], "convert_state_bw"); err != nil {
		return err
	}
	return b.sequenceOutput(bw, BiRNNBwOutput, "concat_time_bw", "transpose_out_bw")
}

// sequenceOutput concatenates steps along the time axis into the output slot,
// through a trailing transpose when the sequence is batch-major.
func (b *birnnBuilder) sequenceOutput(steps []graph.TensorID, slot int, concatName, transposeName string) error {
	out := b.n.Outputs[slot]
	target := out
	if !b.p.TimeMajor {
		var err error
		if target, err = b.sub.virtual(b.sub.tensor(out).DType()); err != nil {
			return err
		}
	}
	if err := b.sub.concat(steps, target, 2, concatName); err != nil {
		return err
	}
	if !b.p.TimeMajor {
		_, err := b.sub.transpose(target, out, transposeName)
		return err
	}
	return nil
}
