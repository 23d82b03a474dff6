package ops

import (
	"strconv"
	"strings"
	"testing"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type birnnFixture struct {
	g    *graph.Graph
	node *graph.Node
}

// newBiRNN builds a graph holding one BidirectionalSequenceRNN node over an
// input of shape in with the given hidden width. Outputs are left automatic.
func newBiRNN(t *testing.T, p BiRNNParam, in tensor.Shape, units int) *birnnFixture {
	t.Helper()
	g := graph.New(NewRegistry(), graph.WithName("birnn"))
	f32 := tensor.Float32DType()
	add := func(shape tensor.Shape) graph.TensorID {
		attr := tensor.NewAttr(shape, f32)
		attr.Const = true
		id, err := g.AddTensorWithDefault(attr, 0)
		require.NoError(t, err)
		return id
	}
	auto := func() graph.TensorID {
		id, err := g.AddTensor(tensor.AutoAttr(f32, false))
		require.NoError(t, err)
		return id
	}

	input, err := g.AddTensor(tensor.NewAttr(in, f32))
	require.NoError(t, err)
	inputs := make([]graph.TensorID, birnnInputNum)
	for i := range inputs {
		inputs[i] = graph.NoTensor
	}
	inputs[BiRNNInput] = input
	for _, dir := range []birnnDirection{forward, backward} {
		inputs[dir.weightI] = add(tensor.Shape{in[0], units})
		inputs[dir.weightH] = add(tensor.Shape{units, units})
		inputs[dir.biasI] = add(tensor.Shape{units})
		inputs[dir.biasH] = add(tensor.Shape{units})
	}
	outputs := []graph.TensorID{auto(), auto(), graph.NoTensor, graph.NoTensor}
	if !p.MergeOutputs {
		outputs[BiRNNBwOutput] = auto()
		outputs[BiRNNBwHStateOut] = auto()
	}

	n, err := g.AddNode(KindBiRNN, inputs, outputs, &p)
	require.NoError(t, err)
	n.Name = "birnn"
	g.Inputs = graph.NewBoundaryList(input)
	g.Outputs = graph.NewBoundaryList(outputs[0], outputs[1])
	return &birnnFixture{g: g, node: n}
}

func (f *birnnFixture) internal(name string) *graph.Node {
	for _, n := range f.node.Workspace().Nodes() {
		if n.Name == "birnn/"+name {
			return n
		}
	}
	return nil
}

func countKinds(nodes []*graph.Node) map[graph.Kind]int {
	counts := make(map[graph.Kind]int)
	for _, n := range nodes {
		counts[n.Kind]++
	}
	return counts
}

func countPrefix(nodes []*graph.Node, prefix string) int {
	c := 0
	for _, n := range nodes {
		if strings.HasPrefix(n.Name, "birnn/"+prefix) {
			c++
		}
	}
	return c
}

func TestBiRNN_MergeTimeMajor(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true, Activation: ActTanh}, tensor.Shape{4, 1, 3}, 2)
	require.NoError(t, f.g.Setup())

	nodes := f.node.Workspace().Nodes()
	counts := countKinds(nodes)
	assert.Equal(t, 6, counts[KindRNNCell])
	assert.Equal(t, 5, counts[KindConcat], "3 per-step merges, 1 time concat, 1 state merge")
	assert.Equal(t, 1, counts[KindSplit])
	assert.Equal(t, 9, counts[KindReshape])
	assert.Zero(t, counts[KindPermute])
	assert.Zero(t, counts[KindDataConvert])
	assert.Equal(t, 3, countPrefix(nodes, "merge_t"))
	assert.NotNil(t, f.internal("concat_time"))
	assert.NotNil(t, f.internal("state_merge"))

	assert.Equal(t, tensor.Shape{4, 1, 3}, f.node.Output(BiRNNFwOutput).Shape())
	assert.Equal(t, tensor.Shape{4, 1}, f.node.Output(BiRNNFwHStateOut).Shape())

	st := f.node.State.(*birnnState)
	assert.Equal(t, tensor.Float32DType(), st.dtypes[QuantParamI])
	assert.Equal(t, tensor.Float32DType(), st.dtypes[QuantParamH])
	assert.True(t, st.dtypes[QuantParamAux].Unset())
}

func TestBiRNN_SeparateBatchMajor(t *testing.T) {
	// [features, time, batch] with 2 steps and batch 3.
	f := newBiRNN(t, BiRNNParam{Activation: ActRelu}, tensor.Shape{5, 2, 3}, 4)
	require.NoError(t, f.g.Setup())

	nodes := f.node.Workspace().Nodes()
	counts := countKinds(nodes)
	assert.Equal(t, 4, counts[KindRNNCell])
	assert.Equal(t, 2, counts[KindConcat], "one time concat per direction")
	assert.Equal(t, 2, counts[KindDataConvert])
	assert.Equal(t, 3, counts[KindPermute], "input transpose plus one per output")
	assert.Zero(t, countPrefix(nodes, "merge_t"))
	assert.Nil(t, f.internal("state_merge"))

	assert.Equal(t, tensor.Shape{4, 2, 3}, f.node.Output(BiRNNFwOutput).Shape())
	assert.Equal(t, tensor.Shape{4, 2, 3}, f.node.Output(BiRNNBwOutput).Shape())
	assert.Equal(t, tensor.Shape{4, 3}, f.node.Output(BiRNNFwHStateOut).Shape())
	assert.Equal(t, tensor.Shape{4, 3}, f.node.Output(BiRNNBwHStateOut).Shape())

	transpose := f.internal("transpose_in")
	require.NotNil(t, transpose)
	assert.Equal(t, []int{0, 2, 1}, transpose.Param.(*PermuteParam).Perm)
	assert.Equal(t, tensor.Shape{5, 3, 2}, f.g.Tensor(transpose.Outputs[0]).Shape())
}

func TestBiRNN_BackwardIndexRoundTrip(t *testing.T) {
	const steps = 4
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 2, steps}, 2)
	require.NoError(t, f.g.Setup())

	var bwOrder []string
	for _, n := range f.node.Workspace().Nodes() {
		if strings.HasPrefix(n.Name, "birnn/bw_cell_t") {
			bwOrder = append(bwOrder, strings.TrimPrefix(n.Name, "birnn/"))
		}
	}
	assert.Equal(t, []string{"bw_cell_t3", "bw_cell_t2", "bw_cell_t1", "bw_cell_t0"}, bwOrder,
		"backward cells run from the last step to the first")

	for step := range steps {
		stepIn := f.internal("reshape_in_t" + strconv.Itoa(step)).Outputs[0]
		fw := f.internal("fw_cell_t" + strconv.Itoa(step))
		bw := f.internal("bw_cell_t" + strconv.Itoa(step))
		require.NotNil(t, fw)
		require.NotNil(t, bw)
		assert.Equal(t, stepIn, fw.Inputs[CellInput])
		assert.Equal(t, stepIn, bw.Inputs[CellInput])

		bwOut := f.internal("reshape_bw_out_t" + strconv.Itoa(step))
		require.NotNil(t, bwOut)
		assert.Equal(t, bw.Outputs[CellOutput], bwOut.Inputs[0])

		merge := f.internal("merge_t" + strconv.Itoa(step))
		require.NotNil(t, merge)
		assert.Equal(t, f.internal("reshape_fw_out_t"+strconv.Itoa(step)).Outputs[0], merge.Inputs[0])
		assert.Equal(t, bwOut.Outputs[0], merge.Inputs[1], "backward output stored at the step it consumed")
	}
}

func TestBiRNN_StateChaining(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 1, 3}, 2)
	require.NoError(t, f.g.Setup())

	assert.Equal(t, f.internal("fw_cell_t0").Outputs[CellHStateOut], f.internal("fw_cell_t1").Inputs[CellHState])
	assert.Equal(t, f.internal("bw_cell_t2").Outputs[CellHStateOut], f.internal("bw_cell_t1").Inputs[CellHState])

	merge := f.internal("state_merge")
	assert.Equal(t, f.internal("fw_cell_t2").Outputs[CellHStateOut], merge.Inputs[0])
	assert.Equal(t, f.internal("bw_cell_t0").Outputs[CellHStateOut], merge.Inputs[1])
}

func TestBiRNN_SynthesizedInitialState(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 2, 2}, 5)
	require.NoError(t, f.g.Setup())

	assert.Equal(t, graph.NoTensor, f.node.Inputs[BiRNNFwHState], "synthesized state stays out of the node slots")
	assert.Equal(t, graph.NoTensor, f.node.Inputs[BiRNNBwHState])

	h0 := f.g.Tensor(f.internal("fw_cell_t0").Inputs[CellHState])
	require.NotNil(t, h0)
	assert.False(t, h0.Virtual())
	assert.True(t, h0.Attr().Const)
	assert.Equal(t, tensor.Shape{5, 2}, h0.Shape())
	values, err := h0.Float32s()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 10), values)
}

func TestBiRNN_ResetupIsStable(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{MergeOutputs: true}, tensor.Shape{3, 2, 2}, 2)
	require.NoError(t, f.g.Setup())
	nodes, tensors := len(f.node.Workspace().Nodes()), f.g.TensorCount()

	require.NoError(t, f.g.Setup())
	assert.Len(t, f.node.Workspace().Nodes(), nodes)
	assert.Equal(t, tensors, f.g.TensorCount())
}

func TestBiRNN_ExplicitInternalDTypeWins(t *testing.T) {
	i16 := tensor.DType{Type: tensor.Int16, Qnt: tensor.QuantDFP, FixedPointPos: 8}
	p := BiRNNParam{TimeMajor: true, MergeOutputs: true}
	p.InternalDType[QuantParamI] = i16
	f := newBiRNN(t, p, tensor.Shape{3, 1, 2}, 2)
	require.NoError(t, f.g.Setup())

	cell := f.internal("bw_cell_t0").Param.(*RNNCellParam)
	assert.Equal(t, i16, cell.InternalDType[QuantParamI])
	assert.Equal(t, tensor.Float32DType(), cell.InternalDType[QuantParamH])
}

func TestBiRNN_CheckRejectsMissingBackwardOutput(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true}, tensor.Shape{3, 1, 2}, 2)
	f.node.Outputs[BiRNNBwOutput] = graph.NoTensor

	err := f.g.Setup()
	require.Error(t, err)
	assert.True(t, graph.IsStage(err, graph.StageCheck))
}

func TestBiRNN_AllocationFailureRollsBack(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 1, 4}, 2)
	base := f.g.TensorCount()
	f.g.SetTensorLimit(base + 5)

	err := f.g.Setup()
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrAllocation)
	assert.True(t, graph.IsStage(err, graph.StageSetup))
	assert.Empty(t, f.node.Workspace().Nodes())
	assert.Equal(t, base, f.g.TensorCount())

	f.g.SetTensorLimit(0)
	require.NoError(t, f.g.Setup())
	assert.Equal(t, 8, countKinds(f.node.Workspace().Nodes())[KindRNNCell])
}

// withAux attaches an auxiliary sequence of auxFeat features laid out like
// the main input, plus both auxiliary weights.
func (f *birnnFixture) withAux(t *testing.T, auxFeat int) graph.TensorID {
	t.Helper()
	f32 := tensor.Float32DType()
	in := f.node.Input(BiRNNInput).Shape()
	units := f.node.Input(BiRNNFwWeightI).Shape()[1]

	aux, err := f.g.AddTensor(tensor.NewAttr(tensor.Shape{auxFeat, in[1], in[2]}, f32))
	require.NoError(t, err)
	for _, slot := range []int{BiRNNFwAuxWeight, BiRNNBwAuxWeight} {
		attr := tensor.NewAttr(tensor.Shape{auxFeat, units}, f32)
		attr.Const = true
		id, err := f.g.AddTensorWithDefault(attr, 0)
		require.NoError(t, err)
		f.node.Inputs[slot] = id
	}
	f.node.Inputs[BiRNNAuxInput] = aux
	f.g.Inputs.Append(aux)
	return aux
}

func TestBiRNN_SingleStep(t *testing.T) {
	tests := []struct {
		name      string
		param     BiRNNParam
		wantFw    tensor.Shape
		wantState tensor.Shape
		concat    string
	}{
		{
			name:      "merge",
			param:     BiRNNParam{TimeMajor: true, MergeOutputs: true},
			wantFw:    tensor.Shape{4, 1, 1},
			wantState: tensor.Shape{4, 1},
			concat:    "concat_time",
		},
		{
			name:      "separate",
			param:     BiRNNParam{},
			wantFw:    tensor.Shape{2, 1, 1},
			wantState: tensor.Shape{2, 1},
			concat:    "concat_time_fw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBiRNN(t, tt.param, tensor.Shape{3, 1, 1}, 2)
			require.NoError(t, f.g.Setup())

			assert.Equal(t, 2, countKinds(f.node.Workspace().Nodes())[KindRNNCell])
			concat := f.internal(tt.concat)
			require.NotNil(t, concat)
			assert.Len(t, concat.Inputs, 1)
			assert.Equal(t, tt.wantFw, f.node.Output(BiRNNFwOutput).Shape())
			assert.Equal(t, tt.wantState, f.node.Output(BiRNNFwHStateOut).Shape())
		})
	}
}

func TestBiRNN_AuxInput(t *testing.T) {
	tests := []struct {
		name      string
		param     BiRNNParam
		in        tensor.Shape
		transpose bool
	}{
		{"time major", BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 2, 3}, false},
		{"batch major", BiRNNParam{}, tensor.Shape{3, 3, 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBiRNN(t, tt.param, tt.in, 4)
			f.withAux(t, 5)
			require.NoError(t, f.g.Setup())

			nodes := f.node.Workspace().Nodes()
			assert.Equal(t, 3, countPrefix(nodes, "reshape_aux_t"))
			assert.NotNil(t, f.internal("split_aux"))
			if tt.transpose {
				require.NotNil(t, f.internal("transpose_aux"))
			} else {
				assert.Nil(t, f.internal("transpose_aux"))
			}

			for step := range 3 {
				auxStep := f.internal("reshape_aux_t" + strconv.Itoa(step)).Outputs[0]
				assert.Equal(t, tensor.Shape{5, 2}, f.g.Tensor(auxStep).Shape())
				for _, dir := range []birnnDirection{forward, backward} {
					cell := f.internal(dir.name + "_cell_t" + strconv.Itoa(step))
					require.NotNil(t, cell)
					assert.Equal(t, auxStep, cell.Inputs[CellAuxInput])
					assert.Equal(t, f.node.Inputs[dir.auxWeight], cell.Inputs[CellAuxWeight])
					assert.Equal(t, tensor.Float32DType(), cell.Param.(*RNNCellParam).InternalDType[QuantParamAux])
				}
			}

			st := f.node.State.(*birnnState)
			assert.Equal(t, tensor.Float32DType(), st.dtypes[QuantParamAux])
		})
	}
}

func TestBiRNN_CheckRejectsAuxWithoutWeights(t *testing.T) {
	f := newBiRNN(t, BiRNNParam{TimeMajor: true, MergeOutputs: true}, tensor.Shape{3, 1, 2}, 2)
	f.withAux(t, 2)
	f.node.Inputs[BiRNNBwAuxWeight] = graph.NoTensor

	err := f.g.Setup()
	require.Error(t, err)
	assert.True(t, graph.IsStage(err, graph.StageCheck))
}
