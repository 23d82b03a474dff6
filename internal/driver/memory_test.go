package driver

import (
	"errors"
	"testing"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/prepost"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGraph returns a graph with one [8,6,3,1] input converted into one
// output.
func newGraph(t *testing.T) (*graph.Graph, *graph.Node) {
	t.Helper()
	g := graph.New(ops.NewRegistry(), graph.WithName("drv"))
	in, err := g.AddTensor(tensor.NewAttr(tensor.Shape{8, 6, 3, 1}, tensor.Float32DType()))
	require.NoError(t, err)
	out, err := g.AddTensor(tensor.AutoAttr(tensor.Float32DType(), false))
	require.NoError(t, err)
	n, err := g.AddNode(ops.KindDataConvert, []graph.TensorID{in}, []graph.TensorID{out}, nil)
	require.NoError(t, err)
	g.Inputs.Append(in)
	g.Outputs.Append(out)
	return g, n
}

func imageNode(t *testing.T) *graph.Node {
	t.Helper()
	g, _ := newGraph(t)
	pre, err := prepost.AddGraphPreProcess(g, 0,
		prepost.Layout(ops.LayoutNCHW),
		prepost.Format(ops.FormatNV12),
		prepost.Crop{Begin: [2]int{2, 1}, Size: [2]int{4, 3}},
		prepost.MeansAndScales{Means: []float32{1, 2, 3}, Scales: []float32{0.5, 0.25, 0.125}},
		prepost.ReverseChannel(true),
	)
	require.NoError(t, err)
	require.NoError(t, g.Setup())
	nodes := pre.Workspace().Nodes()
	require.Len(t, nodes, 1)
	require.Equal(t, ops.KindPreProcessImage, nodes[0].Kind)
	return nodes[0]
}

func scalarValues(params []Param) []float64 {
	var out []float64
	for _, p := range params {
		if p.Ref.IsScalar() {
			out = append(out, p.Ref.Scalar.Value)
		}
	}
	return out
}

func TestMemory_ImageParams(t *testing.T) {
	n := imageNode(t)
	m := NewMemory()

	params, err := m.NodeParams(n)
	require.NoError(t, err)
	require.Len(t, params, 14)

	assert.Equal(t, TensorRef(n.Inputs[0]), params[0].Ref)
	assert.Equal(t, TensorRef(n.Inputs[1]), params[1].Ref)
	for i := 2; i < 6; i++ {
		assert.Equal(t, ParamScalar, params[i].Type)
		assert.Equal(t, tensor.Int32, params[i].Ref.Scalar.Type)
	}
	assert.Equal(t, []float64{16384, 16384, 2, 1, 1, 2, 3, 0.5, 0.25, 0.125, 1}, scalarValues(params))
	assert.Equal(t, tensor.Float32, params[6].Ref.Scalar.Type)

	last := params[len(params)-1]
	assert.Equal(t, DirOutput, last.Direction)
	assert.Equal(t, TensorRef(n.Outputs[0]), last.Ref)
	for i, p := range params {
		assert.Equal(t, i, p.Index)
	}
}

func TestCropScale(t *testing.T) {
	assert.Equal(t, 1<<15, CropScale(224, 224))
	assert.Equal(t, 1<<14, CropScale(112, 224))
	assert.Equal(t, 3<<15, CropScale(96, 32))
}

func TestMemory_DefaultParams(t *testing.T) {
	g, n := newGraph(t)
	params, err := NewMemory().NodeParams(n)
	require.NoError(t, err)
	assert.Equal(t, []Param{
		{Index: 0, Type: ParamTensor, Direction: DirInput, Ref: TensorRef(g.Inputs.At(0))},
		{Index: 1, Type: ParamTensor, Direction: DirOutput, Ref: TensorRef(g.Outputs.At(0))},
	}, params)
}

func TestMemory_WriteScalar(t *testing.T) {
	n := imageNode(t)
	m := NewMemory()

	require.NoError(t, m.WriteScalar(n, 4, 7))
	params, err := m.NodeParams(n)
	require.NoError(t, err)
	assert.Equal(t, int32(7), params[4].Ref.Scalar.Int32(), "writes persist across queries")

	assert.ErrorIs(t, m.WriteScalar(n, 0, 1), ErrNotScalar)
	assert.ErrorIs(t, m.WriteScalar(n, 14, 1), ErrParamIndex)
	assert.ErrorIs(t, m.WriteScalar(n, -1, 1), ErrParamIndex)
}

func TestMemory_SetParam(t *testing.T) {
	g, n := newGraph(t)
	m := NewMemory()

	require.NoError(t, m.SetParam(n, 0, ScalarRef(&Scalar{Type: tensor.Int32, Value: 3})))
	params, err := m.NodeParams(n)
	require.NoError(t, err)
	assert.Equal(t, ParamScalar, params[0].Type)

	require.NoError(t, m.SetParam(n, 0, TensorRef(g.Inputs.At(0))))
	params, err = m.NodeParams(n)
	require.NoError(t, err)
	assert.Equal(t, ParamTensor, params[0].Type)

	assert.ErrorIs(t, m.SetParam(n, 2, TensorRef(0)), ErrParamIndex)
}

func TestMemory_FailNodeParams(t *testing.T) {
	_, n := newGraph(t)
	m := NewMemory()
	boom := errors.New("boom")
	m.FailNodeParams(ops.KindDataConvert, boom)

	_, err := m.NodeParams(n)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.WriteScalar(n, 0, 1), boom)
}

func TestMemory_IdentifyInputsOutputs(t *testing.T) {
	g, _ := newGraph(t)
	m := NewMemory()

	_, ok := m.Boundary(g)
	assert.False(t, ok)

	err := m.IdentifyInputsOutputs(g, []Ref{TensorRef(42)}, nil)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, ok = m.Boundary(g)
	assert.False(t, ok, "rejected boundaries are not stored")

	ins := []Ref{TensorRef(g.Inputs.At(0)), ScalarRef(&Scalar{Type: tensor.Int32, Value: 5})}
	outs := []Ref{TensorRef(g.Outputs.At(0))}
	require.NoError(t, m.IdentifyInputsOutputs(g, ins, outs))
	b, ok := m.Boundary(g)
	require.True(t, ok)
	assert.Equal(t, ins, b.Inputs)
	assert.Equal(t, outs, b.Outputs)
}

func TestMemory_Verify(t *testing.T) {
	g, _ := newGraph(t)
	m := NewMemory()

	err := m.Verify(g)
	assert.ErrorIs(t, err, ErrUnverified, "output shape is not inferred before setup")

	require.NoError(t, g.Setup())
	require.NoError(t, m.Verify(g))
	store := g.Tensor(g.Outputs.At(0)).StoreAttr()
	assert.Equal(t, tensor.Shape{8, 6, 3, 1}, store.Shape())
}

func TestMemory_Compile(t *testing.T) {
	g, _ := newGraph(t)
	require.NoError(t, g.Setup())
	m := NewMemory()
	ins := []Ref{TensorRef(g.Inputs.At(0)), ScalarRef(&Scalar{Type: tensor.Int32, Value: 5})}
	outs := []Ref{TensorRef(g.Outputs.At(0))}
	require.NoError(t, m.IdentifyInputsOutputs(g, ins, outs))

	ng, n, err := m.Compile(g)
	require.NoError(t, err)
	assert.Equal(t, ops.KindNBG, n.Kind)
	assert.Equal(t, 1, ng.Inputs.Len())
	assert.Equal(t, 1, ng.Outputs.Len())
	assert.Equal(t, tensor.Shape{8, 6, 3, 1}, ng.Tensor(ng.Outputs.At(0)).Shape())
	assert.False(t, ng.Tensor(ng.Inputs.At(0)).Virtual())

	p := n.Param.(*ops.NBGParam)
	assert.Equal(t, g.ID, p.Source)
	require.Len(t, p.Inputs, 2)
	assert.True(t, p.Inputs[1].IsScalar())

	params, err := m.NodeParams(n)
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, []float64{5}, scalarValues(params))

	require.NoError(t, m.WriteScalar(n, 1, 9))
	assert.Equal(t, float64(9), p.Inputs[1].Value, "scalar writes reach the compiled parameter list")
}

func TestMemory_CompileDeclaredBoundary(t *testing.T) {
	g, _ := newGraph(t)
	require.NoError(t, g.Setup())

	ng, n, err := NewMemory().Compile(g)
	require.NoError(t, err)
	assert.Len(t, n.Inputs, 1)
	assert.Len(t, n.Outputs, 1)
	assert.Equal(t, g.Name+".nbg", ng.Name)
}

func TestMemory_CompileRejectsUnresolved(t *testing.T) {
	g, _ := newGraph(t)
	_, _, err := NewMemory().Compile(g)
	assert.ErrorIs(t, err, ErrUnverified)
}
