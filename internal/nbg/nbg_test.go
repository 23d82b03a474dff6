package nbg

import (
	"errors"
	"testing"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/prepost"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var imageShape = tensor.Shape{8, 6, 3, 1}

// newGraph returns a set-up graph with count [8,6,3,1] inputs, each converted
// into a declared output, and the given adapters spliced in by input index.
func newGraph(t *testing.T, count int, formats map[int]ops.SourceFormat) (*graph.Graph, map[int]*graph.Node) {
	t.Helper()
	g := graph.New(ops.NewRegistry(), graph.WithName("nbg"))
	for range count {
		in, err := g.AddTensor(tensor.NewAttr(imageShape, tensor.Float32DType()))
		require.NoError(t, err)
		out, err := g.AddTensor(tensor.AutoAttr(tensor.Float32DType(), false))
		require.NoError(t, err)
		_, err = g.AddNode(ops.KindDataConvert, []graph.TensorID{in}, []graph.TensorID{out}, nil)
		require.NoError(t, err)
		g.Inputs.Append(in)
		g.Outputs.Append(out)
	}
	adapters := make(map[int]*graph.Node)
	for i := range count {
		format, ok := formats[i]
		if !ok {
			continue
		}
		n, err := prepost.AddGraphPreProcess(g, i,
			prepost.Layout(ops.LayoutNCHW),
			prepost.Format(format),
			prepost.Crop{Begin: [2]int{1, 1}, Size: [2]int{6, 4}},
		)
		require.NoError(t, err)
		adapters[i] = n
	}
	require.NoError(t, g.Setup())
	return g, adapters
}

type countingDriver struct {
	*driver.Memory
	calls int
}

func (d *countingDriver) NodeParams(n *graph.Node) ([]driver.Param, error) {
	d.calls++
	return d.Memory.NodeParams(n)
}

// bindingDriver records every SetParam call.
type bindingDriver struct {
	*driver.Memory
	bound []int
}

func (d *bindingDriver) SetParam(n *graph.Node, index int, ref driver.Ref) error {
	d.bound = append(d.bound, index)
	return d.Memory.SetParam(n, index, ref)
}

func kinds(refs []driver.Ref) string {
	out := make([]byte, len(refs))
	for i, r := range refs {
		out[i] = 't'
		if r.IsScalar() {
			out[i] = 's'
		}
	}
	return string(out)
}

func TestIdentifyInputsOutputs(t *testing.T) {
	g, adapters := newGraph(t, 3, map[int]ops.SourceFormat{
		0: ops.FormatNV12,
		1: ops.FormatTensor,
		2: ops.FormatRGB,
	})
	m := driver.NewMemory()
	nv12, plain, rgb := adapters[0], adapters[1], adapters[2]

	require.NoError(t, IdentifyInputsOutputs(g, m, nv12.UID, plain.UID))
	b, ok := m.Boundary(g)
	require.True(t, ok)

	assert.Equal(t, "ttsssstt", kinds(b.Inputs))
	assert.Equal(t, nv12.Inputs[0], b.Inputs[0].Tensor)
	assert.Equal(t, nv12.Inputs[1], b.Inputs[1].Tensor)
	scalars := []int32{}
	for _, r := range b.Inputs[2:6] {
		scalars = append(scalars, r.Scalar.Int32())
	}
	assert.Equal(t, []int32{24576, 21845, 1, 1}, scalars)
	assert.Equal(t, plain.Inputs[0], b.Inputs[6].Tensor)
	assert.Equal(t, rgb.Inputs[0], b.Inputs[7].Tensor, "disabled adapters pass through")

	assert.Equal(t, g.Outputs.Len(), len(b.Outputs))
}

func TestIdentifyWithAdapters_StartOnly(t *testing.T) {
	g, adapters := newGraph(t, 2, map[int]ops.SourceFormat{
		0: ops.FormatRGB,
		1: ops.FormatYUV420,
	})
	m := driver.NewMemory()

	require.NoError(t, IdentifyWithAdapters(g, m,
		Adapter{UID: adapters[0].UID, StartOnly: true},
		Adapter{UID: adapters[1].UID},
	))
	b, _ := m.Boundary(g)
	assert.Equal(t, "tss"+"tttssss", kinds(b.Inputs))
	assert.Equal(t, int32(1), b.Inputs[1].Scalar.Int32())
	assert.Equal(t, int32(1), b.Inputs[2].Scalar.Int32())
}

func TestIdentifyInputsOutputs_CompleteSignal(t *testing.T) {
	g, _ := newGraph(t, 1, nil)
	done, err := g.AddTensor(tensor.NewAttr(tensor.Shape{1}, tensor.DType{Type: tensor.Int32}))
	require.NoError(t, err)
	g.CompleteSignal = done
	m := driver.NewMemory()

	require.NoError(t, IdentifyInputsOutputs(g, m))
	b, _ := m.Boundary(g)
	assert.Equal(t, []driver.Ref{driver.TensorRef(g.Inputs.At(0))}, b.Inputs)
	require.Len(t, b.Outputs, 2)
	assert.Equal(t, done, b.Outputs[1].Tensor)
}

func TestIdentifyInputsOutputs_AggregatesDriverErrors(t *testing.T) {
	g, adapters := newGraph(t, 2, map[int]ops.SourceFormat{
		0: ops.FormatRGB,
		1: ops.FormatRGB,
	})
	boom := errors.New("boom")
	d := &countingDriver{Memory: driver.NewMemory()}
	d.FailNodeParams(ops.KindPreProcessImage, boom)

	err := IdentifyInputsOutputs(g, d, adapters[0].UID, adapters[1].UID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, d.calls, "every adapter is queried")
	_, ok := d.Boundary(g)
	assert.False(t, ok)
}

func TestUpdateCropParams(t *testing.T) {
	g, adapters := newGraph(t, 2, map[int]ops.SourceFormat{
		0: ops.FormatNV12,
		1: ops.FormatRGB,
	})
	m := driver.NewMemory()
	require.NoError(t, IdentifyWithAdapters(g, m,
		Adapter{UID: adapters[0].UID},
		Adapter{UID: adapters[1].UID, StartOnly: true},
	))
	compiled, n, err := m.Compile(g)
	require.NoError(t, err)
	p := n.Param.(*ops.NBGParam)

	crop := Crop{Left: 2, Top: 3, Width: 4, Height: 3, DstWidth: 8, DstHeight: 6}
	require.NoError(t, UpdateCropParams(compiled, m, 0, crop))
	values := []float64{}
	for _, in := range p.Inputs[2:6] {
		values = append(values, in.Value)
	}
	assert.Equal(t, []float64{16384, 16384, 2, 3}, values)

	require.NoError(t, UpdateCropParams(compiled, m, 1, crop))
	assert.Equal(t, float64(2), p.Inputs[7].Value, "two-scalar runs receive the origin")
	assert.Equal(t, float64(3), p.Inputs[8].Value)

	err = UpdateCropParams(compiled, m, 2, crop)
	assert.ErrorIs(t, err, ErrCropLayout)
}

func TestUpdateCropParams_RebindsScalars(t *testing.T) {
	g, adapters := newGraph(t, 2, map[int]ops.SourceFormat{
		0: ops.FormatNV12,
		1: ops.FormatRGB,
	})
	d := &bindingDriver{Memory: driver.NewMemory()}
	require.NoError(t, IdentifyWithAdapters(g, d,
		Adapter{UID: adapters[0].UID},
		Adapter{UID: adapters[1].UID, StartOnly: true},
	))
	compiled, n, err := d.Compile(g)
	require.NoError(t, err)

	crop := Crop{Left: 2, Top: 3, Width: 4, Height: 3, DstWidth: 8, DstHeight: 6}
	require.NoError(t, UpdateCropParams(compiled, d, 0, crop))
	assert.Equal(t, []int{2, 3, 4, 5}, d.bound)

	require.NoError(t, UpdateCropParams(compiled, d, 1, crop))
	assert.Equal(t, []int{2, 3, 4, 5, 7, 8}, d.bound)

	params, err := d.NodeParams(n)
	require.NoError(t, err)
	for _, idx := range d.bound {
		assert.Equal(t, driver.ParamScalar, params[idx].Type)
		require.True(t, params[idx].Ref.IsScalar())
		assert.Equal(t, tensor.Int32, params[idx].Ref.Scalar.Type)
	}
	assert.Equal(t, float64(2), params[4].Ref.Scalar.Value)
	assert.Equal(t, float64(3), params[8].Ref.Scalar.Value)
}

func TestUpdateCropParams_RejectsMalformedRun(t *testing.T) {
	g := graph.New(ops.NewRegistry())
	var ids []graph.TensorID
	for range 3 {
		id, err := g.AddTensor(tensor.NewAttr(tensor.Shape{4}, tensor.Float32DType()))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	scalar := ops.NBGInput{Tensor: graph.NoTensor, ScalarType: tensor.Int32}
	param := &ops.NBGParam{Inputs: []ops.NBGInput{{Tensor: ids[0]}, scalar, scalar, scalar, {Tensor: ids[1]}}}
	_, err := g.AddNode(ops.KindNBG, ids[:2], ids[2:], param)
	require.NoError(t, err)

	err = UpdateCropParams(g, driver.NewMemory(), 0, Crop{Width: 1, Height: 1, DstWidth: 1, DstHeight: 1})
	assert.ErrorIs(t, err, ErrCropLayout)
	assert.Zero(t, param.Inputs[1].Value, "nothing is written")
}

func TestCrop_Values(t *testing.T) {
	v, err := Crop{Left: 5, Top: 7, Width: 112, Height: 224, DstWidth: 224, DstHeight: 224}.Values()
	require.NoError(t, err)
	assert.Equal(t, [4]int32{1 << 14, 1 << 15, 5, 7}, v)

	_, err = Crop{Width: 1, Height: 1}.Values()
	assert.ErrorIs(t, err, graph.ErrConfig)
}
