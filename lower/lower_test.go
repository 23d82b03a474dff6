package lower

import (
	"testing"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grayGraph is input [8,6,1,1] -> DataConvert -> output, with a gray input
// adapter on input 0.
func grayGraph(t *testing.T) (*Graph, *Node) {
	t.Helper()
	g := NewGraph("gray")
	in, err := g.AddTensor(NewAttr(Shape{8, 6, 1, 1}, Float32()))
	require.NoError(t, err)
	out, err := g.AddTensor(AutoAttr(Float32(), false))
	require.NoError(t, err)
	_, err = g.AddNode(ops.KindDataConvert, []TensorID{in}, []TensorID{out}, nil)
	require.NoError(t, err)
	g.Inputs.Append(in)
	g.Outputs.Append(out)

	pre, err := AddPreProcess(g, 0,
		Layout(LayoutNCHW),
		Format(FormatGray),
		ImageSize{W: 8, H: 6, C: 1},
		MeanAndScale{Means: []float32{0}, Scale: 2},
	)
	require.NoError(t, err)
	require.NoError(t, g.Setup())
	return g, pre
}

func TestCompileAndPatchCrop(t *testing.T) {
	g, pre := grayGraph(t)
	assert.Equal(t, PreProcessUID(0), pre.UID)

	drv := NewMemoryDriver()
	require.NoError(t, IdentifyInputsOutputs(g, drv, PreProcessUID(0)))
	compiled, n, err := drv.Compile(g)
	require.NoError(t, err)

	scalars := func() []int32 {
		params, err := drv.NodeParams(n)
		require.NoError(t, err)
		var out []int32
		for _, p := range params {
			if p.Type == driver.ParamScalar {
				out = append(out, p.Ref.Scalar.Int32())
			}
		}
		return out
	}
	assert.Equal(t, []int32{32768, 32768, 0, 0}, scalars(), "full frame")

	require.NoError(t, UpdateCropParams(compiled, drv, 0, Crop{
		Left: 2, Top: 1, Width: 4, Height: 3, DstWidth: 8, DstHeight: 6,
	}))
	assert.Equal(t, []int32{16384, 16384, 2, 1}, scalars())

	err = UpdateCropParams(compiled, drv, 1, Crop{Width: 1, Height: 1, DstWidth: 1, DstHeight: 1})
	assert.ErrorIs(t, err, ErrCropLayout)
}

func TestRun(t *testing.T) {
	g, pre := grayGraph(t)
	pixels := make([]float32, 8*6)
	for i := range pixels {
		pixels[i] = float32(i)
	}
	values, err := Run(g, map[TensorID][]float32{pre.Inputs[0]: pixels})
	require.NoError(t, err)

	out := values[g.Outputs.At(0)]
	require.NotNil(t, out)
	assert.Equal(t, Shape{8, 6, 1, 1}, out.Shape)
	assert.Equal(t, float32(2*9), out.Data[9])
}

func TestUIDs(t *testing.T) {
	assert.Equal(t, uint32(10003), PreProcessUID(3))
	assert.Equal(t, uint32(20001), PostProcessUID(1))
}
