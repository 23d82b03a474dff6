package dump

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/prepost"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func quantized(t *testing.T) *tensor.Tensor {
	t.Helper()
	dtype := tensor.DType{Type: tensor.Uint8, Qnt: tensor.QuantAffineAsymmetric, Scale: 0.5, ZeroPoint: 128}
	tt, err := tensor.New(tensor.NewAttr(tensor.Shape{2, 2}, dtype))
	require.NoError(t, err)
	require.NoError(t, tt.SetFloat32s([]float32{0, 1, -64, 63.5}))
	return tt
}

// demoGraph is input [2,3] -> Permute -> DataConvert(float16).
func demoGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New(ops.NewRegistry(), graph.WithName("demo"))
	in, err := g.AddTensor(tensor.NewAttr(tensor.Shape{2, 3}, tensor.Float32DType()))
	require.NoError(t, err)
	mid, err := g.AddTensor(tensor.AutoAttr(tensor.Float32DType(), true))
	require.NoError(t, err)
	out, err := g.AddTensor(tensor.AutoAttr(tensor.DType{Type: tensor.Float16}, false))
	require.NoError(t, err)

	p, err := g.AddNode(ops.KindPermute, []graph.TensorID{in}, []graph.TensorID{mid}, &ops.PermuteParam{Perm: []int{1, 0}})
	require.NoError(t, err)
	p.Name = "permute"
	c, err := g.AddNode(ops.KindDataConvert, []graph.TensorID{mid}, []graph.TensorID{out}, nil)
	require.NoError(t, err)
	c.Name = "convert"

	g.Inputs.Append(in)
	g.Outputs.Append(out)
	require.NoError(t, g.Setup())
	return g
}

func TestWriteTensor_Golden(t *testing.T) {
	gd := newGoldie(t)
	for name, f := range map[string]Format{
		"tensor_text": Text,
		"tensor_fp32": TextFloat32,
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteTensor(&buf, quantized(t), f))
			gd.Assert(t, name, buf.Bytes())
		})
	}
}

func TestWriteTensor_Binary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTensor(&buf, quantized(t), Binary))
	assert.Equal(t, []byte{128, 130, 0, 255}, buf.Bytes())
}

func TestWriteTensor_Virtual(t *testing.T) {
	tt, err := tensor.New(tensor.AutoAttr(tensor.Float32DType(), true))
	require.NoError(t, err)
	assert.Error(t, WriteTensor(&bytes.Buffer{}, tt, Text))
}

func TestWriteGraph_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGraph(&buf, demoGraph(t)))
	newGoldie(t).Assert(t, "graph_demo", buf.Bytes())
}

func TestWriteGraph_IndentsInternals(t *testing.T) {
	g := graph.New(ops.NewRegistry(), graph.WithName("adapter"))
	in, err := g.AddTensor(tensor.NewAttr(tensor.Shape{2, 3}, tensor.Float32DType()))
	require.NoError(t, err)
	out, err := g.AddTensor(tensor.AutoAttr(tensor.Float32DType(), false))
	require.NoError(t, err)
	_, err = g.AddNode(ops.KindDataConvert, []graph.TensorID{in}, []graph.TensorID{out}, nil)
	require.NoError(t, err)
	g.Inputs.Append(in)
	g.Outputs.Append(out)
	_, err = prepost.AddGraphPreProcess(g, 0, prepost.Layout(ops.LayoutNCHW), prepost.Format(ops.FormatTensor))
	require.NoError(t, err)
	require.NoError(t, g.Setup())

	var buf bytes.Buffer
	require.NoError(t, WriteGraph(&buf, g))
	lines := strings.Split(buf.String(), "\n")
	assert.Contains(t, lines, "PreProcess preprocess_0 [2] -> [3]")
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "  PreProcessTensor preprocess_0/tensor ") {
			found = true
		}
	}
	assert.True(t, found, "internal node is indented under its owner:\n%s", buf.String())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"text": Text, "FP32": TextFloat32, "bin": Binary} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("png")
	assert.Error(t, err)
	assert.Equal(t, ".bin", Binary.Ext())
	assert.Equal(t, ".txt", TextFloat32.Ext())
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	sink, err := OpenSink(dir)
	require.NoError(t, err)
	require.IsType(t, &FileSink{}, sink)

	ctx := context.Background()
	require.NoError(t, Tensor(ctx, sink, "q", quantized(t), Text))
	data, err := os.ReadFile(filepath.Join(dir, "q.txt"))
	require.NoError(t, err)
	assert.Equal(t, "128\n130\n0\n255\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed into place")
}

func TestGraphTensors(t *testing.T) {
	dir := t.TempDir()
	g := demoGraph(t)

	n, err := GraphTensors(context.Background(), &FileSink{Dir: dir}, g, "demo_", Binary)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "virtual tensors are skipped")

	data, err := os.ReadFile(filepath.Join(dir, "demo_t2.bin"))
	require.NoError(t, err)
	assert.Len(t, data, 12)
}

func TestNewGCSSink(t *testing.T) {
	s, err := NewGCSSink("gs://bucket/runs/a/")
	require.NoError(t, err)
	assert.Equal(t, "bucket", s.Bucket)
	assert.Equal(t, "runs/a", s.Prefix)
	assert.Equal(t, "runs/a/t1.txt", s.ObjectKey("t1.txt"))

	s, err = NewGCSSink("gs://bucket")
	require.NoError(t, err)
	assert.Equal(t, "t1.txt", s.ObjectKey("t1.txt"))

	_, err = NewGCSSink("gs:///x")
	assert.Error(t, err)
	_, err = NewGCSSink("s3://bucket")
	assert.Error(t, err)

	sink, err := OpenSink("gs://bucket/p")
	require.NoError(t, err)
	assert.IsType(t, &GCSSink{}, sink)
}
