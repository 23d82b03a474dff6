package prepost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adapterYAML = `
preprocess:
  - input: 0
    layout: nchw
    format: nv12
    image_size: {w: 8, h: 6, c: 3}
    means: [127.5, 127.5, 127.5]
    scales: [0.0078125]
postprocess:
  - output: 0
    permute: [1, 0, 2, 3]
    dtype:
      type: float16
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(adapterYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.PreProcess, 1)
	require.Len(t, cfg.PostProcess, 1)

	pre := cfg.PreProcess[0]
	require.NotNil(t, pre.Format)
	assert.Equal(t, ops.FormatNV12, *pre.Format)
	assert.Equal(t, ops.LayoutNCHW, *pre.Layout)
	assert.Equal(t, &ImageSize{W: 8, H: 6, C: 3}, pre.ImageSize)
	assert.Equal(t, []float32{0.0078125}, pre.Scales)

	post := cfg.PostProcess[0]
	assert.Equal(t, []int{1, 0, 2, 3}, post.Permute)
	assert.Equal(t, tensor.DType{Type: tensor.Float16}, *post.DType)

	g := newGraph(t, tensor.Shape{8, 6, 3, 1})
	require.NoError(t, g.Setup())
	require.NoError(t, cfg.Apply(g))
	assert.Equal(t, 2, g.Inputs.Len())
	require.NoError(t, g.Setup())
	assert.Equal(t, tensor.Shape{6, 8, 3, 1}, g.Tensor(g.Outputs.At(0)).Shape())

	p := g.NodeByUID(ops.PreProcessUIDBase).Param.(*ops.PreProcessParam)
	assert.Equal(t, [3]float32{0.0078125, 1, 1}, p.Scale, "missing scales default to 1")
}

func TestParseConfig_Rejects(t *testing.T) {
	_, err := ParseConfig([]byte("preprocess:\n  - input: 0\n    colour: red\n"))
	assert.ErrorIs(t, err, graph.ErrConfig)

	_, err = ParseConfig([]byte("preprocess:\n  - input: 0\n    format: jpeg\n"))
	assert.Error(t, err)

	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.PreProcess)
}

func TestNewPreProcessConfig_LaterWins(t *testing.T) {
	c := NewPreProcessConfig(Format(ops.FormatRGB), Format(ops.FormatGray),
		MeansAndScales{Means: []float32{1}, Scales: []float32{2, 3}})
	assert.Equal(t, ops.FormatGray, *c.Format)
	assert.Nil(t, c.Layout)
	assert.Equal(t, []float32{2, 3}, c.Scales)
}
