package ops

import (
	"testing"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		name   string
		shapes []tensor.Shape
		want   tensor.Shape
		fails  bool
	}{
		{"equal", []tensor.Shape{{3, 2}, {3, 2}, {3, 2}}, tensor.Shape{3, 2}, false},
		{"ones stretch", []tensor.Shape{{1, 2}, {3, 1}, {3, 2}}, tensor.Shape{3, 2}, false},
		{"rank grows", []tensor.Shape{{3}, {3, 4}, {1, 1, 5}}, tensor.Shape{3, 4, 5}, false},
		{"conflict", []tensor.Shape{{3, 2}, {4, 2}, {3, 2}}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShape(tt.shapes...)
			if tt.fails {
				assert.ErrorIs(t, err, graph.ErrShapeMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect(t *testing.T) {
	var (
		i8   = tensor.DType{Type: tensor.Int8}
		b8   = tensor.DType{Type: tensor.Bool8}
		f32  = tensor.Float32DType()
		f16  = tensor.DType{Type: tensor.Float16}
		u8a  = tensor.DType{Type: tensor.Uint8, Qnt: tensor.QuantAffineAsymmetric, Scale: 0.5, ZeroPoint: 3}
		i16d = tensor.DType{Type: tensor.Int16, Qnt: tensor.QuantDFP, FixedPointPos: 4}
	)
	tests := []struct {
		name  string
		types [4]tensor.DType
		ok    bool
	}{
		{"float32", [4]tensor.DType{i8, f32, f32, f32}, true},
		{"bool cond", [4]tensor.DType{b8, f16, f16, f16}, true},
		{"mixed quantized", [4]tensor.DType{i8, f16, u8a, f16}, true},
		{"quantized cond", [4]tensor.DType{u8a, u8a, u8a, u8a}, true},
		{"dfp", [4]tensor.DType{i8, i16d, i16d, i16d}, true},
		{"bool to u8", [4]tensor.DType{b8, f16, f16, u8a}, true},
		{"int8 to u8 missing", [4]tensor.DType{i8, f16, f16, u8a}, false},
		{"float cond", [4]tensor.DType{f32, f32, f32, f32}, false},
		{"mixed widths", [4]tensor.DType{i8, f32, f16, f32}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGraph(t)
			cond := addInput(t, g, tensor.Shape{3, 1}, tt.types[0])
			a := addInput(t, g, tensor.Shape{1, 2}, tt.types[1])
			b := addInput(t, g, tensor.Shape{3, 2}, tt.types[2])
			out := addVirtual(t, g, tt.types[3])
			_, err := g.AddNode(KindSelect, []graph.TensorID{cond, a, b}, []graph.TensorID{out}, nil)
			require.NoError(t, err)

			err = g.Setup()
			if !tt.ok {
				assert.True(t, graph.IsStage(err, graph.StageCheck))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{3, 2}, g.Tensor(out).Shape())
		})
	}
}

func TestSelect_DeclaredOutputMismatch(t *testing.T) {
	g := newGraph(t)
	f32 := tensor.Float32DType()
	cond := addInput(t, g, tensor.Shape{4}, tensor.DType{Type: tensor.Int8})
	a := addInput(t, g, tensor.Shape{4}, f32)
	b := addInput(t, g, tensor.Shape{4}, f32)
	out := addInput(t, g, tensor.Shape{5}, f32)
	_, err := g.AddNode(KindSelect, []graph.TensorID{cond, a, b}, []graph.TensorID{out}, nil)
	require.NoError(t, err)

	err = g.Setup()
	assert.ErrorIs(t, err, graph.ErrShapeMismatch)
	assert.True(t, graph.IsStage(err, graph.StageSetup))
}
