package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"gopkg.in/yaml.v3"
)

// LayerSpec describes a bidirectional sequence RNN layer to lower.
//
// Input is the input shape with the feature axis first: [feat, batch, time]
// when time-major, [feat, time, batch] otherwise. Every weight is filled with
// Weight and every bias with Bias.
type LayerSpec struct {
	Name         string         `yaml:"name"`
	Input        []int          `yaml:"input"`
	Units        int            `yaml:"units"`
	TimeMajor    bool           `yaml:"time_major"`
	MergeOutputs bool           `yaml:"merge_outputs"`
	Activation   ops.Activation `yaml:"activation"`
	Weight       float32        `yaml:"weight,omitempty"`
	Bias         float32        `yaml:"bias,omitempty"`
	Values       []float32      `yaml:"values,omitempty"` // input feed, zeros when empty
}

// LoadLayerSpec reads a layer spec from a YAML file.
func LoadLayerSpec(path string) (*LayerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading layer spec: %w", err)
	}
	return ParseLayerSpec(data)
}

// ParseLayerSpec decodes and validates a layer spec. Unknown fields are
// rejected.
func ParseLayerSpec(data []byte) (*LayerSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	spec := &LayerSpec{Name: "birnn", Activation: ops.ActTanh}
	if err := dec.Decode(spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decoding layer spec: %w", graph.ErrConfig, err)
	}
	if len(spec.Input) != 3 {
		return nil, fmt.Errorf("%w: input must have 3 extents, got %v", graph.ErrConfig, spec.Input)
	}
	if spec.Units <= 0 {
		return nil, fmt.Errorf("%w: units must be positive", graph.ErrConfig)
	}
	if n := tensor.Shape(spec.Input).NumElements(); len(spec.Values) > 0 && len(spec.Values) != n {
		return nil, fmt.Errorf("%w: %d input values for %d elements", graph.ErrConfig, len(spec.Values), n)
	}
	return spec, nil
}

// Layer is a built single-layer graph.
type Layer struct {
	Graph   *graph.Graph
	Node    *graph.Node
	Input   graph.TensorID
	Outputs []graph.TensorID
}

// Build creates a graph holding the layer with automatic outputs. The graph
// is not set up.
func (s *LayerSpec) Build() (*Layer, error) {
	g := graph.New(ops.NewRegistry(), graph.WithName(s.Name))
	f32 := tensor.Float32DType()
	feat := s.Input[0]

	input, err := g.AddTensor(tensor.NewAttr(s.Input, f32))
	if err != nil {
		return nil, err
	}
	inputs := make([]graph.TensorID, ops.BiRNNAuxInput)
	for i := range inputs {
		inputs[i] = graph.NoTensor
	}
	inputs[ops.BiRNNInput] = input
	constant := func(slot int, shape tensor.Shape, v float32) error {
		attr := tensor.NewAttr(shape, f32)
		attr.Const = true
		id, err := g.AddTensorWithDefault(attr, v)
		inputs[slot] = id
		return err
	}
	for _, c := range []struct {
		slot  int
		shape tensor.Shape
		v     float32
	}{
		{ops.BiRNNFwWeightI, tensor.Shape{feat, s.Units}, s.Weight},
		{ops.BiRNNFwWeightH, tensor.Shape{s.Units, s.Units}, s.Weight},
		{ops.BiRNNFwBiasI, tensor.Shape{s.Units}, s.Bias},
		{ops.BiRNNFwBiasH, tensor.Shape{s.Units}, s.Bias},
		{ops.BiRNNBwWeightI, tensor.Shape{feat, s.Units}, s.Weight},
		{ops.BiRNNBwWeightH, tensor.Shape{s.Units, s.Units}, s.Weight},
		{ops.BiRNNBwBiasI, tensor.Shape{s.Units}, s.Bias},
		{ops.BiRNNBwBiasH, tensor.Shape{s.Units}, s.Bias},
	} {
		if err := constant(c.slot, c.shape, c.v); err != nil {
			return nil, err
		}
	}

	count := 2
	if !s.MergeOutputs {
		count = 4
	}
	outputs := make([]graph.TensorID, count)
	for i := range outputs {
		if outputs[i], err = g.AddTensor(tensor.AutoAttr(f32, false)); err != nil {
			return nil, err
		}
	}
	param := &ops.BiRNNParam{TimeMajor: s.TimeMajor, MergeOutputs: s.MergeOutputs, Activation: s.Activation}
	n, err := g.AddNode(ops.KindBiRNN, inputs, outputs, param)
	if err != nil {
		return nil, err
	}
	n.Name = s.Name
	g.Inputs.Append(input)
	g.Outputs.Append(outputs...)
	return &Layer{Graph: g, Node: n, Input: input, Outputs: outputs}, nil
}
