// Package driver defines the boundary to the hardware graph compiler and an
// in-memory implementation of it.
package driver

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Driver errors.
var (
	// ErrNotScalar is returned when a scalar write addresses a tensor parameter.
	ErrNotScalar = errors.New("parameter is not a scalar")

	// ErrParamIndex is returned for a parameter index out of range.
	ErrParamIndex = errors.New("parameter index out of range")

	// ErrUnverified is returned when a graph fails verification.
	ErrUnverified = errors.New("graph verification failed")
)

// ParamType tells tensor parameters from scalar ones.
type ParamType int

// Parameter types.
const (
	ParamTensor ParamType = iota
	ParamScalar
)

// Direction is the data direction of a parameter.
type Direction int

// Parameter directions.
const (
	DirInput Direction = iota
	DirOutput
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// Scalar is an immediate parameter value.
type Scalar struct {
	Type  tensor.DataType
	Value float64
}

// Int32 returns the value truncated to int32.
func (s *Scalar) Int32() int32 {
	return int32(s.Value)
}

// Ref references a tensor of the graph or a scalar.
type Ref struct {
	Tensor graph.TensorID
	Scalar *Scalar
}

// TensorRef references a graph tensor.
func TensorRef(id graph.TensorID) Ref {
	return Ref{Tensor: id}
}

// ScalarRef references a scalar.
func ScalarRef(s *Scalar) Ref {
	return Ref{Tensor: graph.NoTensor, Scalar: s}
}

// IsScalar reports whether the reference holds a scalar.
func (r Ref) IsScalar() bool {
	return r.Scalar != nil
}

// String returns "t<id>" for tensors and "<type>:<value>" for scalars.
func (r Ref) String() string {
	if r.IsScalar() {
		return fmt.Sprintf("%s:%g", r.Scalar.Type, r.Scalar.Value)
	}
	return fmt.Sprintf("t%d", r.Tensor)
}

// Param is one parameter of a hardware node.
type Param struct {
	Index     int
	Type      ParamType
	Direction Direction
	Ref       Ref
}

// Driver is the hardware compiler boundary.
//
// NodeParams lists the parameters of a primitive node in the order the
// hardware binds them. WriteScalar and SetParam patch one parameter.
// IdentifyInputsOutputs registers the flattened boundary of a graph, and
// Verify resolves and checks every tensor before compilation.
type Driver interface {
	NodeParams(n *graph.Node) ([]Param, error)
	WriteScalar(n *graph.Node, index int, value int32) error
	SetParam(n *graph.Node, index int, ref Ref) error
	IdentifyInputsOutputs(g *graph.Graph, inputs, outputs []Ref) error
	Verify(g *graph.Graph) error
}
