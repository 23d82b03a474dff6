// Package lower is the public entry point of the graphlower engine.
//
// It lowers composite operators into primitive graphs, splices input and
// output adapters into built graphs, and flattens a graph's boundary into the
// parameter list a compiled network binary graph is bound with.
//
// # Example Usage
//
//	g := lower.NewGraph("detector")
//	in, _ := g.AddTensor(lower.NewAttr(lower.Shape{224, 224, 3, 1}, lower.Float32()))
//	// ... add nodes, declare g.Inputs and g.Outputs ...
//
//	// Feed NV12 frames to input 0.
//	_, err := lower.AddPreProcess(g, 0,
//	    lower.Layout(lower.LayoutNCHW),
//	    lower.Format(lower.FormatNV12),
//	    lower.ImageSize{W: 224, H: 224, C: 3},
//	)
//
//	drv := lower.NewMemoryDriver()
//	err = lower.IdentifyInputsOutputs(g, drv, lower.PreProcessUID(0))
//	compiled, _, err := drv.Compile(g)
//
//	// Move the crop window without recompiling.
//	err = lower.UpdateCropParams(compiled, drv, 0, lower.Crop{
//	    Left: 16, Top: 16, Width: 192, Height: 192, DstWidth: 224, DstHeight: 224,
//	})
package lower

import (
	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/exec"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/nbg"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/prepost"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Graph model.
type (
	Graph    = graph.Graph
	Node     = graph.Node
	TensorID = graph.TensorID
	Shape    = tensor.Shape
	Attr     = tensor.Attr
	DType    = tensor.DType
)

// NoTensor marks an empty node slot.
const NoTensor = graph.NoTensor

// Errors shared by every stage.
var (
	ErrConfig        = graph.ErrConfig
	ErrNotFound      = graph.ErrNotFound
	ErrShapeMismatch = graph.ErrShapeMismatch
	ErrUnknownOp     = graph.ErrUnknownOp
	ErrAllocation    = graph.ErrAllocation
	ErrCropLayout    = nbg.ErrCropLayout
)

// Adapter options.
type (
	PreProcessOption  = prepost.PreProcessOption
	PostProcessOption = prepost.PostProcessOption
	Layout            = prepost.Layout
	Format            = prepost.Format
	ImageSize         = prepost.ImageSize
	ImageResize       = prepost.ImageResize
	MeanAndScale      = prepost.MeanAndScale
	MeansAndScales    = prepost.MeansAndScales
	Permute           = prepost.Permute
	ReverseChannel    = prepost.ReverseChannel
	DTypeConvert      = prepost.DTypeConvert
	CropWindow        = prepost.Crop
)

// Source layouts and the most common source formats.
const (
	LayoutNCHW = ops.LayoutNCHW
	LayoutNHWC = ops.LayoutNHWC

	FormatTensor = ops.FormatTensor
	FormatGray   = ops.FormatGray
	FormatRGB    = ops.FormatRGB
	FormatNV12   = ops.FormatNV12
	FormatNV21   = ops.FormatNV21
)

// Boundary flattening and compiled graphs.
type (
	Driver       = driver.Driver
	MemoryDriver = driver.Memory
	Adapter      = nbg.Adapter
	Crop         = nbg.Crop
	Value        = exec.Value
)

// NewGraph creates an empty graph over the built-in operators.
func NewGraph(name string) *Graph {
	return graph.New(ops.NewRegistry(), graph.WithName(name))
}

// NewAttr returns a resolved attribute.
func NewAttr(shape Shape, dtype DType) Attr {
	return tensor.NewAttr(shape, dtype)
}

// AutoAttr returns an attribute whose shape is inferred during setup.
func AutoAttr(dtype DType, virtual bool) Attr {
	return tensor.AutoAttr(dtype, virtual)
}

// Float32 returns the plain float32 element type.
func Float32() DType {
	return tensor.Float32DType()
}

// AddPreProcess splices an input adapter in front of logical input idx.
func AddPreProcess(g *Graph, idx int, opts ...PreProcessOption) (*Node, error) {
	return prepost.AddGraphPreProcess(g, idx, opts...)
}

// AddPostProcess splices an output adapter behind declared output idx.
func AddPostProcess(g *Graph, idx int, opts ...PostProcessOption) (*Node, error) {
	return prepost.AddGraphPostProcess(g, idx, opts...)
}

// PreProcessUID returns the uid of the input adapter at logical input idx.
func PreProcessUID(idx int) uint32 {
	return ops.PreProcessUIDBase + uint32(idx)
}

// PostProcessUID returns the uid of the output adapter at output idx.
func PostProcessUID(idx int) uint32 {
	return ops.PostProcessUIDBase + uint32(idx)
}

// NewMemoryDriver returns the in-process driver.
func NewMemoryDriver() *MemoryDriver {
	return driver.NewMemory()
}

// IdentifyInputsOutputs flattens the boundary of g with the adapters uids
// enabled and registers it with drv.
func IdentifyInputsOutputs(g *Graph, drv Driver, uids ...uint32) error {
	return nbg.IdentifyInputsOutputs(g, drv, uids...)
}

// IdentifyWithAdapters is IdentifyInputsOutputs with per-adapter crop modes.
func IdentifyWithAdapters(g *Graph, drv Driver, adapters ...Adapter) error {
	return nbg.IdentifyWithAdapters(g, drv, adapters...)
}

// UpdateCropParams rewrites the crop scalars of the adapter at logical input
// inputIdx in every compiled node of g.
func UpdateCropParams(g *Graph, drv Driver, inputIdx int, crop Crop) error {
	return nbg.UpdateCropParams(g, drv, inputIdx, crop)
}

// Run executes g on the reference CPU kernels.
func Run(g *Graph, feeds map[TensorID][]float32) (map[TensorID]*Value, error) {
	return exec.New().Run(g, feeds)
}
