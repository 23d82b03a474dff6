package ops

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Adapter node uid bases. An adapter spliced at boundary index i gets
// uid base+i so callers can enable it by index.
const (
	PreProcessUIDBase  uint32 = 10000
	PostProcessUIDBase uint32 = 20000
)

// PreProcessParam configures an input adapter. It converts caller data in
// Format into the tensor the original graph input expected.
type PreProcessParam struct {
	Format         SourceFormat
	Layout         SourceLayout
	Rect           Rect
	Mean           [3]float32
	Scale          [3]float32
	ReverseChannel bool

	// Perm reorders the adapter output axes; empty means identity.
	Perm []int

	// OutputSize is the shape of the adapter output, i.e. the shape of the
	// graph input it replaced, after any resize.
	OutputSize tensor.Shape
}

// PreProcessTensorParam configures the tensor-to-tensor adapter primitive.
type PreProcessTensorParam struct {
	Perm []int
}

// PreProcessImageParam configures the image adapter primitive. Size is the
// planar output shape the kernel writes.
type PreProcessImageParam struct {
	Format         SourceFormat
	Layout         SourceLayout
	Rect           Rect
	Mean           [3]float32
	Scale          [3]float32
	ReverseChannel bool
	Size           tensor.Shape
}

// PostProcessParam configures an output adapter.
type PostProcessParam struct {
	Perm   []int
	DimNum int
}

func registerPrePostOps(r *graph.Registry) {
	r.Register(graph.OpDef{
		Kind:      KindPreProcess,
		OutputNum: 1,
		Check:     checkPreProcess,
		Setup:     setupPreProcess,
	})
	r.Register(graph.OpDef{Kind: KindPreProcessTensor, InputNum: 1, OutputNum: 1, Setup: setupPreProcessTensor})
	r.Register(graph.OpDef{Kind: KindPreProcessImage, OutputNum: 1, Check: checkPreProcessImage, Setup: setupPreProcessImage})
	r.Register(graph.OpDef{Kind: KindPostProcess, InputNum: 1, OutputNum: 1, Setup: setupPostProcess})
}

func checkPreProcess(n *graph.Node) error {
	p, err := paramOf[PreProcessParam](n)
	if err != nil {
		return err
	}
	if len(n.Inputs) != p.Format.Arity() {
		return fmt.Errorf("%s format takes %d inputs, got %d", p.Format, p.Format.Arity(), len(n.Inputs))
	}
	if n.Output(0) == nil {
		return errors.New("output is empty")
	}
	return nil
}

func setupPreProcess(n *graph.Node) error {
	p, err := paramOf[PreProcessParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, len(n.Inputs)); err != nil {
		return err
	}
	out := n.Output(0)
	if !out.Attr().Resolved() && len(p.OutputSize) > 0 {
		out.Attr().SetShape(p.OutputSize)
	}

	sub := newSubgraph(n)
	done := false
	defer func() {
		if !done {
			sub.ws.Deinit()
		}
	}()

	if !p.Format.IsImage() {
		param := &PreProcessTensorParam{Perm: append([]int(nil), p.Perm...)}
		if _, err := sub.add(KindPreProcessTensor, "tensor", param, n.Inputs[:1], n.Outputs); err != nil {
			return err
		}
		done = true
		return nil
	}

	if !out.Attr().Resolved() {
		return fmt.Errorf("%s: image adapter needs an output size", n.Label())
	}
	target, size := n.Outputs[0], out.Shape().Clone()
	if len(p.Perm) > 0 {
		if size, err = inversePermute(size, p.Perm); err != nil {
			return fmt.Errorf("%s: %w", n.Label(), err)
		}
		if target, err = sub.virtual(out.DType()); err != nil {
			return err
		}
	}
	param := &PreProcessImageParam{
		Format:         p.Format,
		Layout:         p.Layout,
		Rect:           p.Rect,
		Mean:           p.Mean,
		Scale:          p.Scale,
		ReverseChannel: p.ReverseChannel,
		Size:           size,
	}
	if _, err := sub.add(KindPreProcessImage, "image", param, n.Inputs, []graph.TensorID{target}); err != nil {
		return err
	}
	if len(p.Perm) > 0 {
		perm := &PermuteParam{Perm: append([]int(nil), p.Perm...)}
		if _, err := sub.add(KindPermute, "permute", perm, []graph.TensorID{target}, n.Outputs); err != nil {
			return err
		}
	}
	done = true
	return nil
}

// inversePermute returns the shape s such that s.Permute(perm) == out.
func inversePermute(out tensor.Shape, perm []int) (tensor.Shape, error) {
	if len(perm) != len(out) {
		return nil, fmt.Errorf("permutation rank %d does not match shape rank %d", len(perm), len(out))
	}
	s := make(tensor.Shape, len(out))
	for i, p := range perm {
		if p < 0 || p >= len(out) {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		s[p] = out[i]
	}
	return s, nil
}

func setupPreProcessTensor(n *graph.Node) error {
	p, err := paramOf[PreProcessTensorParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	shape := n.Input(0).Shape().Clone()
	if len(p.Perm) > 0 {
		if shape, err = shape.Permute(p.Perm); err != nil {
			return fmt.Errorf("%s: %w", n.Label(), err)
		}
	}
	return inferOutput(n, 0, shape)
}

func checkPreProcessImage(n *graph.Node) error {
	p, err := paramOf[PreProcessImageParam](n)
	if err != nil {
		return err
	}
	if !p.Format.IsImage() {
		return fmt.Errorf("%s: %s is not an image format", n.Label(), p.Format)
	}
	if len(n.Inputs) != p.Format.Arity() {
		return fmt.Errorf("%s: %s format takes %d inputs, got %d", n.Label(), p.Format, p.Format.Arity(), len(n.Inputs))
	}
	if p.Rect.Width <= 0 || p.Rect.Height <= 0 {
		return fmt.Errorf("%s: empty crop window %+v", n.Label(), p.Rect)
	}
	if len(p.Size) < 3 {
		return fmt.Errorf("%s: output size %v needs width, height, and channels", n.Label(), p.Size)
	}
	return nil
}

func setupPreProcessImage(n *graph.Node) error {
	p, err := paramOf[PreProcessImageParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, len(n.Inputs)); err != nil {
		return err
	}
	return inferOutput(n, 0, p.Size.Clone())
}

func setupPostProcess(n *graph.Node) error {
	p, err := paramOf[PostProcessParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	shape := n.Input(0).Shape().Clone()
	if len(p.Perm) > 0 {
		if shape, err = shape.Permute(p.Perm); err != nil {
			return fmt.Errorf("%s: %w", n.Label(), err)
		}
	}
	return inferOutput(n, 0, shape)
}
