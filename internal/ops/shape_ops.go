package ops

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
)

// PermuteParam reorders axes: out.size[i] = in.size[Perm[i]].
type PermuteParam struct {
	Perm []int
}

// SplitParam cuts the input along Axis. Slices lists the extent of every
// output; when empty the axis is divided evenly across the outputs.
type SplitParam struct {
	Axis   int
	Slices []int
}

// ReshapeParam gives the target extents; one entry may be -1.
type ReshapeParam struct {
	Size []int
}

// ConcatParam joins the inputs along Axis.
type ConcatParam struct {
	Axis int
}

// registerShapeOps adds the layout primitives to the registry.
func registerShapeOps(r *graph.Registry) {
	r.Register(graph.OpDef{Kind: KindPermute, InputNum: 1, OutputNum: 1, Setup: setupPermute})
	r.Register(graph.OpDef{Kind: KindSplit, InputNum: 1, Check: checkSplit, Setup: setupSplit})
	r.Register(graph.OpDef{Kind: KindReshape, InputNum: 1, OutputNum: 1, Setup: setupReshape})
	r.Register(graph.OpDef{Kind: KindConcat, OutputNum: 1, Check: checkConcat, Setup: setupConcat})
	r.Register(graph.OpDef{Kind: KindDataConvert, InputNum: 1, OutputNum: 1, Setup: setupDataConvert})
}

func setupPermute(n *graph.Node) error {
	p, err := paramOf[PermuteParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	shape, err := n.Input(0).Shape().Permute(p.Perm)
	if err != nil {
		return fmt.Errorf("%s: %w", n.Label(), err)
	}
	return inferOutput(n, 0, shape)
}

func checkSplit(n *graph.Node) error {
	p, err := paramOf[SplitParam](n)
	if err != nil {
		return err
	}
	if len(n.Outputs) == 0 {
		return fmt.Errorf("%s: split needs at least one output", n.Label())
	}
	if len(p.Slices) > 0 && len(p.Slices) != len(n.Outputs) {
		return fmt.Errorf("%s: %d slices for %d outputs", n.Label(), len(p.Slices), len(n.Outputs))
	}
	return nil
}

func setupSplit(n *graph.Node) error {
	p, err := paramOf[SplitParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	in := n.Input(0).Shape()
	if p.Axis < 0 || p.Axis >= len(in) {
		return fmt.Errorf("%s: axis %d out of range for %v", n.Label(), p.Axis, in)
	}
	slices, err := splitSlices(in[p.Axis], p.Slices, len(n.Outputs))
	if err != nil {
		return fmt.Errorf("%s: %w", n.Label(), err)
	}
	for i, extent := range slices {
		shape := in.Clone()
		shape[p.Axis] = extent
		if err := inferOutput(n, i, shape); err != nil {
			return err
		}
	}
	return nil
}

// splitSlices returns the per-output extents along the split axis.
func splitSlices(extent int, slices []int, outputs int) ([]int, error) {
	if len(slices) == 0 {
		if extent%outputs != 0 {
			return nil, fmt.Errorf("axis extent %d is not divisible into %d slices", extent, outputs)
		}
		slices = make([]int, outputs)
		for i := range slices {
			slices[i] = extent / outputs
		}
		return slices, nil
	}
	total := 0
	for _, s := range slices {
		if s <= 0 {
			return nil, fmt.Errorf("invalid slice extent %d", s)
		}
		total += s
	}
	if total != extent {
		return nil, fmt.Errorf("slices %v sum to %d, axis extent is %d", slices, total, extent)
	}
	return slices, nil
}

func setupReshape(n *graph.Node) error {
	p, err := paramOf[ReshapeParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	shape, err := n.Input(0).Shape().Reshape(p.Size)
	if err != nil {
		return fmt.Errorf("%s: %w", n.Label(), err)
	}
	return inferOutput(n, 0, shape)
}

func checkConcat(n *graph.Node) error {
	// One input is a copy; a single-step sequence concatenates one slice.
	if len(n.Inputs) < 1 {
		return fmt.Errorf("%s: concat needs at least one input", n.Label())
	}
	return nil
}

func setupConcat(n *graph.Node) error {
	p, err := paramOf[ConcatParam](n)
	if err != nil {
		return err
	}
	if err := requireInputs(n, len(n.Inputs)); err != nil {
		return err
	}
	first := n.Input(0).Shape()
	if p.Axis < 0 || p.Axis >= len(first) {
		return fmt.Errorf("%s: axis %d out of range for %v", n.Label(), p.Axis, first)
	}
	shape := first.Clone()
	for i := 1; i < len(n.Inputs); i++ {
		s := n.Input(i).Shape()
		if len(s) != len(first) {
			return fmt.Errorf("%w: %s input %d has rank %d, want %d",
				graph.ErrShapeMismatch, n.Label(), i, len(s), len(first))
		}
		for ax := range s {
			if ax != p.Axis && s[ax] != first[ax] {
				return fmt.Errorf("%w: %s input %d is %v, want %v off axis %d",
					graph.ErrShapeMismatch, n.Label(), i, s, first, p.Axis)
			}
		}
		shape[p.Axis] += s[p.Axis]
	}
	return inferOutput(n, 0, shape)
}

func setupDataConvert(n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	return inferOutput(n, 0, n.Input(0).Shape().Clone())
}
