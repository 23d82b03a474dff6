package exec

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
)

// registerShapeKernels adds the layout primitives.
func (r *Registry) registerShapeKernels() {
	r.Register(ops.KindPermute, runPermute)
	r.Register(ops.KindSplit, runSplit)
	r.Register(ops.KindReshape, runReshape)
	r.Register(ops.KindConcat, runConcat)
	r.Register(ops.KindDataConvert, runDataConvert)
}

func param[T any](n *graph.Node) (*T, error) {
	p, ok := n.Param.(*T)
	if !ok || p == nil {
		var zero T
		return nil, fmt.Errorf("%s: want parameter %T, got %T", n.Label(), &zero, n.Param)
	}
	return p, nil
}

func runPermute(_ *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.PermuteParam](n)
	if err != nil {
		return nil, err
	}
	out, err := permute(inputs[0], p.Perm)
	if err != nil {
		return nil, fmt.Errorf("permute: %w", err)
	}
	return []*Value{out}, nil
}

// permute reorders axes so that out.Shape[i] = in.Shape[perm[i]].
func permute(in *Value, perm []int) (*Value, error) {
	if len(perm) == 0 {
		return &Value{Shape: in.Shape.Clone(), Data: append([]float32(nil), in.Data...)}, nil
	}
	shape, err := in.Shape.Permute(perm)
	if err != nil {
		return nil, err
	}
	out := NewValue(shape)
	inStrides := strides(in.Shape)
	coord := make([]int, len(shape))
	for idx := range out.Data {
		src := 0
		for ax, c := range coord {
			src += c * inStrides[perm[ax]]
		}
		out.Data[idx] = in.Data[src]
		for ax := range coord {
			coord[ax]++
			if coord[ax] < shape[ax] {
				break
			}
			coord[ax] = 0
		}
	}
	return out, nil
}

// blocks returns the element count below axis and the block count above it.
func blocks(s tensor.Shape, axis int) (inner, outer int) {
	inner, outer = 1, 1
	for i, d := range s {
		switch {
		case i < axis:
			inner *= d
		case i > axis:
			outer *= d
		}
	}
	return inner, outer
}

func runSplit(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.SplitParam](n)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	if p.Axis < 0 || p.Axis >= len(in.Shape) {
		return nil, fmt.Errorf("split: axis %d out of range for %v", p.Axis, in.Shape)
	}
	inner, outer := blocks(in.Shape, p.Axis)
	extent := in.Shape[p.Axis]

	outputs := make([]*Value, len(n.Outputs))
	off := 0
	for k := range n.Outputs {
		shape, err := ctx.outputShape(n, k)
		if err != nil {
			return nil, err
		}
		slice := shape.NumElements() / (inner * outer)
		out := NewValue(shape)
		for o := range outer {
			copy(out.Data[o*slice*inner:(o+1)*slice*inner], in.Data[(o*extent+off)*inner:])
		}
		outputs[k] = out
		off += slice
	}
	if off != extent {
		return nil, fmt.Errorf("split: outputs cover %d of %d", off, extent)
	}
	return outputs, nil
}

func runReshape(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	shape, err := ctx.outputShape(n, 0)
	if err != nil {
		return nil, err
	}
	return []*Value{{Shape: shape.Clone(), Data: append([]float32(nil), inputs[0].Data...)}}, nil
}

func runConcat(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.ConcatParam](n)
	if err != nil {
		return nil, err
	}
	shape, err := ctx.outputShape(n, 0)
	if err != nil {
		return nil, err
	}
	if p.Axis < 0 || p.Axis >= len(shape) {
		return nil, fmt.Errorf("concat: axis %d out of range for %v", p.Axis, shape)
	}
	out := NewValue(shape)
	inner, outer := blocks(shape, p.Axis)
	extent := shape[p.Axis]
	off := 0
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("concat: input %d is empty", i)
		}
		slice := len(in.Data) / (inner * outer)
		for o := range outer {
			copy(out.Data[(o*extent+off)*inner:(o*extent+off+slice)*inner], in.Data[o*slice*inner:])
		}
		off += slice
	}
	if off != extent {
		return nil, fmt.Errorf("concat: inputs cover %d of %d", off, extent)
	}
	return []*Value{out}, nil
}

// runDataConvert passes values through the output encoding.
func runDataConvert(_ *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	dtype := n.Output(0).DType()
	data, err := tensor.EncodeAll(dtype, inputs[0].Data)
	if err != nil {
		return nil, fmt.Errorf("convert to %s: %w", dtype, err)
	}
	values, err := tensor.DecodeAll(dtype, data)
	if err != nil {
		return nil, fmt.Errorf("convert to %s: %w", dtype, err)
	}
	return []*Value{{Shape: inputs[0].Shape.Clone(), Data: values}}, nil
}
