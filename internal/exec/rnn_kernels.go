package exec

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/parallel"
	"github.com/born-ml/graphlower/internal/tensor"
)

// registerRNNKernels adds the recurrent step and the element selector.
func (r *Registry) registerRNNKernels() {
	r.Register(ops.KindRNNCell, runRNNCell)
	r.Register(ops.KindSelect, runSelect)
}

// runRNNCell computes one step. Values are [features, batch] with the
// feature axis fastest; weights are [in, units].
func runRNNCell(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.RNNCellParam](n)
	if err != nil {
		return nil, err
	}
	x, h := inputs[ops.CellInput], inputs[ops.CellHState]
	wi, wh := inputs[ops.CellWeightI], inputs[ops.CellWeightH]
	bi, bh := inputs[ops.CellBiasI], inputs[ops.CellBiasH]
	aux, wa := inputs[ops.CellAuxInput], inputs[ops.CellAuxWeight]
	if x == nil || h == nil || wi == nil || wh == nil {
		return nil, fmt.Errorf("rnn cell %s: missing required input", n.Label())
	}
	if aux != nil && wa == nil {
		return nil, fmt.Errorf("rnn cell %s: auxiliary input without weight", n.Label())
	}
	in, units := wi.Shape[0], wi.Shape[1]
	batch := len(x.Data) / in

	out := NewValue(tensor.Shape{units, batch})
	err = parallel.ForGrid(batch, units, ctx.Parallel, func(b, u int) error {
		acc := dot(x.Data[b*in:(b+1)*in], wi.Data[u*in:(u+1)*in])
		acc += dot(h.Data[b*units:(b+1)*units], wh.Data[u*units:(u+1)*units])
		if bi != nil {
			acc += bi.Data[u]
		}
		if bh != nil {
			acc += bh.Data[u]
		}
		if aux != nil {
			auxIn := wa.Shape[0]
			acc += dot(aux.Data[b*auxIn:(b+1)*auxIn], wa.Data[u*auxIn:(u+1)*auxIn])
		}
		out.Data[b*units+u] = p.Activation.Apply(acc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	outputs := []*Value{out, nil}
	if n.Outputs[ops.CellHStateOut] != graph.NoTensor {
		outputs[ops.CellHStateOut] = &Value{Shape: out.Shape.Clone(), Data: append([]float32(nil), out.Data...)}
	}
	return outputs, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// runSelect picks from the true or false input by a non-zero condition,
// broadcasting every input to the output shape.
func runSelect(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	shape, err := ctx.outputShape(n, 0)
	if err != nil {
		return nil, err
	}
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("select: input %d is empty", i)
		}
	}
	cond := broadcastIndex(inputs[ops.SelectCond].Shape, shape)
	onTrue := broadcastIndex(inputs[ops.SelectTrue].Shape, shape)
	onFalse := broadcastIndex(inputs[ops.SelectFalse].Shape, shape)

	out := NewValue(shape)
	coord := make([]int, len(shape))
	for idx := range out.Data {
		if inputs[ops.SelectCond].Data[cond(coord)] != 0 {
			out.Data[idx] = inputs[ops.SelectTrue].Data[onTrue(coord)]
		} else {
			out.Data[idx] = inputs[ops.SelectFalse].Data[onFalse(coord)]
		}
		for ax := range coord {
			coord[ax]++
			if coord[ax] < shape[ax] {
				break
			}
			coord[ax] = 0
		}
	}
	return []*Value{out}, nil
}

// broadcastIndex maps an output coordinate to the storage index of a value
// of shape s. Axes missing from s or of extent 1 are broadcast.
func broadcastIndex(s, out tensor.Shape) func(coord []int) int {
	st := strides(s)
	return func(coord []int) int {
		idx := 0
		for ax := range out {
			if ax < len(s) && s[ax] != 1 {
				idx += coord[ax] * st[ax]
			}
		}
		return idx
	}
}
