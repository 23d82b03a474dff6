package ops

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
)

// Select inputs: a condition and the two value tensors it picks from.
const (
	SelectCond = iota
	SelectTrue
	SelectFalse
	selectInputNum
)

// ioType is an element type paired with its quantization scheme.
type ioType struct {
	dt  tensor.DataType
	qnt tensor.QuantType
}

func typeOf(d tensor.DType) ioType {
	return ioType{dt: d.Type, qnt: d.Qnt}
}

// selectIO lists the supported (cond, true, false, out) type combinations.
var selectIO = buildSelectIO()

func buildSelectIO() map[[4]ioType]bool {
	var (
		f16  = ioType{dt: tensor.Float16}
		bf16 = ioType{dt: tensor.BFloat16}
		f32  = ioType{dt: tensor.Float32}
		i32  = ioType{dt: tensor.Int32}
		u8a  = ioType{tensor.Uint8, tensor.QuantAffineAsymmetric}
		i8d  = ioType{tensor.Int8, tensor.QuantDFP}
		i16d = ioType{tensor.Int16, tensor.QuantDFP}
	)
	quantized := []ioType{
		i8d,
		{tensor.Int8, tensor.QuantAffineAsymmetric},
		{tensor.Int8, tensor.QuantAffineSymmetric},
		u8a,
		i16d,
		{tensor.Int16, tensor.QuantAffineAsymmetric},
		{tensor.Int16, tensor.QuantAffineSymmetric},
	}
	table := make(map[[4]ioType]bool)
	for _, cond := range []ioType{{dt: tensor.Int8}, {dt: tensor.Bool8}} {
		for _, q := range quantized {
			table[[4]ioType{cond, q, q, q}] = true
			table[[4]ioType{cond, f16, q, f16}] = true
			table[[4]ioType{cond, q, f16, f16}] = true
			table[[4]ioType{cond, f16, q, q}] = true
			table[[4]ioType{cond, q, f16, q}] = true
			table[[4]ioType{cond, q, q, f16}] = true
		}
		for _, t := range []ioType{f16, bf16, f32, i32} {
			table[[4]ioType{cond, t, t, t}] = true
		}
	}
	table[[4]ioType{{dt: tensor.Bool8}, f16, f16, u8a}] = true
	table[[4]ioType{u8a, u8a, u8a, u8a}] = true
	table[[4]ioType{i8d, i8d, i8d, i8d}] = true
	table[[4]ioType{i16d, i16d, i16d, i16d}] = true
	return table
}

func registerSelect(r *graph.Registry) {
	r.Register(graph.OpDef{
		Kind:      KindSelect,
		InputNum:  selectInputNum,
		OutputNum: 1,
		Check:     checkSelect,
		Setup:     setupSelect,
	})
}

func checkSelect(n *graph.Node) error {
	if err := requireInputs(n, selectInputNum); err != nil {
		return err
	}
	out := n.Output(0)
	if out == nil {
		return fmt.Errorf("%s: output is empty", n.Label())
	}
	key := [4]ioType{
		typeOf(n.Input(SelectCond).DType()),
		typeOf(n.Input(SelectTrue).DType()),
		typeOf(n.Input(SelectFalse).DType()),
		typeOf(out.DType()),
	}
	if !selectIO[key] {
		return fmt.Errorf("%s: unsupported data types cond=%s true=%s false=%s out=%s", n.Label(),
			n.Input(SelectCond).DType(), n.Input(SelectTrue).DType(),
			n.Input(SelectFalse).DType(), out.DType())
	}
	return nil
}

func setupSelect(n *graph.Node) error {
	shapes := make([]tensor.Shape, selectInputNum)
	for i := range shapes {
		shapes[i] = n.Input(i).Shape()
	}
	shape, err := BroadcastShape(shapes...)
	if err != nil {
		return fmt.Errorf("%s: %w", n.Label(), err)
	}
	return inferOutput(n, 0, shape)
}

// BroadcastShape returns the shape all inputs broadcast to: the highest rank,
// and per axis the largest extent. Missing trailing axes count as 1, and
// every extent must be 1 or the result extent.
func BroadcastShape(shapes ...tensor.Shape) (tensor.Shape, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, len(s))
	}
	out := make(tensor.Shape, rank)
	for ax := range out {
		out[ax] = 1
		for _, s := range shapes {
			if ax < len(s) {
				out[ax] = max(out[ax], s[ax])
			}
		}
		for _, s := range shapes {
			if ax < len(s) && s[ax] != 1 && s[ax] != out[ax] {
				return nil, fmt.Errorf("%w: %v does not broadcast to axis %d extent %d",
					graph.ErrShapeMismatch, s, ax, out[ax])
			}
		}
	}
	return out, nil
}
