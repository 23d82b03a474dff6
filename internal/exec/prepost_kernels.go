package exec

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/parallel"
	"github.com/born-ml/graphlower/internal/tensor"
)

// ErrUnsupportedFormat is returned for image formats without a reference
// kernel.
var ErrUnsupportedFormat = errors.New("unsupported source format")

// registerPrePostKernels adds the adapter primitives.
func (r *Registry) registerPrePostKernels() {
	r.Register(ops.KindPreProcessTensor, runPreProcessTensor)
	r.Register(ops.KindPreProcessImage, runPreProcessImage)
	r.Register(ops.KindPostProcess, runPostProcess)
}

func runPreProcessTensor(_ *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.PreProcessTensorParam](n)
	if err != nil {
		return nil, err
	}
	return permuteConvert(n, inputs[0], p.Perm)
}

func runPostProcess(_ *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.PostProcessParam](n)
	if err != nil {
		return nil, err
	}
	return permuteConvert(n, inputs[0], p.Perm)
}

// permuteConvert reorders in by perm and passes it through the output
// encoding.
func permuteConvert(n *graph.Node, in *Value, perm []int) ([]*Value, error) {
	out, err := permute(in, perm)
	if err != nil {
		return nil, fmt.Errorf("permute: %w", err)
	}
	dtype := n.Output(0).DType()
	data, err := tensor.EncodeAll(dtype, out.Data)
	if err != nil {
		return nil, fmt.Errorf("convert to %s: %w", dtype, err)
	}
	if out.Data, err = tensor.DecodeAll(dtype, data); err != nil {
		return nil, fmt.Errorf("convert to %s: %w", dtype, err)
	}
	return []*Value{out}, nil
}

// source reads pixel (x, y) of channel c in batch b.
type source func(b, x, y, c int) float32

func imageSource(format ops.SourceFormat, inputs []*Value) (source, error) {
	in := inputs[0]
	w, h := in.Shape[0], in.Shape[1]
	switch format {
	case ops.FormatGray:
		return func(b, x, y, _ int) float32 {
			return in.Data[b*w*h+y*w+x]
		}, nil
	case ops.FormatRGB:
		return func(b, x, y, c int) float32 {
			return in.Data[b*w*h+y*w+3*x+c]
		}, nil
	case ops.FormatRGB888Planar:
		return func(b, x, y, c int) float32 {
			return in.Data[(b*3+c)*w*h+y*w+x]
		}, nil
	case ops.FormatRGB888PlanarSep:
		return func(b, x, y, c int) float32 {
			return inputs[c].Data[b*w*h+y*w+x]
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// runPreProcessImage crops, scales with nearest sampling, normalizes
// (v-mean)*scale per channel, and writes planes in the output layout.
func runPreProcessImage(ctx *Context, n *graph.Node, inputs []*Value) ([]*Value, error) {
	p, err := param[ops.PreProcessImageParam](n)
	if err != nil {
		return nil, err
	}
	src, err := imageSource(p.Format, inputs)
	if err != nil {
		return nil, err
	}
	w, h, c := p.Size[0], p.Size[1], p.Size[2]
	if p.Layout == ops.LayoutNHWC {
		c, w, h = p.Size[0], p.Size[1], p.Size[2]
	}
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("%w: %d output channels", ErrUnsupportedFormat, c)
	}
	batch := 1
	if len(p.Size) > 3 {
		batch = p.Size[3]
	}
	scaleX := driver.CropScale(p.Rect.Width, w)
	scaleY := driver.CropScale(p.Rect.Height, h)

	out := NewValue(p.Size)
	err = parallel.ForGrid(batch, h, ctx.Parallel, func(b, y int) error {
		sy := p.Rect.Top + (y*scaleY)>>15
		for x := range w {
			sx := p.Rect.Left + (x*scaleX)>>15
			for ch := range c {
				from := ch
				if p.ReverseChannel && c == 3 {
					from = 2 - ch
				}
				v := (src(b, sx, sy, from) - p.Mean[ch]) * p.Scale[ch]
				idx := ((b*c+ch)*h+y)*w + x
				if p.Layout == ops.LayoutNHWC {
					idx = ((b*h+y)*w+x)*c + ch
				}
				out.Data[idx] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []*Value{out}, nil
}
