package prepost

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// preProcessPlan holds everything an input adapter splice creates, computed
// before the graph is touched.
type preProcessPlan struct {
	param  *ops.PreProcessParam
	planes []tensor.Attr
	output tensor.Attr
}

// AddGraphPreProcess splices an input adapter in front of logical graph
// input idx.
func AddGraphPreProcess(g *graph.Graph, idx int, opts ...PreProcessOption) (*graph.Node, error) {
	return AddPreProcess(g, idx, NewPreProcessConfig(opts...))
}

// AddPreProcess splices an input adapter configured by cfg in front of
// logical graph input idx.
//
// The configuration is validated before anything is created; on failure the
// graph is left untouched. On success the adapter reads the new physical
// input tensors, which replace the original entry in g.Inputs, and every
// former consumer of the original input reads the adapter output instead.
func AddPreProcess(g *graph.Graph, idx int, cfg PreProcessConfig) (*graph.Node, error) {
	logical := LogicalInputs(g)
	if idx < 0 || idx >= len(logical) {
		return nil, fmt.Errorf("%w: input index %d out of range [0,%d)", graph.ErrConfig, idx, len(logical))
	}
	org := logical[idx]
	orgTensor := g.Tensor(org)
	if orgTensor == nil {
		return nil, fmt.Errorf("%w: graph input %d references tensor %d", graph.ErrNotFound, idx, org)
	}
	plan, err := planPreProcess(orgTensor.Attr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("pre-process input %d: %w", idx, err)
	}
	consumers := g.Consumers(org)
	if len(consumers) == 0 {
		return nil, fmt.Errorf("%w: graph input %d has no consumers", graph.ErrConfig, idx)
	}
	pos := g.Inputs.Index(org, idx)
	if pos < 0 {
		return nil, fmt.Errorf("%w: tensor %d is not declared at or after position %d", graph.ErrNotFound, org, idx)
	}

	var created []graph.TensorID
	rollback := func() {
		for _, id := range created {
			g.RemoveTensor(id)
		}
	}
	for _, attr := range plan.planes {
		id, err := g.AddTensor(attr)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("pre-process input %d: %w", idx, err)
		}
		created = append(created, id)
	}
	planes := append([]graph.TensorID(nil), created...)
	out, err := g.AddTensor(plan.output)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("pre-process input %d: %w", idx, err)
	}
	created = append(created, out)

	n, err := g.AddNode(ops.KindPreProcess, planes, []graph.TensorID{out}, plan.param)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("pre-process input %d: %w", idx, err)
	}
	n.UID = ops.PreProcessUIDBase + uint32(idx)
	n.Name = fmt.Sprintf("preprocess_%d", idx)

	for _, c := range consumers {
		c.ReplaceInput(org, out)
	}
	if err := g.Inputs.Splice(pos, planes...); err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Added pre-process adapter", "graph", g.ID, "input", idx, "position", pos,
		"format", plan.param.Format, "inputs", planes, "consumers", len(consumers))
	return n, nil
}

// LogicalInputs returns the declared graph inputs as they were before any
// adapter was spliced: the physical entries of a multi-plane adapter
// collapse into its first plane. An adapter stacked on the first plane of
// another keeps that logical slot.
func LogicalInputs(g *graph.Graph) []graph.TensorID {
	ids := g.Inputs.IDs()
	logical := make([]graph.TensorID, 0, len(ids))
	for _, id := range ids {
		if secondaryPlane(g, id) {
			continue
		}
		logical = append(logical, id)
	}
	return logical
}

// secondaryPlane reports whether id is read only by an input adapter, at a
// slot other than its first.
func secondaryPlane(g *graph.Graph, id graph.TensorID) bool {
	cs := g.Consumers(id)
	if len(cs) != 1 || cs[0].Kind != ops.KindPreProcess {
		return false
	}
	return cs[0].Inputs[0] != id
}

func planPreProcess(org *tensor.Attr, cfg PreProcessConfig) (*preProcessPlan, error) {
	if cfg.Layout == nil {
		return nil, fmt.Errorf("%w: source layout must be set", graph.ErrConfig)
	}
	if cfg.Format == nil {
		return nil, fmt.Errorf("%w: source format must be set", graph.ErrConfig)
	}
	format, layout := *cfg.Format, *cfg.Layout
	if !org.Resolved() {
		return nil, fmt.Errorf("%w: graph input shape is unresolved", graph.ErrConfig)
	}
	rank := org.DimNum
	if len(cfg.Permute) > 0 && len(cfg.Permute) != rank {
		return nil, fmt.Errorf("%w: permute rank %d does not match input rank %d", graph.ErrConfig, len(cfg.Permute), rank)
	}
	if (format.IsImage() || cfg.ImageSize != nil || cfg.Resize != nil) && rank < 3 {
		return nil, fmt.Errorf("%w: image sizes need an input of rank 3 or more, got %d", graph.ErrConfig, rank)
	}
	if format.IsImage() && cfg.Crop == nil && cfg.ImageSize == nil {
		return nil, fmt.Errorf("%w: %s source needs a crop or an image size", graph.ErrConfig, format)
	}
	if len(cfg.Means) > 3 || len(cfg.Scales) > 3 {
		return nil, fmt.Errorf("%w: at most 3 channel means and scales", graph.ErrConfig)
	}

	param := &ops.PreProcessParam{
		Format:         format,
		Layout:         layout,
		ReverseChannel: cfg.ReverseChannel,
		Perm:           append([]int(nil), cfg.Permute...),
		Scale:          [3]float32{1, 1, 1},
	}
	copy(param.Mean[:], cfg.Means)
	copy(param.Scale[:], cfg.Scales)

	switch {
	case cfg.Crop != nil && !format.IsImage():
		klog.InfoS("Ignoring crop for tensor source")
	case cfg.Crop != nil:
		param.Rect = ops.Rect{Left: cfg.Crop.Begin[0], Top: cfg.Crop.Begin[1], Width: cfg.Crop.Size[0], Height: cfg.Crop.Size[1]}
	case format.IsImage():
		param.Rect = ops.Rect{Width: cfg.ImageSize.W, Height: cfg.ImageSize.H}
	}

	param.OutputSize = org.Shape().Clone()
	if r := cfg.Resize; r != nil {
		setWHC(param.OutputSize, layout, r.W, r.H, r.C)
	}

	input := inputAttr(org, cfg, format, layout)
	dtype := org.DType
	if cfg.DType != nil {
		dtype = *cfg.DType
	}
	return &preProcessPlan{
		param:  param,
		planes: planeAttrs(input, format, layout),
		output: tensor.AutoAttr(dtype, true),
	}, nil
}

// setWHC writes width, height, and channels into the first three extents in
// the order the layout stores them.
func setWHC(s tensor.Shape, layout ops.SourceLayout, w, h, c int) {
	if layout == ops.LayoutNHWC {
		s[0], s[1], s[2] = c, w, h
		return
	}
	s[0], s[1], s[2] = w, h, c
}

// inputAttr derives the attributes of the caller-facing input tensor from
// the original graph input.
func inputAttr(org *tensor.Attr, cfg PreProcessConfig, format ops.SourceFormat, layout ops.SourceLayout) tensor.Attr {
	a := tensor.NewAttr(org.Shape(), tensor.DType{Type: tensor.Uint8})
	if !format.IsImage() {
		a.DType = tensor.Float32DType()
	}
	s := a.Size
	if sz := cfg.ImageSize; sz != nil {
		setWHC(s, layout, sz.W, sz.H, sz.C)
	}

	nhwc := layout == ops.LayoutNHWC
	switch format {
	case ops.FormatRGB:
		if nhwc {
			s[0], s[1], s[2] = s[1]*s[0], s[2], 1
		} else {
			s[0], s[2] = s[2]*s[0], 1
		}
	case ops.FormatRGB888Planar, ops.FormatGray:
		if nhwc && cfg.ImageSize != nil {
			s[0], s[1], s[2] = cfg.ImageSize.W, cfg.ImageSize.H, cfg.ImageSize.C
		}
	case ops.FormatBGRA:
		packed(s, nhwc, 4)
	case ops.FormatYUYV422, ops.FormatUYVY422:
		packed(s, nhwc, 2)
	}
	return a
}

// packed folds channels into the row for an interleaved format with the given
// bytes per pixel.
func packed(s tensor.Shape, nhwc bool, bytes int) {
	if nhwc {
		s[0], s[1], s[2] = bytes*s[1], s[2], 1
		return
	}
	s[0], s[2] = bytes*s[0], 1
}

// planeAttrs returns the attributes of every physical input tensor of the
// format.
func planeAttrs(input tensor.Attr, format ops.SourceFormat, layout ops.SourceLayout) []tensor.Attr {
	if format.Arity() == 1 {
		return []tensor.Attr{input}
	}
	w, h := input.Size[0], input.Size[1]
	if layout == ops.LayoutNHWC {
		w, h = input.Size[1], input.Size[2]
	}
	plane := func(pw, ph int) tensor.Attr {
		a := input.Clone()
		a.Size[0], a.Size[1], a.Size[2] = pw, ph, 1
		if format != ops.FormatRGB888PlanarSep && len(a.Size) > 3 {
			a.Size[3] = 1
		}
		return a
	}

	switch format {
	case ops.FormatRGB888PlanarSep:
		return []tensor.Attr{plane(w, h), plane(w, h), plane(w, h)}
	case ops.FormatYUV420:
		return []tensor.Attr{plane(w, h), plane(w/2, h/2), plane(w/2, h/2)}
	case ops.FormatYUV444:
		return []tensor.Attr{plane(w, h), plane(w, h), plane(w, h)}
	default: // NV12 family: Y plane and interleaved UV plane
		return []tensor.Attr{plane(w, h), plane(w, h/2)}
	}
}
