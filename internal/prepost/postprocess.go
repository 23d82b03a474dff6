package prepost

import (
	"fmt"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// AddGraphPostProcess splices an output adapter behind graph output idx.
func AddGraphPostProcess(g *graph.Graph, idx int, opts ...PostProcessOption) (*graph.Node, error) {
	return AddPostProcess(g, idx, NewPostProcessConfig(opts...))
}

// AddPostProcess splices an output adapter configured by cfg behind graph
// output idx. The producer of the original output and its other consumers
// are repointed to the adapter input, and the adapter output takes the
// original's place in g.Outputs.
func AddPostProcess(g *graph.Graph, idx int, cfg PostProcessConfig) (*graph.Node, error) {
	if idx < 0 || idx >= g.Outputs.Len() {
		return nil, fmt.Errorf("%w: output index %d out of range [0,%d)", graph.ErrConfig, idx, g.Outputs.Len())
	}
	org := g.Outputs.At(idx)
	orgTensor := g.Tensor(org)
	if orgTensor == nil {
		return nil, fmt.Errorf("%w: graph output %d references tensor %d", graph.ErrNotFound, idx, org)
	}
	orgAttr := orgTensor.Attr()
	if len(cfg.Permute) > 0 && len(cfg.Permute) != orgAttr.DimNum {
		return nil, fmt.Errorf("%w: post-process output %d: permute rank %d does not match output rank %d",
			graph.ErrConfig, idx, len(cfg.Permute), orgAttr.DimNum)
	}
	producer := g.Producer(org)
	if producer == nil {
		return nil, fmt.Errorf("%w: graph output %d has no producer", graph.ErrNotFound, idx)
	}

	inAttr := tensor.AutoAttr(orgAttr.DType, true)
	outAttr, err := postProcessOutputAttr(orgAttr, cfg)
	if err != nil {
		return nil, fmt.Errorf("post-process output %d: %w", idx, err)
	}

	in, err := g.AddTensor(inAttr)
	if err != nil {
		return nil, fmt.Errorf("post-process output %d: %w", idx, err)
	}
	out, err := g.AddTensor(outAttr)
	if err != nil {
		g.RemoveTensor(in)
		return nil, fmt.Errorf("post-process output %d: %w", idx, err)
	}
	consumers := g.Consumers(org)

	param := &ops.PostProcessParam{Perm: append([]int(nil), cfg.Permute...), DimNum: orgAttr.DimNum}
	n, err := g.AddNode(ops.KindPostProcess, []graph.TensorID{in}, []graph.TensorID{out}, param)
	if err != nil {
		g.RemoveTensor(in)
		g.RemoveTensor(out)
		return nil, fmt.Errorf("post-process output %d: %w", idx, err)
	}
	n.UID = ops.PostProcessUIDBase + uint32(idx)
	n.Name = fmt.Sprintf("postprocess_%d", idx)

	for _, c := range consumers {
		c.ReplaceInput(org, in)
	}
	producer.ReplaceOutput(org, in)
	if err := g.Outputs.Set(idx, out); err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Added post-process adapter", "graph", g.ID, "output", idx,
		"producer", producer.Label(), "consumers", len(consumers))
	return n, nil
}

// postProcessOutputAttr returns the attributes of the adapter output: a
// non-virtual tensor shaped like the original output after the permute.
func postProcessOutputAttr(org *tensor.Attr, cfg PostProcessConfig) (tensor.Attr, error) {
	dtype := org.DType
	if cfg.DType != nil {
		dtype = *cfg.DType
	}
	if !org.Resolved() {
		return tensor.AutoAttr(dtype, false), nil
	}
	shape := org.Shape().Clone()
	if len(cfg.Permute) > 0 {
		var err error
		if shape, err = shape.Permute(cfg.Permute); err != nil {
			return tensor.Attr{}, fmt.Errorf("%w: %w", graph.ErrConfig, err)
		}
	}
	return tensor.NewAttr(shape, dtype), nil
}
