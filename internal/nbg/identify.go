// Package nbg flattens a graph's declared boundary into the physical parameter
// list a compiled network binary graph is bound with, and patches crop
// parameters into compiled graphs.
package nbg

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// Adapter enables one input adapter for flattening.
type Adapter struct {
	UID uint32

	// StartOnly exposes only the crop origin scalars instead of the full
	// {scaleX, scaleY, left, top} run.
	StartOnly bool
}

// IdentifyInputsOutputs flattens the boundary of g with the adapters uids
// enabled and registers it with drv.
func IdentifyInputsOutputs(g *graph.Graph, drv driver.Driver, uids ...uint32) error {
	adapters := make([]Adapter, len(uids))
	for i, uid := range uids {
		adapters[i] = Adapter{UID: uid}
	}
	return IdentifyWithAdapters(g, drv, adapters...)
}

// IdentifyWithAdapters is IdentifyInputsOutputs with per-adapter crop modes.
//
// Every declared input that feeds an enabled adapter is replaced by the
// input parameters of the adapter's kernel: its tensors and its int32 crop
// scalars. Other inputs pass through. Driver failures do not stop the pass;
// they are joined and returned, and nothing is registered.
func IdentifyWithAdapters(g *graph.Graph, drv driver.Driver, adapters ...Adapter) error {
	inputs, err := flattenInputs(g, drv, adapters)
	if err != nil {
		return err
	}
	outputs := flattenOutputs(g)
	klog.V(2).InfoS("Flattened graph boundary", "graph", g.ID,
		"declaredInputs", g.Inputs.Len(), "inputs", len(inputs), "outputs", len(outputs))
	return drv.IdentifyInputsOutputs(g, inputs, outputs)
}

func flattenInputs(g *graph.Graph, drv driver.Driver, adapters []Adapter) ([]driver.Ref, error) {
	enabled := make(map[uint32]Adapter, len(adapters))
	for _, a := range adapters {
		enabled[a.UID] = a
		if g.NodeByUID(a.UID) == nil {
			klog.V(2).InfoS("Enabled adapter not in graph", "graph", g.ID, "uid", a.UID)
		}
	}

	var (
		refs      []driver.Ref
		errs      []error
		processed = make(map[*graph.Node]bool)
	)
	for _, id := range g.Inputs.IDs() {
		emitted := false
		for _, n := range g.Consumers(id) {
			a, ok := enabled[n.UID]
			if !ok || !n.Composite() {
				continue
			}
			emitted = true
			if processed[n] {
				continue
			}
			processed[n] = true
			expanded, err := expand(n, id, drv, a.StartOnly)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			refs = append(refs, expanded...)
		}
		if !emitted {
			refs = append(refs, driver.TensorRef(id))
		}
	}
	return refs, errors.Join(errs...)
}

// expand returns the input parameters of the first kernel of adapter n.
// A tensor adapter kernel has no parameters beyond the graph input itself.
func expand(n *graph.Node, input graph.TensorID, drv driver.Driver, startOnly bool) ([]driver.Ref, error) {
	var refs []driver.Ref
	for _, in := range n.Workspace().Nodes() {
		if in.Kind == ops.KindPreProcessTensor {
			refs = append(refs, driver.TensorRef(input))
			continue
		}
		params, err := drv.NodeParams(in)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", n.Label(), err)
		}
		return append(refs, kernelInputs(params, startOnly)...), nil
	}
	return refs, nil
}

// kernelInputs selects the input tensors and the leading int32 crop scalars
// of a kernel parameter list, in parameter order.
func kernelInputs(params []driver.Param, startOnly bool) []driver.Ref {
	var refs []driver.Ref
	scalars := 0
	for _, p := range params {
		if p.Direction != driver.DirInput {
			continue
		}
		if !p.Ref.IsScalar() {
			refs = append(refs, p.Ref)
			continue
		}
		if p.Ref.Scalar.Type != tensor.Int32 || scalars >= cropScalars {
			continue
		}
		if !startOnly || scalars >= cropScalars-startScalars {
			refs = append(refs, p.Ref)
		}
		scalars++
	}
	return refs
}

func flattenOutputs(g *graph.Graph) []driver.Ref {
	var refs []driver.Ref
	for _, id := range g.Outputs.IDs() {
		if g.Tensor(id) != nil {
			refs = append(refs, driver.TensorRef(id))
		}
	}
	if g.CompleteSignal != graph.NoTensor && g.Tensor(g.CompleteSignal) != nil {
		refs = append(refs, driver.TensorRef(g.CompleteSignal))
	}
	return refs
}
