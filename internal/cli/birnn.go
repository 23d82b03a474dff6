package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/born-ml/graphlower/internal/dump"
	"github.com/born-ml/graphlower/internal/exec"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// BiRNNResult summarizes a lowered layer.
type BiRNNResult struct {
	Name    string         `json:"name"`
	Nodes   map[string]int `json:"nodes"` // primitive count per kind
	Outputs []OutputResult `json:"outputs"`
}

// OutputResult describes one graph output.
type OutputResult struct {
	Tensor graph.TensorID `json:"tensor"`
	Shape  tensor.Shape   `json:"shape"`
	Values []float32      `json:"values,omitempty"`
}

// NewBiRNNCommand creates the birnn command.
func NewBiRNNCommand(rootOpts *RootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "birnn <layer.yaml>",
		Short: "Decompose a bidirectional sequence RNN layer",
		Long: `Build a single bidirectional sequence RNN layer from a YAML spec,
decompose it into primitive cells, and print the lowered graph.

With --run the lowered graph is executed on the reference CPU executor.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBiRNN(cmd.Context(), cmd.OutOrStdout(), rootOpts, args[0], run)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "execute the lowered graph")
	return cmd
}

func runBiRNN(ctx context.Context, w io.Writer, opts *RootOptions, path string, run bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := klog.FromContext(ctx)

	spec, err := LoadLayerSpec(path)
	if err != nil {
		return err
	}
	layer, err := spec.Build()
	if err != nil {
		return fmt.Errorf("building layer: %w", err)
	}
	g := layer.Graph
	if err := g.Setup(); err != nil {
		return fmt.Errorf("lowering layer: %w", err)
	}

	result := BiRNNResult{Name: spec.Name, Nodes: make(map[string]int)}
	for _, n := range g.Primitives() {
		result.Nodes[string(n.Kind)]++
	}
	var values map[graph.TensorID]*exec.Value
	if run {
		feed := spec.Values
		if len(feed) == 0 {
			feed = make([]float32, g.Tensor(layer.Input).ElementCount())
		}
		if values, err = exec.New().Run(g, map[graph.TensorID][]float32{layer.Input: feed}); err != nil {
			return fmt.Errorf("executing layer: %w", err)
		}
	}
	for _, id := range layer.Outputs {
		out := OutputResult{Tensor: id, Shape: g.Tensor(id).Shape()}
		if v, ok := values[id]; ok {
			out.Values = v.Data
		}
		result.Outputs = append(result.Outputs, out)
	}
	log.V(2).Info("Lowered layer", "name", spec.Name, "primitives", len(g.Primitives()))

	if opts.Dump != "" {
		if err := dumpGraph(ctx, opts, g); err != nil {
			return err
		}
	}

	if opts.Format == "json" {
		return writeJSON(w, result)
	}
	if err := dump.WriteGraph(w, g); err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, kind := range slices.Sorted(maps.Keys(result.Nodes)) {
		fmt.Fprintf(w, "%-12s %d\n", kind, result.Nodes[kind])
	}
	for _, out := range result.Outputs {
		fmt.Fprintf(w, "output t%d %v", out.Tensor, []int(out.Shape))
		if out.Values != nil {
			fmt.Fprintf(w, " %v", out.Values)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func dumpGraph(ctx context.Context, opts *RootOptions, g *graph.Graph) error {
	sink, err := dump.OpenSink(opts.Dump)
	if err != nil {
		return err
	}
	if opts.DumpFormat == "safetensors" {
		_, err = dump.GraphSafeTensors(ctx, sink, g, g.Name)
	} else {
		var f dump.Format
		if f, err = dump.ParseFormat(opts.DumpFormat); err == nil {
			_, err = dump.GraphTensors(ctx, sink, g, g.Name+"_", f)
		}
	}
	if err != nil {
		return fmt.Errorf("dumping tensors: %w", err)
	}
	var sb strings.Builder
	if err := dump.WriteGraph(&sb, g); err != nil {
		return err
	}
	return sink.Put(ctx, g.Name+".graph.txt", []byte(sb.String()))
}
