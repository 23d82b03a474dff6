package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/dump"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/nbg"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/prepost"
	"github.com/born-ml/graphlower/internal/tensor"
	"github.com/spf13/cobra"
)

type preprocessOptions struct {
	config   string
	inputs   []string
	enable   []int
	cropOnly []int
	compile  bool
}

// BoundaryResult reports a flattened graph boundary.
type BoundaryResult struct {
	Declared []graph.TensorID `json:"declared"`
	Inputs   []string         `json:"inputs"`
	Outputs  []string         `json:"outputs"`
	Compiled *CompiledResult  `json:"compiled,omitempty"`
}

// CompiledResult reports the parameter list of a compiled graph.
type CompiledResult struct {
	Params []string `json:"params"`
}

// NewPreProcessCommand creates the preprocess command.
func NewPreProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &preprocessOptions{}
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Splice adapters into a graph and flatten its boundary",
		Long: `Build a graph with one pass-through input per --input shape, splice in
the adapters listed in --config, and print the physical boundary a compiled
graph would be bound with.

Adapters are addressed by input index. --enable selects which adapters are
expanded into their kernel parameters (all when omitted); --crop-only limits
an adapter to its crop origin scalars.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreProcess(cmd.Context(), cmd.OutOrStdout(), rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.config, "config", "", "adapter YAML file")
	cmd.Flags().StringArrayVar(&opts.inputs, "input", nil, "graph input shape, e.g. 8,6,3,1 (repeatable)")
	cmd.Flags().IntSliceVar(&opts.enable, "enable", nil, "input indexes whose adapters are expanded")
	cmd.Flags().IntSliceVar(&opts.cropOnly, "crop-only", nil, "input indexes whose adapters expose only the crop origin")
	cmd.Flags().BoolVar(&opts.compile, "compile", false, "compile the graph and print its parameter list")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// ParseShape parses a comma-separated shape.
func ParseShape(s string) (tensor.Shape, error) {
	var shape tensor.Shape
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: shape %q: %w", graph.ErrConfig, s, err)
		}
		shape = append(shape, d)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: shape %q: %w", graph.ErrConfig, s, err)
	}
	return shape, nil
}

// passThroughGraph returns a graph with one input per shape, each converted
// into a declared output.
func passThroughGraph(shapes []tensor.Shape) (*graph.Graph, error) {
	g := graph.New(ops.NewRegistry(), graph.WithName("preprocess"))
	for _, s := range shapes {
		in, err := g.AddTensor(tensor.NewAttr(s, tensor.Float32DType()))
		if err != nil {
			return nil, err
		}
		out, err := g.AddTensor(tensor.AutoAttr(tensor.Float32DType(), false))
		if err != nil {
			return nil, err
		}
		if _, err := g.AddNode(ops.KindDataConvert, []graph.TensorID{in}, []graph.TensorID{out}, nil); err != nil {
			return nil, err
		}
		g.Inputs.Append(in)
		g.Outputs.Append(out)
	}
	return g, nil
}

func runPreProcess(ctx context.Context, w io.Writer, root *RootOptions, opts *preprocessOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := prepost.LoadConfig(opts.config)
	if err != nil {
		return err
	}
	shapes := make([]tensor.Shape, len(opts.inputs))
	for i, s := range opts.inputs {
		if shapes[i], err = ParseShape(s); err != nil {
			return err
		}
	}
	g, err := passThroughGraph(shapes)
	if err != nil {
		return err
	}
	// Output adapters need resolved output shapes.
	if err := g.Setup(); err != nil {
		return err
	}
	if err := cfg.Apply(g); err != nil {
		return err
	}
	if err := g.Setup(); err != nil {
		return err
	}

	var adapters []nbg.Adapter
	for _, n := range g.Nodes() {
		if n.Kind != ops.KindPreProcess {
			continue
		}
		idx := int(n.UID - ops.PreProcessUIDBase)
		if opts.enable != nil && !slices.Contains(opts.enable, idx) {
			continue
		}
		adapters = append(adapters, nbg.Adapter{UID: n.UID, StartOnly: slices.Contains(opts.cropOnly, idx)})
	}
	drv := driver.NewMemory()
	if err := nbg.IdentifyWithAdapters(g, drv, adapters...); err != nil {
		return err
	}
	b, _ := drv.Boundary(g)
	result := BoundaryResult{
		Declared: g.Inputs.IDs(),
		Inputs:   refStrings(b.Inputs),
		Outputs:  refStrings(b.Outputs),
	}
	if opts.compile {
		_, n, err := drv.Compile(g)
		if err != nil {
			return err
		}
		params, err := drv.NodeParams(n)
		if err != nil {
			return err
		}
		result.Compiled = &CompiledResult{}
		for _, p := range params {
			result.Compiled.Params = append(result.Compiled.Params, fmt.Sprintf("%s:%s", p.Direction, p.Ref))
		}
	}

	if root.Dump != "" {
		if err := dumpGraph(ctx, root, g); err != nil {
			return err
		}
	}

	if root.Format == "json" {
		return writeJSON(w, result)
	}
	if err := dump.WriteGraph(w, g); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nboundary inputs  %s\n", strings.Join(result.Inputs, " "))
	fmt.Fprintf(w, "boundary outputs %s\n", strings.Join(result.Outputs, " "))
	if result.Compiled != nil {
		fmt.Fprintf(w, "compiled params  %s\n", strings.Join(result.Compiled.Params, " "))
	}
	return nil
}

func refStrings(refs []driver.Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}
