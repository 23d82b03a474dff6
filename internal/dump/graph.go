package dump

import (
	"fmt"
	"io"
	"strings"

	"github.com/born-ml/graphlower/internal/graph"
)

// WriteGraph writes a deterministic text description of g: its boundary,
// every live tensor, and every node with composite internals indented
// under their owner.
func WriteGraph(w io.Writer, g *graph.Graph) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s\n", g.Name)
	fmt.Fprintf(&sb, "inputs %s\n", ids(g.Inputs.IDs()))
	fmt.Fprintf(&sb, "outputs %s\n", ids(g.Outputs.IDs()))
	if g.CompleteSignal != graph.NoTensor {
		fmt.Fprintf(&sb, "complete t%d\n", g.CompleteSignal)
	}
	for _, id := range g.TensorIDs() {
		fmt.Fprintf(&sb, "t%d %s\n", id, g.Tensor(id).Attr())
	}
	var walk func(nodes []*graph.Node, depth int)
	walk = func(nodes []*graph.Node, depth int) {
		for _, n := range nodes {
			fmt.Fprintf(&sb, "%s%s %s\n", strings.Repeat("  ", depth), n.Kind, n)
			if n.Composite() {
				walk(n.Workspace().Nodes(), depth+1)
			}
		}
	}
	walk(g.Nodes(), 0)
	_, err := io.WriteString(w, sb.String())
	return err
}

func ids(list []graph.TensorID) string {
	parts := make([]string, len(list))
	for i, id := range list {
		parts[i] = fmt.Sprintf("t%d", id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
